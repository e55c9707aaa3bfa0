// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mcproto

import "io"

// DefaultBufferSize is the initial capacity of scratch buffers.
const DefaultBufferSize = 1024

// Buffer is an append-only write buffer used to build outgoing frames.
// Only the written prefix is ever exposed.
type Buffer struct {
	array    []byte
	position int
}

var (
	_ io.Writer     = (*Buffer)(nil)
	_ io.ByteWriter = (*Buffer)(nil)
)

// NewBuffer creates a buffer with the given initial capacity.
func NewBuffer(size int) *Buffer {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Buffer{array: make([]byte, size)}
}

// WriteByte appends one byte, doubling the capacity when full. It never fails.
func (b *Buffer) WriteByte(c byte) error {
	if b.position == len(b.array) {
		b.grow(1)
	}
	b.array[b.position] = c
	b.position++
	return nil
}

// Write appends p. It never fails.
func (b *Buffer) Write(p []byte) (int, error) {
	if len(b.array)-b.position < len(p) {
		b.grow(len(p))
	}
	n := copy(b.array[b.position:], p)
	b.position += n
	return n, nil
}

// Bytes returns the written prefix without copying. It is valid until the
// next write or Reset.
func (b *Buffer) Bytes() []byte {
	return b.array[:b.position]
}

// Len returns the number of written bytes.
func (b *Buffer) Len() int {
	return b.position
}

// Reset empties the buffer while keeping its allocation.
func (b *Buffer) Reset() {
	b.position = 0
}

func (b *Buffer) grow(need int) {
	size := len(b.array) * 2
	if size == 0 {
		size = DefaultBufferSize
	}
	for size-b.position < need {
		size *= 2
	}
	array := make([]byte, size)
	copy(array, b.array[:b.position])
	b.array = array
}
