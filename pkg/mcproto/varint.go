// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mcproto

import (
	"errors"
	"fmt"

	perrors "github.com/absmach/mcproxy/pkg/errors"
)

const (
	segmentBits = 0x7F
	continueBit = 0x80

	// MaxVarIntLen is the maximum encoded size of a VarInt.
	MaxVarIntLen = 5
)

var (
	// ErrInsufficient is returned when the buffered bytes end before a field does.
	// Nothing is consumed; the same call succeeds once more bytes are buffered.
	ErrInsufficient = errors.New("mcproto: insufficient data")

	// ErrInvalid is returned for data that can never decode, no matter how much
	// more is read.
	ErrInvalid = fmt.Errorf("mcproto: %w", perrors.ErrProtocolViolation)

	// ErrClosed is returned when the peer closes the connection while a frame
	// is still incomplete.
	ErrClosed = fmt.Errorf("mcproto: %w", perrors.ErrConnectionClosed)
)

// DecodeVarInt decodes a VarInt from the start of p and returns the value and
// the number of bytes it occupied.
func DecodeVarInt(p []byte) (int32, int, error) {
	var value uint32
	for i := 0; i < MaxVarIntLen; i++ {
		if i >= len(p) {
			return 0, 0, ErrInsufficient
		}
		b := p[i]
		value |= uint32(b&segmentBits) << (7 * i)
		if b&continueBit == 0 {
			return int32(value), i + 1, nil
		}
	}
	return 0, 0, ErrInvalid
}

// VarIntSize returns the number of bytes v occupies on the wire.
func VarIntSize(v int32) int {
	u := uint32(v)
	n := 1
	for u&^segmentBits != 0 {
		u >>= 7
		n++
	}
	return n
}

// WriteVarInt appends the VarInt encoding of v.
func (b *Buffer) WriteVarInt(v int32) {
	u := uint32(v)
	for u&^segmentBits != 0 {
		b.WriteByte(byte(u&segmentBits) | continueBit)
		u >>= 7
	}
	b.WriteByte(byte(u))
}
