// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mcproto

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// Field binds one wire field to the Go value backing it. A packet lists its
// fields in wire order; that list is the packet's decoder and encoder.
type Field interface {
	// Decode reads the field from the stream's buffered bytes. It must not
	// consume anything when it fails.
	Decode(s *Stream) error
	// Encode appends the field to b.
	Encode(b *Buffer) error
}

// DecodeFields decodes fields in order and returns the first error.
func DecodeFields(s *Stream, fields ...Field) error {
	for _, f := range fields {
		if err := f.Decode(s); err != nil {
			return err
		}
	}
	return nil
}

// EncodeFields encodes fields in order, stopping at the first failure.
func EncodeFields(b *Buffer, fields ...Field) error {
	for _, f := range fields {
		if err := f.Encode(b); err != nil {
			return err
		}
	}
	return nil
}

// VarInt returns the VarInt codec for v.
func VarInt(v *int32) Field { return varIntField{v} }

// String returns the length-prefixed UTF-8 codec for v.
func String(v *string) Field { return stringField{v} }

// Uint16 returns the big-endian unsigned short codec for v.
func Uint16(v *uint16) Field { return uint16Field{v} }

// Bool returns the one-byte boolean codec for v.
func Bool(v *bool) Field { return boolField{v} }

// UUID returns the 16-byte UUID codec for v.
func UUID(v *uuid.UUID) Field { return uuidField{v} }

type varIntField struct{ v *int32 }

func (f varIntField) Decode(s *Stream) error {
	v, err := s.ReadVarInt()
	if err != nil {
		return err
	}
	*f.v = v
	return nil
}

func (f varIntField) Encode(b *Buffer) error {
	b.WriteVarInt(*f.v)
	return nil
}

type stringField struct{ v *string }

func (f stringField) Decode(s *Stream) error {
	v, err := s.ReadString()
	if err != nil {
		return err
	}
	*f.v = v
	return nil
}

func (f stringField) Encode(b *Buffer) error {
	b.WriteVarInt(int32(len(*f.v)))
	b.Write([]byte(*f.v))
	return nil
}

type uint16Field struct{ v *uint16 }

func (f uint16Field) Decode(s *Stream) error {
	v, err := s.ReadUint16()
	if err != nil {
		return err
	}
	*f.v = v
	return nil
}

func (f uint16Field) Encode(b *Buffer) error {
	var p [2]byte
	binary.BigEndian.PutUint16(p[:], *f.v)
	b.Write(p[:])
	return nil
}

type boolField struct{ v *bool }

func (f boolField) Decode(s *Stream) error {
	v, err := s.ReadBool()
	if err != nil {
		return err
	}
	*f.v = v
	return nil
}

func (f boolField) Encode(b *Buffer) error {
	if *f.v {
		return b.WriteByte(1)
	}
	return b.WriteByte(0)
}

type uuidField struct{ v *uuid.UUID }

func (f uuidField) Decode(s *Stream) error {
	v, err := s.ReadUUID()
	if err != nil {
		return err
	}
	*f.v = v
	return nil
}

func (f uuidField) Encode(b *Buffer) error {
	b.Write(f.v[:])
	return nil
}
