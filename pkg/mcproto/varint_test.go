// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mcproto

import (
	"bytes"
	"errors"
	"math"
	"testing"
)

func TestWriteVarInt(t *testing.T) {
	tests := []struct {
		name  string
		value int32
		want  []byte
	}{
		{"zero", 0, []byte{0x00}},
		{"one", 1, []byte{0x01}},
		{"max single byte", 127, []byte{0x7F}},
		{"two bytes", 128, []byte{0x80, 0x01}},
		{"300", 300, []byte{0xAC, 0x02}},
		{"25565", 25565, []byte{0xDD, 0xC7, 0x01}},
		{"max int32", math.MaxInt32, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0x07}},
		{"minus one", -1, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0x0F}},
		{"min int32", math.MinInt32, []byte{0x80, 0x80, 0x80, 0x80, 0x08}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuffer(1)
			b.WriteVarInt(tt.value)
			if !bytes.Equal(b.Bytes(), tt.want) {
				t.Errorf("WriteVarInt(%d) = % X, want % X", tt.value, b.Bytes(), tt.want)
			}
			if got := VarIntSize(tt.value); got != len(tt.want) {
				t.Errorf("VarIntSize(%d) = %d, want %d", tt.value, got, len(tt.want))
			}
		})
	}
}

func TestVarInt_RoundTrip(t *testing.T) {
	values := []int32{
		0, 1, -1, 2, -2, 127, 128, 255, 256, 2097151, 2097152, 25565,
		-1599979007, math.MaxInt32, math.MinInt32, math.MaxInt32 - 1, math.MinInt32 + 1,
	}
	for shift := 0; shift < 32; shift++ {
		values = append(values, int32(uint32(1)<<shift), -int32(uint32(1)<<shift))
	}

	b := NewBuffer(MaxVarIntLen)
	for _, v := range values {
		b.Reset()
		b.WriteVarInt(v)
		if b.Len() > MaxVarIntLen {
			t.Fatalf("encoding of %d is %d bytes", v, b.Len())
		}
		got, n, err := DecodeVarInt(b.Bytes())
		if err != nil {
			t.Fatalf("DecodeVarInt(% X) error = %v", b.Bytes(), err)
		}
		if got != v || n != b.Len() {
			t.Errorf("round trip of %d = (%d, %d), want (%d, %d)", v, got, n, v, b.Len())
		}
	}
}

func TestDecodeVarInt_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  error
	}{
		{"empty", nil, ErrInsufficient},
		{"unterminated", []byte{0x80}, ErrInsufficient},
		{"unterminated four bytes", []byte{0xFF, 0xFF, 0xFF, 0xFF}, ErrInsufficient},
		{"six bytes", []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x01}, ErrInvalid},
		{"five continuation bytes", []byte{0x80, 0x80, 0x80, 0x80, 0x80}, ErrInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, n, err := DecodeVarInt(tt.input)
			if !errors.Is(err, tt.want) {
				t.Errorf("DecodeVarInt(% X) error = %v, want %v", tt.input, err, tt.want)
			}
			if n != 0 {
				t.Errorf("DecodeVarInt(% X) consumed %d bytes on error", tt.input, n)
			}
		})
	}
}

func TestDecodeVarInt_TrailingBytes(t *testing.T) {
	v, n, err := DecodeVarInt([]byte{0xAC, 0x02, 0x55, 0x66})
	if err != nil {
		t.Fatalf("DecodeVarInt() error = %v", err)
	}
	if v != 300 || n != 2 {
		t.Errorf("DecodeVarInt() = (%d, %d), want (300, 2)", v, n)
	}
}
