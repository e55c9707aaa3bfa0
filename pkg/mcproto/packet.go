// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mcproto

import "io"

// Packet is a struct with a known packet id and an ordered field table.
type Packet interface {
	PacketID() int32
	Fields() []Field
}

// MakeFrame encodes p as length || packet id || payload. It fails only if one
// of the packet's field encoders fails.
func MakeFrame(p Packet) ([]byte, error) {
	payload := NewBuffer(DefaultBufferSize)
	if err := EncodeFields(payload, p.Fields()...); err != nil {
		return nil, err
	}

	id := NewBuffer(MaxVarIntLen)
	id.WriteVarInt(p.PacketID())

	length := NewBuffer(MaxVarIntLen)
	length.WriteVarInt(int32(id.Len() + payload.Len()))

	frame := make([]byte, 0, length.Len()+id.Len()+payload.Len())
	frame = append(frame, length.Bytes()...)
	frame = append(frame, id.Bytes()...)
	frame = append(frame, payload.Bytes()...)
	return frame, nil
}

// WritePacket frames p and writes it to w in a single call.
func WritePacket(w io.Writer, p Packet) error {
	frame, err := MakeFrame(p)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}
