// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mcproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Signature is the frame header preceding a packet payload.
type Signature struct {
	// Length counts the packet id and the payload, in bytes.
	Length   int
	PacketID int32

	// idLen is the encoded size of PacketID as it was read.
	idLen int
}

// Stream wraps one duplex connection with a single reusable receive buffer.
//
// The buffer is split into three regions:
//
//	[0, position)      consumed, may be overwritten
//	[position, free)   buffered, not yet decoded
//	[free, cap)        free space for the next network read
//
// When the free region is empty the buffered bytes are moved to offset 0
// before the next read. The array only grows when that leaves no room.
type Stream struct {
	rw       io.ReadWriter
	buffer   []byte
	position int
	free     int

	// limit bounds decoding to the current frame; -1 when unbounded.
	limit int
}

// NewStream creates a stream over rw with the given initial buffer size.
func NewStream(rw io.ReadWriter, size int) *Stream {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Stream{
		rw:     rw,
		buffer: make([]byte, size),
		limit:  -1,
	}
}

// Buffered returns the number of buffered, not yet consumed bytes.
func (s *Stream) Buffered() int {
	return s.free - s.position
}

// TakeBuffer returns a copy of the buffered, not yet consumed bytes without
// consuming them.
func (s *Stream) TakeBuffer() []byte {
	out := make([]byte, s.free-s.position)
	copy(out, s.buffer[s.position:s.free])
	return out
}

// FillFromSource performs at least one read from the connection and keeps
// reading until at least required bytes are buffered. A zero-length read or
// io.EOF yields ErrClosed; any other transport error is returned wrapped.
func (s *Stream) FillFromSource(required int) error {
	for {
		s.makeRoom(required)
		n, err := s.rw.Read(s.buffer[s.free:])
		s.free += n
		if err != nil {
			// The error repeats on the next read; keep what already arrived.
			if n > 0 && s.Buffered() >= required {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return ErrClosed
			}
			return fmt.Errorf("mcproto: read: %w", err)
		}
		if n == 0 {
			return ErrClosed
		}
		if s.Buffered() >= required {
			return nil
		}
	}
}

// makeRoom guarantees free space for the next read and enough capacity to
// hold required buffered bytes.
func (s *Stream) makeRoom(required int) {
	if s.free < len(s.buffer) && len(s.buffer)-s.position >= required {
		return
	}
	if s.position > 0 {
		n := copy(s.buffer, s.buffer[s.position:s.free])
		s.position = 0
		s.free = n
	}
	if s.free < len(s.buffer) && len(s.buffer) >= required {
		return
	}
	size := len(s.buffer) * 2
	for size < required+1 {
		size *= 2
	}
	buffer := make([]byte, size)
	copy(buffer, s.buffer[:s.free])
	s.buffer = buffer
}

// end is the exclusive bound of decodable bytes.
func (s *Stream) end() int {
	if s.limit >= 0 {
		return s.limit
	}
	return s.free
}

func (s *Stream) available() []byte {
	return s.buffer[s.position:s.end()]
}

// ReadByte decodes a single byte.
func (s *Stream) ReadByte() (byte, error) {
	p := s.available()
	if len(p) < 1 {
		return 0, ErrInsufficient
	}
	s.position++
	return p[0], nil
}

// ReadBool decodes a one-byte boolean; any non-zero byte is true.
func (s *Stream) ReadBool() (bool, error) {
	b, err := s.ReadByte()
	return b != 0, err
}

// ReadUint16 decodes a big-endian unsigned short.
func (s *Stream) ReadUint16() (uint16, error) {
	p := s.available()
	if len(p) < 2 {
		return 0, ErrInsufficient
	}
	s.position += 2
	return binary.BigEndian.Uint16(p), nil
}

// ReadVarInt decodes a VarInt.
func (s *Stream) ReadVarInt() (int32, error) {
	v, n, err := DecodeVarInt(s.available())
	if err != nil {
		return 0, err
	}
	s.position += n
	return v, nil
}

// ReadString decodes a VarInt length followed by that many UTF-8 bytes.
// Neither the length nor the bytes are consumed unless the whole string is
// buffered.
func (s *Stream) ReadString() (string, error) {
	p := s.available()
	length, n, err := DecodeVarInt(p)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", ErrInvalid
	}
	if int(length) > len(p)-n {
		return "", ErrInsufficient
	}
	raw := p[n : n+int(length)]
	if !utf8.Valid(raw) {
		return "", ErrInvalid
	}
	s.position += n + int(length)
	return string(raw), nil
}

// ReadUUID decodes 16 raw bytes.
func (s *Stream) ReadUUID() (uuid.UUID, error) {
	p := s.available()
	if len(p) < 16 {
		return uuid.Nil, ErrInsufficient
	}
	id, err := uuid.FromBytes(p[:16])
	if err != nil {
		return uuid.Nil, ErrInvalid
	}
	s.position += 16
	return id, nil
}

// ReadSignature reads the length and packet id of the next frame, reading
// from the connection as often as needed.
func (s *Stream) ReadSignature() (Signature, error) {
	length, _, err := s.readVarIntFilling()
	if err != nil {
		return Signature{}, err
	}
	if length < 0 {
		return Signature{}, ErrInvalid
	}
	id, n, err := s.readVarIntFilling()
	if err != nil {
		return Signature{}, err
	}
	return Signature{Length: int(length), PacketID: id, idLen: n}, nil
}

func (s *Stream) readVarIntFilling() (int32, int, error) {
	for {
		v, n, err := DecodeVarInt(s.available())
		if err == nil {
			s.position += n
			return v, n, nil
		}
		if !errors.Is(err, ErrInsufficient) {
			return 0, 0, err
		}
		if err := s.FillFromSource(0); err != nil {
			return 0, 0, err
		}
	}
}

// ReadData decodes the payload of a frame whose signature was just read.
// Decoding is bounded to the frame: running past its end or leaving bytes
// unread is ErrInvalid.
func (s *Stream) ReadData(sig Signature, p Packet) error {
	idLen := sig.idLen
	if idLen == 0 {
		idLen = VarIntSize(sig.PacketID)
	}
	payload := sig.Length - idLen
	if payload < 0 {
		return ErrInvalid
	}
	if s.Buffered() < payload {
		if err := s.FillFromSource(payload); err != nil {
			return err
		}
	}

	start := s.position
	s.limit = s.position + payload
	defer func() { s.limit = -1 }()

	if err := DecodeFields(s, p.Fields()...); err != nil {
		s.position = start
		if errors.Is(err, ErrInsufficient) {
			return ErrInvalid
		}
		return err
	}
	if s.position != s.limit {
		s.position = start
		return ErrInvalid
	}
	return nil
}

// ReadPacket reads one whole frame into p. The frame's packet id must match.
func (s *Stream) ReadPacket(p Packet) error {
	sig, err := s.ReadSignature()
	if err != nil {
		return err
	}
	if sig.PacketID != p.PacketID() {
		return fmt.Errorf("%w: unexpected packet id %d", ErrInvalid, sig.PacketID)
	}
	return s.ReadData(sig, p)
}

// WritePacket frames p and writes it to the connection.
func (s *Stream) WritePacket(p Packet) error {
	frame, err := MakeFrame(p)
	if err != nil {
		return err
	}
	_, err = s.rw.Write(frame)
	return err
}
