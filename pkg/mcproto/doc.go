// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mcproto implements the subset of the Minecraft Java Edition wire
// protocol that a routing proxy needs: VarInt and field codecs, packet
// framing, and an incremental reader tolerant of arbitrary TCP fragmentation.
//
// # Wire Format
//
//	frame     = VarInt length || VarInt packet_id || payload
//	length    = len(packet_id) + len(payload)
//	handshake = VarInt protocol_version || String domain || UInt16 port || VarInt next_state
//	String    = VarInt byte_length || UTF-8 bytes
//
// # Decoding
//
// Stream owns a single receive buffer. Field decoders work only on bytes that
// are already buffered and are all-or-nothing: on ErrInsufficient nothing is
// consumed, so the caller refills and retries the identical call.
//
//	s := mcproto.NewStream(conn, mcproto.DefaultBufferSize)
//	var hs mcproto.Handshake
//	if err := s.ReadPacket(&hs); err != nil {
//		return err
//	}
//	rest := s.TakeBuffer() // bytes received past the handshake
//
// Error kinds:
//   - ErrInsufficient: retryable, read more and decode again
//   - ErrInvalid: malformed data, drop the connection
//   - ErrClosed: the peer went away mid-frame
//
// # Packets
//
// A packet type lists its fields in wire order:
//
//	func (h *Handshake) Fields() []Field {
//		return []Field{
//			VarInt(&h.ProtocolVersion),
//			String(&h.Domain),
//			Uint16(&h.ServerPort),
//			VarInt(&h.NextState),
//		}
//	}
//
// The same table drives decoding (Stream.ReadData) and encoding (MakeFrame).
// Payload decoding is bounded by the frame length.
package mcproto
