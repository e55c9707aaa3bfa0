// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mcproto

import "github.com/google/uuid"

// Packet ids used by this package.
const (
	HandshakeID  int32 = 0x00
	LoginStartID int32 = 0x00
)

// State is the protocol state a client asks for in its handshake.
type State int32

const (
	StateStatus   State = 1
	StateLogin    State = 2
	StateTransfer State = 3
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateStatus:
		return "status"
	case StateLogin:
		return "login"
	case StateTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// Handshake is the first packet a client sends (client to server, id 0).
type Handshake struct {
	ProtocolVersion int32
	// Domain is the virtual host the client connects to. Proxies and mod
	// loaders may append NUL separated data after the host name.
	Domain     string
	ServerPort uint16
	NextState  int32
}

var _ Packet = (*Handshake)(nil)

func (h *Handshake) PacketID() int32 { return HandshakeID }

func (h *Handshake) Fields() []Field {
	return []Field{
		VarInt(&h.ProtocolVersion),
		String(&h.Domain),
		Uint16(&h.ServerPort),
		VarInt(&h.NextState),
	}
}

// State returns NextState as a State.
func (h *Handshake) State() State {
	return State(h.NextState)
}

// LoginStart is the first packet of the login state (client to server, id 0).
type LoginStart struct {
	Name       string
	HasUUID    bool
	PlayerUUID uuid.UUID
}

var _ Packet = (*LoginStart)(nil)

func (l *LoginStart) PacketID() int32 { return LoginStartID }

func (l *LoginStart) Fields() []Field {
	return []Field{
		String(&l.Name),
		Bool(&l.HasUUID),
		UUID(&l.PlayerUUID),
	}
}
