// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"net"

	"github.com/absmach/mcproxy/pkg/mcproto"
)

// Context contains connection metadata collected from the handshake.
// It is passed to every Handler method of one connection.
type Context struct {
	// SessionID is a unique identifier for this connection
	SessionID string

	// RemoteAddr is the client's network address. With PROXY protocol on the
	// listener this is the address the load balancer reported.
	RemoteAddr string

	// ListenAddr is the proxy address the client connected to
	ListenAddr string

	// Domain is the handshake domain, cut at its first NUL byte
	Domain string

	// ProtocolVersion, ServerPort and NextState come from the handshake
	ProtocolVersion int32
	ServerPort      uint16
	NextState       mcproto.State

	// Upstream is the ProxyPass of the selected route
	Upstream string

	// BytesUpstream and BytesDownstream are filled in before OnDisconnect
	BytesUpstream   int64
	BytesDownstream int64
}

// ClientIP returns the host part of RemoteAddr.
func (c *Context) ClientIP() string {
	host, _, err := net.SplitHostPort(c.RemoteAddr)
	if err != nil {
		return c.RemoteAddr
	}
	return host
}

// Handler defines authorization and notification callbacks for a proxied
// connection.
//
// AuthConnect is called after the handshake has been routed and BEFORE the
// backend is dialed. Returning an error drops the connection.
//
// OnConnect and OnDisconnect are notifications; their errors are logged but
// do not affect the connection.
type Handler interface {
	// AuthConnect authorizes a routed client connection.
	AuthConnect(ctx context.Context, hctx *Context) error

	// OnConnect is called once the handshake has been replayed to the backend
	// and forwarding starts.
	OnConnect(ctx context.Context, hctx *Context) error

	// OnDisconnect is called after both forwarding directions have stopped.
	OnDisconnect(ctx context.Context, hctx *Context) error
}

// NoopHandler is a Handler implementation that allows all connections.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) AuthConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnDisconnect(ctx context.Context, hctx *Context) error {
	return nil
}
