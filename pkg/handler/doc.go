// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the hooks that link the connection pump to
// application policy.
//
// # Connection Lifecycle
//
//	Client → Handshake → Route → AuthConnect → Dial → OnConnect → Forward → OnDisconnect
//
// AuthConnect may reject a connection (rate limits, deny lists). OnConnect and
// OnDisconnect are notifications for audit logging or metrics. OnDisconnect
// runs only for connections that reached OnConnect.
//
// # Context
//
// The Context struct carries session metadata across all handler calls:
//   - SessionID: Unique identifier for this connection
//   - RemoteAddr, ListenAddr: Client and proxy addresses
//   - Domain, ProtocolVersion, ServerPort, NextState: Handshake fields
//   - Upstream: Selected backend
//   - BytesUpstream, BytesDownstream: Forwarded byte counts
//
// # Example
//
//	type DenyList struct {
//		handler.NoopHandler
//		blocked map[string]bool
//	}
//
//	func (d *DenyList) AuthConnect(ctx context.Context, hctx *handler.Context) error {
//		if d.blocked[hctx.ClientIP()] {
//			return errors.ErrUnauthorized
//		}
//		return nil
//	}
package handler
