// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements the connection pump of mcproxy.
//
// # Overview
//
// A Server accepts Minecraft client connections on one listen address,
// decodes the first handshake frame, picks a backend by the handshake
// domain and then relays raw bytes in both directions.
//
//	┌─────────┐         ┌─────────┐         ┌─────────┐
//	│ Client  │ ←─TCP─→ │  Server │ ←─TCP─→ │ Backend │
//	└─────────┘         └─────────┘         └─────────┘
//	                         ↓
//	             ┌───────────┴───────────┐
//	             │ route.Table, Resolver │
//	             │ breaker.Group         │
//	             │ handler.Handler       │
//	             └───────────────────────┘
//
// # Connection Flow
//
//  1. Accept (optionally paced by AcceptRate and unwrapped from a PROXY header)
//  2. Read one handshake frame within HandshakeTimeout
//  3. Match the domain, cut at the first NUL, against the route table
//  4. Call handler.AuthConnect
//  5. Resolve the backend and dial it through its circuit breaker
//  6. Write the optional PROXY v2 header, the re-encoded handshake and every
//     byte read past the handshake to the backend in one write
//  7. Call handler.OnConnect and forward in both directions
//  8. Call handler.OnDisconnect with the byte counts
//
// A connection that fails any step before forwarding is closed without a
// reply and the backend is never contacted past that step.
//
// # Forwarding
//
// Each direction runs in its own goroutine with a pooled buffer of the
// route's buffer size. When one side reaches EOF the write side of the other
// socket is shut down, so half-closed sessions keep flowing the other way.
//
// # Graceful Shutdown
//
// When the context is cancelled:
//
//  1. Server stops accepting new connections
//  2. Server waits for existing connections (with timeout)
//  3. After ShutdownTimeout, forcefully closes remaining connections
//  4. Returns ErrShutdownTimeout if timeout exceeded
//
// # Example
//
//	table := route.NewTable([]route.Route{{
//		Listen:      "0.0.0.0:25565",
//		ServerNames: []string{"mc.example.com"},
//		ProxyPass:   "10.0.0.5:25565",
//	}})
//	server := tcp.New(tcp.Config{
//		Address: "0.0.0.0:25565",
//		Routes:  table,
//		Logger:  logger,
//	}, handler)
//	if err := server.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
package tcp
