// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package proxy wires route configuration, backend resolution, circuit
// breakers and TCP servers into one running mcproxy instance.
//
// # Architecture
//
//	Application
//	     ↓
//	┌─────────────┐
//	│   Proxy     │  one per process
//	└─────────────┘
//	     ↓ one per distinct listen address
//	┌─────────────┐
//	│ tcp.Server  │
//	└─────────────┘
//	     ↓ shared by all servers
//	┌──────────────────────────────────────┐
//	│ route.Table, route.Resolver,         │
//	│ breaker.Group, pool.Pool             │
//	└──────────────────────────────────────┘
//
// Routing ignores the listen address a connection arrived on: every listener
// serves the whole route table.
//
// # Startup
//
//	p := proxy.New(proxy.Config{Routes: cfg.Routes(), Logger: logger}, h)
//	if err := p.Bind(); err != nil {
//		// errors.Is(err, errors.ErrListen)
//	}
//	p.Warm(ctx)
//	err := p.Serve(ctx)
//
// Bind opens every listener before any of them serves, so a bad address fails
// the whole process before clients are accepted. Warm resolves each distinct
// backend once; backends that fail are resolved lazily on first use.
package proxy
