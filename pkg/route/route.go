// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package route maps handshake domains to backend servers and resolves
// backend addresses.
package route

import "strings"

// DefaultBufferSize is the forwarding buffer size used when a route does not
// set one.
const DefaultBufferSize = 8192

// Route is one virtual host entry. It is immutable once loaded.
type Route struct {
	// Listen is the address the route is served on. Matching ignores it.
	Listen string

	// ServerNames are the domains that select this route.
	ServerNames []string

	// ProxyPass is the backend address (host:port).
	ProxyPass string

	// BufferSize is the per-direction forwarding buffer size; 0 means
	// DefaultBufferSize.
	BufferSize int

	// SendProxyProtocol prefixes the backend stream with a PROXY v2 header.
	SendProxyProtocol bool
}

// ForwardBufferSize returns the buffer size to forward this route with.
func (r Route) ForwardBufferSize() int {
	if r.BufferSize > 0 {
		return r.BufferSize
	}
	return DefaultBufferSize
}

type entry struct {
	names []string
	route Route
}

// Table is a read-only, ordered list of routes. It is safe for concurrent use.
type Table struct {
	entries []entry
}

// NewTable builds a table. Order is preserved: the first route naming a
// domain wins.
func NewTable(routes []Route) *Table {
	t := &Table{entries: make([]entry, 0, len(routes))}
	for _, r := range routes {
		e := entry{route: r, names: make([]string, 0, len(r.ServerNames))}
		for _, name := range r.ServerNames {
			e.names = append(e.names, Normalize(name))
		}
		t.entries = append(t.entries, e)
	}
	return t
}

// Find returns the first route with a server name matching domain. The
// domain is cut at its first NUL byte, and both sides are compared without
// a trailing dot, ignoring case.
func (t *Table) Find(domain string) (Route, bool) {
	domain = Normalize(TrimAtNUL(domain))
	for _, e := range t.entries {
		for _, name := range e.names {
			if name == domain {
				return e.route, true
			}
		}
	}
	return Route{}, false
}

// Routes returns the routes in table order.
func (t *Table) Routes() []Route {
	out := make([]Route, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.route
	}
	return out
}

// Backends returns one route per distinct ProxyPass, in table order.
func (t *Table) Backends() []Route {
	seen := make(map[string]struct{}, len(t.entries))
	var out []Route
	for _, e := range t.entries {
		if _, ok := seen[e.route.ProxyPass]; ok {
			continue
		}
		seen[e.route.ProxyPass] = struct{}{}
		out = append(out, e.route)
	}
	return out
}

// TrimAtNUL returns domain up to, not including, its first NUL byte.
// Forge and BungeeCord style clients append NUL separated data to the host.
func TrimAtNUL(domain string) string {
	if i := strings.IndexByte(domain, 0); i >= 0 {
		return domain[:i]
	}
	return domain
}

// Normalize folds ASCII letters to lower case and removes every trailing
// dot. Non-ASCII bytes are left untouched.
func Normalize(name string) string {
	b := []byte(strings.TrimRight(name, "."))
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + 'a' - 'A'
		}
	}
	return string(b)
}
