// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package route

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	perrors "github.com/absmach/mcproxy/pkg/errors"
	"github.com/absmach/mcproxy/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

type mockLookup struct {
	mu      sync.Mutex
	hosts   map[string][]netip.Addr
	fail    map[string]error
	calls   atomic.Int32
	release chan struct{}
}

func (m *mockLookup) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	m.calls.Add(1)
	if m.release != nil {
		select {
		case <-m.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.fail[host]; ok {
		return nil, err
	}
	return m.hosts[host], nil
}

func (m *mockLookup) LookupPort(ctx context.Context, network, service string) (int, error) {
	return strconv.Atoi(service)
}

func newTestResolver(lookup HostResolver, timeout time.Duration) *Resolver {
	return NewResolver(ResolverConfig{
		Timeout: timeout,
		Lookup:  lookup,
		Logger:  slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	})
}

func TestResolver_Literal(t *testing.T) {
	lookup := &mockLookup{}
	res := newTestResolver(lookup, time.Second)

	tests := []struct {
		proxyPass string
		want      netip.AddrPort
	}{
		{"127.0.0.1:7878", netip.MustParseAddrPort("127.0.0.1:7878")},
		{"[::1]:25565", netip.MustParseAddrPort("[::1]:25565")},
		{"[::ffff:10.0.0.1]:25565", netip.MustParseAddrPort("10.0.0.1:25565")},
	}

	for _, tt := range tests {
		up, err := res.Resolve(context.Background(), Route{ProxyPass: tt.proxyPass})
		if err != nil {
			t.Fatalf("Resolve(%q) error = %v", tt.proxyPass, err)
		}
		if up.Addr != tt.want {
			t.Errorf("Resolve(%q) = %v, want %v", tt.proxyPass, up.Addr, tt.want)
		}
		if up.BufferSize != DefaultBufferSize {
			t.Errorf("BufferSize = %d, want %d", up.BufferSize, DefaultBufferSize)
		}
	}
	if n := lookup.calls.Load(); n != 0 {
		t.Errorf("host lookups = %d, want 0 for literal addresses", n)
	}
}

func TestResolver_CachesHost(t *testing.T) {
	lookup := &mockLookup{hosts: map[string][]netip.Addr{
		"backend.local": {netip.MustParseAddr("10.1.2.3"), netip.MustParseAddr("10.1.2.4")},
	}}
	reg := prometheus.NewRegistry()
	res := NewResolver(ResolverConfig{Lookup: lookup, Metrics: metrics.New("test", reg)})

	r := Route{ProxyPass: "backend.local:25565", BufferSize: 4096}
	for i := 0; i < 3; i++ {
		up, err := res.Resolve(context.Background(), r)
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if want := netip.MustParseAddrPort("10.1.2.3:25565"); up.Addr != want {
			t.Errorf("Resolve() = %v, want %v", up.Addr, want)
		}
		if up.BufferSize != 4096 || up.ProxyPass != r.ProxyPass {
			t.Errorf("Resolve() = %+v, want route fields carried over", up)
		}
	}
	if n := lookup.calls.Load(); n != 1 {
		t.Errorf("host lookups = %d, want 1", n)
	}
	if _, ok := res.Cached(r.ProxyPass); !ok {
		t.Error("Cached() = false after successful resolve")
	}
}

func TestResolver_SingleFlight(t *testing.T) {
	lookup := &mockLookup{
		hosts:   map[string][]netip.Addr{"slow.local": {netip.MustParseAddr("10.0.0.9")}},
		release: make(chan struct{}),
	}
	res := newTestResolver(lookup, 5*time.Second)

	const callers = 10
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := res.Resolve(context.Background(), Route{ProxyPass: "slow.local:25565"})
			errs <- err
		}()
	}

	// Let every caller join the in-flight lookup before it completes.
	time.Sleep(50 * time.Millisecond)
	close(lookup.release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Resolve() error = %v", err)
		}
	}
	if n := lookup.calls.Load(); n != 1 {
		t.Errorf("host lookups = %d, want 1", n)
	}
}

func TestResolver_Timeout(t *testing.T) {
	lookup := &mockLookup{release: make(chan struct{})}
	res := newTestResolver(lookup, 20*time.Millisecond)

	start := time.Now()
	_, err := res.Resolve(context.Background(), Route{ProxyPass: "hang.local:25565"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Resolve() error = %v, want deadline exceeded", err)
	}
	if !errors.Is(err, perrors.ErrBackendUnavailable) {
		t.Errorf("Resolve() error = %v, want ErrBackendUnavailable", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Resolve() took %v, want it bounded by the timeout", elapsed)
	}
}

func TestResolver_FailureNotCached(t *testing.T) {
	lookup := &mockLookup{
		hosts: map[string][]netip.Addr{"flaky.local": {netip.MustParseAddr("10.0.0.5")}},
		fail:  map[string]error{"flaky.local": errors.New("no such host")},
	}
	res := newTestResolver(lookup, time.Second)
	r := Route{ProxyPass: "flaky.local:25565"}

	if _, err := res.Resolve(context.Background(), r); err == nil {
		t.Fatal("Resolve() error = nil, want lookup failure")
	}

	lookup.mu.Lock()
	delete(lookup.fail, "flaky.local")
	lookup.mu.Unlock()

	up, err := res.Resolve(context.Background(), r)
	if err != nil {
		t.Fatalf("Resolve() after recovery error = %v", err)
	}
	if up.Addr.Addr() != netip.MustParseAddr("10.0.0.5") {
		t.Errorf("Resolve() = %v, want 10.0.0.5", up.Addr)
	}
}

func TestResolver_Errors(t *testing.T) {
	res := newTestResolver(&mockLookup{}, time.Second)

	tests := []struct {
		name      string
		proxyPass string
	}{
		{"missing port", "backend.local"},
		{"bad port", "backend.local:http-ish"},
		{"port out of range", "127.0.0.1:70000"},
		{"no addresses", "empty.local:25565"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := res.Resolve(context.Background(), Route{ProxyPass: tt.proxyPass})
			if !errors.Is(err, perrors.ErrBackendUnavailable) {
				t.Errorf("Resolve(%q) error = %v, want ErrBackendUnavailable", tt.proxyPass, err)
			}
		})
	}
}

func TestResolver_Warm(t *testing.T) {
	lookup := &mockLookup{
		hosts: map[string][]netip.Addr{"good.local": {netip.MustParseAddr("10.0.0.1")}},
		fail:  map[string]error{"bad.local": errors.New("no such host")},
	}
	res := newTestResolver(lookup, time.Second)

	routes := []Route{
		{ProxyPass: "good.local:1"},
		{ProxyPass: "bad.local:2"},
		{ProxyPass: "good.local:1"},
		{ProxyPass: "127.0.0.1:3"},
	}
	if failed := res.Warm(context.Background(), routes); failed != 1 {
		t.Errorf("Warm() failed = %d, want 1", failed)
	}

	for _, pp := range []string{"good.local:1", "127.0.0.1:3"} {
		if _, ok := res.Cached(pp); !ok {
			t.Errorf("Cached(%q) = false after Warm()", pp)
		}
	}
	if _, ok := res.Cached("bad.local:2"); ok {
		t.Error("Cached(bad.local:2) = true, want false")
	}
	if n := lookup.calls.Load(); n != 2 {
		t.Errorf("host lookups = %d, want 2", n)
	}
}
