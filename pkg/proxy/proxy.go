// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/absmach/mcproxy/pkg/breaker"
	perrors "github.com/absmach/mcproxy/pkg/errors"
	"github.com/absmach/mcproxy/pkg/handler"
	"github.com/absmach/mcproxy/pkg/health"
	"github.com/absmach/mcproxy/pkg/metrics"
	"github.com/absmach/mcproxy/pkg/pool"
	"github.com/absmach/mcproxy/pkg/route"
	"github.com/absmach/mcproxy/pkg/server/tcp"
	"golang.org/x/sync/errgroup"
)

// ErrNotBound is returned by Serve when Bind has not succeeded.
var ErrNotBound = errors.New("proxy listeners are not bound")

// Config holds configuration for the Minecraft proxy.
type Config struct {
	// Routes in configuration order. Each distinct Listen address gets one server.
	Routes []route.Route

	// Server is the template for every listener; Address, Routes, Resolver,
	// Breakers and Buffers are filled in by the proxy.
	Server tcp.Config

	// Resolver configures backend resolution. Metrics and Logger default to
	// the proxy's.
	Resolver route.ResolverConfig

	// Breaker configures the per-backend dial circuit breakers
	Breaker breaker.Config

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Proxy coordinates one TCP server per distinct listen address. All servers
// share the route table, resolver, breakers and buffer pool.
type Proxy struct {
	config   Config
	handler  handler.Handler
	table    *route.Table
	resolver *route.Resolver
	breakers *breaker.Group

	mu        sync.Mutex
	servers   []*tcp.Server
	listeners []net.Listener
}

// New creates a proxy for cfg.Routes.
func New(cfg Config, h handler.Handler) *Proxy {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Resolver.Metrics == nil {
		cfg.Resolver.Metrics = cfg.Metrics
	}
	if cfg.Resolver.Logger == nil {
		cfg.Resolver.Logger = cfg.Logger
	}

	p := &Proxy{
		config:   cfg,
		handler:  h,
		table:    route.NewTable(cfg.Routes),
		resolver: route.NewResolver(cfg.Resolver),
	}
	p.breakers = breaker.NewGroup(cfg.Breaker, p.breakerChanged)

	return p
}

func (p *Proxy) breakerChanged(backend string, from, to breaker.State) {
	p.config.Metrics.BreakerState(backend, int(to), to == breaker.StateOpen)
	p.config.Logger.Warn("circuit breaker state changed",
		slog.String("upstream", backend),
		slog.String("from", from.String()),
		slog.String("to", to.String()))
}

// Addresses returns the distinct listen addresses in configuration order.
func (p *Proxy) Addresses() []string {
	seen := make(map[string]bool)
	var addrs []string
	for _, r := range p.table.Routes() {
		if seen[r.Listen] {
			continue
		}
		seen[r.Listen] = true
		addrs = append(addrs, r.Listen)
	}
	return addrs
}

// Bind opens every listen address. If any bind fails, the listeners already
// opened are closed and the error wraps errors.ErrListen.
func (p *Proxy) Bind() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.listeners) > 0 {
		return nil
	}

	buffers := pool.New()
	for _, addr := range p.Addresses() {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			for _, l := range p.listeners {
				l.Close()
			}
			p.listeners, p.servers = nil, nil
			return perrors.New("listen", "", "", addr, errors.Join(perrors.ErrListen, err))
		}

		cfg := p.config.Server
		cfg.Address = addr
		cfg.Routes = p.table
		cfg.Resolver = p.resolver
		cfg.Breakers = p.breakers
		cfg.Buffers = buffers
		if cfg.Metrics == nil {
			cfg.Metrics = p.config.Metrics
		}
		if cfg.Logger == nil {
			cfg.Logger = p.config.Logger
		}

		p.listeners = append(p.listeners, ln)
		p.servers = append(p.servers, tcp.New(cfg, p.handler))
	}

	return nil
}

// Listeners returns the bound listener addresses.
func (p *Proxy) Listeners() []net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()

	addrs := make([]net.Addr, len(p.listeners))
	for i, ln := range p.listeners {
		addrs[i] = ln.Addr()
	}
	return addrs
}

// Warm resolves every backend once and returns how many failed. Failed
// backends are resolved again on their first connection.
func (p *Proxy) Warm(ctx context.Context) int {
	failed := p.resolver.Warm(ctx, p.table.Routes())
	p.config.Logger.Info("backends resolved",
		slog.Int("backends", len(p.table.Backends())),
		slog.Int("failed", failed))
	return failed
}

// Serve runs every bound server until ctx is cancelled or one of them fails.
func (p *Proxy) Serve(ctx context.Context) error {
	p.mu.Lock()
	servers, listeners := p.servers, p.listeners
	p.mu.Unlock()

	if len(listeners) == 0 {
		return ErrNotBound
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := range servers {
		server, ln := servers[i], listeners[i]
		g.Go(func() error {
			return server.Serve(ctx, ln)
		})
	}
	return g.Wait()
}

// Listen binds all addresses, resolves the backends and serves until ctx is
// cancelled.
func (p *Proxy) Listen(ctx context.Context) error {
	if err := p.Bind(); err != nil {
		return err
	}
	p.Warm(ctx)
	return p.Serve(ctx)
}

// RegisterHealth adds the proxy checks to c. Listeners are critical; open
// breakers and unresolved backends only degrade the service.
func (p *Proxy) RegisterHealth(c *health.Checker) {
	c.RegisterCritical("listeners", func(ctx context.Context) error {
		if n := len(p.Listeners()); n == 0 {
			return ErrNotBound
		}
		return nil
	})
	c.Register("breakers", func(ctx context.Context) error {
		if open := p.breakers.Open(); len(open) > 0 {
			return fmt.Errorf("open circuit for %s", strings.Join(open, ", "))
		}
		return nil
	})
	c.Register("upstreams", func(ctx context.Context) error {
		var missing []string
		for _, r := range p.table.Backends() {
			if _, ok := p.resolver.Cached(r.ProxyPass); !ok {
				missing = append(missing, r.ProxyPass)
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("unresolved %s", strings.Join(missing, ", "))
		}
		return nil
	})
}
