// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package route

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	perrors "github.com/absmach/mcproxy/pkg/errors"
	"github.com/absmach/mcproxy/pkg/metrics"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// DefaultResolveTimeout bounds a single backend lookup.
const DefaultResolveTimeout = 2 * time.Second

// HostResolver looks up backend hosts and ports. *net.Resolver implements it.
type HostResolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
	LookupPort(ctx context.Context, network, service string) (int, error)
}

// Upstream is a route's backend with its address resolved.
type Upstream struct {
	ProxyPass  string
	Addr       netip.AddrPort
	BufferSize int
}

// ResolverConfig holds the resolver configuration.
type ResolverConfig struct {
	// Timeout bounds each lookup (default 2s).
	Timeout time.Duration

	// Lookup defaults to net.DefaultResolver.
	Lookup HostResolver

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Resolver resolves ProxyPass addresses and caches them for the life of the
// process. Concurrent misses for the same backend share one lookup.
type Resolver struct {
	config ResolverConfig
	cache  *cache.Cache
	group  singleflight.Group
}

// NewResolver creates a resolver with an empty cache.
func NewResolver(cfg ResolverConfig) *Resolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultResolveTimeout
	}
	if cfg.Lookup == nil {
		cfg.Lookup = net.DefaultResolver
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Resolver{
		config: cfg,
		cache:  cache.New(cache.NoExpiration, 0),
	}
}

// Resolve returns the upstream for r. A cached address is returned without
// blocking; otherwise one lookup runs, bounded by the resolver timeout, and
// its result is cached on success. Failures are not cached.
func (res *Resolver) Resolve(ctx context.Context, r Route) (Upstream, error) {
	if addr, ok := res.Cached(r.ProxyPass); ok {
		res.config.Metrics.Resolution("hit")
		return upstream(r, addr), nil
	}

	// The lookup outlives a caller that gives up, so others waiting on it
	// still get the result.
	lookupCtx := context.WithoutCancel(ctx)
	ch := res.group.DoChan(r.ProxyPass, func() (any, error) {
		if addr, ok := res.Cached(r.ProxyPass); ok {
			return addr, nil
		}
		addr, err := res.lookup(lookupCtx, r.ProxyPass)
		if err != nil {
			res.config.Metrics.Resolution("error")
			return nil, err
		}
		res.cache.Set(r.ProxyPass, addr, cache.NoExpiration)
		res.config.Metrics.Resolution("resolved")
		res.config.Logger.Debug("backend resolved",
			slog.String("proxy_pass", r.ProxyPass),
			slog.String("addr", addr.String()))
		return addr, nil
	})

	select {
	case <-ctx.Done():
		return Upstream{}, ctx.Err()
	case result := <-ch:
		if result.Err != nil {
			return Upstream{}, perrors.New("resolve", "", "", r.ProxyPass,
				errors.Join(perrors.ErrBackendUnavailable, result.Err))
		}
		return upstream(r, result.Val.(netip.AddrPort)), nil
	}
}

// Cached returns the cached address for proxyPass.
func (res *Resolver) Cached(proxyPass string) (netip.AddrPort, bool) {
	v, ok := res.cache.Get(proxyPass)
	if !ok {
		return netip.AddrPort{}, false
	}
	return v.(netip.AddrPort), true
}

// Warm resolves every distinct backend of routes. Failures are logged and
// left to be retried on first use. It returns the number of backends that
// could not be resolved.
func (res *Resolver) Warm(ctx context.Context, routes []Route) int {
	var failed int
	seen := make(map[string]struct{}, len(routes))
	results := make([]error, len(routes))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, r := range routes {
		if _, ok := seen[r.ProxyPass]; ok {
			continue
		}
		seen[r.ProxyPass] = struct{}{}
		i, r := i, r
		g.Go(func() error {
			_, results[i] = res.Resolve(ctx, r)
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range results {
		if err == nil {
			continue
		}
		failed++
		res.config.Logger.Warn("failed to resolve backend, will retry on first connection",
			slog.String("proxy_pass", routes[i].ProxyPass),
			slog.String("error", err.Error()))
	}
	return failed
}

func (res *Resolver) lookup(ctx context.Context, hostport string) (netip.AddrPort, error) {
	host, service, err := net.SplitHostPort(hostport)
	if err != nil {
		return netip.AddrPort{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, res.config.Timeout)
	defer cancel()

	port, err := res.config.Lookup.LookupPort(ctx, "tcp", service)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if port < 0 || port > 0xFFFF {
		return netip.AddrPort{}, fmt.Errorf("port %d out of range", port)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return netip.AddrPortFrom(addr.Unmap(), uint16(port)), nil
	}

	addrs, err := res.config.Lookup.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if len(addrs) == 0 {
		return netip.AddrPort{}, fmt.Errorf("no addresses for %s", host)
	}
	return netip.AddrPortFrom(addrs[0].Unmap(), uint16(port)), nil
}

func upstream(r Route, addr netip.AddrPort) Upstream {
	return Upstream{
		ProxyPass:  r.ProxyPass,
		Addr:       addr,
		BufferSize: r.ForwardBufferSize(),
	}
}
