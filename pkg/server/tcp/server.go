// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/mcproxy/pkg/breaker"
	perrors "github.com/absmach/mcproxy/pkg/errors"
	"github.com/absmach/mcproxy/pkg/handler"
	"github.com/absmach/mcproxy/pkg/mcproto"
	"github.com/absmach/mcproxy/pkg/metrics"
	"github.com/absmach/mcproxy/pkg/pool"
	"github.com/absmach/mcproxy/pkg/route"
	"github.com/google/uuid"
	"github.com/juju/ratelimit"
	"github.com/pires/go-proxyproto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/absmach/mcproxy/pkg/server/tcp"

// Defaults applied by New.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultMaxHandshakeSize = 32 * 1024
	DefaultDialTimeout      = 10 * time.Second
	DefaultShutdownTimeout  = 30 * time.Second
)

// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// Config holds the TCP server configuration.
type Config struct {
	// Address is the listen address (host:port) used by Listen
	Address string

	// Routes maps handshake domains to backends. Matching ignores Address.
	Routes *route.Table

	// Resolver resolves and caches backend addresses
	Resolver *route.Resolver

	// Breakers guards backend dials; nil disables circuit breaking
	Breakers *breaker.Group

	// Buffers recycles forwarding buffers; it may be shared between servers
	Buffers *pool.Pool

	// HandshakeTimeout bounds the time from accept to a decoded handshake
	HandshakeTimeout time.Duration

	// MaxHandshakeSize is the largest accepted handshake frame length
	MaxHandshakeSize int

	// DialTimeout bounds each backend dial
	DialTimeout time.Duration

	// AcceptRate limits accepted connections per second; 0 disables it
	AcceptRate float64

	// AcceptProxyProtocol reads a PROXY v1/v2 header from every client
	AcceptProxyProtocol bool

	// ShutdownTimeout is the maximum time to wait for active connections to drain
	// during graceful shutdown. After this timeout, remaining connections are
	// forcefully closed.
	ShutdownTimeout time.Duration

	Metrics *metrics.Metrics
	Tracer  trace.Tracer

	// Logger for server events
	Logger *slog.Logger
}

// Server accepts Minecraft client connections, routes each one by its
// handshake domain and forwards it to the selected backend.
type Server struct {
	config  Config
	handler handler.Handler
	wg      sync.WaitGroup
}

// New creates a new TCP server with the given configuration and handler.
func New(cfg Config, h handler.Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Routes == nil {
		cfg.Routes = route.NewTable(nil)
	}
	if cfg.Resolver == nil {
		cfg.Resolver = route.NewResolver(route.ResolverConfig{Metrics: cfg.Metrics, Logger: cfg.Logger})
	}
	if cfg.Buffers == nil {
		cfg.Buffers = pool.New()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.MaxHandshakeSize <= 0 {
		cfg.MaxHandshakeSize = DefaultMaxHandshakeSize
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	if h == nil {
		h = &handler.NoopHandler{}
	}

	return &Server{
		config:  cfg,
		handler: h,
	}
}

// Listen binds Address and serves it until the context is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return perrors.New("listen", "", "", s.config.Address, errors.Join(perrors.ErrListen, err))
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln and blocks until the context is cancelled.
// It implements graceful shutdown with connection draining. Serve closes ln.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.config.AcceptProxyProtocol {
		ln = &proxyproto.Listener{Listener: ln, ReadHeaderTimeout: s.config.HandshakeTimeout}
	}
	address := ln.Addr().String()

	s.config.Logger.Info("TCP server started",
		slog.String("address", address),
		slog.Bool("proxy_protocol", s.config.AcceptProxyProtocol))

	// Active connections get their own context so they outlive ctx until the
	// shutdown timeout expires.
	connCtx, connCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer connCancel()

	var acceptErr error
	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		acceptErr = s.accept(ctx, connCtx, ln, address)
	}()

	select {
	case <-ctx.Done():
		s.config.Logger.Info("shutdown signal received, closing listener", slog.String("address", address))
	case <-acceptDone:
	}

	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-acceptDone

	// Wait for active connections to drain with timeout
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all connections closed gracefully", slog.String("address", address))
		return acceptErr
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded, forcing connection closure", slog.String("address", address))
		connCancel()
		select {
		case <-done:
		case <-time.After(1 * time.Second):
		}
		return ErrShutdownTimeout
	}
}

// accept runs the accept loop. It returns nil when ctx is cancelled and the
// accept error when the listener fails for another reason.
func (s *Server) accept(ctx, connCtx context.Context, ln net.Listener, address string) error {
	var bucket *ratelimit.Bucket
	if s.config.AcceptRate > 0 {
		bucket = ratelimit.NewBucketWithRate(s.config.AcceptRate, max(1, int64(s.config.AcceptRate*2)))
	}

	var backoff time.Duration
	for {
		if bucket != nil {
			if wait := bucket.Take(1); wait > 0 {
				s.config.Metrics.RateLimit("accept")
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(wait):
				}
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}

			s.config.Logger.Error("failed to accept connection", slog.String("error", err.Error()))
			backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			err := s.config.Metrics.ObserveConnection(address, func() error {
				return s.handleConn(connCtx, conn)
			})
			if err != nil {
				s.config.Logger.Debug("connection handler error", slog.String("error", err.Error()))
			}
		}()
	}
}

// handleConn runs one connection through its phases: handshake, routing,
// backend connect, replay and forwarding. Both sockets are closed exactly
// once before it returns.
func (s *Server) handleConn(ctx context.Context, client net.Conn) (err error) {
	closeClient := sync.OnceValue(client.Close)
	defer closeClient()
	stopClient := context.AfterFunc(ctx, func() { closeClient() })
	defer stopClient()

	hctx := &handler.Context{
		SessionID:  uuid.New().String(),
		RemoteAddr: client.RemoteAddr().String(),
		ListenAddr: client.LocalAddr().String(),
	}

	defer func() {
		if r := recover(); r != nil {
			s.config.Logger.Error("connection handler panic",
				slog.String("session", hctx.SessionID),
				slog.Any("panic", r))
			err = s.fail("panic", hctx, fmt.Errorf("%v", r))
		}
	}()

	backend, up, err := s.establish(ctx, client, hctx)
	if err != nil {
		return err
	}
	closeBackend := sync.OnceValue(backend.Close)
	defer closeBackend()
	stopBackend := context.AfterFunc(ctx, func() { closeBackend() })
	defer stopBackend()

	if err := s.handler.OnConnect(ctx, hctx); err != nil {
		s.config.Logger.Error("connect handler error",
			slog.String("session", hctx.SessionID),
			slog.String("error", err.Error()))
	}

	s.config.Logger.Debug("connection established",
		slog.String("session", hctx.SessionID),
		slog.String("client", hctx.RemoteAddr),
		slog.String("domain", hctx.Domain),
		slog.String("upstream", up.ProxyPass),
		slog.String("backend", up.Addr.String()))

	upBytes, downBytes, ferr := s.forward(client, closeClient, backend, closeBackend, up.BufferSize)
	hctx.BytesUpstream, hctx.BytesDownstream = upBytes, downBytes
	if ferr != nil {
		s.config.Logger.Debug("forwarding stopped with error",
			slog.String("session", hctx.SessionID),
			slog.String("error", ferr.Error()))
	}

	if err := s.handler.OnDisconnect(context.Background(), hctx); err != nil {
		s.config.Logger.Error("disconnect handler error",
			slog.String("session", hctx.SessionID),
			slog.String("error", err.Error()))
	}

	s.config.Logger.Debug("connection closed",
		slog.String("session", hctx.SessionID),
		slog.Int64("bytes_upstream", upBytes),
		slog.Int64("bytes_downstream", downBytes))

	return nil
}

// establish decodes the handshake, routes it and returns a backend
// connection that already received the handshake and every byte the client
// sent after it.
func (s *Server) establish(ctx context.Context, client net.Conn, hctx *handler.Context) (_ net.Conn, _ route.Upstream, err error) {
	ctx, span := s.config.Tracer.Start(ctx, "mcproxy.establish",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("mcproxy.session", hctx.SessionID),
			attribute.String("client.address", hctx.RemoteAddr),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	hs, stream, err := s.readHandshake(client, hctx)
	if err != nil {
		return nil, route.Upstream{}, err
	}
	span.SetAttributes(
		attribute.String("mcproxy.domain", hctx.Domain),
		attribute.Int("mcproxy.protocol_version", int(hctx.ProtocolVersion)),
		attribute.String("mcproxy.next_state", hctx.NextState.String()),
	)

	rt, ok := s.config.Routes.Find(hctx.Domain)
	if !ok {
		s.config.Metrics.HandshakeError(metrics.ReasonNoRoute)
		s.config.Logger.Warn("there is no upstream for domain",
			slog.String("session", hctx.SessionID),
			slog.String("client", hctx.RemoteAddr),
			slog.String("domain", hctx.Domain))
		return nil, route.Upstream{}, s.fail("route", hctx, perrors.ErrNoRoute)
	}
	hctx.Upstream = rt.ProxyPass
	span.SetAttributes(attribute.String("mcproxy.upstream", rt.ProxyPass))

	if err := s.handler.AuthConnect(ctx, hctx); err != nil {
		s.config.Metrics.HandshakeError(metrics.ReasonUnauthorized)
		s.config.Logger.Info("connection rejected",
			slog.String("session", hctx.SessionID),
			slog.String("client", hctx.RemoteAddr),
			slog.String("domain", hctx.Domain),
			slog.String("error", err.Error()))
		return nil, route.Upstream{}, s.fail("auth", hctx, errors.Join(perrors.ErrUnauthorized, err))
	}

	up, err := s.config.Resolver.Resolve(ctx, rt)
	if err != nil {
		s.config.Metrics.HandshakeError(metrics.ReasonBackend)
		s.config.Logger.Error("failed to resolve upstream",
			slog.String("session", hctx.SessionID),
			slog.String("domain", hctx.Domain),
			slog.String("upstream", rt.ProxyPass),
			slog.String("error", err.Error()))
		return nil, route.Upstream{}, s.fail("resolve", hctx, err)
	}

	backend, err := s.dial(ctx, up)
	if err != nil {
		s.config.Metrics.HandshakeError(metrics.ReasonBackend)
		s.config.Logger.Error("failed to connect upstream",
			slog.String("session", hctx.SessionID),
			slog.String("domain", hctx.Domain),
			slog.String("upstream", up.ProxyPass),
			slog.String("error", err.Error()))
		return nil, route.Upstream{}, s.fail("dial", hctx, err)
	}

	if err := replay(client, backend, rt, hs, stream); err != nil {
		backend.Close()
		return nil, route.Upstream{}, s.fail("replay", hctx, err)
	}

	if err := client.SetReadDeadline(time.Time{}); err != nil {
		backend.Close()
		return nil, route.Upstream{}, s.fail("replay", hctx, err)
	}

	return backend, up, nil
}

// readHandshake decodes exactly one handshake frame within the handshake
// timeout and records its fields in hctx.
func (s *Server) readHandshake(client net.Conn, hctx *handler.Context) (*mcproto.Handshake, *mcproto.Stream, error) {
	if err := client.SetReadDeadline(time.Now().Add(s.config.HandshakeTimeout)); err != nil {
		return nil, nil, s.fail("handshake", hctx, err)
	}

	stream := mcproto.NewStream(client, mcproto.DefaultBufferSize)
	sig, err := stream.ReadSignature()
	if err != nil {
		return nil, nil, s.handshakeFailed(hctx, err)
	}
	if sig.PacketID != mcproto.HandshakeID {
		return nil, nil, s.handshakeFailed(hctx, fmt.Errorf("%w: unexpected packet id %d", mcproto.ErrInvalid, sig.PacketID))
	}
	if sig.Length > s.config.MaxHandshakeSize {
		s.config.Metrics.HandshakeError(metrics.ReasonTooLarge)
		err := fmt.Errorf("%w: handshake frame of %d bytes exceeds %d", mcproto.ErrInvalid, sig.Length, s.config.MaxHandshakeSize)
		return nil, nil, s.fail("handshake", hctx, err)
	}

	var hs mcproto.Handshake
	if err := stream.ReadData(sig, &hs); err != nil {
		return nil, nil, s.handshakeFailed(hctx, err)
	}

	hctx.Domain = route.TrimAtNUL(hs.Domain)
	hctx.ProtocolVersion = hs.ProtocolVersion
	hctx.ServerPort = hs.ServerPort
	hctx.NextState = hs.State()
	s.config.Metrics.Handshake(hctx.NextState.String())

	s.config.Logger.Debug("handshake complete",
		slog.String("session", hctx.SessionID),
		slog.String("client", hctx.RemoteAddr),
		slog.String("domain", hctx.Domain),
		slog.Int("protocol_version", int(hs.ProtocolVersion)),
		slog.String("next_state", hctx.NextState.String()))

	return &hs, stream, nil
}

func (s *Server) handshakeFailed(hctx *handler.Context, err error) error {
	reason := metrics.ReasonClosed
	var nerr net.Error
	switch {
	case errors.As(err, &nerr) && nerr.Timeout():
		reason = metrics.ReasonTimeout
		err = errors.Join(perrors.ErrTimeout, err)
	case errors.Is(err, mcproto.ErrInvalid):
		reason = metrics.ReasonInvalid
	}
	s.config.Metrics.HandshakeError(reason)

	s.config.Logger.Debug("handshake failed",
		slog.String("session", hctx.SessionID),
		slog.String("client", hctx.RemoteAddr),
		slog.String("reason", reason),
		slog.String("error", err.Error()))
	return s.fail("handshake", hctx, err)
}

// dial connects to the upstream through its circuit breaker.
func (s *Server) dial(ctx context.Context, up route.Upstream) (net.Conn, error) {
	var conn net.Conn
	dial := func() error {
		return s.config.Metrics.ObserveDial(up.ProxyPass, func() error {
			d := net.Dialer{Timeout: s.config.DialTimeout}
			c, err := d.DialContext(ctx, "tcp", up.Addr.String())
			conn = c
			return err
		})
	}

	var err error
	if s.config.Breakers != nil {
		err = s.config.Breakers.Call(up.ProxyPass, dial)
	} else {
		err = dial()
	}
	if err != nil {
		return nil, errors.Join(perrors.ErrBackendUnavailable, err)
	}
	return conn, nil
}

// replay sends the optional PROXY header, the re-encoded handshake and the
// bytes buffered past it to the backend in a single write.
func replay(client, backend net.Conn, rt route.Route, hs *mcproto.Handshake, stream *mcproto.Stream) error {
	out := mcproto.NewBuffer(mcproto.DefaultBufferSize)

	if rt.SendProxyProtocol {
		header, err := proxyproto.HeaderProxyFromAddrs(2, client.RemoteAddr(), client.LocalAddr()).Format()
		if err != nil {
			return fmt.Errorf("failed to build PROXY header: %w", err)
		}
		out.Write(header)
	}

	frame, err := mcproto.MakeFrame(hs)
	if err != nil {
		return err
	}
	out.Write(frame)
	out.Write(stream.TakeBuffer())

	_, err = backend.Write(out.Bytes())
	return err
}

func (s *Server) fail(op string, hctx *handler.Context, err error) error {
	return perrors.New(op, hctx.Domain, hctx.SessionID, hctx.RemoteAddr, err)
}
