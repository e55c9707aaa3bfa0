// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"

	"github.com/absmach/mcproxy/pkg/handler"
	"github.com/absmach/mcproxy/pkg/metrics"
	"github.com/absmach/mcproxy/pkg/ratelimit"
)

var _ handler.Handler = (*RateLimitedHandler)(nil)

// RateLimitedHandler wraps a handler with a per-client connection limit keyed
// by client IP.
type RateLimitedHandler struct {
	handler handler.Handler
	limiter *ratelimit.Limiter
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// AuthConnect implements handler.Handler with rate limiting.
func (h *RateLimitedHandler) AuthConnect(ctx context.Context, hctx *handler.Context) error {
	clientIP := hctx.ClientIP()
	if !h.limiter.Allow(clientIP) {
		h.metrics.RateLimit("client")
		h.logger.Warn("per-client rate limit exceeded",
			slog.String("session", hctx.SessionID),
			slog.String("client", clientIP),
			slog.String("domain", hctx.Domain))
		return ratelimit.ErrRateLimitExceeded
	}

	return h.handler.AuthConnect(ctx, hctx)
}

// OnConnect implements handler.Handler.
func (h *RateLimitedHandler) OnConnect(ctx context.Context, hctx *handler.Context) error {
	return h.handler.OnConnect(ctx, hctx)
}

// OnDisconnect implements handler.Handler.
func (h *RateLimitedHandler) OnDisconnect(ctx context.Context, hctx *handler.Context) error {
	return h.handler.OnDisconnect(ctx, hctx)
}
