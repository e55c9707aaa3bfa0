// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for mcproxy.
//
// All helper methods are safe to call on a nil *Metrics, so components can
// run without instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Handshake failure reasons.
const (
	ReasonTimeout      = "timeout"
	ReasonInvalid      = "invalid"
	ReasonClosed       = "closed"
	ReasonNoRoute      = "no_route"
	ReasonUnauthorized = "unauthorized"
	ReasonTooLarge     = "too_large"
	ReasonBackend      = "backend_unavailable"
)

// Metrics holds all Prometheus metrics for mcproxy.
type Metrics struct {
	// Connection metrics
	ActiveConnections  *prometheus.GaugeVec
	TotalConnections   *prometheus.CounterVec
	ConnectionDuration *prometheus.HistogramVec

	// Handshake metrics
	Handshakes      *prometheus.CounterVec
	HandshakeErrors *prometheus.CounterVec

	// Backend metrics
	BackendDials        *prometheus.CounterVec
	BackendDialDuration *prometheus.HistogramVec
	Resolutions         *prometheus.CounterVec
	BytesTransferred    *prometheus.CounterVec

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec

	// Rate limiter metrics
	RateLimited *prometheus.CounterVec
}

// New creates all collectors and registers them with reg. A nil reg uses
// prometheus.DefaultRegisterer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "mcproxy"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		ActiveConnections: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of currently open client connections",
			},
			[]string{"listener"},
		),
		TotalConnections: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of client connections by outcome",
			},
			[]string{"listener", "status"},
		),
		ConnectionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connection_duration_seconds",
				Help:      "Client connection duration in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600, 3600},
			},
			[]string{"listener"},
		),
		Handshakes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handshakes_total",
				Help:      "Total number of decoded handshakes by requested state",
			},
			[]string{"next_state"},
		),
		HandshakeErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handshake_errors_total",
				Help:      "Total number of connections dropped before forwarding",
			},
			[]string{"reason"},
		),
		BackendDials: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_dials_total",
				Help:      "Total number of backend dial attempts",
			},
			[]string{"backend", "status"},
		),
		BackendDialDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_dial_duration_seconds",
				Help:      "Backend dial duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"backend"},
		),
		Resolutions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resolutions_total",
				Help:      "Backend address lookups by result (hit, resolved, error)",
			},
			[]string{"result"},
		),
		BytesTransferred: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_transferred_total",
				Help:      "Bytes forwarded after the handshake",
			},
			[]string{"direction"},
		),
		CircuitBreakerState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
			[]string{"backend"},
		),
		CircuitBreakerTrips: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of circuit breaker trips",
			},
			[]string{"backend"},
		),
		RateLimited: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_total",
				Help:      "Total number of rate limited connections",
			},
			[]string{"limiter_type"},
		),
	}
}

// ObserveConnection tracks a client connection lifecycle. The status label
// is "proxied" when f succeeds and "dropped" otherwise.
func (m *Metrics) ObserveConnection(listener string, f func() error) error {
	if m == nil {
		return f()
	}
	m.ActiveConnections.WithLabelValues(listener).Inc()
	defer m.ActiveConnections.WithLabelValues(listener).Dec()

	start := time.Now()
	defer func() {
		m.ConnectionDuration.WithLabelValues(listener).Observe(time.Since(start).Seconds())
	}()

	err := f()
	status := "proxied"
	if err != nil {
		status = "dropped"
	}
	m.TotalConnections.WithLabelValues(listener, status).Inc()

	return err
}

// ObserveDial tracks one backend dial.
func (m *Metrics) ObserveDial(backend string, f func() error) error {
	if m == nil {
		return f()
	}
	start := time.Now()
	err := f()
	m.BackendDialDuration.WithLabelValues(backend).Observe(time.Since(start).Seconds())

	status := "success"
	if err != nil {
		status = "error"
	}
	m.BackendDials.WithLabelValues(backend, status).Inc()
	return err
}

// Handshake counts a decoded handshake.
func (m *Metrics) Handshake(nextState string) {
	if m == nil {
		return
	}
	m.Handshakes.WithLabelValues(nextState).Inc()
}

// HandshakeError counts a connection dropped before forwarding.
func (m *Metrics) HandshakeError(reason string) {
	if m == nil {
		return
	}
	m.HandshakeErrors.WithLabelValues(reason).Inc()
}

// Resolution counts a backend address lookup.
func (m *Metrics) Resolution(result string) {
	if m == nil {
		return
	}
	m.Resolutions.WithLabelValues(result).Inc()
}

// AddBytes counts forwarded bytes in one direction.
func (m *Metrics) AddBytes(direction string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesTransferred.WithLabelValues(direction).Add(float64(n))
}

// BreakerState records a circuit breaker transition. state follows the
// breaker's numbering.
func (m *Metrics) BreakerState(backend string, state int, tripped bool) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(backend).Set(float64(state))
	if tripped {
		m.CircuitBreakerTrips.WithLabelValues(backend).Inc()
	}
}

// RateLimit counts a connection rejected or delayed by a limiter.
func (m *Metrics) RateLimit(limiterType string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(limiterType).Inc()
}
