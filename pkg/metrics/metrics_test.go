// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func value(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue next
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return -1
}

func TestMetrics_ObserveConnection(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("", reg)

	tests := []struct {
		name   string
		err    error
		status string
	}{
		{"proxied", nil, "proxied"},
		{"dropped", errors.New("no route"), "dropped"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.ObserveConnection("0.0.0.0:25565", func() error {
				if v := value(t, reg, "mcproxy_active_connections", nil); v != 1 {
					t.Errorf("active connections inside = %v, want 1", v)
				}
				return tt.err
			})
			if !errors.Is(err, tt.err) {
				t.Errorf("ObserveConnection() = %v, want %v", err, tt.err)
			}
			labels := map[string]string{"listener": "0.0.0.0:25565", "status": tt.status}
			if v := value(t, reg, "mcproxy_connections_total", labels); v != 1 {
				t.Errorf("connections_total%v = %v, want 1", labels, v)
			}
		})
	}

	if v := value(t, reg, "mcproxy_active_connections", nil); v != 0 {
		t.Errorf("active connections after = %v, want 0", v)
	}
	if v := value(t, reg, "mcproxy_connection_duration_seconds", nil); v != 2 {
		t.Errorf("duration samples = %v, want 2", v)
	}
}

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("edge", reg)

	m.Handshake("login")
	m.Handshake("login")
	m.HandshakeError(ReasonNoRoute)
	m.Resolution("hit")
	m.AddBytes("upstream", 100)
	m.AddBytes("upstream", 0)
	m.BreakerState("10.0.0.1:25565", 2, true)
	m.RateLimit("client")
	m.ObserveDial("10.0.0.1:25565", func() error { return errors.New("refused") })

	tests := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"edge_handshakes_total", map[string]string{"next_state": "login"}, 2},
		{"edge_handshake_errors_total", map[string]string{"reason": ReasonNoRoute}, 1},
		{"edge_resolutions_total", map[string]string{"result": "hit"}, 1},
		{"edge_bytes_transferred_total", map[string]string{"direction": "upstream"}, 100},
		{"edge_circuit_breaker_state", map[string]string{"backend": "10.0.0.1:25565"}, 2},
		{"edge_circuit_breaker_trips_total", map[string]string{"backend": "10.0.0.1:25565"}, 1},
		{"edge_rate_limited_total", map[string]string{"limiter_type": "client"}, 1},
		{"edge_backend_dials_total", map[string]string{"status": "error"}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if v := value(t, reg, tt.name, tt.labels); v != tt.want {
				t.Errorf("%s%v = %v, want %v", tt.name, tt.labels, v, tt.want)
			}
		})
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics

	called := false
	if err := m.ObserveConnection("x", func() error { called = true; return nil }); err != nil || !called {
		t.Errorf("ObserveConnection on nil = %v, called %v", err, called)
	}
	m.Handshake("status")
	m.HandshakeError(ReasonTimeout)
	m.Resolution("error")
	m.AddBytes("downstream", 1)
	m.BreakerState("b", 1, false)
	m.RateLimit("accept")
	if err := m.ObserveDial("b", func() error { return nil }); err != nil {
		t.Errorf("ObserveDial on nil = %v", err)
	}
}
