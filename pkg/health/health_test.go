// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func TestChecker_Health(t *testing.T) {
	failing := func(ctx context.Context) error { return errors.New("down") }
	passing := func(ctx context.Context) error { return nil }

	tests := []struct {
		name     string
		register func(c *Checker)
		want     Status
	}{
		{
			name:     "no checks",
			register: func(c *Checker) {},
			want:     StatusHealthy,
		},
		{
			name: "all passing",
			register: func(c *Checker) {
				c.Register("a", passing)
				c.RegisterCritical("b", passing)
			},
			want: StatusHealthy,
		},
		{
			name: "non critical failure",
			register: func(c *Checker) {
				c.Register("breakers", failing)
				c.RegisterCritical("listeners", passing)
			},
			want: StatusDegraded,
		},
		{
			name: "critical failure",
			register: func(c *Checker) {
				c.Register("breakers", failing)
				c.RegisterCritical("listeners", failing)
			},
			want: StatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(time.Minute)
			tt.register(c)
			if got, _ := c.Health(context.Background()); got != tt.want {
				t.Errorf("Health() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestChecker_CachesResults(t *testing.T) {
	c := NewChecker(time.Hour)
	calls := 0
	c.Register("counted", func(ctx context.Context) error {
		calls++
		return nil
	})

	for i := 0; i < 3; i++ {
		c.Health(context.Background())
	}
	if calls != 1 {
		t.Errorf("check ran %d times, want 1", calls)
	}

	_, checks := c.Health(context.Background())
	if len(checks) != 1 || checks[0].Name != "counted" || checks[0].Status != StatusHealthy {
		t.Errorf("checks = %+v", checks)
	}
}

func TestChecker_Mount(t *testing.T) {
	c := NewChecker(time.Minute)
	c.Register("upstreams", func(ctx context.Context) error { return errors.New("1 backend unresolved") })

	r := chi.NewRouter()
	c.Mount(r)

	tests := []struct {
		path   string
		code   int
		status string
	}{
		{"/health", http.StatusOK, string(StatusDegraded)},
		{"/health/ready", http.StatusServiceUnavailable, string(StatusDegraded)},
		{"/health/live", http.StatusOK, "alive"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			if rec.Code != tt.code {
				t.Errorf("GET %s = %d, want %d", tt.path, rec.Code, tt.code)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			var body struct {
				Status string `json:"status"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body.Status != tt.status {
				t.Errorf("status = %q, want %q", body.Status, tt.status)
			}
		})
	}
}
