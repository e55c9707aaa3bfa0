// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"errors"
	"sync"
	"testing"
	"time"

	perrors "github.com/absmach/mcproxy/pkg/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(d time.Duration) {
	c.advance(d)
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestLimiter_Refill(t *testing.T) {
	clock := newFakeClock()
	l := newLimiter(2, 1, 10, clock)
	defer l.Close()

	tests := []struct {
		name    string
		advance time.Duration
		want    bool
	}{
		{"first token", 0, true},
		{"second token", 0, true},
		{"empty", 0, false},
		{"half refilled", 500 * time.Millisecond, false},
		{"refilled one", 500 * time.Millisecond, true},
		{"empty again", 0, false},
		{"capped at capacity", time.Hour, true},
		{"second after cap", 0, true},
		{"empty after cap", 0, false},
	}

	for _, tt := range tests {
		clock.advance(tt.advance)
		if got := l.Allow("10.0.0.1"); got != tt.want {
			t.Errorf("%s: Allow() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestLimiter_PerClient(t *testing.T) {
	clock := newFakeClock()
	l := newLimiter(1, 1, 10, clock)
	defer l.Close()

	if !l.Allow("10.0.0.1") {
		t.Fatal("first connection from 10.0.0.1 rejected")
	}
	if l.Allow("10.0.0.1") {
		t.Error("second connection from 10.0.0.1 allowed")
	}
	if !l.Allow("10.0.0.2") {
		t.Error("other client rejected")
	}

	clock.advance(time.Second)
	if !l.Allow("10.0.0.1") {
		t.Error("connection after refill rejected")
	}
}

func TestLimiter_MaxClients(t *testing.T) {
	clock := newFakeClock()
	l := newLimiter(1, 1, 2, clock)
	defer l.Close()

	l.Allow("a")
	l.Allow("b")
	if l.Allow("c") {
		t.Error("Allow() accepted a client beyond maxClients")
	}

	// Once a and b have refilled their buckets they are evicted.
	clock.advance(2 * time.Second)
	if !l.Allow("c") {
		t.Error("Allow() rejected a client after idle buckets expired")
	}
	if n := l.Clients(); n != 1 {
		t.Errorf("Clients() = %d, want 1", n)
	}
}

func TestLimiter_SweepKeepsDrainedBuckets(t *testing.T) {
	clock := newFakeClock()
	l := newLimiter(2, 1, 10, clock)
	defer l.Close()

	l.Allow("busy")
	l.Allow("busy")
	l.Allow("idle")
	clock.advance(time.Second)

	l.mu.Lock()
	l.sweep()
	l.mu.Unlock()

	// busy regained one of two tokens, idle is full again.
	if n := l.Clients(); n != 1 {
		t.Fatalf("Clients() = %d, want 1", n)
	}
	l.mu.Lock()
	_, ok := l.buckets["busy"]
	l.mu.Unlock()
	if !ok {
		t.Error("sweep dropped a bucket that has not refilled")
	}
}

func TestNewLimiter_WallClock(t *testing.T) {
	l := NewLimiter(1, 1, 0)
	defer l.Close()

	if !l.Allow("10.0.0.1") {
		t.Error("first connection rejected")
	}
	if l.Allow("10.0.0.1") {
		t.Error("second connection allowed")
	}
	if l.maxClients != 10000 {
		t.Errorf("maxClients = %d, want default 10000", l.maxClients)
	}
}

func TestErrRateLimitExceeded(t *testing.T) {
	if !errors.Is(ErrRateLimitExceeded, perrors.ErrRateLimited) {
		t.Error("ErrRateLimitExceeded does not wrap ErrRateLimited")
	}
}
