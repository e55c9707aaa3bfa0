// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit limits how often a single client may open connections.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	perrors "github.com/absmach/mcproxy/pkg/errors"
	"github.com/juju/ratelimit"
)

// ErrRateLimitExceeded is returned when a client exceeds its limit.
var ErrRateLimitExceeded = fmt.Errorf("client %w", perrors.ErrRateLimited)

// Limiter manages one token bucket per client key (usually the client IP).
type Limiter struct {
	mu         sync.Mutex
	buckets    map[string]*ratelimit.Bucket
	capacity   int64
	interval   time.Duration
	maxClients int
	// clock is handed to every bucket; nil means the wall clock.
	clock    ratelimit.Clock
	stop     chan struct{}
	stopOnce sync.Once
}

// NewLimiter creates a per-client limiter. Each client may burst capacity
// connections and regains refillRate per second. A background sweep drops
// buckets that have refilled completely, since they carry no state.
func NewLimiter(capacity, refillRate int64, maxClients int) *Limiter {
	return newLimiter(capacity, refillRate, maxClients, nil)
}

func newLimiter(capacity, refillRate int64, maxClients int, clock ratelimit.Clock) *Limiter {
	if maxClients <= 0 {
		maxClients = 10000
	}
	capacity = max(capacity, 1)
	interval := max(time.Second/time.Duration(max(refillRate, 1)), time.Nanosecond)

	l := &Limiter{
		buckets:    make(map[string]*ratelimit.Bucket),
		capacity:   capacity,
		interval:   interval,
		maxClients: maxClients,
		clock:      clock,
		stop:       make(chan struct{}),
	}
	go l.sweepLoop(time.Minute)

	return l
}

// Allow reports whether the client identified by key may connect now.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= l.maxClients {
			l.sweep()
		}
		if len(l.buckets) >= l.maxClients {
			l.mu.Unlock()
			return false
		}
		b = ratelimit.NewBucketWithQuantumAndClock(l.interval, l.capacity, 1, l.clock)
		l.buckets[key] = b
	}
	l.mu.Unlock()

	return b.TakeAvailable(1) == 1
}

// Clients returns the number of tracked clients.
func (l *Limiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Close stops the background sweep.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Limiter) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			l.sweep()
			l.mu.Unlock()
		}
	}
}

// sweep must be called with the lock held.
func (l *Limiter) sweep() {
	for key, b := range l.buckets {
		if b.Available() == b.Capacity() {
			delete(l.buckets, key)
		}
	}
}
