// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package breaker provides per-backend circuit breakers for backend dials.
package breaker

import (
	"fmt"
	"sort"
	"sync"
	"time"

	perrors "github.com/absmach/mcproxy/pkg/errors"
)

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = fmt.Errorf("circuit breaker is open: %w", perrors.ErrBackendUnavailable)

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration.
type Config struct {
	// MaxFailures is the number of consecutive failures before opening the circuit.
	MaxFailures int
	// ResetTimeout is how long to wait in Open state before letting a probe through.
	ResetTimeout time.Duration
	// SuccessThreshold is the number of consecutive successes in HalfOpen before closing.
	SuccessThreshold int
}

func (c Config) withDefaults() Config {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 1
	}
	return c
}

// StateChangeFunc is notified after a breaker changes state.
type StateChangeFunc func(backend string, from, to State)

// CircuitBreaker guards one backend. While open it rejects calls without
// running them; after ResetTimeout a single probe is let through.
type CircuitBreaker struct {
	mu              sync.Mutex
	backend         string
	config          Config
	state           State
	failures        int
	successes       int
	probing         bool
	lastStateChange time.Time
	onStateChange   StateChangeFunc
	now             func() time.Time
}

// New creates a circuit breaker for backend.
func New(backend string, config Config, onStateChange StateChangeFunc) *CircuitBreaker {
	return &CircuitBreaker{
		backend:         backend,
		config:          config.withDefaults(),
		state:           StateClosed,
		lastStateChange: time.Now(),
		onStateChange:   onStateChange,
		now:             time.Now,
	}
}

// Call executes fn if the circuit breaker allows it and records its result.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if err := cb.beforeCall(); err != nil {
		return err
	}

	err := fn()

	cb.afterCall(err)
	return err
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	var change func()
	defer func() {
		cb.mu.Unlock()
		if change != nil {
			change()
		}
	}()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if cb.now().Sub(cb.lastStateChange) < cb.config.ResetTimeout {
			return ErrCircuitOpen
		}
		change = cb.setState(StateHalfOpen)
		cb.probing = true
		return nil
	case StateHalfOpen:
		if cb.probing {
			return ErrCircuitOpen
		}
		cb.probing = true
		return nil
	default:
		return ErrCircuitOpen
	}
}

func (cb *CircuitBreaker) afterCall(err error) {
	cb.mu.Lock()
	var change func()
	defer func() {
		cb.mu.Unlock()
		if change != nil {
			change()
		}
	}()

	cb.probing = false
	if err != nil {
		cb.failures++
		cb.successes = 0
		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.config.MaxFailures {
				change = cb.setState(StateOpen)
			}
		case StateHalfOpen:
			change = cb.setState(StateOpen)
		}
		return
	}

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			change = cb.setState(StateClosed)
		}
	}
}

// setState must be called with the lock held. It returns the notification
// to run once the lock is released.
func (cb *CircuitBreaker) setState(newState State) func() {
	if cb.state == newState {
		return nil
	}

	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = cb.now()

	switch newState {
	case StateClosed:
		cb.failures = 0
		cb.successes = 0
	case StateHalfOpen:
		cb.successes = 0
	}

	if cb.onStateChange == nil {
		return nil
	}
	fn, backend := cb.onStateChange, cb.backend
	return func() { fn(backend, oldState, newState) }
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns circuit breaker statistics.
func (cb *CircuitBreaker) Stats() (state State, failures, successes int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state, cb.failures, cb.successes
}

// Group holds one breaker per backend, created on first use.
type Group struct {
	mu            sync.Mutex
	config        Config
	breakers      map[string]*CircuitBreaker
	onStateChange StateChangeFunc
}

// NewGroup creates an empty group. onStateChange may be nil.
func NewGroup(config Config, onStateChange StateChangeFunc) *Group {
	return &Group{
		config:        config,
		breakers:      make(map[string]*CircuitBreaker),
		onStateChange: onStateChange,
	}
}

// Get returns the breaker for backend.
func (g *Group) Get(backend string) *CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	cb, ok := g.breakers[backend]
	if !ok {
		cb = New(backend, g.config, g.onStateChange)
		g.breakers[backend] = cb
	}
	return cb
}

// Call runs fn through the breaker for backend.
func (g *Group) Call(backend string, fn func() error) error {
	return g.Get(backend).Call(fn)
}

// Open returns the backends whose breaker is currently open, sorted.
func (g *Group) Open() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var open []string
	for backend, cb := range g.breakers {
		if cb.State() == StateOpen {
			open = append(open, backend)
		}
	}
	sort.Strings(open)
	return open
}
