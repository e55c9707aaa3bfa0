// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for mcproxy.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrUnauthorized indicates the handler rejected the connection.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrTimeout indicates an operation timeout.
	ErrTimeout = errors.New("timeout")

	// ErrConnectionClosed indicates the peer closed the connection.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrProtocolViolation indicates malformed protocol data.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrNoRoute indicates no configured server name matched the handshake domain.
	ErrNoRoute = errors.New("no route for domain")

	// ErrBackendUnavailable indicates the backend could not be resolved or dialed.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrRateLimited indicates rate limit exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrListen indicates a listen address could not be bound.
	ErrListen = errors.New("failed to bind listen address")
)

// ProxyError wraps an error with connection context.
type ProxyError struct {
	Op         string // Operation that failed (handshake, route, dial, replay, forward)
	Domain     string // Handshake domain, if already known
	SessionID  string // Session identifier
	RemoteAddr string // Client address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	if e.Domain != "" {
		return fmt.Sprintf("%s [%s] %s (%s): %v", e.Op, e.SessionID, e.RemoteAddr, e.Domain, e.Err)
	}
	if e.SessionID != "" {
		return fmt.Sprintf("%s [%s] %s: %v", e.Op, e.SessionID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProxyError) Unwrap() error {
	return e.Err
}

// New creates a new ProxyError.
func New(op, domain, sessionID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &ProxyError{
		Op:         op,
		Domain:     domain,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}
