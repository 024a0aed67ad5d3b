// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for the proxy.
package errors

import (
	"errors"
	"fmt"
)

// Decoding outcomes. Both are recoverable: the partial result stays usable.
var (
	// ErrDecodingIncomplete indicates the body ended before the structure did.
	ErrDecodingIncomplete = errors.New("decoding incomplete")

	// ErrTrailingBytes indicates bytes remained after the last structure element.
	ErrTrailingBytes = errors.New("trailing bytes")

	// ErrUnknownOpcode indicates no template matched a packet's opcode prefix.
	ErrUnknownOpcode = errors.New("unknown opcode")
)

// Interception errors.
var (
	// ErrManipulatorConflict indicates two manipulators issued incompatible demands.
	ErrManipulatorConflict = errors.New("manipulator conflict")

	// ErrInvalidRewrite indicates a rewrite that would change the opcode or empty the body.
	ErrInvalidRewrite = errors.New("invalid rewrite")
)

// Connection and registry errors.
var (
	// ErrInvalidBinding indicates an attempt to pair endpoints that cannot be paired.
	ErrInvalidBinding = errors.New("invalid endpoint binding")

	// ErrRegistryConflict indicates two templates share one opcode prefix.
	ErrRegistryConflict = errors.New("opcode prefix conflict")

	// ErrUnknownEndpoint indicates an endpoint id not present in the table.
	ErrUnknownEndpoint = errors.New("unknown endpoint")

	// ErrConnectionClosed indicates the connection was closed.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrProtocolViolation indicates a malformed frame.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrPacketTooLarge indicates a body that does not fit a frame.
	ErrPacketTooLarge = errors.New("packet too large")

	// ErrVersionAlreadySet indicates a second protocol version for one endpoint.
	ErrVersionAlreadySet = errors.New("protocol version already set")

	// ErrInvalidState indicates a lifecycle transition not allowed from the current state.
	ErrInvalidState = errors.New("invalid endpoint state")

	// ErrPipelineClosed indicates a submission after the notification pipeline shut down.
	ErrPipelineClosed = errors.New("notification pipeline closed")
)

// SessionError wraps an error with the session it occurred in.
type SessionError struct {
	Op        string // Operation that failed
	SessionID string // Session identifier
	Direction string // Direction of the packet flow, if any
	Err       error  // Underlying error
}

// Error implements the error interface.
func (e *SessionError) Error() string {
	if e.Direction != "" {
		return fmt.Sprintf("%s [%s] %s: %v", e.Op, e.SessionID, e.Direction, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %v", e.Op, e.SessionID, e.Err)
}

// Unwrap returns the underlying error.
func (e *SessionError) Unwrap() error {
	return e.Err
}

// New creates a new SessionError.
func New(op, sessionID, direction string, err error) error {
	if err == nil {
		return nil
	}
	return &SessionError{
		Op:        op,
		SessionID: sessionID,
		Direction: direction,
		Err:       err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
