// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package breaker stops dialing the game server for a while after repeated
// failures, so that a down server fails new clients fast instead of holding
// each of them for a full dial timeout.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by Do while the breaker rejects calls.
var ErrOpen = errors.New("upstream circuit open")

// State is the breaker state.
type State int

const (
	// Closed lets every call through.
	Closed State = iota
	// HalfOpen lets one probe call through at a time.
	HalfOpen
	// Open rejects every call until the cooldown elapses.
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half_open"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds breaker configuration.
type Config struct {
	// Failures is the number of consecutive failures that opens the breaker.
	Failures int

	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration

	// Probes is the number of consecutive successful probes that closes it.
	Probes int

	// OnStateChange, when set, is called after every transition, outside the lock.
	OnStateChange func(from, to State)

	Logger *slog.Logger
}

// Breaker guards calls to one upstream.
type Breaker struct {
	mu       sync.Mutex
	cfg      Config
	state    State
	failures int
	probes   int
	probing  bool
	openedAt time.Time
	now      func() time.Time
}

// New creates a closed breaker.
func New(cfg Config) *Breaker {
	if cfg.Failures <= 0 {
		cfg.Failures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Do runs fn if the breaker allows it and records the result. A call whose
// ctx was cancelled is not counted; a deadline is.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if b == nil {
		return fn(ctx)
	}
	if err := b.acquire(); err != nil {
		return err
	}
	err := fn(ctx)
	b.release(err, errors.Is(ctx.Err(), context.Canceled))
	return err
}

// State returns the current state. An open breaker whose cooldown elapsed
// reports HalfOpen.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return HalfOpen
	}
	return b.state
}

// Check reports ErrOpen while the breaker rejects calls.
func (b *Breaker) Check(context.Context) error {
	if b.State() == Open {
		return ErrOpen
	}
	return nil
}

func (b *Breaker) acquire() error {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			b.mu.Unlock()
			return ErrOpen
		}
		b.state = HalfOpen
		b.probes = 0
		b.probing = true
	case HalfOpen:
		if b.probing {
			b.mu.Unlock()
			return ErrOpen
		}
		b.probing = true
	}
	to := b.state
	b.mu.Unlock()
	b.changed(from, to)
	return nil
}

func (b *Breaker) release(err error, cancelled bool) {
	b.mu.Lock()
	from := b.state
	if b.state == HalfOpen {
		b.probing = false
	}
	switch {
	case cancelled:
	case err != nil:
		b.failures++
		b.probes = 0
		if b.state == HalfOpen || b.failures >= b.cfg.Failures {
			b.state = Open
			b.openedAt = b.now()
		}
	default:
		b.failures = 0
		if b.state == HalfOpen {
			b.probes++
			if b.probes >= b.cfg.Probes {
				b.state = Closed
				b.probes = 0
			}
		}
	}
	to := b.state
	b.mu.Unlock()
	b.changed(from, to)
}

func (b *Breaker) changed(from, to State) {
	if from == to {
		return
	}
	b.cfg.Logger.Warn("upstream breaker state changed",
		slog.String("from", from.String()),
		slog.String("to", to.String()))
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}
