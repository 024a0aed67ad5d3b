// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package pending buffers packets produced for endpoints whose connection
// does not exist yet.
package pending

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Recipient accepts packets for one endpoint.
type Recipient interface {
	Deliver(body []byte) error
}

// RecipientFunc adapts a function to Recipient.
type RecipientFunc func(body []byte) error

func (f RecipientFunc) Deliver(body []byte) error { return f(body) }

type entry struct {
	mu        sync.Mutex
	bodies    [][]byte
	recipient Recipient
	created   time.Time
}

// drain delivers queued bodies in order. Undelivered bodies stay queued.
func (e *entry) drain() error {
	for len(e.bodies) > 0 {
		if err := e.recipient.Deliver(e.bodies[0]); err != nil {
			return err
		}
		e.bodies[0] = nil
		e.bodies = e.bodies[1:]
	}
	return nil
}

// Queue holds one FIFO per target endpoint key.
type Queue struct {
	mu      sync.RWMutex
	entries map[string]*entry
	logger  *slog.Logger
}

// New returns an empty queue.
func New(logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		entries: make(map[string]*entry),
		logger:  logger,
	}
}

func (q *Queue) lookup(key string) *entry {
	q.mu.RLock()
	e, ok := q.entries[key]
	q.mu.RUnlock()
	if ok {
		return e
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[key]; ok {
		return e
	}
	e = &entry{created: time.Now()}
	q.entries[key] = e
	return e
}

// Add queues body for key. With a recipient, or once Fire has named one for
// key, the queue is drained and body is delivered immediately.
func (q *Queue) Add(key string, body []byte, r Recipient) error {
	e := q.lookup(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	if r != nil {
		e.recipient = r
	}
	e.bodies = append(e.bodies, body)
	if e.recipient == nil {
		return nil
	}
	return e.drain()
}

// Fire delivers every queued body for key to r in order and remembers r for
// later Adds. Firing an empty or absent queue delivers nothing.
func (q *Queue) Fire(key string, r Recipient) error {
	e := q.lookup(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.recipient = r
	return e.drain()
}

// Len returns the number of bodies waiting for key.
func (q *Queue) Len(key string) int {
	q.mu.RLock()
	e, ok := q.entries[key]
	q.mu.RUnlock()
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.bodies)
}

// Remove drops the queue for key and returns how many bodies it still held.
func (q *Queue) Remove(key string) int {
	q.mu.Lock()
	e, ok := q.entries[key]
	delete(q.entries, key)
	q.mu.Unlock()
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.bodies)
	e.bodies = nil
	return n
}

// Keys returns the number of tracked keys.
func (q *Queue) Keys() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries)
}

// Run sweeps the queue on every tick until ctx is done.
func (q *Queue) Run(ctx context.Context, interval time.Duration, alive func(key string) bool) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Sweep(alive)
		}
	}
}

// Sweep removes queues whose key is no longer alive and returns how many
// were removed.
func (q *Queue) Sweep(alive func(key string) bool) int {
	var toRemove []string

	q.mu.RLock()
	for key := range q.entries {
		if !alive(key) {
			toRemove = append(toRemove, key)
		}
	}
	q.mu.RUnlock()

	if len(toRemove) == 0 {
		return 0
	}

	for _, key := range toRemove {
		if n := q.Remove(key); n > 0 {
			q.logger.Warn("dropped pending packets for abandoned endpoint",
				slog.String("endpoint", key),
				slog.Int("packets", n))
		}
	}

	q.logger.Debug("swept pending queues", slog.Int("count", len(toRemove)))
	return len(toRemove)
}
