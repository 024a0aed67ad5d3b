// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides a manipulator that drops packets a client sends
// faster than a token bucket allows.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/gameproxy/pkg/handler"
	"github.com/absmach/gameproxy/pkg/intercept"
	"github.com/absmach/gameproxy/pkg/protocol"
)

var _ handler.Manipulator = (*Guard)(nil)

// TokenBucket implements the token bucket algorithm.
type TokenBucket struct {
	mu       sync.Mutex
	capacity float64
	tokens   float64
	rate     float64 // tokens per second
	last     time.Time
}

// NewTokenBucket creates a full bucket.
func NewTokenBucket(capacity int, rate float64, now time.Time) *TokenBucket {
	return &TokenBucket{
		capacity: float64(capacity),
		tokens:   float64(capacity),
		rate:     rate,
		last:     now,
	}
}

// Take removes one token at time now, if one is available.
func (tb *TokenBucket) Take(now time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if elapsed := now.Sub(tb.last).Seconds(); elapsed > 0 {
		tb.tokens = min(tb.capacity, tb.tokens+elapsed*tb.rate)
		tb.last = now
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}

// Config holds Guard configuration.
type Config struct {
	// Burst is the number of packets a client may send back to back.
	Burst int

	// Rate is the sustained number of packets per second.
	Rate float64

	// Direction is the sender being limited. Defaults to protocol.Client.
	Direction protocol.Direction

	// OnDrop, when set, is called for every dropped packet.
	OnDrop func(hctx *handler.Context)

	Logger *slog.Logger
}

// Guard keeps one bucket per connection pair. Packets over the limit are
// demanded lost; a manipulator that already demanded sending wins.
type Guard struct {
	mu      sync.Mutex
	cfg     Config
	buckets map[string]*TokenBucket
}

// New creates a Guard.
func New(cfg Config) *Guard {
	if cfg.Burst <= 0 {
		cfg.Burst = 50
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 25
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Guard{cfg: cfg, buckets: make(map[string]*TokenBucket)}
}

func (g *Guard) Name() string { return "ratelimit" }

func (g *Guard) OnProtocolVersion(ctx context.Context, hctx *handler.Context, dir protocol.Direction, v protocol.Version) error {
	return nil
}

// Intercept drops the packet if the sender has no token left.
func (g *Guard) Intercept(ctx context.Context, hctx *handler.Context, pkt *intercept.Packet) error {
	if pkt.Direction() != g.cfg.Direction {
		return nil
	}
	if g.bucket(hctx.SessionID, pkt.ReceivedAt()).Take(pkt.ReceivedAt()) {
		return nil
	}
	if len(pkt.Demands(intercept.Send)) > 0 || len(pkt.Demands(intercept.Vanilla)) > 0 {
		return nil
	}
	if err := pkt.DemandLoss(g.Name()); err != nil {
		return err
	}
	g.cfg.Logger.Debug("packet over rate limit dropped",
		slog.String("session", hctx.SessionID),
		slog.String("client", hctx.ClientAddr))
	if g.cfg.OnDrop != nil {
		g.cfg.OnDrop(hctx)
	}
	return nil
}

func (g *Guard) OnForwarded(ctx context.Context, hctx *handler.Context, dir protocol.Direction, received, forwarded []byte) error {
	return nil
}

// OnDisconnect forgets the connection's bucket.
func (g *Guard) OnDisconnect(ctx context.Context, hctx *handler.Context) error {
	g.mu.Lock()
	delete(g.buckets, hctx.SessionID)
	g.mu.Unlock()
	return nil
}

// Len returns the number of tracked connections.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.buckets)
}

func (g *Guard) bucket(key string, now time.Time) *TokenBucket {
	g.mu.Lock()
	defer g.mu.Unlock()
	tb, ok := g.buckets[key]
	if !ok {
		tb = NewTokenBucket(g.cfg.Burst, g.cfg.Rate, now)
		g.buckets[key] = tb
	}
	return tb
}
