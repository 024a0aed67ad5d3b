// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package breaker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var errDial = errors.New("connection refused")

func newTestBreaker(clock *time.Time, transitions *[]string) *Breaker {
	b := New(Config{
		Failures: 2,
		Cooldown: time.Second,
		Probes:   2,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnStateChange: func(from, to State) {
			*transitions = append(*transitions, from.String()+">"+to.String())
		},
	})
	b.now = func() time.Time { return *clock }
	return b
}

func fail(context.Context) error    { return errDial }
func succeed(context.Context) error { return nil }

func TestBreakerLifecycle(t *testing.T) {
	clock := time.Unix(1000, 0)
	var transitions []string
	b := newTestBreaker(&clock, &transitions)
	ctx := context.Background()

	for range 2 {
		if err := b.Do(ctx, fail); !errors.Is(err, errDial) {
			t.Fatalf("Do() error = %v", err)
		}
	}
	if b.State() != Open {
		t.Fatalf("Expected open breaker, got %s", b.State())
	}
	if err := b.Check(ctx); !errors.Is(err, ErrOpen) {
		t.Errorf("Expected ErrOpen from Check, got %v", err)
	}

	called := false
	err := b.Do(ctx, func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrOpen) || called {
		t.Fatalf("Expected rejected call while open, got err=%v called=%v", err, called)
	}

	clock = clock.Add(time.Second)
	if b.State() != HalfOpen {
		t.Errorf("Expected half_open after cooldown, got %s", b.State())
	}
	if err := b.Do(ctx, succeed); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if b.State() != HalfOpen {
		t.Errorf("Expected half_open after one probe, got %s", b.State())
	}
	if err := b.Do(ctx, succeed); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if b.State() != Closed {
		t.Errorf("Expected closed after probes, got %s", b.State())
	}

	want := []string{"closed>open", "open>half_open", "half_open>closed"}
	if diff := cmp.Diff(want, transitions); diff != "" {
		t.Errorf("transitions mismatch (-want +got):\n%s", diff)
	}
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	clock := time.Unix(1000, 0)
	var transitions []string
	b := newTestBreaker(&clock, &transitions)
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, fail)
	clock = clock.Add(2 * time.Second)
	_ = b.Do(ctx, fail)

	if b.State() != Open {
		t.Errorf("Expected open after failed probe, got %s", b.State())
	}
}

func TestBreakerSingleProbe(t *testing.T) {
	clock := time.Unix(1000, 0)
	var transitions []string
	b := newTestBreaker(&clock, &transitions)
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, fail)
	clock = clock.Add(2 * time.Second)

	err := b.Do(ctx, func(ctx context.Context) error {
		if err := b.Do(ctx, succeed); !errors.Is(err, ErrOpen) {
			t.Errorf("Expected concurrent probe rejected, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	clock := time.Unix(1000, 0)
	var transitions []string
	b := newTestBreaker(&clock, &transitions)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for range 5 {
		_ = b.Do(ctx, func(ctx context.Context) error { return ctx.Err() })
	}
	if b.State() != Closed {
		t.Errorf("Expected closed breaker, got %s", b.State())
	}
}

func TestNilBreaker(t *testing.T) {
	var b *Breaker
	if err := b.Do(context.Background(), fail); !errors.Is(err, errDial) {
		t.Errorf("Expected call passed through, got %v", err)
	}
}
