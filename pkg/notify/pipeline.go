// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package notify delivers forwarded-packet and disconnection notifications
// off the I/O path.
//
// Every connection is pinned to one single-goroutine executor for its whole
// lifetime, so notifications for one connection arrive in forwarding order
// while different connections are served in parallel.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	perrors "github.com/absmach/gameproxy/pkg/errors"
	"github.com/absmach/gameproxy/pkg/handler"
	"github.com/absmach/gameproxy/pkg/protocol"
)

// Kind of observer call.
const (
	KindManipulator = "manipulator"
	KindListener    = "listener"
)

// Event describes one forwarded packet.
type Event struct {
	Direction protocol.Direction
	Received  []byte
	Forwarded []byte
	At        time.Time
}

// ObserveFunc receives the duration and outcome of every observer call.
type ObserveFunc func(kind, name string, d time.Duration, err error)

// Config holds pipeline settings.
type Config struct {
	// Workers is the number of executors. Defaults to the number of CPUs.
	Workers int

	// SlowThreshold is the observer call duration above which a warning is logged.
	SlowThreshold time.Duration

	Manipulators []handler.Manipulator
	Listeners    []handler.Listener

	// Observe is optional instrumentation.
	Observe ObserveFunc

	Logger *slog.Logger
}

type session struct {
	exec  *executor
	hctx  *handler.Context
	tasks map[*Task]struct{}
}

// Pipeline dispatches notifications to manipulators and listeners.
type Pipeline struct {
	cfg       Config
	executors []*executor
	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool

	mu       sync.Mutex
	sessions map[string]*session
}

// New starts the executors.
func New(cfg Config) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.SlowThreshold == 0 {
		cfg.SlowThreshold = 100 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		cfg:       cfg,
		executors: make([]*executor, cfg.Workers),
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[string]*session),
	}
	for i := range p.executors {
		p.executors[i] = newExecutor()
	}
	return p
}

// Register pins key to a pseudo-randomly chosen executor.
func (p *Pipeline) Register(key string, hctx *handler.Context) error {
	if p.closed.Load() {
		return perrors.ErrPipelineClosed
	}
	if hctx == nil {
		hctx = &handler.Context{SessionID: key}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.sessions[key]; ok {
		return fmt.Errorf("%w: %s already registered", perrors.ErrInvalidState, key)
	}
	p.sessions[key] = &session{
		exec:  p.executors[rand.IntN(len(p.executors))],
		hctx:  hctx,
		tasks: make(map[*Task]struct{}),
	}
	return nil
}

// Forwarded queues one notification per manipulator and listener.
func (p *Pipeline) Forwarded(key string, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[key]
	if !ok {
		return fmt.Errorf("%w: %s", perrors.ErrUnknownEndpoint, key)
	}
	return p.submit(s, func() { p.forwarded(s.hctx, ev) })
}

// Disconnected cancels the scheduled tasks of key, queues its final
// notification and then releases the executor assignment. A Forwarded call
// accepted before it is always delivered ahead of the disconnection.
func (p *Pipeline) Disconnected(key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[key]
	if !ok {
		return fmt.Errorf("%w: %s", perrors.ErrUnknownEndpoint, key)
	}
	for t := range s.tasks {
		t.Cancel()
	}
	s.tasks = nil
	err := p.submit(s, func() { p.disconnected(s.hctx) })
	delete(p.sessions, key)
	return err
}

// Schedule runs fn on key's executor after delay, unless the connection
// disconnects first or the task is cancelled.
func (p *Pipeline) Schedule(key string, delay time.Duration, fn func(ctx context.Context, hctx *handler.Context)) (*Task, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", perrors.ErrUnknownEndpoint, key)
	}

	t := &Task{}
	s.tasks[t] = struct{}{}
	t.timer = time.AfterFunc(delay, func() {
		p.forget(key, t)
		if t.cancelled.Load() {
			return
		}
		s.exec.submit(func() {
			if t.cancelled.Load() {
				return
			}
			fn(p.ctx, s.hctx)
		})
	})
	return t, nil
}

// Sessions returns the number of registered keys.
func (p *Pipeline) Sessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Shutdown waits for queued notifications to run until ctx is done, then
// drops the rest and returns how many did not finish.
func (p *Pipeline) Shutdown(ctx context.Context) int {
	p.closed.Store(true)
	for _, e := range p.executors {
		e.close()
	}

	unfinished := 0
	for _, e := range p.executors {
		select {
		case <-e.done:
		case <-ctx.Done():
			unfinished += e.abandon()
		}
	}
	p.cancel()
	if unfinished > 0 {
		p.cfg.Logger.Warn("notification pipeline stopped with unfinished tasks",
			slog.Int("unfinished", unfinished))
	}
	return unfinished
}

func (p *Pipeline) forget(key string, t *Task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sessions[key]; ok {
		delete(s.tasks, t)
	}
}

func (p *Pipeline) submit(s *session, task func()) error {
	if !s.exec.submit(task) {
		return perrors.ErrPipelineClosed
	}
	return nil
}

func (p *Pipeline) forwarded(hctx *handler.Context, ev Event) {
	for _, m := range p.cfg.Manipulators {
		p.call(KindManipulator, m.Name(), hctx, func(ctx context.Context) error {
			return m.OnForwarded(ctx, hctx, ev.Direction, ev.Received, ev.Forwarded)
		})
	}
	for _, l := range p.cfg.Listeners {
		p.call(KindListener, l.Name(), hctx, func(ctx context.Context) error {
			return l.OnPacket(ctx, hctx, ev.Direction, ev.Forwarded, ev.At)
		})
	}
}

func (p *Pipeline) disconnected(hctx *handler.Context) {
	for _, m := range p.cfg.Manipulators {
		p.call(KindManipulator, m.Name(), hctx, func(ctx context.Context) error {
			return m.OnDisconnect(ctx, hctx)
		})
	}
	for _, l := range p.cfg.Listeners {
		p.call(KindListener, l.Name(), hctx, func(ctx context.Context) error {
			return l.OnDisconnect(ctx, hctx)
		})
	}
}

// call runs one observer, timing it and containing its failures.
func (p *Pipeline) call(kind, name string, hctx *handler.Context, fn func(ctx context.Context) error) {
	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn(p.ctx)
	}()
	d := time.Since(start)

	if p.cfg.Observe != nil {
		p.cfg.Observe(kind, name, d, err)
	}
	if err != nil {
		p.cfg.Logger.Error("observer failed",
			slog.String("session", hctx.SessionID),
			slog.String(kind, name),
			slog.String("error", err.Error()))
	}
	if d > p.cfg.SlowThreshold {
		p.cfg.Logger.Warn("slow observer",
			slog.String("session", hctx.SessionID),
			slog.String(kind, name),
			slog.Duration("duration", d))
	}
}

// Task is a scheduled session task.
type Task struct {
	cancelled atomic.Bool
	timer     *time.Timer
}

// Cancel prevents the task from running if it has not started.
func (t *Task) Cancel() {
	t.cancelled.Store(true)
	if t.timer != nil {
		t.timer.Stop()
	}
}
