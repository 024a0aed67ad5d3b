// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/gameproxy/pkg/connection"
	"github.com/absmach/gameproxy/pkg/decoder"
	perrors "github.com/absmach/gameproxy/pkg/errors"
	"github.com/absmach/gameproxy/pkg/handler"
	"github.com/absmach/gameproxy/pkg/intercept"
	"github.com/absmach/gameproxy/pkg/metrics"
	"github.com/absmach/gameproxy/pkg/notify"
	"github.com/absmach/gameproxy/pkg/pending"
	"github.com/absmach/gameproxy/pkg/protocol"
	"github.com/absmach/gameproxy/pkg/registry"
	"github.com/absmach/gameproxy/pkg/structure"
	"github.com/google/uuid"
)

// PacketWriter writes one packet body to a connection.
type PacketWriter interface {
	WritePacket(body []byte) error
}

// Config holds proxy configuration.
type Config struct {
	// Registry resolves packet templates for observers that decode. Optional.
	Registry *registry.Registry

	// Caps holds interpreters, modifiers and conditions used while decoding.
	Caps *structure.Capabilities

	// Manipulators run synchronously, in order, before a packet is forwarded.
	Manipulators []handler.Manipulator

	// Listeners are told about forwarded packets asynchronously.
	Listeners []handler.Listener

	// Detector recognizes the protocol version. Nil leaves it unknown.
	Detector VersionDetector

	// InterceptWarn is the manipulator call duration above which a warning is logged.
	InterceptWarn time.Duration

	// NotifyWorkers is the number of notification executors. Zero uses the CPU count.
	NotifyWorkers int

	// NotifyWarn is the observer notification duration above which a warning is logged.
	NotifyWarn time.Duration

	// SweepInterval is the period of the pending queue sweep started by Run.
	SweepInterval time.Duration

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Proxy runs interception, forwarding and notification for every session.
type Proxy struct {
	cfg      Config
	enum     *decoder.Enumerator
	table    *connection.Table
	pipeline *notify.Pipeline
	pending  *pending.Queue

	mu       sync.RWMutex
	sessions map[string]*Session
}

// New creates a proxy and starts its notification pipeline.
func New(cfg Config) *Proxy {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.InterceptWarn == 0 {
		cfg.InterceptWarn = 50 * time.Millisecond
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 30 * time.Second
	}

	p := &Proxy{
		cfg:      cfg,
		enum:     decoder.New(nil, cfg.Caps, cfg.Logger),
		pending:  pending.New(cfg.Logger),
		sessions: make(map[string]*Session),
	}
	if cfg.Registry != nil {
		p.enum.Resolver = cfg.Registry
	}
	p.table = connection.NewTable(connection.Config{
		OnVersion:  p.onVersion,
		OnTeardown: p.onTeardown,
		Logger:     cfg.Logger,
	})
	p.pipeline = notify.New(notify.Config{
		Workers:       cfg.NotifyWorkers,
		SlowThreshold: cfg.NotifyWarn,
		Manipulators:  cfg.Manipulators,
		Listeners:     cfg.Listeners,
		Observe:       cfg.Metrics.ObserveNotification,
		Logger:        cfg.Logger,
	})
	return p
}

// Open registers a new connection pair whose client side is already
// connected. The server side stays Connecting until Session.Connected.
func (p *Proxy) Open(client io.Closer, w PacketWriter, clientAddr, serverAddr string) (*Session, error) {
	pair, err := p.table.Pair(client, nil)
	if err != nil {
		return nil, err
	}

	s := &Session{
		ID:    uuid.NewString(),
		Pair:  pair,
		proxy: p,
		start: time.Now(),
		done:  make(chan struct{}),
	}
	s.Context = &handler.Context{
		SessionID:  s.ID,
		ClientAddr: clientAddr,
		ServerAddr: serverAddr,
		Enumerator: p.enum,
	}

	p.mu.Lock()
	p.sessions[pair.Client] = s
	p.sessions[pair.Server] = s
	p.mu.Unlock()

	if err := p.pipeline.Register(pair.Client, s.Context); err != nil {
		s.Fail(protocol.Client, err)
		return nil, err
	}
	if err := p.table.Activate(pair.Client, nil); err != nil {
		s.Fail(protocol.Client, err)
		return nil, err
	}
	s.setWriter(protocol.Client, w)
	if err := p.pending.Fire(pair.Client, pending.RecipientFunc(w.WritePacket)); err != nil {
		return nil, err
	}

	p.cfg.Logger.Debug("session opened",
		slog.String("session", s.ID),
		slog.String("client", clientAddr),
		slog.String("server", serverAddr))
	return s, nil
}

// Handle runs one packet received from dir through version detection,
// interception and forwarding.
func (p *Proxy) Handle(ctx context.Context, s *Session, dir protocol.Direction, body []byte) error {
	if !p.table.Alive(s.endpoint(dir)) {
		return perrors.New("handle", s.ID, dir.String(), perrors.ErrConnectionClosed)
	}
	p.detect(s, dir, body)

	pkt := intercept.New(dir, body, time.Now())
	for _, m := range p.cfg.Manipulators {
		p.intercept(ctx, s, m, pkt)
	}

	out := pkt.Outgoing()
	if pkt.Lost() {
		p.cfg.Metrics.ObservePacket(dir.String(), metrics.OutcomeDropped, len(body))
		p.cfg.Logger.Debug("packet dropped",
			slog.String("session", s.ID),
			slog.String("direction", dir.String()),
			slog.Any("by", pkt.Demands(intercept.Loss)))
	} else if pkt.Modified() {
		p.cfg.Metrics.ObserveRewrite(dir.String())
	}

	received := pkt.Received()
	primary := !pkt.Lost()
	for i, b := range out {
		var ev []byte
		if i == 0 && primary {
			ev = received
		}
		if err := p.forward(s, dir, ev, b, pkt.ReceivedAt()); err != nil {
			return err
		}
	}
	return nil
}

// Inject sends a crafted packet as if dir had sent it. Manipulators do not
// see it; observers are notified of it as forwarded.
func (p *Proxy) Inject(s *Session, dir protocol.Direction, body []byte) error {
	if len(body) == 0 {
		return fmt.Errorf("%w: empty body", perrors.ErrInvalidRewrite)
	}
	if !p.table.Alive(s.endpoint(dir.Peer())) {
		return perrors.New("inject", s.ID, dir.String(), perrors.ErrConnectionClosed)
	}
	p.cfg.Metrics.ObservePacket(dir.String(), metrics.OutcomeInjected, len(body))
	return p.forward(s, dir, nil, body, time.Now())
}

// Run sweeps queues of endpoints that disconnected before connecting until
// ctx is done.
func (p *Proxy) Run(ctx context.Context) {
	p.pending.Run(ctx, p.cfg.SweepInterval, p.table.Alive)
}

// Shutdown stops the notification pipeline and returns the number of
// notifications that did not run.
func (p *Proxy) Shutdown(ctx context.Context) int {
	return p.pipeline.Shutdown(ctx)
}

// Sessions returns the number of open sessions.
func (p *Proxy) Sessions() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sessions) / 2
}

// Schedule runs fn on the session's notification executor after delay. The
// task is discarded if the session ends first.
func (p *Proxy) Schedule(s *Session, delay time.Duration, fn func(ctx context.Context, hctx *handler.Context)) (*notify.Task, error) {
	return p.pipeline.Schedule(s.Pair.Client, delay, fn)
}

func (p *Proxy) forward(s *Session, dir protocol.Direction, received, body []byte, at time.Time) error {
	target := s.endpoint(dir.Peer())
	outcome := metrics.OutcomeForwarded

	var r pending.Recipient
	if w := s.writer(dir.Peer()); w != nil {
		r = pending.RecipientFunc(w.WritePacket)
	} else {
		outcome = metrics.OutcomeQueued
	}
	if err := p.pending.Add(target, body, r); err != nil {
		return perrors.New("forward", s.ID, dir.String(), err)
	}
	p.cfg.Metrics.ObservePacket(dir.String(), outcome, len(body))

	ev := notify.Event{
		Direction: dir,
		Received:  received,
		Forwarded: body,
		At:        at,
	}
	if err := p.pipeline.Forwarded(s.Pair.Client, ev); err != nil {
		p.cfg.Logger.Debug("forward notification not queued",
			slog.String("session", s.ID),
			slog.String("error", err.Error()))
	}
	return nil
}

func (p *Proxy) intercept(ctx context.Context, s *Session, m handler.Manipulator, pkt *intercept.Packet) {
	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return m.Intercept(ctx, s.Context, pkt)
	}()
	d := time.Since(start)

	errType := ""
	if err != nil {
		errType = errorType(err)
		p.cfg.Logger.Error("manipulator failed",
			slog.String("session", s.ID),
			slog.String("manipulator", m.Name()),
			slog.String("direction", pkt.Direction().String()),
			slog.String("error", err.Error()))
	}
	p.cfg.Metrics.ObserveIntercept(m.Name(), d, errType)
	if d > p.cfg.InterceptWarn {
		p.cfg.Logger.Warn("slow manipulator",
			slog.String("session", s.ID),
			slog.String("manipulator", m.Name()),
			slog.Duration("duration", d))
	}
}

func errorType(err error) string {
	switch {
	case errors.Is(err, perrors.ErrManipulatorConflict):
		return "conflict"
	case errors.Is(err, perrors.ErrInvalidRewrite):
		return "rewrite"
	default:
		return "error"
	}
}

// detect sets the session's protocol version the first time the detector
// recognizes one.
func (p *Proxy) detect(s *Session, dir protocol.Direction, body []byte) {
	if p.cfg.Detector == nil {
		return
	}
	if _, ok := s.Context.Version(); ok {
		return
	}
	v, ok := p.cfg.Detector.Detect(dir, body)
	if !ok || !s.Context.SetVersion(v) {
		return
	}
	p.cfg.Logger.Info("protocol version detected",
		slog.String("session", s.ID),
		slog.String("version", v.String()))
	for _, d := range protocol.Directions {
		p.setVersion(s, d, v)
	}
}

func (p *Proxy) setVersion(s *Session, dir protocol.Direction, v protocol.Version) {
	err := p.table.SetProtocolVersion(s.endpoint(dir), v)
	if err != nil && !errors.Is(err, perrors.ErrInvalidState) {
		p.cfg.Logger.Debug("protocol version not set",
			slog.String("session", s.ID),
			slog.String("direction", dir.String()),
			slog.String("error", err.Error()))
	}
}

func (p *Proxy) session(endpoint string) (*Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[endpoint]
	return s, ok
}

func (p *Proxy) onVersion(ep connection.Endpoint, v protocol.Version) {
	s, ok := p.session(ep.ID)
	if !ok {
		return
	}
	ctx := context.Background()
	for _, m := range p.cfg.Manipulators {
		if err := m.OnProtocolVersion(ctx, s.Context, ep.Direction, v); err != nil {
			p.observerError(s, "manipulator", m.Name(), err)
		}
	}
	for _, l := range p.cfg.Listeners {
		if err := l.OnProtocolVersion(ctx, s.Context, ep.Direction, v); err != nil {
			p.observerError(s, "listener", l.Name(), err)
		}
	}
}

func (p *Proxy) observerError(s *Session, kind, name string, err error) {
	p.cfg.Logger.Error("observer failed",
		slog.String("session", s.ID),
		slog.String(kind, name),
		slog.String("error", err.Error()))
}

func (p *Proxy) onTeardown(pair connection.Pair) {
	p.mu.Lock()
	s, ok := p.sessions[pair.Client]
	delete(p.sessions, pair.Client)
	delete(p.sessions, pair.Server)
	p.mu.Unlock()
	if !ok {
		return
	}

	if err := p.pipeline.Disconnected(pair.Client); err != nil {
		p.cfg.Logger.Debug("disconnect notification not queued",
			slog.String("session", s.ID),
			slog.String("error", err.Error()))
	}
	dropped := p.pending.Remove(pair.Client) + p.pending.Remove(pair.Server)
	p.cfg.Metrics.ObservePendingDropped(dropped)
	if dropped > 0 {
		p.cfg.Logger.Warn("session closed with undelivered packets",
			slog.String("session", s.ID),
			slog.Int("packets", dropped))
	}

	p.cfg.Logger.Debug("session closed",
		slog.String("session", s.ID),
		slog.Duration("duration", time.Since(s.start)))
	close(s.done)
}
