// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package connection tracks client/server endpoint pairs and their lifecycle.
//
// Endpoints live in a Table keyed by id. Each endpoint stores the id of its
// peer, never a reference to it.
package connection

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	perrors "github.com/absmach/gameproxy/pkg/errors"
	"github.com/absmach/gameproxy/pkg/protocol"
	"github.com/google/uuid"
)

// State is the lifecycle state of an endpoint.
type State int

const (
	Connecting State = iota
	Active
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Endpoint is a point-in-time view of one side of a connection pair.
type Endpoint struct {
	ID        string
	Peer      string
	Direction protocol.Direction
	State     State
	Failed    bool
	Version   protocol.Version
	// HasVersion reports whether Version was set.
	HasVersion bool
}

// Pair names the two endpoints of a connection.
type Pair struct {
	Client string
	Server string
}

// VersionHook is called synchronously when an endpoint's protocol version is set.
type VersionHook func(ep Endpoint, v protocol.Version)

// TeardownHook is called once both endpoints of a pair are disconnected.
type TeardownHook func(p Pair)

type endpoint struct {
	id      string
	peer    string
	dir     protocol.Direction
	state   State
	failed  bool
	version *protocol.Version
	closer  io.Closer
}

func (e *endpoint) view() Endpoint {
	ep := Endpoint{
		ID:        e.id,
		Peer:      e.peer,
		Direction: e.dir,
		State:     e.state,
		Failed:    e.failed,
	}
	if e.version != nil {
		ep.Version = *e.version
		ep.HasVersion = true
	}
	return ep
}

// Config holds table hooks.
type Config struct {
	OnVersion  VersionHook
	OnTeardown TeardownHook
	Logger     *slog.Logger
}

// Table holds every live endpoint.
type Table struct {
	cfg       Config
	mu        sync.Mutex
	endpoints map[string]*endpoint
}

// NewTable returns an empty table.
func NewTable(cfg Config) *Table {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Table{
		cfg:       cfg,
		endpoints: make(map[string]*endpoint),
	}
}

// Add creates an unbound endpoint in the Connecting state.
func (t *Table) Add(dir protocol.Direction, closer io.Closer) string {
	id := uuid.NewString()
	t.mu.Lock()
	t.endpoints[id] = &endpoint{id: id, dir: dir, closer: closer}
	t.mu.Unlock()
	return id
}

// Bind makes a and b peers of each other. It fails for an endpoint bound to
// itself, two endpoints of one direction, or an endpoint that already has a
// peer.
func (t *Table) Bind(a, b string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ea, ok := t.endpoints[a]
	if !ok {
		return fmt.Errorf("%w: %s", perrors.ErrUnknownEndpoint, a)
	}
	eb, ok := t.endpoints[b]
	if !ok {
		return fmt.Errorf("%w: %s", perrors.ErrUnknownEndpoint, b)
	}
	switch {
	case a == b:
		return fmt.Errorf("%w: endpoint %s bound to itself", perrors.ErrInvalidBinding, a)
	case ea.dir == eb.dir:
		return fmt.Errorf("%w: both endpoints are %s", perrors.ErrInvalidBinding, ea.dir)
	case ea.peer != "" || eb.peer != "":
		return fmt.Errorf("%w: endpoint already bound", perrors.ErrInvalidBinding)
	}
	ea.peer, eb.peer = b, a
	return nil
}

// Pair creates and binds a client and a server endpoint.
func (t *Table) Pair(client, server io.Closer) (Pair, error) {
	p := Pair{
		Client: t.Add(protocol.Client, client),
		Server: t.Add(protocol.Server, server),
	}
	if err := t.Bind(p.Client, p.Server); err != nil {
		t.mu.Lock()
		delete(t.endpoints, p.Client)
		delete(t.endpoints, p.Server)
		t.mu.Unlock()
		return Pair{}, err
	}
	return p, nil
}

// Activate moves a Connecting endpoint to Active. A non-nil closer replaces
// the one given at creation.
func (t *Table) Activate(id string, closer io.Closer) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.endpoints[id]
	if !ok {
		return fmt.Errorf("%w: %s", perrors.ErrUnknownEndpoint, id)
	}
	if e.state != Connecting || e.failed {
		return fmt.Errorf("%w: cannot activate %s endpoint", perrors.ErrInvalidState, e.state)
	}
	if closer != nil {
		e.closer = closer
	}
	e.state = Active
	return nil
}

// SetProtocolVersion fixes the protocol version of an Active endpoint and
// calls the version hook before returning.
func (t *Table) SetProtocolVersion(id string, v protocol.Version) error {
	t.mu.Lock()
	e, ok := t.endpoints[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", perrors.ErrUnknownEndpoint, id)
	}
	if e.state != Active {
		t.mu.Unlock()
		return fmt.Errorf("%w: cannot set version on %s endpoint", perrors.ErrInvalidState, e.state)
	}
	if e.version != nil {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", perrors.ErrVersionAlreadySet, e.version)
	}
	e.version = &v
	view := e.view()
	t.mu.Unlock()

	if t.cfg.OnVersion != nil {
		t.cfg.OnVersion(view, v)
	}
	return nil
}

// NotifyFailure marks an endpoint failed, closes it and disconnects it. Only
// the first call has effect.
func (t *Table) NotifyFailure(id string) bool {
	t.mu.Lock()
	e, ok := t.endpoints[id]
	if !ok || e.failed || e.state == Disconnected {
		t.mu.Unlock()
		return false
	}
	e.failed = true
	closer := e.closer
	t.mu.Unlock()

	t.close(id, closer)
	t.OnDisconnection(id)
	return true
}

// OnDisconnection records that an endpoint disconnected. The first side to
// disconnect closes its peer without disconnecting it; a peer that never
// became Active is disconnected along with it. Once both sides are
// Disconnected the pair leaves the table and the teardown hook fires.
func (t *Table) OnDisconnection(id string) bool {
	t.mu.Lock()
	e, ok := t.endpoints[id]
	if !ok || e.state == Disconnected {
		t.mu.Unlock()
		return false
	}
	e.state = Disconnected

	var (
		peerCloser io.Closer
		pair       Pair
		done       bool
	)
	peer, bound := t.endpoints[e.peer]
	switch {
	case !bound:
		delete(t.endpoints, id)
	case peer.state == Connecting:
		peer.state = Disconnected
		peerCloser = peer.closer
		fallthrough
	case peer.state == Disconnected:
		pair = pairOf(e, peer)
		delete(t.endpoints, e.id)
		delete(t.endpoints, peer.id)
		done = true
	default:
		peerCloser = peer.closer
	}
	t.mu.Unlock()

	t.close(e.peer, peerCloser)
	if done {
		t.cfg.Logger.Debug("connection pair torn down",
			slog.String("client", pair.Client),
			slog.String("server", pair.Server))
		if t.cfg.OnTeardown != nil {
			t.cfg.OnTeardown(pair)
		}
	}
	return true
}

// Alive reports whether an endpoint exists, has not failed and is not Disconnected.
func (t *Table) Alive(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.endpoints[id]
	return ok && !e.failed && e.state != Disconnected
}

// Get returns a view of an endpoint.
func (t *Table) Get(id string) (Endpoint, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.endpoints[id]
	if !ok {
		return Endpoint{}, false
	}
	return e.view(), true
}

// Peer returns the id of an endpoint's peer.
func (t *Table) Peer(id string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.endpoints[id]
	if !ok || e.peer == "" {
		return "", false
	}
	return e.peer, true
}

// Len returns the number of endpoints in the table.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.endpoints)
}

func (t *Table) close(id string, c io.Closer) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		t.cfg.Logger.Debug("failed to close endpoint",
			slog.String("endpoint", id),
			slog.String("error", err.Error()))
	}
}

func pairOf(a, b *endpoint) Pair {
	if a.dir == protocol.Client {
		return Pair{Client: a.id, Server: b.id}
	}
	return Pair{Client: b.id, Server: a.id}
}
