// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package connection

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	perrors "github.com/absmach/gameproxy/pkg/errors"
	"github.com/absmach/gameproxy/pkg/protocol"
)

type mockCloser struct {
	closed atomic.Int32
}

func (c *mockCloser) Close() error {
	c.closed.Add(1)
	return nil
}

func TestBind(t *testing.T) {
	tests := []struct {
		name string
		dirs [2]protocol.Direction
		self bool
		err  error
	}{
		{name: "client and server", dirs: [2]protocol.Direction{protocol.Client, protocol.Server}},
		{name: "same direction", dirs: [2]protocol.Direction{protocol.Client, protocol.Client}, err: perrors.ErrInvalidBinding},
		{name: "self", dirs: [2]protocol.Direction{protocol.Server, protocol.Server}, self: true, err: perrors.ErrInvalidBinding},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tbl := NewTable(Config{})
			a := tbl.Add(tt.dirs[0], nil)
			b := tbl.Add(tt.dirs[1], nil)
			if tt.self {
				b = a
			}
			err := tbl.Bind(a, b)
			if !errors.Is(err, tt.err) {
				t.Fatalf("Bind() error = %v, want %v", err, tt.err)
			}
			if tt.err != nil {
				return
			}
			if peer, _ := tbl.Peer(a); peer != b {
				t.Errorf("Expected peer %s, got %s", b, peer)
			}
			if err := tbl.Bind(a, b); !errors.Is(err, perrors.ErrInvalidBinding) {
				t.Errorf("Expected rebinding to fail, got %v", err)
			}
		})
	}
}

func TestBindUnknown(t *testing.T) {
	tbl := NewTable(Config{})
	a := tbl.Add(protocol.Client, nil)
	if err := tbl.Bind(a, "missing"); !errors.Is(err, perrors.ErrUnknownEndpoint) {
		t.Errorf("Expected ErrUnknownEndpoint, got %v", err)
	}
}

func TestLifecycle(t *testing.T) {
	var teardowns []Pair
	tbl := NewTable(Config{
		OnTeardown: func(p Pair) { teardowns = append(teardowns, p) },
	})

	cc, sc := &mockCloser{}, &mockCloser{}
	p, err := tbl.Pair(cc, nil)
	if err != nil {
		t.Fatalf("Pair() error = %v", err)
	}
	if tbl.Len() != 2 {
		t.Fatalf("Expected 2 endpoints, got %d", tbl.Len())
	}
	if err := tbl.Activate(p.Client, nil); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if err := tbl.Activate(p.Server, sc); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if err := tbl.Activate(p.Server, sc); !errors.Is(err, perrors.ErrInvalidState) {
		t.Errorf("Expected second Activate to fail, got %v", err)
	}

	if !tbl.OnDisconnection(p.Client) {
		t.Fatal("Expected first OnDisconnection to take effect")
	}
	if tbl.OnDisconnection(p.Client) {
		t.Error("Expected repeated OnDisconnection to be a no-op")
	}
	if sc.closed.Load() != 1 {
		t.Errorf("Expected peer to be closed once, got %d", sc.closed.Load())
	}
	if ep, _ := tbl.Get(p.Server); ep.State != Active {
		t.Errorf("Expected peer to stay active until it disconnects, got %s", ep.State)
	}
	if len(teardowns) != 0 {
		t.Fatalf("Expected no teardown with one side connected, got %d", len(teardowns))
	}
	if tbl.Alive(p.Client) {
		t.Error("Expected disconnected client not to be alive")
	}

	tbl.OnDisconnection(p.Server)
	if len(teardowns) != 1 {
		t.Fatalf("Expected a single teardown, got %d", len(teardowns))
	}
	if teardowns[0] != p {
		t.Errorf("Expected teardown of %v, got %v", p, teardowns[0])
	}
	if tbl.Len() != 0 {
		t.Errorf("Expected empty table, got %d", tbl.Len())
	}
	if cc.closed.Load() != 0 {
		t.Errorf("Expected an already disconnected side not to be closed again, got %d", cc.closed.Load())
	}
}

func TestDisconnectWhileConnecting(t *testing.T) {
	var teardowns atomic.Int32
	tbl := NewTable(Config{OnTeardown: func(Pair) { teardowns.Add(1) }})

	p, err := tbl.Pair(nil, nil)
	if err != nil {
		t.Fatalf("Pair() error = %v", err)
	}
	if err := tbl.Activate(p.Client, nil); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	tbl.OnDisconnection(p.Client)

	if teardowns.Load() != 1 {
		t.Errorf("Expected teardown when the peer never connected, got %d", teardowns.Load())
	}
	if err := tbl.Activate(p.Server, nil); !errors.Is(err, perrors.ErrUnknownEndpoint) {
		t.Errorf("Expected late Activate to fail with ErrUnknownEndpoint, got %v", err)
	}
}

func TestNotifyFailure(t *testing.T) {
	var teardowns atomic.Int32
	tbl := NewTable(Config{OnTeardown: func(Pair) { teardowns.Add(1) }})

	cc, sc := &mockCloser{}, &mockCloser{}
	p, _ := tbl.Pair(cc, sc)
	tbl.Activate(p.Client, nil)
	tbl.Activate(p.Server, nil)

	var wg sync.WaitGroup
	var effective atomic.Int32
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tbl.NotifyFailure(p.Client) {
				effective.Add(1)
			}
		}()
	}
	wg.Wait()

	if effective.Load() != 1 {
		t.Errorf("Expected exactly one effective NotifyFailure, got %d", effective.Load())
	}
	if cc.closed.Load() != 1 {
		t.Errorf("Expected failed side closed once, got %d", cc.closed.Load())
	}
	if sc.closed.Load() != 1 {
		t.Errorf("Expected peer weak-closed once, got %d", sc.closed.Load())
	}
	ep, ok := tbl.Get(p.Client)
	if !ok || !ep.Failed || ep.State != Disconnected {
		t.Errorf("Expected failed disconnected client, got %+v", ep)
	}

	tbl.OnDisconnection(p.Server)
	tbl.OnDisconnection(p.Server)
	if teardowns.Load() != 1 {
		t.Errorf("Expected a single teardown, got %d", teardowns.Load())
	}
}

func TestConcurrentDisconnection(t *testing.T) {
	var teardowns atomic.Int32
	tbl := NewTable(Config{OnTeardown: func(Pair) { teardowns.Add(1) }})

	p, _ := tbl.Pair(&mockCloser{}, &mockCloser{})
	tbl.Activate(p.Client, nil)
	tbl.Activate(p.Server, nil)

	var wg sync.WaitGroup
	for _, id := range []string{p.Client, p.Server, p.Client, p.Server} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tbl.OnDisconnection(id)
		}()
	}
	wg.Wait()

	if teardowns.Load() != 1 {
		t.Errorf("Expected a single teardown, got %d", teardowns.Load())
	}
}

func TestSetProtocolVersion(t *testing.T) {
	var calls []Endpoint
	tbl := NewTable(Config{
		OnVersion: func(ep Endpoint, v protocol.Version) { calls = append(calls, ep) },
	})
	p, _ := tbl.Pair(nil, nil)
	v := protocol.Version{Revision: 660, Service: protocol.Game}

	if err := tbl.SetProtocolVersion(p.Client, v); !errors.Is(err, perrors.ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState while connecting, got %v", err)
	}

	tbl.Activate(p.Client, nil)
	if err := tbl.SetProtocolVersion(p.Client, v); err != nil {
		t.Fatalf("SetProtocolVersion() error = %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("Expected the hook to run before returning, got %d calls", len(calls))
	}
	if !calls[0].HasVersion || calls[0].Version.Revision != 660 {
		t.Errorf("Expected hook to see revision 660, got %+v", calls[0])
	}

	if err := tbl.SetProtocolVersion(p.Client, protocol.Version{Revision: 152}); !errors.Is(err, perrors.ErrVersionAlreadySet) {
		t.Errorf("Expected ErrVersionAlreadySet, got %v", err)
	}
	ep, _ := tbl.Get(p.Client)
	if ep.Version.Revision != 660 {
		t.Errorf("Expected version to stay 660, got %d", ep.Version.Revision)
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		Connecting:   "connecting",
		Active:       "active",
		Disconnected: "disconnected",
		State(7):     "state(7)",
	}
	for s, want := range cases {
		if s.String() != want {
			t.Errorf("Expected %s, got %s", want, s.String())
		}
	}
}
