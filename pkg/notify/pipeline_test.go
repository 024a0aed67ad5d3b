// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	perrors "github.com/absmach/gameproxy/pkg/errors"
	"github.com/absmach/gameproxy/pkg/handler"
	"github.com/absmach/gameproxy/pkg/intercept"
	"github.com/absmach/gameproxy/pkg/protocol"
	"github.com/google/go-cmp/cmp"
)

// recorder records the sequence numbers it is notified about per session.
type recorder struct {
	handler.NoopHandler
	name string

	mu           sync.Mutex
	seen         map[string][]uint32
	received     map[string][][]byte
	disconnected map[string]int
	panicOn      uint32
	err          error
}

func newRecorder(name string) *recorder {
	return &recorder{
		name:         name,
		seen:         make(map[string][]uint32),
		received:     make(map[string][][]byte),
		disconnected: make(map[string]int),
	}
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) OnPacket(ctx context.Context, hctx *handler.Context, dir protocol.Direction, body []byte, at time.Time) error {
	seq := binary.LittleEndian.Uint32(body)
	if r.panicOn != 0 && seq == r.panicOn {
		panic("boom")
	}
	r.mu.Lock()
	r.seen[hctx.SessionID] = append(r.seen[hctx.SessionID], seq)
	r.mu.Unlock()
	return r.err
}

func (r *recorder) OnForwarded(ctx context.Context, hctx *handler.Context, dir protocol.Direction, received, forwarded []byte) error {
	r.mu.Lock()
	r.received[hctx.SessionID] = append(r.received[hctx.SessionID], received)
	r.mu.Unlock()
	return r.err
}

func (r *recorder) Intercept(ctx context.Context, hctx *handler.Context, pkt *intercept.Packet) error {
	return nil
}

func (r *recorder) OnDisconnect(ctx context.Context, hctx *handler.Context) error {
	r.mu.Lock()
	r.disconnected[hctx.SessionID]++
	r.mu.Unlock()
	return nil
}

func body(seq uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, seq)
}

func TestPerConnectionOrdering(t *testing.T) {
	const (
		sessions = 16
		packets  = 200
	)
	rec := newRecorder("rec")
	p := New(Config{Workers: 4, Listeners: []handler.Listener{rec}})

	keys := make([]string, sessions)
	for i := range keys {
		keys[i] = fmt.Sprintf("session-%d", i)
		if err := p.Register(keys[i], &handler.Context{SessionID: keys[i]}); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}

	var wg sync.WaitGroup
	for _, key := range keys {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for seq := uint32(1); seq <= packets; seq++ {
				ev := Event{Direction: protocol.Server, Forwarded: body(seq), At: time.Now()}
				if err := p.Forwarded(key, ev); err != nil {
					t.Errorf("Forwarded() error = %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if n := p.Shutdown(context.Background()); n != 0 {
		t.Fatalf("Expected no unfinished tasks, got %d", n)
	}

	want := make([]uint32, packets)
	for i := range want {
		want[i] = uint32(i + 1)
	}
	for _, key := range keys {
		if diff := cmp.Diff(want, rec.seen[key]); diff != "" {
			t.Errorf("session %s order mismatch (-want +got):\n%s", key, diff)
		}
	}
}

func TestManipulatorAndListener(t *testing.T) {
	man := newRecorder("man")
	lis := newRecorder("lis")
	p := New(Config{
		Workers:      1,
		Manipulators: []handler.Manipulator{man},
		Listeners:    []handler.Listener{lis},
	})

	if err := p.Register("k", nil); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	ev := Event{Direction: protocol.Client, Received: []byte{1, 0, 0, 0}, Forwarded: body(2), At: time.Now()}
	if err := p.Forwarded("k", ev); err != nil {
		t.Fatalf("Forwarded() error = %v", err)
	}
	if err := p.Disconnected("k"); err != nil {
		t.Fatalf("Disconnected() error = %v", err)
	}
	p.Shutdown(context.Background())

	if diff := cmp.Diff([][]byte{{1, 0, 0, 0}}, man.received["k"]); diff != "" {
		t.Errorf("manipulator received mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint32{2}, lis.seen["k"]); diff != "" {
		t.Errorf("listener forwarded mismatch (-want +got):\n%s", diff)
	}
	if man.disconnected["k"] != 1 || lis.disconnected["k"] != 1 {
		t.Errorf("Expected one disconnect each, got %d and %d", man.disconnected["k"], lis.disconnected["k"])
	}
	if p.Sessions() != 0 {
		t.Errorf("Expected mapping removed, got %d sessions", p.Sessions())
	}
}

func TestFailingObserverDoesNotStopQueue(t *testing.T) {
	bad := newRecorder("bad")
	bad.panicOn = 2
	failing := newRecorder("failing")
	failing.err = errors.New("listener error")
	good := newRecorder("good")

	var calls, failures atomic.Int32
	p := New(Config{
		Workers:   1,
		Listeners: []handler.Listener{bad, failing, good},
		Observe: func(kind, name string, d time.Duration, err error) {
			calls.Add(1)
			if err != nil {
				failures.Add(1)
			}
		},
	})
	p.Register("k", nil)
	for seq := uint32(1); seq <= 3; seq++ {
		p.Forwarded("k", Event{Forwarded: body(seq)})
	}
	p.Shutdown(context.Background())

	if diff := cmp.Diff([]uint32{1, 2, 3}, good.seen["k"]); diff != "" {
		t.Errorf("good listener mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint32{1, 3}, bad.seen["k"]); diff != "" {
		t.Errorf("panicking listener mismatch (-want +got):\n%s", diff)
	}
	if calls.Load() != 9 {
		t.Errorf("Expected 9 observed calls, got %d", calls.Load())
	}
	if failures.Load() != 4 {
		t.Errorf("Expected 4 failures, got %d", failures.Load())
	}
}

func TestUnknownKey(t *testing.T) {
	p := New(Config{Workers: 1})
	defer p.Shutdown(context.Background())

	if err := p.Forwarded("missing", Event{}); !errors.Is(err, perrors.ErrUnknownEndpoint) {
		t.Errorf("Expected ErrUnknownEndpoint, got %v", err)
	}
	if err := p.Disconnected("missing"); !errors.Is(err, perrors.ErrUnknownEndpoint) {
		t.Errorf("Expected ErrUnknownEndpoint, got %v", err)
	}
	p.Register("k", nil)
	if err := p.Register("k", nil); !errors.Is(err, perrors.ErrInvalidState) {
		t.Errorf("Expected duplicate Register to fail, got %v", err)
	}
}

// teardown records how many packets a session had delivered when its
// disconnection arrived.
type teardown struct {
	handler.NoopHandler

	mu      sync.Mutex
	packets int
	atClose int
	closed  int
}

func (td *teardown) Name() string { return "teardown" }

func (td *teardown) OnPacket(ctx context.Context, hctx *handler.Context, dir protocol.Direction, body []byte, at time.Time) error {
	td.mu.Lock()
	td.packets++
	td.mu.Unlock()
	return nil
}

func (td *teardown) OnDisconnect(ctx context.Context, hctx *handler.Context) error {
	td.mu.Lock()
	td.atClose = td.packets
	td.closed++
	td.mu.Unlock()
	return nil
}

func TestForwardedRacingDisconnect(t *testing.T) {
	for i := 0; i < 50; i++ {
		td := &teardown{}
		p := New(Config{Workers: 2, Listeners: []handler.Listener{td}})
		if err := p.Register("k", nil); err != nil {
			t.Fatalf("Register() error = %v", err)
		}

		var accepted atomic.Int32
		started := make(chan struct{})
		done := make(chan struct{})
		go func() {
			defer close(done)
			for seq := uint32(1); ; seq++ {
				err := p.Forwarded("k", Event{Forwarded: body(seq)})
				if errors.Is(err, perrors.ErrUnknownEndpoint) {
					return
				}
				if err != nil {
					t.Errorf("Forwarded() error = %v", err)
					return
				}
				if accepted.Add(1) == 1 {
					close(started)
				}
			}
		}()
		<-started
		if err := p.Disconnected("k"); err != nil {
			t.Fatalf("Disconnected() error = %v", err)
		}
		<-done

		if n := p.Shutdown(context.Background()); n != 0 {
			t.Fatalf("Expected no unfinished tasks, got %d", n)
		}
		if p.Sessions() != 0 {
			t.Errorf("Expected mapping released, got %d sessions", p.Sessions())
		}
		if td.closed != 1 {
			t.Fatalf("Expected one disconnect notification, got %d", td.closed)
		}
		if td.atClose != int(accepted.Load()) || td.packets != td.atClose {
			t.Fatalf("Expected all %d accepted packets before disconnect, got %d before and %d total",
				accepted.Load(), td.atClose, td.packets)
		}
	}
}

func TestScheduleCancelledOnDisconnect(t *testing.T) {
	p := New(Config{Workers: 1})
	p.Register("k", nil)

	var ran atomic.Int32
	if _, err := p.Schedule("k", 50*time.Millisecond, func(context.Context, *handler.Context) { ran.Add(1) }); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	p.Disconnected("k")
	time.Sleep(100 * time.Millisecond)
	p.Shutdown(context.Background())

	if ran.Load() != 0 {
		t.Errorf("Expected scheduled task to be cancelled, ran %d times", ran.Load())
	}
}

func TestScheduleRuns(t *testing.T) {
	p := New(Config{Workers: 1})
	p.Register("k", &handler.Context{SessionID: "k"})

	done := make(chan string, 1)
	if _, err := p.Schedule("k", time.Millisecond, func(_ context.Context, hctx *handler.Context) { done <- hctx.SessionID }); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	select {
	case id := <-done:
		if id != "k" {
			t.Errorf("Expected session k, got %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("scheduled task did not run")
	}
	p.Shutdown(context.Background())
}

func TestShutdownReportsUnfinished(t *testing.T) {
	p := New(Config{Workers: 1})
	p.Register("k", nil)

	release := make(chan struct{})
	started := make(chan struct{})
	p.Schedule("k", 0, func(context.Context, *handler.Context) {
		close(started)
		<-release
	})
	<-started
	for seq := uint32(1); seq <= 3; seq++ {
		p.Forwarded("k", Event{Forwarded: body(seq)})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	n := p.Shutdown(ctx)
	close(release)

	if n != 4 {
		t.Errorf("Expected 4 unfinished tasks, got %d", n)
	}
	if err := p.Forwarded("k", Event{Forwarded: body(9)}); !errors.Is(err, perrors.ErrPipelineClosed) {
		t.Errorf("Expected ErrPipelineClosed after shutdown, got %v", err)
	}
}
