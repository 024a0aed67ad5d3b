// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/absmach/gameproxy/pkg/breaker"
	"github.com/absmach/gameproxy/pkg/handler"
	"github.com/absmach/gameproxy/pkg/intercept"
	"github.com/absmach/gameproxy/pkg/parser"
	"github.com/absmach/gameproxy/pkg/protocol"
	"github.com/absmach/gameproxy/pkg/proxy"
)

type mockManipulator struct {
	handler.NoopHandler

	mu           sync.Mutex
	intercepted  []protocol.Direction
	disconnected int
}

func (m *mockManipulator) Name() string { return "mock" }

func (m *mockManipulator) Intercept(ctx context.Context, hctx *handler.Context, pkt *intercept.Packet) error {
	m.mu.Lock()
	m.intercepted = append(m.intercepted, pkt.Direction())
	m.mu.Unlock()
	if pkt.Direction() == protocol.Server {
		body := pkt.Forwarded()
		body[len(body)-1] = 0xFF
		return pkt.SetForwardedBody(m.Name(), body)
	}
	return nil
}

func (m *mockManipulator) OnDisconnect(ctx context.Context, hctx *handler.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected++
	return nil
}

// echoServer answers every frame with the same frame.
func echoServer(t *testing.T) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to create game server listener: %v", err)
	}
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				f := parser.LengthPrefixed{}
				for {
					body, err := f.ReadPacket(conn)
					if err != nil {
						return
					}
					if err := f.WritePacket(conn, body); err != nil {
						return
					}
				}
			}()
		}
	}()
	return l
}

func startServer(t *testing.T, cfg Config, p *proxy.Proxy) (addr string, stop func() error) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to create proxy listener: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- New(cfg, p).Serve(ctx, l)
	}()
	return l.Addr().String(), func() error {
		cancel()
		select {
		case err := <-errCh:
			return err
		case <-time.After(10 * time.Second):
			t.Fatal("Server shutdown timeout")
			return nil
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestProxyRoundTrip(t *testing.T) {
	game := echoServer(t)
	defer game.Close()

	m := &mockManipulator{}
	p := proxy.New(proxy.Config{Manipulators: []handler.Manipulator{m}, Logger: slog.Default()})
	addr, stop := startServer(t, Config{TargetAddress: game.Addr().String(), ShutdownTimeout: time.Second}, p)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to dial proxy: %v", err)
	}
	f := parser.LengthPrefixed{}
	if err := f.WritePacket(conn, []byte{0x01, 0x02, 0x03}); err != nil {
		t.Fatalf("WritePacket() error = %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	got, err := f.ReadPacket(conn)
	if err != nil {
		t.Fatalf("ReadPacket() error = %v", err)
	}
	if want := []byte{0x01, 0x02, 0xFF}; !bytes.Equal(want, got) {
		t.Errorf("Expected rewritten echo %v, got %v", want, got)
	}

	conn.Close()
	waitFor(t, func() bool { return p.Sessions() == 0 })

	if err := stop(); err != nil {
		t.Errorf("Server shutdown with error: %v", err)
	}
	if n := p.Shutdown(context.Background()); n != 0 {
		t.Errorf("Expected no unfinished notifications, got %d", n)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.intercepted) != 2 || m.intercepted[0] != protocol.Client || m.intercepted[1] != protocol.Server {
		t.Errorf("Expected client then server interception, got %v", m.intercepted)
	}
	if m.disconnected != 1 {
		t.Errorf("Expected one disconnect notification, got %d", m.disconnected)
	}
}

func TestDialFailureClosesClient(t *testing.T) {
	// Reserve an address nobody listens on.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to reserve address: %v", err)
	}
	target := l.Addr().String()
	l.Close()

	p := proxy.New(proxy.Config{})
	defer p.Shutdown(context.Background())
	addr, stop := startServer(t, Config{TargetAddress: target, DialTimeout: time.Second}, p)
	defer stop()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to dial proxy: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("Expected client to be closed with EOF, got %v", err)
	}
	waitFor(t, func() bool { return p.Sessions() == 0 })
}

func TestBreakerOpensAfterDialFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to reserve address: %v", err)
	}
	target := l.Addr().String()
	l.Close()

	b := breaker.New(breaker.Config{
		Failures: 1,
		Cooldown: time.Hour,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	p := proxy.New(proxy.Config{})
	defer p.Shutdown(context.Background())
	addr, stop := startServer(t, Config{TargetAddress: target, DialTimeout: time.Second, Breaker: b}, p)
	defer stop()

	for i := range 2 {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			t.Fatalf("Failed to dial proxy: %v", err)
		}
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
			t.Errorf("client %d: Expected EOF, got %v", i, err)
		}
		conn.Close()
	}
	if b.State() != breaker.Open {
		t.Errorf("Expected open breaker, got %s", b.State())
	}
	waitFor(t, func() bool { return p.Sessions() == 0 })
}

func TestShutdownTimeout(t *testing.T) {
	game := echoServer(t)
	defer game.Close()

	p := proxy.New(proxy.Config{})
	defer p.Shutdown(context.Background())
	addr, stop := startServer(t, Config{TargetAddress: game.Addr().String(), ShutdownTimeout: 100 * time.Millisecond}, p)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to dial proxy: %v", err)
	}
	defer conn.Close()
	waitFor(t, func() bool { return p.Sessions() == 1 })

	if err := stop(); err != ErrShutdownTimeout {
		t.Errorf("Expected ErrShutdownTimeout, got %v", err)
	}
	waitFor(t, func() bool { return p.Sessions() == 0 })
}

func TestMalformedFrameFailsSender(t *testing.T) {
	game := echoServer(t)
	defer game.Close()

	p := proxy.New(proxy.Config{})
	defer p.Shutdown(context.Background())
	addr, stop := startServer(t, Config{TargetAddress: game.Addr().String()}, p)
	defer stop()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to dial proxy: %v", err)
	}
	defer conn.Close()

	// A length below the header size.
	conn.Write([]byte{0x01, 0x00})
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("Expected the proxy to close the connection")
	}
	waitFor(t, func() bool { return p.Sessions() == 0 })
}
