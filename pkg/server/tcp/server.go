// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/gameproxy/pkg/breaker"
	perrors "github.com/absmach/gameproxy/pkg/errors"
	"github.com/absmach/gameproxy/pkg/metrics"
	"github.com/absmach/gameproxy/pkg/parser"
	"github.com/absmach/gameproxy/pkg/protocol"
	"github.com/absmach/gameproxy/pkg/proxy"
)

var (
	// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// Config holds the TCP server configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// TargetAddress is the game server address to proxy to (host:port)
	TargetAddress string

	// TLSConfig is optional TLS configuration for the listener
	TLSConfig *tls.Config

	// DialTimeout bounds the connection attempt to the game server.
	DialTimeout time.Duration

	// Breaker, when set, rejects dials while the game server keeps failing.
	Breaker *breaker.Breaker

	// ShutdownTimeout is the maximum time to wait for active connections to drain
	// during graceful shutdown. After this timeout, remaining connections are
	// forcefully closed.
	ShutdownTimeout time.Duration

	// Framer splits both streams into packets. Defaults to parser.LengthPrefixed.
	Framer parser.Framer

	Metrics *metrics.Metrics

	// Logger for server events
	Logger *slog.Logger
}

// Server accepts game clients and proxies each one to the game server
// through a proxy.Proxy.
type Server struct {
	config Config
	proxy  *proxy.Proxy
	wg     sync.WaitGroup
}

// New creates a new TCP server with the given configuration and proxy.
func New(cfg Config, p *proxy.Proxy) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.Framer == nil {
		cfg.Framer = parser.LengthPrefixed{}
	}

	return &Server{
		config: cfg,
		proxy:  p,
	}
}

// Listen starts the TCP server and blocks until the context is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener until the context is cancelled.
// It implements graceful shutdown with connection draining.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	// Wrap with TLS if configured
	if s.config.TLSConfig != nil {
		listener = tls.NewListener(listener, s.config.TLSConfig)
		s.config.Logger.Info("TLS enabled", slog.String("address", listener.Addr().String()))
	}

	s.config.Logger.Info("TCP server started",
		slog.String("address", listener.Addr().String()),
		slog.String("target", s.config.TargetAddress))

	// Active connections outlive ctx until the shutdown timeout
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.config.Logger.Error("failed to accept connection", slog.String("error", err.Error()))
				continue
			}

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				if err := s.handleConn(connCtx, conn); err != nil {
					s.config.Logger.Debug("connection handler error",
						slog.String("remote", conn.RemoteAddr().String()),
						slog.String("error", err.Error()))
				}
			}()
		}
	}()

	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing listener")

	if err := listener.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-acceptDone

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all connections closed gracefully")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded, forcing connection closure")
		connCancel()
		select {
		case <-done:
		case <-time.After(1 * time.Second):
		}
		return ErrShutdownTimeout
	}
}

// handleConn proxies one client:
//  1. Open a session; the client side is active immediately
//  2. Dial the game server concurrently; client packets queue until it answers
//  3. Stream both directions through the proxy
//  4. Return once both sides are disconnected
func (s *Server) handleConn(ctx context.Context, inbound net.Conn) error {
	defer inbound.Close()

	if tlsConn, ok := inbound.(*tls.Conn); ok {
		if err := tlsConn.Handshake(); err != nil {
			return fmt.Errorf("TLS handshake failed: %w", err)
		}
	}

	sess, err := s.proxy.Open(inbound, parser.NewWriter(inbound, s.config.Framer),
		inbound.RemoteAddr().String(), s.config.TargetAddress)
	if err != nil {
		return err
	}

	return s.config.Metrics.ObserveSession(func() error {
		return s.run(ctx, sess, inbound)
	})
}

func (s *Server) run(ctx context.Context, sess *proxy.Session, inbound net.Conn) error {
	dialCtx, cancelDial := context.WithTimeout(ctx, s.config.DialTimeout)
	defer cancelDial()

	go func() {
		select {
		case <-ctx.Done():
			// Closing the client ends its stream; the server side follows.
			inbound.Close()
		case <-sess.Done():
		}
		cancelDial()
	}()

	errCh := make(chan error, 2)

	// Upstream: client → server
	go func() {
		errCh <- s.stream(ctx, sess, inbound, protocol.Client)
	}()

	// Downstream: server → client
	go func() {
		errCh <- s.connect(dialCtx, ctx, sess)
	}()

	var streamErr error
	for range 2 {
		if err := <-errCh; err != nil && !closed(err) && streamErr == nil {
			streamErr = err
		}
	}
	<-sess.Done()

	s.config.Logger.Debug("connection closed", slog.String("session", sess.ID))
	return streamErr
}

func (s *Server) connect(dialCtx, ctx context.Context, sess *proxy.Session) error {
	var (
		d        net.Dialer
		outbound net.Conn
	)
	err := s.config.Breaker.Do(dialCtx, func(ctx context.Context) (err error) {
		outbound, err = d.DialContext(ctx, "tcp", s.config.TargetAddress)
		return err
	})
	if err != nil {
		if !sess.Alive(protocol.Server) {
			// The client left while dialing.
			return nil
		}
		s.config.Metrics.ObserveDialError()
		err = perrors.New("dial", sess.ID, protocol.Server.String(), err)
		sess.Fail(protocol.Server, err)
		return err
	}
	defer outbound.Close()

	if err := sess.Connected(outbound, parser.NewWriter(outbound, s.config.Framer)); err != nil {
		return err
	}
	s.config.Logger.Debug("connection established",
		slog.String("session", sess.ID),
		slog.String("client", sess.Context.ClientAddr),
		slog.String("server", s.config.TargetAddress))

	return s.stream(ctx, sess, outbound, protocol.Server)
}

// stream reads packets sent by dir until the connection ends, then records
// the disconnection of that side.
func (s *Server) stream(ctx context.Context, sess *proxy.Session, r net.Conn, dir protocol.Direction) (err error) {
	defer func() {
		if errors.Is(err, perrors.ErrProtocolViolation) || errors.Is(err, perrors.ErrPacketTooLarge) {
			sess.Fail(dir, err)
			return
		}
		sess.Disconnected(dir)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		body, err := s.config.Framer.ReadPacket(r)
		if err != nil {
			return err
		}
		if err := s.proxy.Handle(ctx, sess, dir, body); err != nil {
			return err
		}
	}
}

func closed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, perrors.ErrConnectionClosed) ||
		errors.Is(err, context.Canceled)
}
