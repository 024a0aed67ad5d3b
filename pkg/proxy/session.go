// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/absmach/gameproxy/pkg/connection"
	"github.com/absmach/gameproxy/pkg/handler"
	"github.com/absmach/gameproxy/pkg/pending"
	"github.com/absmach/gameproxy/pkg/protocol"
)

// Session is one proxied client/server connection pair.
type Session struct {
	ID      string
	Pair    connection.Pair
	Context *handler.Context

	proxy   *Proxy
	start   time.Time
	writers [2]atomic.Pointer[writerRef]
	done    chan struct{}
}

type writerRef struct {
	w PacketWriter
}

// Connected activates the server side and flushes packets queued for it.
func (s *Session) Connected(server io.Closer, w PacketWriter) error {
	p := s.proxy
	if err := p.table.Activate(s.Pair.Server, server); err != nil {
		return err
	}
	s.setWriter(protocol.Server, w)
	if v, ok := s.Context.Version(); ok {
		p.setVersion(s, protocol.Server, v)
	}
	if err := p.pending.Fire(s.Pair.Server, pending.RecipientFunc(w.WritePacket)); err != nil {
		s.Fail(protocol.Server, err)
		return err
	}
	return nil
}

// Disconnected records that the connection of side dir ended.
func (s *Session) Disconnected(dir protocol.Direction) {
	s.proxy.table.OnDisconnection(s.endpoint(dir))
}

// Fail tears down side dir after an error.
func (s *Session) Fail(dir protocol.Direction, err error) {
	if s.proxy.table.NotifyFailure(s.endpoint(dir)) && err != nil {
		s.proxy.cfg.Logger.Warn("session endpoint failed",
			slog.String("session", s.ID),
			slog.String("direction", dir.String()),
			slog.String("error", err.Error()))
	}
}

// Done is closed once both sides are disconnected.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Alive reports whether side dir is still usable.
func (s *Session) Alive(dir protocol.Direction) bool {
	return s.proxy.table.Alive(s.endpoint(dir))
}

func (s *Session) endpoint(dir protocol.Direction) string {
	if dir == protocol.Client {
		return s.Pair.Client
	}
	return s.Pair.Server
}

func (s *Session) setWriter(dir protocol.Direction, w PacketWriter) {
	s.writers[index(dir)].Store(&writerRef{w: w})
}

func (s *Session) writer(dir protocol.Direction) PacketWriter {
	if ref := s.writers[index(dir)].Load(); ref != nil {
		return ref.w
	}
	return nil
}

func index(dir protocol.Direction) int {
	if dir == protocol.Client {
		return 0
	}
	return 1
}
