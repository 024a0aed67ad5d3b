// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package feed streams decoded forwarded packets to websocket clients.
package feed

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/gameproxy/pkg/decoder"
	"github.com/absmach/gameproxy/pkg/handler"
	"github.com/absmach/gameproxy/pkg/metrics"
	"github.com/absmach/gameproxy/pkg/protocol"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 5 * time.Second
	sendBuffer = 256
)

var _ handler.Listener = (*Hub)(nil)

// Message types.
const (
	TypePacket     = "packet"
	TypeVersion    = "version"
	TypeDisconnect = "disconnect"
)

// Field is one decoded value.
type Field struct {
	Name           string `json:"name"`
	Offset         int    `json:"offset"`
	Kind           string `json:"kind"`
	Value          string `json:"value"`
	Interpretation string `json:"interpretation,omitempty"`
}

// Message is one feed event.
type Message struct {
	Type      string    `json:"type"`
	Session   string    `json:"session"`
	Direction string    `json:"direction,omitempty"`
	Time      time.Time `json:"time"`
	Version   string    `json:"version,omitempty"`
	Template  string    `json:"template,omitempty"`
	Name      string    `json:"name,omitempty"`
	Body      string    `json:"body,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	Trailing  string    `json:"trailing,omitempty"`
	Fields    []Field   `json:"fields,omitempty"`
}

// Config holds hub settings.
type Config struct {
	// CheckOrigin overrides the upgrader origin check. Nil accepts every origin.
	CheckOrigin func(r *http.Request) bool

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Hub is a listener that fans out every forwarded packet to connected
// websocket clients. Slow clients lose messages instead of delaying
// notifications.
type Hub struct {
	cfg      Config
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// New returns a hub without clients.
func New(cfg Config) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	check := cfg.CheckOrigin
	if check == nil {
		check = func(*http.Request) bool { return true }
	}
	return &Hub{
		cfg:      cfg,
		upgrader: websocket.Upgrader{CheckOrigin: check},
		clients:  make(map[*client]struct{}),
	}
}

func (h *Hub) Name() string { return "feed" }

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams messages until the client leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.cfg.Logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &client{
		conn: conn,
		send: make(chan Message, sendBuffer),
		done: make(chan struct{}),
	}
	h.register(c)
	defer h.unregister(c)

	go c.writeLoop()
	c.readLoop()
}

func (h *Hub) OnProtocolVersion(ctx context.Context, hctx *handler.Context, dir protocol.Direction, v protocol.Version) error {
	h.broadcast(Message{
		Type:      TypeVersion,
		Session:   hctx.SessionID,
		Direction: dir.String(),
		Time:      time.Now(),
		Version:   v.String(),
	})
	return nil
}

func (h *Hub) OnPacket(ctx context.Context, hctx *handler.Context, dir protocol.Direction, body []byte, at time.Time) error {
	if h.Clients() == 0 {
		return nil
	}
	h.broadcast(packetMessage(hctx, dir, body, at))
	return nil
}

func (h *Hub) OnDisconnect(ctx context.Context, hctx *handler.Context) error {
	h.broadcast(Message{
		Type:    TypeDisconnect,
		Session: hctx.SessionID,
		Time:    time.Now(),
	})
	return nil
}

func packetMessage(hctx *handler.Context, dir protocol.Direction, body []byte, at time.Time) Message {
	pkt := hctx.Decode(dir, body)
	msg := Message{
		Type:      TypePacket,
		Session:   hctx.SessionID,
		Direction: dir.String(),
		Time:      at,
		Template:  pkt.Template.ID(),
		Name:      pkt.Template.Name(),
		Body:      hex.EncodeToString(body),
		Outcome:   pkt.Outcome.String(),
		Trailing:  hex.EncodeToString(pkt.Trailing()),
	}
	if v, ok := hctx.Version(); ok {
		msg.Version = v.String()
	}
	for _, v := range pkt.Values {
		msg.Fields = append(msg.Fields, field(v))
	}
	return msg
}

func field(v decoder.Value) Field {
	f := Field{
		Name:   v.Field.Name(),
		Offset: v.Offset,
		Kind:   v.Field.Kind().String(),
		Value:  fmt.Sprint(v.Modified),
	}
	if b, ok := v.Modified.([]byte); ok {
		f.Value = hex.EncodeToString(b)
	}
	if v.Interpretation != nil {
		f.Interpretation = fmt.Sprint(v.Interpretation)
	}
	return f
}

func (h *Hub) broadcast(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.offer(msg) {
			h.cfg.Metrics.ObserveFeedDropped()
		}
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	c.release = h.cfg.Metrics.FeedClient()
	h.cfg.Logger.Debug("feed client connected", slog.String("remote", c.conn.RemoteAddr().String()))
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	close(c.done)
	c.release()
	h.cfg.Logger.Debug("feed client disconnected", slog.String("remote", c.conn.RemoteAddr().String()))
}

type client struct {
	conn    *websocket.Conn
	send    chan Message
	done    chan struct{}
	release func()
}

// offer queues msg without blocking.
func (c *client) offer(msg Message) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *client) writeLoop() {
	defer c.conn.Close()
	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readLoop discards client input and returns when the connection closes.
func (c *client) readLoop() {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
