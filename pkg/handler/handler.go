// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/absmach/gameproxy/pkg/decoder"
	"github.com/absmach/gameproxy/pkg/intercept"
	"github.com/absmach/gameproxy/pkg/protocol"
)

// Context contains connection metadata shared by every handler call for one
// client/server pair.
type Context struct {
	// SessionID is a unique identifier for this connection pair
	SessionID string

	// ClientAddr is the game client's network address
	ClientAddr string

	// ServerAddr is the game server's network address
	ServerAddr string

	// Enumerator decodes packet bodies; nil disables Decode.
	Enumerator *decoder.Enumerator

	version atomic.Pointer[protocol.Version]
}

// Version returns the protocol version detected for the connection.
func (c *Context) Version() (protocol.Version, bool) {
	v := c.version.Load()
	if v == nil {
		return protocol.Version{}, false
	}
	return *v, true
}

// SetVersion records the protocol version. Only the first call has effect.
func (c *Context) SetVersion(v protocol.Version) bool {
	return c.version.CompareAndSwap(nil, &v)
}

// Decode decodes body as sent by dir under the connection's protocol version.
func (c *Context) Decode(dir protocol.Direction, body []byte) *decoder.Packet {
	v, _ := c.Version()
	e := c.Enumerator
	if e == nil {
		e = &decoder.Enumerator{}
	}
	return e.Enumerate(v, dir, body)
}

// Observer is the part shared by manipulators and listeners.
type Observer interface {
	// Name is a stable display name used in conflict and error reports.
	Name() string

	// OnProtocolVersion is called synchronously when an endpoint's protocol
	// version becomes known.
	OnProtocolVersion(ctx context.Context, hctx *Context, dir protocol.Direction, v protocol.Version) error

	// OnDisconnect is the last notification for a connection pair.
	OnDisconnect(ctx context.Context, hctx *Context) error
}

// Manipulator can inspect, rewrite, drop or add packets before they are
// forwarded.
type Manipulator interface {
	Observer

	// Intercept runs synchronously on the delivering goroutine, before any
	// byte of the packet is forwarded.
	Intercept(ctx context.Context, hctx *Context, pkt *intercept.Packet) error

	// OnForwarded is called asynchronously, in forwarding order, with the
	// body as received and as forwarded.
	OnForwarded(ctx context.Context, hctx *Context, dir protocol.Direction, received, forwarded []byte) error
}

// Listener observes packets after they have been forwarded.
type Listener interface {
	Observer

	// OnPacket is called asynchronously, in forwarding order.
	OnPacket(ctx context.Context, hctx *Context, dir protocol.Direction, body []byte, at time.Time) error
}
