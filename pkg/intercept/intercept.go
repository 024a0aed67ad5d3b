// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package intercept holds the state of one packet while manipulators decide
// its fate.
//
// Demands are append-only and checked the moment they are made, so the
// manipulator causing a conflict is the one whose call fails. A failed call
// leaves the packet unchanged.
package intercept

import (
	"bytes"
	"fmt"
	"slices"
	"strings"
	"time"

	perrors "github.com/absmach/gameproxy/pkg/errors"
	"github.com/absmach/gameproxy/pkg/protocol"
)

// Demand kinds.
const (
	Send    = "send"
	Vanilla = "vanilla"
	Loss    = "loss"
	Rewrite = "rewrite"
	Extra   = "additional packet"
)

// Packet is a received packet in flight through the manipulators. It is
// owned by the goroutine delivering it and must not be shared.
type Packet struct {
	dir        protocol.Direction
	received   []byte
	forwarded  []byte
	rewriter   string
	send       []string
	vanilla    []string
	loss       []string
	additional [][]byte
	receivedAt time.Time
}

// New wraps a received body. The body is copied.
func New(dir protocol.Direction, body []byte, receivedAt time.Time) *Packet {
	b := bytes.Clone(body)
	return &Packet{
		dir:        dir,
		received:   b,
		forwarded:  b,
		receivedAt: receivedAt,
	}
}

// Direction returns the side that sent the packet.
func (p *Packet) Direction() protocol.Direction { return p.dir }

// ReceivedAt returns the reception time.
func (p *Packet) ReceivedAt() time.Time { return p.receivedAt }

// Received returns a copy of the body as received.
func (p *Packet) Received() []byte { return bytes.Clone(p.received) }

// Forwarded returns a copy of the body that will be forwarded.
func (p *Packet) Forwarded() []byte { return bytes.Clone(p.forwarded) }

// Modified reports whether the forwarded body differs from the received one.
func (p *Packet) Modified() bool { return !bytes.Equal(p.received, p.forwarded) }

// Lost reports whether a manipulator demanded the packet be dropped.
func (p *Packet) Lost() bool { return len(p.loss) > 0 }

// Demands returns the manipulators that made the given demand.
func (p *Packet) Demands(kind string) []string {
	switch kind {
	case Send:
		return slices.Clone(p.send)
	case Vanilla:
		return slices.Clone(p.vanilla)
	case Loss:
		return slices.Clone(p.loss)
	default:
		return nil
	}
}

// Additional returns copies of the queued additional packets.
func (p *Packet) Additional() [][]byte {
	out := make([][]byte, len(p.additional))
	for i, b := range p.additional {
		out[i] = bytes.Clone(b)
	}
	return out
}

// DemandSend requires the packet, possibly rewritten, to reach its target.
func (p *Packet) DemandSend(by string) error {
	if len(p.loss) > 0 {
		return &ConflictError{Manipulator: by, Demand: Send, Against: Loss, Holders: p.Demands(Loss)}
	}
	p.send = appendOnce(p.send, by)
	return nil
}

// DemandVanilla requires the packet to reach its target unmodified. It
// conflicts with any earlier rewrite, even one that kept the body intact.
func (p *Packet) DemandVanilla(by string) error {
	if len(p.loss) > 0 {
		return &ConflictError{Manipulator: by, Demand: Vanilla, Against: Loss, Holders: p.Demands(Loss)}
	}
	if p.rewriter != "" {
		return &ConflictError{Manipulator: by, Demand: Vanilla, Against: Rewrite, Holders: []string{p.rewriter}}
	}
	p.vanilla = appendOnce(p.vanilla, by)
	return nil
}

// DemandLoss requires the packet never to reach its target.
func (p *Packet) DemandLoss(by string) error {
	if len(p.send) > 0 {
		return &ConflictError{Manipulator: by, Demand: Loss, Against: Send, Holders: p.Demands(Send)}
	}
	if len(p.vanilla) > 0 {
		return &ConflictError{Manipulator: by, Demand: Loss, Against: Vanilla, Holders: p.Demands(Vanilla)}
	}
	p.loss = appendOnce(p.loss, by)
	return nil
}

// SetForwardedBody replaces the body to forward. The opcode byte must stay
// the same and the body must not be empty.
func (p *Packet) SetForwardedBody(by string, body []byte) error {
	switch {
	case len(body) == 0:
		return &RewriteError{Manipulator: by, Reason: "empty body"}
	case len(p.received) == 0:
		return &RewriteError{Manipulator: by, Reason: "nothing to rewrite"}
	case body[0] != p.received[0]:
		return &RewriteError{Manipulator: by, Reason: fmt.Sprintf("opcode changed from %#02x to %#02x", p.received[0], body[0])}
	}
	if len(p.vanilla) > 0 && !bytes.Equal(body, p.received) {
		return &ConflictError{Manipulator: by, Demand: Rewrite, Against: Vanilla, Holders: p.Demands(Vanilla)}
	}
	p.forwarded = bytes.Clone(body)
	p.rewriter = by
	return nil
}

// SendAdditional queues an extra packet to forward after the primary one,
// or instead of it when loss was demanded.
func (p *Packet) SendAdditional(by string, body []byte) error {
	if len(body) == 0 {
		return &RewriteError{Manipulator: by, Reason: "empty additional packet"}
	}
	if len(p.loss) > 0 && bytes.Equal(body, p.received) {
		return &ConflictError{Manipulator: by, Demand: Extra, Against: Loss, Holders: p.Demands(Loss)}
	}
	p.additional = append(p.additional, bytes.Clone(body))
	return nil
}

// Outgoing returns the bodies to forward, in order.
func (p *Packet) Outgoing() [][]byte {
	out := make([][]byte, 0, 1+len(p.additional))
	switch {
	case len(p.loss) > 0:
	case len(p.vanilla) > 0:
		out = append(out, p.received)
	default:
		out = append(out, p.forwarded)
	}
	return append(out, p.additional...)
}

func appendOnce(set []string, name string) []string {
	if slices.Contains(set, name) {
		return set
	}
	return append(set, name)
}

// ConflictError reports a demand incompatible with an earlier one.
type ConflictError struct {
	Manipulator string
	Demand      string
	Against     string
	Holders     []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %q cannot demand %s, %s already demanded by %s",
		perrors.ErrManipulatorConflict, e.Manipulator, e.Demand, e.Against, strings.Join(e.Holders, ", "))
}

func (e *ConflictError) Unwrap() error { return perrors.ErrManipulatorConflict }

// RewriteError reports a rejected rewrite.
type RewriteError struct {
	Manipulator string
	Reason      string
}

func (e *RewriteError) Error() string {
	return fmt.Sprintf("%s by %q: %s", perrors.ErrInvalidRewrite, e.Manipulator, e.Reason)
}

func (e *RewriteError) Unwrap() error { return perrors.ErrInvalidRewrite }
