// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"time"

	"github.com/absmach/gameproxy/pkg/intercept"
	"github.com/absmach/gameproxy/pkg/protocol"
)

var (
	_ Manipulator = (*NoopHandler)(nil)
	_ Listener    = (*NoopHandler)(nil)
)

// NoopHandler passes every packet through untouched.
type NoopHandler struct{}

func (h *NoopHandler) Name() string { return "noop" }

func (h *NoopHandler) OnProtocolVersion(ctx context.Context, hctx *Context, dir protocol.Direction, v protocol.Version) error {
	return nil
}

func (h *NoopHandler) Intercept(ctx context.Context, hctx *Context, pkt *intercept.Packet) error {
	return nil
}

func (h *NoopHandler) OnForwarded(ctx context.Context, hctx *Context, dir protocol.Direction, received, forwarded []byte) error {
	return nil
}

func (h *NoopHandler) OnPacket(ctx context.Context, hctx *Context, dir protocol.Direction, body []byte, at time.Time) error {
	return nil
}

func (h *NoopHandler) OnDisconnect(ctx context.Context, hctx *Context) error {
	return nil
}
