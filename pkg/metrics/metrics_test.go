// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/absmach/gameproxy/pkg/breaker"
	"github.com/absmach/gameproxy/pkg/protocol"
	"github.com/absmach/gameproxy/pkg/registry"
	"github.com/absmach/gameproxy/pkg/structure"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveSession(t *testing.T) {
	m := New("test", prometheus.NewRegistry())

	if err := m.ObserveSession(func() error {
		if got := testutil.ToFloat64(m.ActiveSessions); got != 1 {
			t.Errorf("Expected 1 active session, got %v", got)
		}
		return nil
	}); err != nil {
		t.Fatalf("ObserveSession() error = %v", err)
	}
	wantErr := errors.New("dial failed")
	if err := m.ObserveSession(func() error { return wantErr }); !errors.Is(err, wantErr) {
		t.Fatalf("Expected %v, got %v", wantErr, err)
	}

	if got := testutil.ToFloat64(m.ActiveSessions); got != 0 {
		t.Errorf("Expected 0 active sessions, got %v", got)
	}
	if got := testutil.ToFloat64(m.SessionsTotal.WithLabelValues("success")); got != 1 {
		t.Errorf("Expected 1 successful session, got %v", got)
	}
	if got := testutil.ToFloat64(m.SessionsTotal.WithLabelValues("error")); got != 1 {
		t.Errorf("Expected 1 failed session, got %v", got)
	}
}

func TestObservePacket(t *testing.T) {
	m := New("test", prometheus.NewRegistry())
	m.ObservePacket("client", OutcomeForwarded, 10)
	m.ObservePacket("client", OutcomeForwarded, 20)
	m.ObservePacket("server", OutcomeDropped, 5)
	m.ObserveIntercept("logger", time.Millisecond, "conflict")
	m.ObserveNotification("listener", "feed", time.Millisecond, errors.New("x"))
	m.ObservePendingDropped(3)
	m.ObserveRateLimited()
	m.ObserveBreaker(breaker.Closed, breaker.Open)

	tests := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"forwarded", m.PacketsTotal.WithLabelValues("client", OutcomeForwarded), 2},
		{"dropped", m.PacketsTotal.WithLabelValues("server", OutcomeDropped), 1},
		{"intercept errors", m.InterceptErrors.WithLabelValues("logger", "conflict"), 1},
		{"notification errors", m.NotificationErrors.WithLabelValues("listener", "feed"), 1},
		{"pending dropped", m.PendingDropped, 3},
		{"rate limited", m.RateLimited, 1},
		{"breaker state", m.BreakerState, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := testutil.ToFloat64(tt.c); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestObserveReload(t *testing.T) {
	v := protocol.Version{Revision: 1, Service: protocol.Game}
	src := &registry.StaticSource{Revisions: []*registry.Revision{{
		Version: v,
		Opcodes: map[protocol.Direction]registry.Mapping{
			protocol.Server: {Add: map[string][]byte{"A": {0x01}, "B": {0x02}}},
		},
		Packets: map[protocol.Direction]map[string]registry.PacketDecl{
			protocol.Server: {
				"A": {Structure: []structure.Decl{{ID: "a", Kind: "int32"}}},
				"B": {Structure: []structure.Decl{{ID: "b", Kind: "int32"}}},
			},
		},
	}}}
	reg := registry.New(registry.Config{Source: src})
	err := reg.Reload(context.Background())

	m := New("test", prometheus.NewRegistry())
	m.ObserveReload(err, reg.Snapshot())

	if got := testutil.ToFloat64(m.RegistryReloads.WithLabelValues("success")); got != 1 {
		t.Errorf("Expected 1 successful reload, got %v", got)
	}
	if got := testutil.ToFloat64(m.RegistryTemplates.WithLabelValues("game", "1", "server")); got != 2 {
		t.Errorf("Expected 2 server templates, got %v", got)
	}

	m.ObserveReload(errors.New("source unavailable"), nil)
	if got := testutil.ToFloat64(m.RegistryReloads.WithLabelValues("error")); got != 1 {
		t.Errorf("Expected 1 failed reload, got %v", got)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ObservePacket("client", OutcomeForwarded, 1)
	m.ObserveIntercept("x", 0, "")
	m.ObserveReload(nil, nil)
	m.FeedClient()()
	if err := m.ObserveSession(func() error { return nil }); err != nil {
		t.Errorf("ObserveSession() error = %v", err)
	}
}
