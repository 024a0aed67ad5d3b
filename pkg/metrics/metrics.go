// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the game proxy.
package metrics

import (
	"strconv"
	"time"

	"github.com/absmach/gameproxy/pkg/breaker"
	"github.com/absmach/gameproxy/pkg/protocol"
	"github.com/absmach/gameproxy/pkg/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Packet outcomes.
const (
	OutcomeForwarded = "forwarded"
	OutcomeQueued    = "queued"
	OutcomeDropped   = "dropped"
	OutcomeInjected  = "injected"
)

// Metrics holds all Prometheus metrics for the proxy.
type Metrics struct {
	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram
	DialErrors      prometheus.Counter
	BreakerState    prometheus.Gauge

	// Packet metrics
	PacketsTotal *prometheus.CounterVec
	PacketSize   *prometheus.HistogramVec
	Rewrites     *prometheus.CounterVec
	RateLimited  prometheus.Counter

	// Manipulator metrics
	InterceptDuration *prometheus.HistogramVec
	InterceptErrors   *prometheus.CounterVec

	// Notification metrics
	NotificationDuration *prometheus.HistogramVec
	NotificationErrors   *prometheus.CounterVec

	// Pending queue metrics
	PendingDropped prometheus.Counter

	// Registry metrics
	RegistryReloads   *prometheus.CounterVec
	RegistryTemplates *prometheus.GaugeVec
	RegistryConflicts prometheus.Gauge
	RegistryFailed    prometheus.Gauge

	// Feed metrics
	FeedClients prometheus.Gauge
	FeedDropped prometheus.Counter
}

// New creates all metrics and registers them with reg. A nil reg uses the
// default registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "gameproxy"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		ActiveSessions: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Number of currently proxied connection pairs",
			},
		),
		SessionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Total number of connection pairs",
			},
			[]string{"status"},
		),
		SessionDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_duration_seconds",
				Help:      "Connection pair lifetime in seconds",
				Buckets:   []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 14400},
			},
		),
		DialErrors: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dial_errors_total",
				Help:      "Total number of failed connections to the game server",
			},
		),
		PacketsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "packets_total",
				Help:      "Total number of packets by direction and outcome",
			},
			[]string{"direction", "outcome"},
		),
		PacketSize: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "packet_size_bytes",
				Help:      "Forwarded packet body size in bytes",
				Buckets:   []float64{8, 32, 128, 512, 2048, 8192, 32768},
			},
			[]string{"direction"},
		),
		Rewrites: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rewrites_total",
				Help:      "Total number of packets forwarded with a rewritten body",
			},
			[]string{"direction"},
		),
		InterceptDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "intercept_duration_seconds",
				Help:      "Synchronous manipulator call duration in seconds",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
			},
			[]string{"manipulator"},
		),
		InterceptErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "intercept_errors_total",
				Help:      "Total number of manipulator failures",
			},
			[]string{"manipulator", "error_type"},
		),
		NotificationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "notification_duration_seconds",
				Help:      "Asynchronous observer call duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind", "observer"},
		),
		NotificationErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notification_errors_total",
				Help:      "Total number of failed observer calls",
			},
			[]string{"kind", "observer"},
		),
		PendingDropped: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pending_dropped_total",
				Help:      "Total number of queued packets dropped for endpoints that never connected",
			},
		),
		RegistryReloads: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "registry_reloads_total",
				Help:      "Total number of template registry reloads",
			},
			[]string{"status"},
		),
		RegistryTemplates: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "registry_templates",
				Help:      "Number of live templates per protocol version and direction",
			},
			[]string{"service", "revision", "direction"},
		),
		RegistryConflicts: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "registry_conflicts",
				Help:      "Number of opcode prefix conflicts in the live snapshot",
			},
		),
		RegistryFailed: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "registry_failed_revisions",
				Help:      "Number of protocol revisions dropped from the live snapshot",
			},
		),
		BreakerState: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "upstream_breaker_state",
				Help:      "Upstream dial breaker state: 0 closed, 1 half open, 2 open",
			},
		),
		RateLimited: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_packets_total",
				Help:      "Total number of client packets dropped by the rate limiter",
			},
		),
		FeedClients: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "feed_clients",
				Help:      "Number of connected live feed clients",
			},
		),
		FeedDropped: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "feed_dropped_total",
				Help:      "Total number of feed messages dropped for slow clients",
			},
		),
	}
}

// ObserveSession tracks a connection pair lifecycle.
func (m *Metrics) ObserveSession(f func() error) error {
	if m == nil {
		return f()
	}
	m.ActiveSessions.Inc()
	defer m.ActiveSessions.Dec()

	start := time.Now()
	defer func() {
		m.SessionDuration.Observe(time.Since(start).Seconds())
	}()

	err := f()
	status := "success"
	if err != nil {
		status = "error"
	}
	m.SessionsTotal.WithLabelValues(status).Inc()

	return err
}

// ObservePacket counts one packet.
func (m *Metrics) ObservePacket(direction, outcome string, size int) {
	if m == nil {
		return
	}
	m.PacketsTotal.WithLabelValues(direction, outcome).Inc()
	if outcome == OutcomeForwarded || outcome == OutcomeQueued {
		m.PacketSize.WithLabelValues(direction).Observe(float64(size))
	}
}

// ObserveRewrite counts a rewritten packet.
func (m *Metrics) ObserveRewrite(direction string) {
	if m == nil {
		return
	}
	m.Rewrites.WithLabelValues(direction).Inc()
}

// ObserveIntercept records one synchronous manipulator call. errType is
// empty on success.
func (m *Metrics) ObserveIntercept(manipulator string, d time.Duration, errType string) {
	if m == nil {
		return
	}
	m.InterceptDuration.WithLabelValues(manipulator).Observe(d.Seconds())
	if errType != "" {
		m.InterceptErrors.WithLabelValues(manipulator, errType).Inc()
	}
}

// ObserveNotification records one asynchronous observer call.
func (m *Metrics) ObserveNotification(kind, observer string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.NotificationDuration.WithLabelValues(kind, observer).Observe(d.Seconds())
	if err != nil {
		m.NotificationErrors.WithLabelValues(kind, observer).Inc()
	}
}

// ObservePendingDropped counts packets dropped from pending queues.
func (m *Metrics) ObservePendingDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.PendingDropped.Add(float64(n))
}

// ObserveDialError counts a failed server dial.
func (m *Metrics) ObserveDialError() {
	if m == nil {
		return
	}
	m.DialErrors.Inc()
}

// ObserveBreaker records an upstream breaker transition.
func (m *Metrics) ObserveBreaker(_, to breaker.State) {
	if m == nil {
		return
	}
	m.BreakerState.Set(float64(to))
}

// ObserveRateLimited counts a packet dropped by the rate limiter.
func (m *Metrics) ObserveRateLimited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

// ObserveReload records a registry reload and, on success, the contents of
// the new snapshot.
func (m *Metrics) ObserveReload(err error, snap *registry.Snapshot) {
	if m == nil {
		return
	}
	if err != nil || snap == nil {
		m.RegistryReloads.WithLabelValues("error").Inc()
		return
	}
	m.RegistryReloads.WithLabelValues("success").Inc()
	m.RegistryTemplates.Reset()
	for _, v := range snap.Versions() {
		for _, dir := range protocol.Directions {
			m.RegistryTemplates.
				WithLabelValues(v.Service.String(), strconv.Itoa(v.Revision), dir.String()).
				Set(float64(len(snap.Templates(v, dir))))
		}
	}
	m.RegistryConflicts.Set(float64(len(snap.Conflicts())))
	m.RegistryFailed.Set(float64(len(snap.Failed())))
}

// FeedClient tracks a connected feed client until the returned func is called.
func (m *Metrics) FeedClient() func() {
	if m == nil {
		return func() {}
	}
	m.FeedClients.Inc()
	return m.FeedClients.Dec
}

// ObserveFeedDropped counts a dropped feed message.
func (m *Metrics) ObserveFeedDropped() {
	if m == nil {
		return
	}
	m.FeedDropped.Inc()
}
