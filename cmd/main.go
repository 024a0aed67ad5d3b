// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/absmach/gameproxy"
	"github.com/absmach/gameproxy/examples/simple"
	"github.com/absmach/gameproxy/pkg/breaker"
	"github.com/absmach/gameproxy/pkg/definition"
	"github.com/absmach/gameproxy/pkg/feed"
	"github.com/absmach/gameproxy/pkg/handler"
	"github.com/absmach/gameproxy/pkg/health"
	"github.com/absmach/gameproxy/pkg/metrics"
	"github.com/absmach/gameproxy/pkg/protocol"
	"github.com/absmach/gameproxy/pkg/proxy"
	"github.com/absmach/gameproxy/pkg/ratelimit"
	"github.com/absmach/gameproxy/pkg/registry"
	"github.com/absmach/gameproxy/pkg/server/tcp"
	"github.com/absmach/gameproxy/pkg/structure"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const (
	envPrefix   = "GAMEPROXY_"
	loginPrefix = "GAMEPROXY_LOGIN_"
	gamePrefix  = "GAMEPROXY_GAME_"
)

type config struct {
	LogLevel       string `env:"LOG_LEVEL"       envDefault:"info"`
	LogFormat      string `env:"LOG_FORMAT"      envDefault:"json"`
	MetricsPort    int    `env:"METRICS_PORT"    envDefault:"9090"`
	HealthPort     int    `env:"HEALTH_PORT"     envDefault:"8080"`
	FeedPort       int    `env:"FEED_PORT"       envDefault:"0"`
	DefinitionsDir string `env:"DEFINITIONS_DIR" envDefault:"definitions"`
}

type services struct {
	registry *registry.Registry
	caps     *structure.Capabilities
	metrics  *metrics.Metrics
	checker  *health.Checker
	handler  *simple.Handler
	feed     *feed.Hub
	logger   *slog.Logger
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	// Load .env file
	dotenvErr := godotenv.Load()

	var cfg config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	if dotenvErr != nil {
		logger.Warn("no .env file found, using environment variables")
	}

	m := metrics.New("gameproxy", prometheus.DefaultRegisterer)
	caps := simple.Capabilities()

	reg := registry.New(registry.Config{
		Source: definition.NewDirSource(cfg.DefinitionsDir),
		Caps:   caps,
		Logger: logger,
	})
	err := reg.Reload(ctx)
	m.ObserveReload(err, reg.Snapshot())
	if err != nil {
		logger.Error("failed to load protocol definitions",
			slog.String("dir", cfg.DefinitionsDir),
			slog.String("error", err.Error()))
		os.Exit(1)
	}
	for _, v := range reg.Snapshot().Versions() {
		logger.Info("protocol version loaded", slog.String("version", v.String()))
	}

	checker := health.NewChecker(10 * time.Second)
	checker.RegisterCritical("definitions", health.Registry(reg))

	svc := services{
		registry: reg,
		caps:     caps,
		metrics:  m,
		checker:  checker,
		handler:  simple.New(logger),
		feed:     feed.New(feed.Config{Metrics: m, Logger: logger}),
		logger:   logger,
	}

	// Start game proxies
	if err := startProxy(g, ctx, loginPrefix, svc); err != nil {
		logger.Warn("login proxy not started", slog.String("error", err.Error()))
	}

	if err := startProxy(g, ctx, gamePrefix, svc); err != nil {
		logger.Warn("game proxy not started", slog.String("error", err.Error()))
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	g.Go(func() error {
		return serveHTTP(ctx, "metrics", fmt.Sprintf(":%d", cfg.MetricsPort), metricsMux, logger)
	})

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", checker.HTTPHandler())
	healthMux.HandleFunc("/ready", checker.ReadinessHandler())
	healthMux.HandleFunc("/live", health.LivenessHandler())
	g.Go(func() error {
		return serveHTTP(ctx, "health", fmt.Sprintf(":%d", cfg.HealthPort), healthMux, logger)
	})

	if cfg.FeedPort != 0 {
		feedMux := http.NewServeMux()
		feedMux.Handle("/feed", svc.feed)
		g.Go(func() error {
			return serveHTTP(ctx, "feed", fmt.Sprintf(":%d", cfg.FeedPort), feedMux, logger)
		})
	}

	// Signal handlers
	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	g.Go(func() error {
		return ReloadSignalHandler(ctx, reg, m, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("gameproxy service terminated with error: %s", err))
	} else {
		logger.Info("gameproxy service stopped")
	}
}

func startProxy(g *errgroup.Group, ctx context.Context, envPrefix string, svc services) error {
	cfg, err := gameproxy.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		return err
	}

	// Skip if port is not configured
	if cfg.Port == "" {
		return fmt.Errorf("port not configured")
	}
	name := strings.ToLower(strings.TrimSuffix(strings.TrimPrefix(envPrefix, "GAMEPROXY_"), "_"))
	logger := svc.logger.With(slog.String("proxy", name))

	manipulators := []handler.Manipulator{svc.handler}
	if cfg.RateLimit > 0 {
		guard := ratelimit.New(ratelimit.Config{
			Burst:  cfg.RateBurst,
			Rate:   cfg.RateLimit,
			OnDrop: func(*handler.Context) { svc.metrics.ObserveRateLimited() },
			Logger: logger,
		})
		manipulators = append([]handler.Manipulator{guard}, manipulators...)
	}

	p := proxy.New(proxy.Config{
		Registry:      svc.registry,
		Caps:          svc.caps,
		Manipulators:  manipulators,
		Listeners:     []handler.Listener{svc.handler, svc.feed},
		Detector:      detector(cfg, svc.registry),
		InterceptWarn: cfg.InterceptWarn,
		NotifyWorkers: cfg.NotifyWorkers,
		NotifyWarn:    cfg.NotifyWarn,
		SweepInterval: cfg.SweepInterval,
		Metrics:       svc.metrics,
		Logger:        logger,
	})

	b := breaker.New(breaker.Config{
		Failures:      cfg.BreakerFailures,
		Cooldown:      cfg.BreakerCooldown,
		OnStateChange: svc.metrics.ObserveBreaker,
		Logger:        logger,
	})
	svc.checker.Register(name+"_upstream", health.Dial(cfg.TargetAddress(), cfg.DialTimeout))
	svc.checker.Register(name+"_breaker", b.Check)

	srv := tcp.New(tcp.Config{
		Address:         cfg.Address(),
		TargetAddress:   cfg.TargetAddress(),
		TLSConfig:       cfg.TLSConfig,
		DialTimeout:     cfg.DialTimeout,
		Breaker:         b,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Metrics:         svc.metrics,
		Logger:          logger,
	}, p)

	g.Go(func() error {
		p.Run(ctx)
		return nil
	})

	g.Go(func() error {
		err := srv.Listen(ctx)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if n := p.Shutdown(shutdownCtx); n > 0 {
			logger.Warn("notifications abandoned at shutdown", slog.Int("count", n))
		}
		return err
	})

	logger.Info("game proxy started",
		slog.String("prefix", envPrefix),
		slog.String("address", cfg.Address()),
		slog.String("target", cfg.TargetAddress()),
		slog.String("service", cfg.Service.String()))
	return nil
}

// detector pins a static revision when configured and otherwise reads the
// revision announced by the client.
func detector(cfg gameproxy.Config, reg *registry.Registry) proxy.VersionDetector {
	if cfg.StaticRevision > 0 {
		v, ok := reg.Snapshot().Version(cfg.Service, cfg.StaticRevision)
		if !ok {
			v = protocol.Version{Revision: cfg.StaticRevision, Service: cfg.Service}
		}
		return proxy.StaticVersion(v)
	}
	return proxy.RevisionDetector{
		Service: cfg.Service,
		Opcode:  cfg.Opcode,
		Offset:  cfg.VersionOffset,
		Lookup: func(service protocol.Service, revision int) (protocol.Version, bool) {
			return reg.Snapshot().Version(service, revision)
		},
	}
}

func serveHTTP(ctx context.Context, name, addr string, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting "+name+" server", slog.String("address", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s server: %w", name, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT)
	defer signal.Stop(c)
	select {
	case <-c:
		logger.Info("received shutdown signal")
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}

// ReloadSignalHandler reloads protocol definitions on SIGHUP. A failed
// reload keeps the previous snapshot.
func ReloadSignalHandler(ctx context.Context, reg *registry.Registry, m *metrics.Metrics, logger *slog.Logger) error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGHUP)
	defer signal.Stop(c)
	for {
		select {
		case <-c:
			err := reg.Reload(ctx)
			m.ObserveReload(err, reg.Snapshot())
			if err != nil {
				logger.Error("protocol definitions reload failed", slog.String("error", err.Error()))
				continue
			}
			snap := reg.Snapshot()
			logger.Info("protocol definitions reloaded",
				slog.Int("versions", len(snap.Versions())),
				slog.Int("conflicts", len(snap.Conflicts())),
				slog.Int("failed", len(snap.Failed())))
		case <-ctx.Done():
			return nil
		}
	}
}
