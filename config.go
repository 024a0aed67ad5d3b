// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gameproxy

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/absmach/gameproxy/pkg/definition"
	"github.com/absmach/gameproxy/pkg/protocol"
	"github.com/caarlos0/env/v11"
)

var errNoCertificates = errors.New("no certificates found in CA file")

// Config describes one proxied listener and the game server behind it.
type Config struct {
	Host       string `env:"HOST"        envDefault:""`
	Port       string `env:"PORT"        envDefault:""`
	TargetHost string `env:"TARGET_HOST" envDefault:"localhost"`
	TargetPort string `env:"TARGET_PORT" envDefault:""`

	// Version detection. A static revision disables detection.
	ServiceName    string `env:"SERVICE"         envDefault:"game"`
	StaticRevision int    `env:"STATIC_REVISION" envDefault:"0"`
	VersionOpcode  string `env:"VERSION_OPCODE"  envDefault:"0x0E"`
	VersionOffset  int    `env:"VERSION_OFFSET"  envDefault:"0"`

	// Interception and notification.
	InterceptWarn time.Duration `env:"INTERCEPT_WARN" envDefault:"50ms"`
	NotifyWorkers int           `env:"NOTIFY_WORKERS" envDefault:"0"`
	NotifyWarn    time.Duration `env:"NOTIFY_WARN"    envDefault:"100ms"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"30s"`

	// Client packet rate limit. A zero rate disables it.
	RateBurst int     `env:"RATE_BURST" envDefault:"50"`
	RateLimit float64 `env:"RATE_LIMIT" envDefault:"0"`

	// Upstream dialing.
	DialTimeout     time.Duration `env:"DIAL_TIMEOUT"     envDefault:"10s"`
	BreakerFailures int           `env:"BREAKER_FAILURES" envDefault:"5"`
	BreakerCooldown time.Duration `env:"BREAKER_COOLDOWN" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// TLS termination for game clients. ClientCAFile enables mTLS.
	CertFile     string `env:"CERT_FILE"      envDefault:""`
	KeyFile      string `env:"KEY_FILE"       envDefault:""`
	ClientCAFile string `env:"CLIENT_CA_FILE" envDefault:""`

	Service   protocol.Service `env:"-"`
	Opcode    []byte           `env:"-"`
	TLSConfig *tls.Config      `env:"-"`
}

// NewConfig parses the environment using opts and validates the result.
func NewConfig(opts env.Options) (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}

	service, err := protocol.ParseService(c.ServiceName)
	if err != nil {
		return Config{}, err
	}
	c.Service = service

	if c.StaticRevision < 0 {
		return Config{}, fmt.Errorf("invalid static revision %d", c.StaticRevision)
	}
	if c.StaticRevision == 0 {
		if c.Opcode, err = definition.ParseOpcode(c.VersionOpcode); err != nil {
			return Config{}, fmt.Errorf("version opcode: %w", err)
		}
	}

	if c.CertFile != "" || c.KeyFile != "" {
		if c.TLSConfig, err = loadTLS(c.CertFile, c.KeyFile, c.ClientCAFile); err != nil {
			return Config{}, err
		}
	}

	return c, nil
}

// Address is the listen address.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// TargetAddress is the game server address.
func (c Config) TargetAddress() string {
	return net.JoinHostPort(c.TargetHost, c.TargetPort)
}

func loadTLS(certFile, keyFile, clientCAFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if clientCAFile == "" {
		return cfg, nil
	}

	pem, err := os.ReadFile(clientCAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read client CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errNoCertificates
	}
	cfg.ClientCAs = pool
	cfg.ClientAuth = tls.RequireAndVerifyClientCert
	return cfg, nil
}
