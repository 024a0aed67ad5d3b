// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package protocol holds the value types shared by every layer of the proxy:
// protocol versions and packet directions.
package protocol

import (
	"cmp"
	"fmt"
	"strings"
	"time"
)

// Service identifies which game service a protocol revision belongs to.
type Service int

const (
	// Login is the authentication service.
	Login Service = iota

	// Game is the world service.
	Game
)

// String returns a string representation of the service.
func (s Service) String() string {
	switch s {
	case Login:
		return "login"
	case Game:
		return "game"
	default:
		return "unknown"
	}
}

// ParseService maps a service name to its Service value.
func ParseService(name string) (Service, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "login", "auth":
		return Login, nil
	case "game":
		return Game, nil
	default:
		return 0, fmt.Errorf("unknown service %q", name)
	}
}

// Direction names the side that originated a packet.
type Direction int

const (
	// Client marks packets sent by the game client toward the server.
	Client Direction = iota

	// Server marks packets sent by the game server toward the client.
	Server
)

// Directions lists both directions in a stable order.
var Directions = [...]Direction{Client, Server}

// String returns a string representation of the direction.
func (d Direction) String() string {
	switch d {
	case Client:
		return "client"
	case Server:
		return "server"
	default:
		return "unknown"
	}
}

// Peer returns the opposite direction.
func (d Direction) Peer() Direction {
	if d == Client {
		return Server
	}
	return Client
}

// Version describes one protocol revision of a service.
type Version struct {
	Revision  int
	Service   Service
	Alias     string
	CreatedAt time.Time
}

// Key identifies a version regardless of its descriptive fields.
type Key struct {
	Service  Service
	Revision int
}

// Key returns the identifying part of the version.
func (v Version) Key() Key {
	return Key{Service: v.Service, Revision: v.Revision}
}

// Compare orders versions by service, then revision.
func (v Version) Compare(o Version) int {
	if c := cmp.Compare(v.Service, o.Service); c != 0 {
		return c
	}
	return cmp.Compare(v.Revision, o.Revision)
}

// String returns a string representation of the version.
func (v Version) String() string {
	if v.Alias != "" {
		return fmt.Sprintf("%s/%d (%s)", v.Service, v.Revision, v.Alias)
	}
	return fmt.Sprintf("%s/%d", v.Service, v.Revision)
}
