// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler defines the contracts through which application code
// observes and alters proxied game traffic.
//
// # Manipulators and listeners
//
// A Manipulator is called synchronously, on the goroutine reading the packet,
// before any byte is forwarded. It may register demands on the in-flight
// packet: send, vanilla (forward unmodified), loss (drop), rewrite the body or
// queue additional packets. Incompatible demands fail immediately with an
// error that names both manipulators.
//
// A Listener has no veto power. It is told about every packet after it was
// forwarded, asynchronously and in forwarding order per connection.
//
// Both are notified synchronously when the protocol version of a connection
// becomes known, and once more when the connection pair is torn down.
//
// # Data Flow
//
//	Client → Manipulators (Intercept) → Server
//	                    ↓
//	         Pipeline → OnForwarded / OnPacket
//
// # Context
//
// Context carries per-connection metadata shared by all calls: session id,
// client and server addresses and the protocol version once detected. Its
// Decode method turns a raw body into a decoded packet for that version.
package handler
