// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements the socket edge of the game proxy.
//
// # Architecture
//
//	┌─────────┐         ┌─────────┐         ┌─────────────┐
//	│ Client  │ ←─TCP─→ │  Server │ ←─TCP─→ │ Game server │
//	└─────────┘         └─────────┘         └─────────────┘
//	                         ↓
//	                    ┌─────────┐
//	                    │  Proxy  │  interception, forwarding, notification
//	                    └─────────┘
//
// # Connection Flow
//
//  1. Client connects to server
//  2. Server opens a proxy session; the client side is active
//  3. Server dials the game server in the background
//  4. Client packets read before the dial completes are queued
//  5. Once connected, queued packets are flushed in order and the
//     server → client stream starts
//  6. When one side closes, the other is closed as well; the session ends
//     once both are disconnected
//
// A failed dial closes the client. With a Breaker configured, repeated dial
// failures reject new clients immediately until the cooldown passes.
// Malformed frames fail the side that sent them.
//
// # Graceful Shutdown
//
// On context cancellation the listener closes, active sessions get
// ShutdownTimeout to finish and are then closed forcefully.
package tcp
