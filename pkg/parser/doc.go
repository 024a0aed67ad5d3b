// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package parser splits a game connection's byte stream into packets.
//
// # Framing
//
// Game packets travel as frames with a little-endian uint16 header holding
// the total frame length, header included:
//
//	+--------+--------+---------------------+
//	| len lo | len hi | body (len-2 bytes)  |
//	+--------+--------+---------------------+
//
// The first body bytes are the opcode prefix used to resolve the packet
// template. A frame shorter than its header is a protocol violation.
//
// # Writers
//
// Several goroutines may write to one connection: the stream forwarding
// packets of the opposite direction and code injecting crafted packets.
// Writer serializes them so frames never interleave.
package parser
