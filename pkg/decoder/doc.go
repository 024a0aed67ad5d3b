// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package decoder walks packet bodies against their structure templates.
//
// Decoding is best effort. A body that ends early yields every value that
// was fully contained in it and the Incomplete outcome; a body with bytes
// left after the last element yields the Trailing outcome and the tail.
// Neither aborts the caller: Packet.Err wraps errors.ErrDecodingIncomplete
// or errors.ErrTrailingBytes for callers that want an error value.
//
// Bodies whose opcode prefix matches no definition resolve to the dynamic
// sentinel template and decode to an empty value list.
package decoder
