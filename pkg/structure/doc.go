// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package structure models the layout of a packet.
//
// A Template pairs an opcode prefix with an ordered sequence of Elements.
// Each element is a Field (one value of a fixed or stream-determined
// width), a Loop (children repeated a number of times read from the
// stream) or a Branch (children decoded only when a named Condition holds).
//
// Fields may name an Interpreter and a Modifier. Both are resolved through
// Capabilities, a registry keyed by name that the hosting process fills at
// startup. References that cannot be resolved are dropped when the element
// is built, so decoding never has to deal with them.
//
//	caps := structure.NewCapabilities()
//	caps.RegisterCondition("has_clan", structure.NonZero("clanId"))
//
//	b := structure.Builder{Caps: caps}
//	tmpl := b.Template(protocol.Server, "CharInfo", "Character info", []byte{0x31}, decls)
package structure
