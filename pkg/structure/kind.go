// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package structure

import (
	"fmt"
	"strings"
)

// Kind is the byte layout of a single field.
type Kind int

const (
	Int8 Kind = iota
	UInt8
	Int16
	UInt16
	Int32
	Int64
	Single
	Double
	// FixedBytes is a run of bytes whose length is stored on the field.
	FixedBytes
	// DynamicBytes is a uint16 byte count followed by that many bytes.
	DynamicBytes
	// NulTerminatedUTF16 is UTF-16LE text ending with a zero code unit.
	NulTerminatedUTF16
	// LengthPrefixedUTF16 is a uint16 code unit count followed by UTF-16LE text.
	LengthPrefixedUTF16
)

var kindNames = map[Kind]string{
	Int8:                "int8",
	UInt8:               "uint8",
	Int16:               "int16",
	UInt16:              "uint16",
	Int32:               "int32",
	Int64:               "int64",
	Single:              "single",
	Double:              "double",
	FixedBytes:          "bytes",
	DynamicBytes:        "dynamic_bytes",
	NulTerminatedUTF16:  "utf16z",
	LengthPrefixedUTF16: "utf16",
}

var kindAliases = map[string]Kind{
	"byte":   UInt8,
	"char":   Int8,
	"short":  Int16,
	"ushort": UInt16,
	"int":    Int32,
	"long":   Int64,
	"float":  Single,
	"string": NulTerminatedUTF16,
	"blob":   DynamicBytes,
}

// String returns a string representation of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseKind maps a declaration keyword to its Kind.
func ParseKind(name string) (Kind, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	if k, ok := kindAliases[name]; ok {
		return k, nil
	}
	return 0, fmt.Errorf("unknown field kind %q", name)
}

// Width returns the fixed byte width of the kind, or 0 when the width depends
// on the field or the stream.
func (k Kind) Width() int {
	switch k {
	case Int8, UInt8:
		return 1
	case Int16, UInt16:
		return 2
	case Int32, Single:
		return 4
	case Int64, Double:
		return 8
	default:
		return 0
	}
}

// Integer reports whether values of the kind decode to integers.
func (k Kind) Integer() bool {
	switch k {
	case Int8, UInt8, Int16, UInt16, Int32, Int64:
		return true
	default:
		return false
	}
}

// Float reports whether values of the kind decode to floating point numbers.
func (k Kind) Float() bool {
	return k == Single || k == Double
}

// Text reports whether values of the kind decode to strings.
func (k Kind) Text() bool {
	return k == NulTerminatedUTF16 || k == LengthPrefixedUTF16
}
