// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package decoder

import (
	"bytes"
	"fmt"

	perrors "github.com/absmach/gameproxy/pkg/errors"
	"github.com/absmach/gameproxy/pkg/structure"
)

// Outcome describes how a decode ended.
type Outcome int

const (
	// Complete means the structure consumed the body exactly.
	Complete Outcome = iota

	// Incomplete means the body ended before the structure did.
	Incomplete

	// Trailing means bytes remained after the last element.
	Trailing
)

// String returns a string representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case Complete:
		return "complete"
	case Incomplete:
		return "incomplete"
	case Trailing:
		return "trailing"
	default:
		return "unknown"
	}
}

// Value is one decoded field.
type Value struct {
	Field *structure.Field

	// Offset is the position of Raw within the packet body, prefix included.
	Offset int
	Raw    []byte

	// Decoded is an int64, float64, string or []byte depending on the kind.
	Decoded any

	// Modified is the value after the field's modifier ran. It equals
	// Decoded when the field has no modifier or the modifier failed.
	Modified any

	// Interpretation is the interpreter's display value, nil when none.
	Interpretation any
}

// Width returns the number of bytes the value occupied.
func (v Value) Width() int { return len(v.Raw) }

// End returns the offset just past the value.
func (v Value) End() int { return v.Offset + len(v.Raw) }

// Int returns the decoded integer.
func (v Value) Int() (int64, bool) {
	i, ok := v.Decoded.(int64)
	return i, ok
}

// String returns the display form of the value.
func (v Value) String() string {
	if v.Interpretation != nil {
		return fmt.Sprint(v.Interpretation)
	}
	if b, ok := v.Modified.([]byte); ok {
		return fmt.Sprintf("% x", b)
	}
	return fmt.Sprint(v.Modified)
}

// Iteration delimits the values produced by one pass over a loop body.
// Start and End index Packet.Values.
type Iteration struct {
	Loop  *structure.Loop
	Index int
	Start int
	End   int
}

// Packet is the read-only result of decoding one body.
type Packet struct {
	Template   *structure.Template
	Body       []byte
	Values     []Value
	Iterations []Iteration
	Outcome    Outcome

	// Consumed is the number of bytes covered by the prefix and every value.
	Consumed int

	index map[string][]int
}

// Unknown reports whether the packet matched no definition.
func (p *Packet) Unknown() bool { return p.Template.IsDynamic() }

// Trailing returns the unconsumed tail when the outcome is Trailing.
func (p *Packet) Trailing() []byte {
	if p.Outcome != Trailing {
		return nil
	}
	return p.Body[p.Consumed:]
}

// Get returns the first value decoded for a field name.
func (p *Packet) Get(name string) (Value, bool) {
	idx, ok := p.index[name]
	if !ok {
		return Value{}, false
	}
	return p.Values[idx[0]], true
}

// All returns every value decoded for a field name, in order.
func (p *Packet) All(name string) []Value {
	idx := p.index[name]
	out := make([]Value, len(idx))
	for i, j := range idx {
		out[i] = p.Values[j]
	}
	return out
}

// At returns the value covering the given body offset.
func (p *Packet) At(offset int) (Value, bool) {
	for _, v := range p.Values {
		if offset >= v.Offset && offset < v.End() {
			return v, true
		}
	}
	return Value{}, false
}

// IterationsOf returns the recorded iterations of a loop.
func (p *Packet) IterationsOf(l *structure.Loop) []Iteration {
	var out []Iteration
	for _, it := range p.Iterations {
		if it.Loop == l {
			out = append(out, it)
		}
	}
	return out
}

// Err reports a truncated or over-long body. Both are recoverable; the
// decoded values remain usable.
func (p *Packet) Err() error {
	switch p.Outcome {
	case Incomplete:
		return &DecodeError{Template: p.Template, Offset: p.Consumed, Err: perrors.ErrDecodingIncomplete}
	case Trailing:
		return &DecodeError{Template: p.Template, Offset: p.Consumed, Tail: p.Trailing(), Err: perrors.ErrTrailingBytes}
	default:
		return nil
	}
}

// Encode serializes the prefix, every decoded value and any trailing tail.
// Values whose Decoded form was not edited are written from Raw. Unknown
// packets return a copy of the body.
func (p *Packet) Encode() ([]byte, error) {
	if p.Unknown() {
		return bytes.Clone(p.Body), nil
	}
	w := encoder(len(p.Body))
	w.Write(p.Template.Prefix())
	for _, v := range p.Values {
		if err := encodeRaw(w, v); err != nil {
			return nil, err
		}
	}
	w.Write(p.Trailing())
	return w.Bytes(), nil
}

func (p *Packet) add(v Value) int {
	p.Values = append(p.Values, v)
	i := len(p.Values) - 1
	for name := range v.Field.Names() {
		p.index[name] = append(p.index[name], i)
	}
	return i
}

// latest returns the most recent value decoded for name.
func (p *Packet) latest(name string) (any, bool) {
	idx, ok := p.index[name]
	if !ok {
		return nil, false
	}
	return p.Values[idx[len(idx)-1]].Decoded, true
}

// DecodeError reports where decoding of a packet ended early or late.
type DecodeError struct {
	Template *structure.Template
	Offset   int
	Tail     []byte
	Err      error
}

func (e *DecodeError) Error() string {
	if len(e.Tail) > 0 {
		return fmt.Sprintf("%s at offset %d (%d bytes: % x): %v", e.Template.Name(), e.Offset, len(e.Tail), e.Tail, e.Err)
	}
	return fmt.Sprintf("%s at offset %d: %v", e.Template.Name(), e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
