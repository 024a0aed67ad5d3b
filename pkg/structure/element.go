// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package structure

import (
	"iter"
	"slices"
)

// Element is one node of a packet structure: a *Field, a *Loop or a *Branch.
// Elements are immutable once built.
type Element interface {
	ID() string
	element()
}

// Field is a single decodable value.
type Field struct {
	id          string
	alias       string
	kind        Kind
	length      int
	optional    bool
	aliases     []string
	modifier    string
	interpreter string
}

func (*Field) element() {}

// ID returns the declared identifier, which may be empty.
func (f *Field) ID() string { return f.id }

// Alias returns the display alias, which may be empty.
func (f *Field) Alias() string { return f.alias }

// Name returns the alias, falling back to the identifier.
func (f *Field) Name() string {
	if f.alias != "" {
		return f.alias
	}
	return f.id
}

func (f *Field) Kind() Kind { return f.kind }

// Length returns the byte length of a FixedBytes field.
func (f *Field) Length() int { return f.length }

func (f *Field) Optional() bool { return f.optional }

// Aliases returns the additional names the field answers to.
func (f *Field) Aliases() []string { return slices.Clone(f.aliases) }

// HasAlias reports whether the field answers to name.
func (f *Field) HasAlias(name string) bool {
	if name == "" {
		return false
	}
	if name == f.id || name == f.alias {
		return true
	}
	_, ok := slices.BinarySearch(f.aliases, name)
	return ok
}

// Modifier returns the registered modifier name, empty when none.
func (f *Field) Modifier() string { return f.modifier }

// Interpreter returns the registered interpreter name, empty when none.
func (f *Field) Interpreter() string { return f.interpreter }

// Names yields every name the field can be looked up by.
func (f *Field) Names() iter.Seq[string] {
	return func(yield func(string) bool) {
		if f.alias != "" && !yield(f.alias) {
			return
		}
		if f.id != "" && f.id != f.alias && !yield(f.id) {
			return
		}
		for _, a := range f.aliases {
			if a == f.id || a == f.alias {
				continue
			}
			if !yield(a) {
				return
			}
		}
	}
}

// Loop repeats its children a number of times read from the stream.
type Loop struct {
	id        string
	countFrom string
	children  []Element
}

func (*Loop) element() {}

func (l *Loop) ID() string { return l.id }

// CountFrom names the field supplying the iteration count. When empty the
// integer field immediately preceding the loop is used.
func (l *Loop) CountFrom() string { return l.countFrom }

// Children yields the loop body in order.
func (l *Loop) Children() iter.Seq[Element] { return slices.Values(l.children) }

// Len returns the number of body elements.
func (l *Loop) Len() int { return len(l.children) }

// Branch descends into its children only when its condition holds.
type Branch struct {
	id        string
	condition string
	children  []Element
}

func (*Branch) element() {}

func (b *Branch) ID() string { return b.id }

// Condition returns the registered condition name. A branch without a
// condition is always taken.
func (b *Branch) Condition() string { return b.condition }

// Children yields the branch body in order.
func (b *Branch) Children() iter.Seq[Element] { return slices.Values(b.children) }

func (b *Branch) Len() int { return len(b.children) }

// NewField returns a field with no optional attributes set. It is meant for
// programmatic construction; declarations go through Builder.
func NewField(alias string, kind Kind) *Field {
	return &Field{alias: alias, kind: kind}
}

// NewFixedBytes returns a FixedBytes field of the given length.
func NewFixedBytes(alias string, length int) *Field {
	return &Field{alias: alias, kind: FixedBytes, length: length}
}

// NewLoop returns a loop counted by the field preceding it.
func NewLoop(id string, children ...Element) *Loop {
	return &Loop{id: id, children: slices.Clone(children)}
}

// NewCountedLoop returns a loop counted by the named field.
func NewCountedLoop(id, countFrom string, children ...Element) *Loop {
	return &Loop{id: id, countFrom: countFrom, children: slices.Clone(children)}
}

// NewBranch returns a branch guarded by the named condition.
func NewBranch(id, condition string, children ...Element) *Branch {
	return &Branch{id: id, condition: condition, children: slices.Clone(children)}
}

// Optional returns a copy of f that may be absent at the end of a packet.
func Optional(f *Field) *Field {
	c := *f
	c.optional = true
	return &c
}
