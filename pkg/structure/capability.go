// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package structure

import (
	"maps"
	"slices"
	"sync"

	"github.com/absmach/gameproxy/pkg/protocol"
)

// Context is handed to every interpreter and condition call. It replaces any
// implicit per-goroutine state.
type Context struct {
	Version   protocol.Version
	Direction protocol.Direction

	// Lookup returns the most recently decoded value for a field name.
	Lookup func(name string) (any, bool)

	// Vars carries caller supplied state through one decode.
	Vars map[string]any
}

// Value returns the most recently decoded value for name.
func (c *Context) Value(name string) (any, bool) {
	if c == nil || c.Lookup == nil {
		return nil, false
	}
	return c.Lookup(name)
}

// Int returns the named value as an integer.
func (c *Context) Int(name string) (int64, bool) {
	v, ok := c.Value(name)
	if !ok {
		return 0, false
	}
	i, ok := v.(int64)
	return i, ok
}

// Interpreter turns a decoded value into a display value. Implementations
// must be pure functions of their inputs.
type Interpreter interface {
	Interpret(value any, ctx *Context) (any, error)
}

// Modifier transforms a decoded value before interpretation.
type Modifier interface {
	Modify(value any) (any, error)
}

// Condition decides whether a branch is taken.
type Condition interface {
	Test(ctx *Context) bool
}

// InterpreterFunc adapts a function to Interpreter.
type InterpreterFunc func(value any, ctx *Context) (any, error)

func (f InterpreterFunc) Interpret(value any, ctx *Context) (any, error) { return f(value, ctx) }

// ModifierFunc adapts a function to Modifier.
type ModifierFunc func(value any) (any, error)

func (f ModifierFunc) Modify(value any) (any, error) { return f(value) }

// ConditionFunc adapts a function to Condition.
type ConditionFunc func(ctx *Context) bool

func (f ConditionFunc) Test(ctx *Context) bool { return f(ctx) }

// Equals returns a condition that holds when the named integer field equals want.
func Equals(name string, want int64) Condition {
	return ConditionFunc(func(ctx *Context) bool {
		v, ok := ctx.Int(name)
		return ok && v == want
	})
}

// NonZero returns a condition that holds when the named integer field is not zero.
func NonZero(name string) Condition {
	return ConditionFunc(func(ctx *Context) bool {
		v, ok := ctx.Int(name)
		return ok && v != 0
	})
}

// Capabilities is the name-keyed registry of interpreters, modifiers and
// conditions. It is populated at startup and read during decoding.
type Capabilities struct {
	mu           sync.RWMutex
	interpreters map[string]Interpreter
	modifiers    map[string]Modifier
	conditions   map[string]Condition
}

// NewCapabilities returns an empty registry.
func NewCapabilities() *Capabilities {
	return &Capabilities{
		interpreters: make(map[string]Interpreter),
		modifiers:    make(map[string]Modifier),
		conditions:   make(map[string]Condition),
	}
}

func (c *Capabilities) RegisterInterpreter(name string, i Interpreter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interpreters[name] = i
}

func (c *Capabilities) RegisterModifier(name string, m Modifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.modifiers[name] = m
}

func (c *Capabilities) RegisterCondition(name string, cond Condition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conditions[name] = cond
}

// Interpreter returns the interpreter registered under name.
func (c *Capabilities) Interpreter(name string) (Interpreter, bool) {
	if c == nil || name == "" {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.interpreters[name]
	return i, ok
}

// Modifier returns the modifier registered under name.
func (c *Capabilities) Modifier(name string) (Modifier, bool) {
	if c == nil || name == "" {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.modifiers[name]
	return m, ok
}

// Condition returns the condition registered under name.
func (c *Capabilities) Condition(name string) (Condition, bool) {
	if c == nil || name == "" {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	cond, ok := c.conditions[name]
	return cond, ok
}

// Interpreters returns the sorted names of every registered interpreter.
func (c *Capabilities) Interpreters() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.interpreters))
}
