// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package decoder

import (
	"fmt"
	"iter"
	"log/slog"

	"github.com/absmach/gameproxy/pkg/cursor"
	"github.com/absmach/gameproxy/pkg/protocol"
	"github.com/absmach/gameproxy/pkg/structure"
)

// Resolver finds the template describing a packet body.
type Resolver interface {
	Resolve(v protocol.Version, dir protocol.Direction, body []byte) *structure.Template
}

// Enumerator decodes packet bodies against their templates.
type Enumerator struct {
	Resolver Resolver
	Caps     *structure.Capabilities
	Logger   *slog.Logger
}

// New returns an enumerator resolving templates through r.
func New(r Resolver, caps *structure.Capabilities, logger *slog.Logger) *Enumerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enumerator{Resolver: r, Caps: caps, Logger: logger}
}

// Enumerate resolves the template for body and decodes it.
func (e *Enumerator) Enumerate(v protocol.Version, dir protocol.Direction, body []byte) *Packet {
	t := structure.Unknown(dir)
	if e.Resolver != nil {
		t = e.Resolver.Resolve(v, dir, body)
	}
	return e.Decode(t, v, dir, body, nil)
}

// Decode walks body against t. The opcode prefix is skipped first. vars is
// exposed to interpreters and conditions through the decode context.
func (e *Enumerator) Decode(t *structure.Template, v protocol.Version, dir protocol.Direction, body []byte, vars map[string]any) *Packet {
	p := &Packet{
		Template: t,
		Body:     body,
		index:    make(map[string][]int),
	}
	if t.IsDynamic() {
		p.Consumed = len(body)
		return p
	}

	r := cursor.NewReader(body)
	if err := r.Skip(t.PrefixLen()); err != nil {
		p.Outcome = Incomplete
		return p
	}
	p.Consumed = r.Offset()

	w := &walker{
		e:    e,
		p:    p,
		r:    r,
		body: body,
	}
	w.ctx = &structure.Context{
		Version:   v,
		Direction: dir,
		Lookup:    p.latest,
		Vars:      vars,
	}

	switch {
	case !w.sequence(t.Elements()):
		p.Outcome = Incomplete
	case r.Remaining() > 0:
		p.Outcome = Trailing
	default:
		p.Outcome = Complete
	}
	return p
}

func (e *Enumerator) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

type walker struct {
	e    *Enumerator
	p    *Packet
	r    *cursor.Reader
	ctx  *structure.Context
	body []byte
}

// sequence decodes elements in order. It returns false when the body ended
// before the sequence did.
func (w *walker) sequence(elements iter.Seq[structure.Element]) bool {
	prev := -1
	for el := range elements {
		switch el := el.(type) {
		case *structure.Field:
			i, ok := w.field(el)
			if !ok {
				return false
			}
			prev = i
		case *structure.Loop:
			if !w.loop(el, prev) {
				return false
			}
			prev = -1
		case *structure.Branch:
			if !w.branch(el) {
				return false
			}
			prev = -1
		}
	}
	return true
}

func (w *walker) field(f *structure.Field) (int, bool) {
	if f.Optional() && w.r.Remaining() == 0 {
		return -1, true
	}
	start := w.r.Offset()
	decoded, err := readValue(w.r, f)
	if err != nil {
		return -1, false
	}

	v := Value{
		Field:    f,
		Offset:   start,
		Raw:      w.body[start:w.r.Offset():w.r.Offset()],
		Decoded:  decoded,
		Modified: decoded,
	}
	if m, ok := w.e.Caps.Modifier(f.Modifier()); ok {
		if mod, err := guard(func() (any, error) { return m.Modify(decoded) }); err == nil {
			v.Modified = mod
		} else {
			w.skip(f, "modifier", err)
		}
	}
	if in, ok := w.e.Caps.Interpreter(f.Interpreter()); ok {
		if disp, err := guard(func() (any, error) { return in.Interpret(v.Modified, w.ctx) }); err == nil {
			v.Interpretation = disp
		} else {
			w.skip(f, "interpreter", err)
		}
	}

	i := w.p.add(v)
	w.p.Consumed = w.r.Offset()
	return i, true
}

func (w *walker) loop(l *structure.Loop, prev int) bool {
	count := w.count(l, prev)
	for i := int64(0); i < count; i++ {
		start, offset := len(w.p.Values), w.r.Offset()
		if !w.sequence(l.Children()) {
			return false
		}
		w.p.Iterations = append(w.p.Iterations, Iteration{
			Loop:  l,
			Index: int(i),
			Start: start,
			End:   len(w.p.Values),
		})
		// Further passes would consume nothing either.
		if w.r.Offset() == offset {
			break
		}
	}
	return true
}

func (w *walker) count(l *structure.Loop, prev int) int64 {
	var (
		n  int64
		ok bool
	)
	if name := l.CountFrom(); name != "" {
		n, ok = w.ctx.Int(name)
	} else if prev >= 0 {
		n, ok = w.p.Values[prev].Int()
	}
	if !ok {
		w.e.logger().Debug("loop without count",
			slog.String("packet", w.p.Template.Name()),
			slog.String("loop", l.ID()))
		return 0
	}
	return max(n, 0)
}

func (w *walker) branch(b *structure.Branch) bool {
	if name := b.Condition(); name != "" {
		cond, ok := w.e.Caps.Condition(name)
		if ok && !w.test(b, cond) {
			return true
		}
	}
	return w.sequence(b.Children())
}

func (w *walker) test(b *structure.Branch, cond structure.Condition) (taken bool) {
	defer func() {
		if r := recover(); r != nil {
			w.e.logger().Warn("condition panicked",
				slog.String("packet", w.p.Template.Name()),
				slog.String("branch", b.ID()),
				slog.Any("panic", r))
			taken = false
		}
	}()
	return cond.Test(w.ctx)
}

func (w *walker) skip(f *structure.Field, stage string, err error) {
	w.e.logger().Debug(stage+" failed",
		slog.String("packet", w.p.Template.Name()),
		slog.String("field", f.Name()),
		slog.String("error", err.Error()))
}

func guard(fn func() (any, error)) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
