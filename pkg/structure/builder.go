// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package structure

import (
	"cmp"
	"log/slog"
	"slices"
	"strings"

	"github.com/absmach/gameproxy/pkg/protocol"
)

// Element declaration types.
const (
	DeclField  = "field"
	DeclLoop   = "loop"
	DeclBranch = "branch"
)

// Decl is the declarative form of an element as read from a definition source.
type Decl struct {
	Type        string   `toml:"type"`
	ID          string   `toml:"id"`
	Alias       string   `toml:"alias"`
	Kind        string   `toml:"kind"`
	Length      int      `toml:"length"`
	Optional    bool     `toml:"optional"`
	Aliases     []string `toml:"aliases"`
	Modifier    string   `toml:"modifier"`
	Interpreter string   `toml:"interpreter"`
	Condition   string   `toml:"condition"`
	CountFrom   string   `toml:"count_from"`
	Fields      []Decl   `toml:"fields"`
}

// Builder turns declarations into immutable elements. Invalid references are
// dropped from the element with a warning; invalid elements are dropped
// entirely. Building never fails.
type Builder struct {
	Caps   *Capabilities
	Logger *slog.Logger
}

// Template builds a template from declarations.
func (b Builder) Template(dir protocol.Direction, id, name string, prefix []byte, decls []Decl) *Template {
	t := NewTemplate(dir, id, name, prefix)
	t.elements = b.build(id, decls)
	return t
}

// Build converts a declaration sequence into elements.
func (b Builder) Build(decls []Decl) []Element {
	return b.build("", decls)
}

func (b Builder) logger() *slog.Logger {
	if b.Logger == nil {
		return slog.Default()
	}
	return b.Logger
}

func (b Builder) build(packet string, decls []Decl) []Element {
	elements := make([]Element, 0, len(decls))
	for _, d := range decls {
		if e := b.element(packet, d); e != nil {
			elements = append(elements, e)
		}
	}
	return elements
}

func (b Builder) element(packet string, d Decl) Element {
	switch strings.ToLower(d.Type) {
	case "", DeclField:
		return b.field(packet, d)
	case DeclLoop:
		return &Loop{
			id:        d.ID,
			countFrom: d.CountFrom,
			children:  b.build(packet, d.Fields),
		}
	case DeclBranch:
		cond := d.Condition
		if cond != "" {
			if _, ok := b.Caps.Condition(cond); !ok {
				b.warn(packet, d, "unknown condition dropped", cond)
				cond = ""
			}
		}
		return &Branch{
			id:        d.ID,
			condition: cond,
			children:  b.build(packet, d.Fields),
		}
	default:
		b.warn(packet, d, "unknown element type dropped", d.Type)
		return nil
	}
}

func (b Builder) field(packet string, d Decl) Element {
	kind, err := ParseKind(d.Kind)
	if err != nil {
		b.warn(packet, d, "field with unknown kind dropped", d.Kind)
		return nil
	}
	if kind == FixedBytes && d.Length <= 0 {
		b.warn(packet, d, "fixed bytes field without length dropped", d.Kind)
		return nil
	}

	f := &Field{
		id:       d.ID,
		alias:    d.Alias,
		kind:     kind,
		optional: d.Optional,
		aliases:  normalize(d.Aliases),
	}
	if kind == FixedBytes {
		f.length = d.Length
	}
	if d.Modifier != "" {
		if _, ok := b.Caps.Modifier(d.Modifier); ok {
			f.modifier = d.Modifier
		} else {
			b.warn(packet, d, "unknown modifier dropped", d.Modifier)
		}
	}
	if d.Interpreter != "" {
		if _, ok := b.Caps.Interpreter(d.Interpreter); ok {
			f.interpreter = d.Interpreter
		} else {
			b.warn(packet, d, "unknown interpreter dropped", d.Interpreter)
		}
	}
	return f
}

func (b Builder) warn(packet string, d Decl, msg, ref string) {
	b.logger().Warn(msg,
		slog.String("packet", packet),
		slog.String("element", cmp.Or(d.Alias, d.ID)),
		slog.String("ref", ref))
}

func normalize(aliases []string) []string {
	out := make([]string, 0, len(aliases))
	for _, a := range aliases {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
