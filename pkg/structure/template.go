// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package structure

import (
	"bytes"
	"fmt"
	"iter"
	"slices"

	"github.com/absmach/gameproxy/pkg/protocol"
)

// Template names a packet type and describes its layout. Template identity
// is its opcode prefix: two templates with equal prefixes are the same
// packet type regardless of name.
type Template struct {
	dir      protocol.Direction
	id       string
	name     string
	prefix   []byte
	elements []Element
}

var unknown = [...]*Template{
	protocol.Client: {dir: protocol.Client, id: "unknown", name: "Unknown client packet"},
	protocol.Server: {dir: protocol.Server, id: "unknown", name: "Unknown server packet"},
}

// Unknown returns the sentinel template for packets without a definition.
func Unknown(dir protocol.Direction) *Template {
	if dir == protocol.Server {
		return unknown[protocol.Server]
	}
	return unknown[protocol.Client]
}

// NewTemplate returns a template. The prefix and element slices are copied.
func NewTemplate(dir protocol.Direction, id, name string, prefix []byte, elements ...Element) *Template {
	return &Template{
		dir:      dir,
		id:       id,
		name:     name,
		prefix:   bytes.Clone(prefix),
		elements: slices.Clone(elements),
	}
}

func (t *Template) Direction() protocol.Direction { return t.dir }

// ID returns the packet identifier from the definition source.
func (t *Template) ID() string { return t.id }

// Name returns the display name, falling back to the identifier.
func (t *Template) Name() string {
	if t.name != "" {
		return t.name
	}
	return t.id
}

// Prefix returns a copy of the opcode prefix.
func (t *Template) Prefix() []byte { return bytes.Clone(t.prefix) }

// PrefixLen returns the length of the opcode prefix.
func (t *Template) PrefixLen() int { return len(t.prefix) }

// Matches reports whether body starts with the template's prefix.
func (t *Template) Matches(body []byte) bool {
	return len(t.prefix) > 0 && bytes.HasPrefix(body, t.prefix)
}

// Elements yields the top-level structure in order.
func (t *Template) Elements() iter.Seq[Element] { return slices.Values(t.elements) }

// Len returns the number of top-level elements.
func (t *Template) Len() int { return len(t.elements) }

// IsDynamic reports whether the template has no structure, which marks an
// unidentified packet.
func (t *Template) IsDynamic() bool { return len(t.elements) == 0 }

// Compare orders templates by opcode prefix.
func (t *Template) Compare(o *Template) int {
	return bytes.Compare(t.prefix, o.prefix)
}

// Same reports whether both templates have the same identity.
func (t *Template) Same(o *Template) bool {
	return t.dir == o.dir && bytes.Equal(t.prefix, o.prefix)
}

// String returns a string representation of the template.
func (t *Template) String() string {
	return fmt.Sprintf("%s[% x] %s", t.dir, t.prefix, t.Name())
}
