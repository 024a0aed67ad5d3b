// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"maps"
	"slices"

	"github.com/absmach/gameproxy/pkg/protocol"
	"github.com/absmach/gameproxy/pkg/structure"
)

// table maps opcode prefixes to templates for one version and direction.
type table struct {
	byID     map[string]*structure.Template
	byPrefix map[string]*structure.Template
	// lengths holds the distinct prefix lengths, longest first.
	lengths []int
}

func newTable() *table {
	return &table{
		byID:     make(map[string]*structure.Template),
		byPrefix: make(map[string]*structure.Template),
	}
}

// insert adds t unless its prefix is taken, in which case the holder is returned.
func (t *table) insert(tmpl *structure.Template) (*structure.Template, bool) {
	key := string(tmpl.Prefix())
	if held, ok := t.byPrefix[key]; ok {
		return held, false
	}
	t.byPrefix[key] = tmpl
	t.byID[tmpl.ID()] = tmpl
	if !slices.Contains(t.lengths, len(key)) {
		t.lengths = append(t.lengths, len(key))
		slices.SortFunc(t.lengths, func(a, b int) int { return b - a })
	}
	return tmpl, true
}

func (t *table) resolve(body []byte) (*structure.Template, bool) {
	for _, n := range t.lengths {
		if len(body) < n {
			continue
		}
		if tmpl, ok := t.byPrefix[string(body[:n])]; ok {
			return tmpl, true
		}
	}
	return nil, false
}

// Snapshot is an immutable view of every loaded revision.
type Snapshot struct {
	versions  []protocol.Version
	tables    map[protocol.Key]*[2]*table
	conflicts []error
	failed    map[protocol.Key]error
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		tables: make(map[protocol.Key]*[2]*table),
		failed: make(map[protocol.Key]error),
	}
}

func (s *Snapshot) table(v protocol.Version, dir protocol.Direction) *table {
	tables, ok := s.tables[v.Key()]
	if !ok || (dir != protocol.Client && dir != protocol.Server) {
		return nil
	}
	return tables[dir]
}

// Resolve returns the template whose prefix is the longest match for body,
// or the direction's dynamic sentinel.
func (s *Snapshot) Resolve(v protocol.Version, dir protocol.Direction, body []byte) *structure.Template {
	if t := s.table(v, dir); t != nil {
		if tmpl, ok := t.resolve(body); ok {
			return tmpl
		}
	}
	return structure.Unknown(dir)
}

// Lookup returns a template by packet id.
func (s *Snapshot) Lookup(v protocol.Version, dir protocol.Direction, id string) (*structure.Template, bool) {
	t := s.table(v, dir)
	if t == nil {
		return nil, false
	}
	tmpl, ok := t.byID[id]
	return tmpl, ok
}

// Templates returns every live template of a version and direction, ordered
// by prefix.
func (s *Snapshot) Templates(v protocol.Version, dir protocol.Direction) []*structure.Template {
	t := s.table(v, dir)
	if t == nil {
		return nil
	}
	out := make([]*structure.Template, 0, len(t.byPrefix))
	for _, tmpl := range t.byPrefix {
		out = append(out, tmpl)
	}
	slices.SortFunc(out, (*structure.Template).Compare)
	return out
}

// Versions returns every successfully loaded version in ascending order.
func (s *Snapshot) Versions() []protocol.Version {
	return slices.Clone(s.versions)
}

// Version returns the loaded version with the given service and revision.
func (s *Snapshot) Version(service protocol.Service, revision int) (protocol.Version, bool) {
	key := protocol.Key{Service: service, Revision: revision}
	for _, v := range s.versions {
		if v.Key() == key {
			return v, true
		}
	}
	return protocol.Version{}, false
}

// Latest returns the highest loaded revision of a service.
func (s *Snapshot) Latest(service protocol.Service) (protocol.Version, bool) {
	for i := len(s.versions) - 1; i >= 0; i-- {
		if s.versions[i].Service == service {
			return s.versions[i], true
		}
	}
	return protocol.Version{}, false
}

// Conflicts returns the prefix collisions found while building the snapshot.
func (s *Snapshot) Conflicts() []error {
	return slices.Clone(s.conflicts)
}

// Failed returns the revisions dropped because their declarations failed to load.
func (s *Snapshot) Failed() map[protocol.Key]error {
	return maps.Clone(s.failed)
}
