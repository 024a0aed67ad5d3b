// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"reflect"
	"runtime"
	"slices"
	"sync/atomic"

	perrors "github.com/absmach/gameproxy/pkg/errors"
	"github.com/absmach/gameproxy/pkg/protocol"
	"github.com/absmach/gameproxy/pkg/structure"
	"golang.org/x/sync/errgroup"
)

// Config holds the registry configuration.
type Config struct {
	// Source supplies the declarations.
	Source Source

	// Caps resolves interpreter, modifier and condition references.
	Caps *structure.Capabilities

	// Workers bounds concurrent revision loads. Defaults to the CPU count.
	Workers int

	// Logger for load events
	Logger *slog.Logger
}

// Registry resolves packet bodies to templates across protocol versions.
// Readers always see one complete snapshot; Reload swaps in a new one.
type Registry struct {
	config   Config
	builder  structure.Builder
	snapshot atomic.Pointer[Snapshot]
}

// New creates a registry with an empty snapshot.
func New(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	r := &Registry{
		config:  cfg,
		builder: structure.Builder{Caps: cfg.Caps, Logger: cfg.Logger},
	}
	r.snapshot.Store(emptySnapshot())
	return r
}

// Snapshot returns the current snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.snapshot.Load()
}

// Resolve implements decoder.Resolver against the current snapshot.
func (r *Registry) Resolve(v protocol.Version, dir protocol.Direction, body []byte) *structure.Template {
	return r.Snapshot().Resolve(v, dir, body)
}

// Lookup returns a template by packet id from the current snapshot.
func (r *Registry) Lookup(v protocol.Version, dir protocol.Direction, id string) (*structure.Template, bool) {
	return r.Snapshot().Lookup(v, dir, id)
}

// Reload rebuilds every revision from the source and swaps the result in.
// A revision that fails to load is dropped; only a failure to list
// versions or a cancelled context fails the reload.
func (r *Registry) Reload(ctx context.Context) error {
	versions, err := r.config.Source.Versions(ctx)
	if err != nil {
		return perrors.Wrap(err, "failed to list revisions")
	}
	slices.SortFunc(versions, protocol.Version.Compare)
	versions = slices.CompactFunc(versions, func(a, b protocol.Version) bool { return a.Key() == b.Key() })

	revisions, errs := r.load(ctx, versions)
	if err := ctx.Err(); err != nil {
		return err
	}

	s := emptySnapshot()
	var states map[protocol.Direction]*lineage
	for i, v := range versions {
		if i == 0 || versions[i-1].Service != v.Service {
			states = map[protocol.Direction]*lineage{
				protocol.Client: newLineage(),
				protocol.Server: newLineage(),
			}
		}
		if errs[i] != nil {
			s.failed[v.Key()] = errs[i]
			r.config.Logger.Warn("revision dropped",
				slog.String("version", v.String()),
				slog.String("error", errs[i].Error()))
			continue
		}

		tables := &[2]*table{}
		for _, dir := range protocol.Directions {
			tables[dir] = r.apply(s, v, dir, states[dir], revisions[i])
		}
		s.tables[v.Key()] = tables
		s.versions = append(s.versions, v)
	}

	r.snapshot.Store(s)
	r.config.Logger.Info("packet definitions loaded",
		slog.Int("revisions", len(s.versions)),
		slog.Int("failed", len(s.failed)),
		slog.Int("conflicts", len(s.conflicts)))
	return nil
}

func (r *Registry) load(ctx context.Context, versions []protocol.Version) ([]*Revision, []error) {
	revisions := make([]*Revision, len(versions))
	errs := make([]error, len(versions))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.config.Workers)
	for i, v := range versions {
		g.Go(func() error {
			rev, err := r.config.Source.Load(ctx, v)
			if err == nil && rev == nil {
				err = fmt.Errorf("revision %s has no declarations", v)
			}
			revisions[i], errs[i] = rev, err
			return nil
		})
	}
	_ = g.Wait()
	return revisions, errs
}

// definition is the nearest declaration of a packet id and the template
// built from it, if any.
type definition struct {
	decl PacketDecl
	tmpl *structure.Template
}

// lineage carries opcode mappings and definitions from one revision of a
// service to the next.
type lineage struct {
	mapping map[string][]byte
	defs    map[string]*definition
}

func newLineage() *lineage {
	return &lineage{
		mapping: make(map[string][]byte),
		defs:    make(map[string]*definition),
	}
}

func (r *Registry) apply(s *Snapshot, v protocol.Version, dir protocol.Direction, l *lineage, rev *Revision) *table {
	if m, ok := rev.Opcodes[dir]; ok {
		for _, id := range m.Remove {
			delete(l.mapping, id)
		}
		for id, prefix := range m.Add {
			if len(prefix) == 0 {
				r.config.Logger.Warn("empty opcode prefix ignored",
					slog.String("version", v.String()),
					slog.String("direction", dir.String()),
					slog.String("packet", id))
				continue
			}
			l.mapping[id] = bytes.Clone(prefix)
		}
	}
	for id, decl := range rev.Packets[dir] {
		if prev, ok := l.defs[id]; ok && sameDecl(prev.decl, decl) {
			continue
		}
		l.defs[id] = &definition{decl: decl}
	}

	t := newTable()
	for _, id := range slices.Sorted(maps.Keys(l.mapping)) {
		prefix := l.mapping[id]
		tmpl := r.template(dir, id, prefix, l)
		if held, ok := t.insert(tmpl); !ok {
			err := &ConflictError{Version: v, Direction: dir, Prefix: prefix, Kept: held.ID(), Dropped: id}
			s.conflicts = append(s.conflicts, err)
			r.config.Logger.Warn("opcode prefix conflict",
				slog.String("version", v.String()),
				slog.String("direction", dir.String()),
				slog.String("kept", held.ID()),
				slog.String("dropped", id))
		}
	}
	return t
}

// template returns the template for id, reusing the one built for an earlier
// revision when neither the definition nor the prefix changed.
func (r *Registry) template(dir protocol.Direction, id string, prefix []byte, l *lineage) *structure.Template {
	def, ok := l.defs[id]
	if !ok {
		// Mapped but never defined: a named packet without structure.
		def = &definition{decl: PacketDecl{Name: id}}
		l.defs[id] = def
	}
	if def.tmpl != nil && bytes.Equal(def.tmpl.Prefix(), prefix) {
		return def.tmpl
	}
	def.tmpl = r.builder.Template(dir, id, def.decl.Name, prefix, def.decl.Structure)
	return def.tmpl
}

func sameDecl(a, b PacketDecl) bool {
	if a.Name != b.Name {
		return false
	}
	if a.Raw != nil || b.Raw != nil {
		return bytes.Equal(a.Raw, b.Raw)
	}
	return reflect.DeepEqual(a.Structure, b.Structure)
}

// ConflictError reports two packet ids mapped to one opcode prefix.
type ConflictError struct {
	Version   protocol.Version
	Direction protocol.Direction
	Prefix    []byte
	Kept      string
	Dropped   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s [% x]: %s shadows %s: %v", e.Version, e.Direction, e.Prefix, e.Kept, e.Dropped, perrors.ErrRegistryConflict)
}

func (e *ConflictError) Unwrap() error { return perrors.ErrRegistryConflict }
