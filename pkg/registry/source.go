// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"fmt"
	"slices"

	"github.com/absmach/gameproxy/pkg/protocol"
	"github.com/absmach/gameproxy/pkg/structure"
)

// Mapping is the opcode table change a revision applies to its predecessor.
type Mapping struct {
	// Add maps packet ids to opcode prefixes, replacing inherited entries.
	Add map[string][]byte

	// Remove lists packet ids no longer present in the revision.
	Remove []string
}

// PacketDecl is one packet definition as declared for a revision.
type PacketDecl struct {
	Name      string
	Structure []structure.Decl

	// Raw is the declaration as stored by the source. Two declarations with
	// equal non-nil Raw are the same definition.
	Raw []byte
}

// Revision holds everything a source declares for one protocol version.
// Packets only lists definitions that changed; everything else is inherited
// from the nearest earlier revision.
type Revision struct {
	Version protocol.Version
	Opcodes map[protocol.Direction]Mapping
	Packets map[protocol.Direction]map[string]PacketDecl
}

// Source supplies versioned packet declarations.
type Source interface {
	// Versions lists every revision the source knows about.
	Versions(ctx context.Context) ([]protocol.Version, error)

	// Load reads the declarations of one revision.
	Load(ctx context.Context, v protocol.Version) (*Revision, error)
}

// StaticSource serves revisions held in memory.
type StaticSource struct {
	Revisions []*Revision

	// Failures makes Load fail for the listed versions.
	Failures map[protocol.Key]error
}

var _ Source = (*StaticSource)(nil)

// Versions implements Source.
func (s *StaticSource) Versions(context.Context) ([]protocol.Version, error) {
	out := make([]protocol.Version, 0, len(s.Revisions))
	for _, r := range s.Revisions {
		out = append(out, r.Version)
	}
	return out, nil
}

// Load implements Source.
func (s *StaticSource) Load(ctx context.Context, v protocol.Version) (*Revision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err, ok := s.Failures[v.Key()]; ok {
		return nil, err
	}
	i := slices.IndexFunc(s.Revisions, func(r *Revision) bool { return r.Version.Key() == v.Key() })
	if i < 0 {
		return nil, fmt.Errorf("revision %s not found", v)
	}
	return s.Revisions[i], nil
}
