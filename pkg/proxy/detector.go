// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"bytes"

	"github.com/absmach/gameproxy/pkg/cursor"
	"github.com/absmach/gameproxy/pkg/protocol"
)

// VersionDetector recognizes the protocol version of a connection from its
// traffic.
type VersionDetector interface {
	Detect(dir protocol.Direction, body []byte) (protocol.Version, bool)
}

// StaticVersion reports one fixed version for every connection.
type StaticVersion protocol.Version

// Detect implements VersionDetector.
func (s StaticVersion) Detect(protocol.Direction, []byte) (protocol.Version, bool) {
	return protocol.Version(s), true
}

// VersionLookup finds a loaded protocol version by revision.
type VersionLookup func(service protocol.Service, revision int) (protocol.Version, bool)

// RevisionDetector reads the revision a client announces in its first
// packet: a little-endian int32 at Offset bytes after Opcode.
type RevisionDetector struct {
	Service protocol.Service
	Opcode  []byte
	Offset  int

	// Lookup resolves the announced revision to a loaded version; unknown
	// revisions are reported without alias.
	Lookup VersionLookup
}

// Detect implements VersionDetector.
func (d RevisionDetector) Detect(dir protocol.Direction, body []byte) (protocol.Version, bool) {
	if dir != protocol.Client || !bytes.HasPrefix(body, d.Opcode) {
		return protocol.Version{}, false
	}
	r := cursor.NewReader(body[len(d.Opcode):])
	if err := r.Skip(d.Offset); err != nil {
		return protocol.Version{}, false
	}
	rev, err := r.ReadInt32()
	if err != nil || rev < 0 {
		return protocol.Version{}, false
	}
	if d.Lookup != nil {
		if v, ok := d.Lookup(d.Service, int(rev)); ok {
			return v, true
		}
	}
	return protocol.Version{Revision: int(rev), Service: d.Service}, true
}
