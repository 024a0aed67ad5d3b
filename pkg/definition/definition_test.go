// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package definition

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/absmach/gameproxy/pkg/decoder"
	"github.com/absmach/gameproxy/pkg/protocol"
	"github.com/absmach/gameproxy/pkg/registry"
	"github.com/google/go-cmp/cmp"
)

func write(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("MkdirAll() error = %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
	}
}

func TestParseOpcode(t *testing.T) {
	tests := []struct {
		in      any
		want    []byte
		wantErr bool
	}{
		{"0x05", []byte{0x05}, false},
		{"fe 10 00", []byte{0xFE, 0x10, 0x00}, false},
		{"0xD0 0x1A", []byte{0xD0, 0x1A}, false},
		{"5", []byte{0x05}, false},
		{"0x1 0x2", []byte{0x01, 0x02}, false},
		{"fe 1", []byte{0xFE, 0x01}, false},
		{"0xd0:5", []byte{0xD0, 0x05}, false},
		{"fe_01_0", []byte{0xFE, 0x01, 0x00}, false},
		{"fe10", []byte{0xFE, 0x10}, false},
		{"  ", nil, true},
		{"0x", nil, true},
		{int64(0x49), []byte{0x49}, false},
		{int64(300), nil, true},
		{"", nil, true},
		{"zz", nil, true},
		{1.5, nil, true},
	}

	for _, tt := range tests {
		got, err := ParseOpcode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseOpcode(%v) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !bytes.Equal(got, tt.want) {
			t.Errorf("ParseOpcode(%v) = % x, want % x", tt.in, got, tt.want)
		}
	}
}

func TestDirSourceLoad(t *testing.T) {
	root := t.TempDir()
	write(t, root, map[string]string{
		"game/87/version.toml": "alias = \"Prelude\"\n",
		"game/87/opcodes.toml": "[client.add]\nMove = \"0x01\"\n[server.add]\nSay = 0x4a\n",
		"game/87/client/Move.toml": `name = "Move"
[[fields]]
alias = "count"
kind = "uint8"
[[fields]]
type = "loop"
  [[fields.fields]]
  alias = "x"
  kind = "uint16"
`,
		"game/87/server/Say.toml": "[[fields]]\nalias = \"text\"\nkind = \"utf16z\"\n",
		"game/87/server/notes.txt": "ignored",
		"game/100/opcodes.toml":    "[client]\nremove = [\"Move\"]\n",
		"game/drafts/opcodes.toml": "",
		"chat/1/opcodes.toml":      "",
	})
	src := NewDirSource(root)

	versions, err := src.Versions(context.Background())
	if err != nil {
		t.Fatalf("Versions() error = %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("Expected 2 versions, got %d: %v", len(versions), versions)
	}

	v87 := protocol.Version{Service: protocol.Game, Revision: 87, Alias: "Prelude"}
	rev, err := src.Load(context.Background(), v87)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if rev.Version.Alias != "Prelude" {
		t.Errorf("Expected alias Prelude, got %q", rev.Version.Alias)
	}
	if diff := cmp.Diff([]byte{0x01}, rev.Opcodes[protocol.Client].Add["Move"]); diff != "" {
		t.Errorf("Client mapping mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]byte{0x4A}, rev.Opcodes[protocol.Server].Add["Say"]); diff != "" {
		t.Errorf("Server mapping mismatch (-want +got):\n%s", diff)
	}
	move := rev.Packets[protocol.Client]["Move"]
	if move.Name != "Move" || len(move.Structure) != 2 || len(move.Structure[1].Fields) != 1 {
		t.Errorf("Unexpected Move declaration: %+v", move)
	}
	if len(rev.Packets[protocol.Server]) != 1 || len(move.Raw) == 0 {
		t.Errorf("Expected raw declarations, got %d server packets", len(rev.Packets[protocol.Server]))
	}

	rev100, err := src.Load(context.Background(), protocol.Version{Service: protocol.Game, Revision: 100})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if diff := cmp.Diff([]string{"Move"}, rev100.Opcodes[protocol.Client].Remove); diff != "" {
		t.Errorf("Remove mismatch (-want +got):\n%s", diff)
	}
}

func TestDirSourceMalformedRevision(t *testing.T) {
	root := t.TempDir()
	write(t, root, map[string]string{
		"game/1/opcodes.toml":    "[server.add]\nSay = \"0x4a\"\n",
		"game/1/server/Say.toml": "[[fields]]\nalias = \"text\"\nkind = \"utf16z\"\n",
		"game/2/opcodes.toml":    "[server.add\nbroken",
		"game/3/server/Say.toml": "[[fields]]\nalias = \"text\"\nkind = \"utf16z\"\n",
	})

	r := registry.New(registry.Config{
		Source: NewDirSource(root),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err := r.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	snap := r.Snapshot()
	if _, ok := snap.Version(protocol.Game, 2); ok {
		t.Error("Expected malformed revision to be dropped")
	}

	v1, _ := snap.Version(protocol.Game, 1)
	v3, _ := snap.Version(protocol.Game, 3)
	s1, _ := snap.Lookup(v1, protocol.Server, "Say")
	s3, _ := snap.Lookup(v3, protocol.Server, "Say")
	if s1 == nil || s1 != s3 {
		t.Error("Expected byte-identical redefinition to reuse the template")
	}
}

func TestShippedDefinitions(t *testing.T) {
	r := registry.New(registry.Config{
		Source: NewDirSource(filepath.Join("..", "..", "definitions")),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err := r.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	snap := r.Snapshot()
	if len(snap.Failed()) != 0 || len(snap.Conflicts()) != 0 {
		t.Fatalf("Expected clean load, got failed=%v conflicts=%v", snap.Failed(), snap.Conflicts())
	}

	v660, ok := snap.Version(protocol.Game, 660)
	if !ok || v660.Alias != "Interlude" {
		t.Fatalf("Expected Interlude revision, got %v", v660)
	}
	if _, ok := snap.Lookup(v660, protocol.Server, "NpcHtmlMessage"); ok {
		t.Error("Expected NpcHtmlMessage to be removed in revision 660")
	}
	v152, _ := snap.Version(protocol.Game, 152)
	say152, _ := snap.Lookup(v152, protocol.Client, "Say2")
	say660, _ := snap.Lookup(v660, protocol.Client, "Say2")
	if say152 == nil || say152 != say660 {
		t.Error("Expected Say2 to be inherited unchanged")
	}

	body := []byte{0x1B, 0x01, 0x00, 0x01, 0x00,
		0x04, 0x00, 0x10, 0x00, 0x00, 0x00, 0x39, 0x00, 0x00, 0x00, 0x05, 0x00, 0x00, 0x00,
		0x03, 0x00}
	p := decoder.New(r, nil, nil).Enumerate(v660, protocol.Server, body)
	if p.Template.ID() != "ItemList" || p.Outcome != decoder.Complete {
		t.Fatalf("Expected complete ItemList, got %s (%s)", p.Template.ID(), p.Outcome)
	}
	if enchant, ok := p.Get("enchant"); !ok || enchant.Decoded != int64(3) {
		t.Errorf("Expected enchant 3, got %+v", enchant)
	}
	if p = decoder.New(r, nil, nil).Enumerate(v152, protocol.Server, body); p.Outcome != decoder.Trailing {
		t.Errorf("Expected revision 152 layout to leave trailing bytes, got %s", p.Outcome)
	}
}
