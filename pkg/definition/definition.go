// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package definition reads versioned packet declarations from a directory tree
// of TOML files:
//
//	<root>/<service>/<revision>/version.toml
//	<root>/<service>/<revision>/opcodes.toml
//	<root>/<service>/<revision>/client/<PacketId>.toml
//	<root>/<service>/<revision>/server/<PacketId>.toml
//
// A revision only has to contain what changed since the previous one.
package definition

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/absmach/gameproxy/pkg/protocol"
	"github.com/absmach/gameproxy/pkg/registry"
	"github.com/absmach/gameproxy/pkg/structure"
)

const (
	versionFile = "version.toml"
	opcodesFile = "opcodes.toml"
	fileExt     = ".toml"
)

var _ registry.Source = (*DirSource)(nil)

// DirSource is a registry.Source backed by a directory tree.
type DirSource struct {
	// Root is the directory holding one subdirectory per service.
	Root string
}

// NewDirSource returns a source reading from root.
func NewDirSource(root string) *DirSource {
	return &DirSource{Root: root}
}

type versionConfig struct {
	Alias     string    `toml:"alias"`
	CreatedAt time.Time `toml:"created_at"`
}

type mappingConfig struct {
	Add    map[string]any `toml:"add"`
	Remove []string       `toml:"remove"`
}

type opcodesConfig struct {
	Client mappingConfig `toml:"client"`
	Server mappingConfig `toml:"server"`
}

type packetConfig struct {
	Name   string           `toml:"name"`
	Fields []structure.Decl `toml:"fields"`
}

// Versions implements registry.Source. Directories whose names are not a
// service or a revision number are ignored.
func (d *DirSource) Versions(ctx context.Context) ([]protocol.Version, error) {
	services, err := os.ReadDir(d.Root)
	if err != nil {
		return nil, fmt.Errorf("read definitions root %s: %w", d.Root, err)
	}

	var versions []protocol.Version
	for _, se := range services {
		if !se.IsDir() {
			continue
		}
		service, err := protocol.ParseService(se.Name())
		if err != nil {
			continue
		}
		revisions, err := os.ReadDir(filepath.Join(d.Root, se.Name()))
		if err != nil {
			return nil, fmt.Errorf("read service %s: %w", se.Name(), err)
		}
		for _, re := range revisions {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			rev, err := strconv.Atoi(re.Name())
			if !re.IsDir() || err != nil {
				continue
			}
			v := protocol.Version{Service: service, Revision: rev}
			// A malformed version file surfaces again from Load, which drops the revision.
			_ = d.describe(&v)
			versions = append(versions, v)
		}
	}
	return versions, nil
}

// Load implements registry.Source.
func (d *DirSource) Load(ctx context.Context, v protocol.Version) (*registry.Revision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := d.dir(v)
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("revision %s: %w", v, err)
	}
	if err := d.describe(&v); err != nil {
		return nil, err
	}

	rev := &registry.Revision{
		Version: v,
		Opcodes: make(map[protocol.Direction]registry.Mapping),
		Packets: make(map[protocol.Direction]map[string]registry.PacketDecl),
	}

	var opcodes opcodesConfig
	found, _, err := loadToml(filepath.Join(dir, opcodesFile), &opcodes)
	if err != nil {
		return nil, err
	}
	if found {
		for pd, m := range map[protocol.Direction]mappingConfig{protocol.Client: opcodes.Client, protocol.Server: opcodes.Server} {
			mapping, err := parseMapping(m)
			if err != nil {
				return nil, fmt.Errorf("%s %s: %w", filepath.Join(dir, opcodesFile), pd, err)
			}
			rev.Opcodes[pd] = mapping
		}
	}

	for _, pd := range protocol.Directions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		packets, err := loadPackets(filepath.Join(dir, pd.String()))
		if err != nil {
			return nil, err
		}
		rev.Packets[pd] = packets
	}
	return rev, nil
}

func (d *DirSource) dir(v protocol.Version) string {
	return filepath.Join(d.Root, v.Service.String(), strconv.Itoa(v.Revision))
}

// describe fills the descriptive fields of v from its version file, if any.
func (d *DirSource) describe(v *protocol.Version) error {
	var cfg versionConfig
	found, meta, err := loadToml(filepath.Join(d.dir(*v), versionFile), &cfg)
	if err != nil || !found {
		return err
	}
	if meta.IsDefined("alias") {
		v.Alias = strings.TrimSpace(cfg.Alias)
	}
	if meta.IsDefined("created_at") {
		v.CreatedAt = cfg.CreatedAt
	}
	return nil
}

func loadPackets(dir string) (map[string]registry.PacketDecl, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read packets %s: %w", dir, err)
	}

	packets := make(map[string]registry.PacketDecl, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != fileExt {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("definition load failed (%s): %w", path, err)
		}
		var cfg packetConfig
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("definition parse failed (%s): %w", path, err)
		}
		id := strings.TrimSuffix(e.Name(), fileExt)
		packets[id] = registry.PacketDecl{
			Name:      strings.TrimSpace(cfg.Name),
			Structure: cfg.Fields,
			Raw:       data,
		}
	}
	return packets, nil
}

func loadToml(path string, out any) (bool, toml.MetaData, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, toml.MetaData{}, nil
	}
	if err != nil {
		return false, toml.MetaData{}, fmt.Errorf("definition load failed (%s): %w", path, err)
	}
	meta, err := toml.Decode(string(data), out)
	if err != nil {
		return false, meta, fmt.Errorf("definition parse failed (%s): %w", path, err)
	}
	return true, meta, nil
}

func parseMapping(m mappingConfig) (registry.Mapping, error) {
	mapping := registry.Mapping{
		Add:    make(map[string][]byte, len(m.Add)),
		Remove: m.Remove,
	}
	for id, raw := range m.Add {
		prefix, err := ParseOpcode(raw)
		if err != nil {
			return registry.Mapping{}, fmt.Errorf("packet %s: %w", id, err)
		}
		mapping.Add[id] = prefix
	}
	return mapping, nil
}

// ParseOpcode converts an opcode declaration into prefix bytes. Strings are
// hex tokens separated by spaces, colons or underscores, each optionally
// 0x-prefixed ("0x05", "fe 10 00", "0x1:0x2"). An odd-length token is padded
// on the left. Integers denote a single byte.
func ParseOpcode(v any) ([]byte, error) {
	switch o := v.(type) {
	case int64:
		if o < 0 || o > 0xFF {
			return nil, fmt.Errorf("opcode %d out of byte range", o)
		}
		return []byte{byte(o)}, nil
	case string:
		tokens := strings.FieldsFunc(strings.ToLower(o), func(r rune) bool {
			return r == ' ' || r == ':' || r == '_'
		})
		if len(tokens) == 0 {
			return nil, errors.New("empty opcode")
		}
		var b []byte
		for _, tok := range tokens {
			tok = strings.TrimPrefix(tok, "0x")
			if tok == "" {
				return nil, fmt.Errorf("invalid opcode %q: empty byte", o)
			}
			if len(tok)%2 == 1 {
				tok = "0" + tok
			}
			part, err := hex.DecodeString(tok)
			if err != nil {
				return nil, fmt.Errorf("invalid opcode %q: %w", o, err)
			}
			b = append(b, part...)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported opcode type %T", v)
	}
}
