package snapshot

import (
	"io/fs"
	"slices"
	"strings"
	"time"

	"github.com/openmined/watchback/internal/codec"
	"github.com/openmined/watchback/internal/objects"
)

type EntryKind string

const (
	KindFile EntryKind = "file"
	KindDir  EntryKind = "dir"
)

type ManifestEntry struct {
	Path    string       `json:"path"`
	Kind    EntryKind    `json:"kind"`
	Hash    objects.Hash `json:"hash,omitempty"`
	Size    int64        `json:"size"`
	Mode    fs.FileMode  `json:"mode,omitempty"`
	ModTime time.Time    `json:"mtime"`
}

// Manifest is the tree of current/ at one instant. It carries no timestamp of
// its own so identical trees encode to identical bytes.
type Manifest struct {
	Entries []ManifestEntry `json:"entries"`
}

func (m *Manifest) sort() {
	slices.SortFunc(m.Entries, func(a, b ManifestEntry) int {
		return strings.Compare(a.Path, b.Path)
	})
}

// Encode returns the canonical form that is stored and hashed.
func (m *Manifest) Encode() ([]byte, error) {
	m.sort()
	if m.Entries == nil {
		m.Entries = []ManifestEntry{}
	}
	return codec.Marshal(m)
}

func DecodeManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := codec.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	m.sort()
	return &m, nil
}

// Find looks up an exact path.
func (m *Manifest) Find(path string) (ManifestEntry, bool) {
	i, ok := slices.BinarySearchFunc(m.Entries, path, func(e ManifestEntry, p string) int {
		return strings.Compare(e.Path, p)
	})
	if !ok {
		return ManifestEntry{}, false
	}
	return m.Entries[i], true
}

// Under returns the entries equal to prefix or below it. An empty prefix returns everything.
func (m *Manifest) Under(prefix string) []ManifestEntry {
	if prefix == "" {
		return slices.Clone(m.Entries)
	}
	var out []ManifestEntry
	for _, e := range m.Entries {
		if e.Path == prefix || strings.HasPrefix(e.Path, prefix+"/") {
			out = append(out, e)
		}
	}
	return out
}

// Totals counts files and their bytes.
func (m *Manifest) Totals() (files int, bytes int64) {
	for _, e := range m.Entries {
		if e.Kind == KindFile {
			files++
			bytes += e.Size
		}
	}
	return files, bytes
}
