package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/openmined/watchback/internal/codec"
	"github.com/openmined/watchback/internal/ledger"
	"github.com/openmined/watchback/internal/objects"
	"github.com/openmined/watchback/internal/utils"
)

var ErrSnapshotNotFound = errors.New("snapshot not found")

const pointerExt = ".json"

// Pointer names a manifest at a point in time.
type Pointer struct {
	Time     time.Time    `json:"time"`
	Manifest objects.Hash `json:"manifest"`
	Files    int          `json:"files"`
	Bytes    int64        `json:"bytes"`
}

// HashLookup returns the known hash of a current/ file when its size and
// modification time still match what was recorded.
type HashLookup func(path string, size int64, mtime time.Time) (objects.Hash, bool)

type Manager struct {
	current string
	dir     string
	store   *objects.Store
	mu      sync.Mutex
}

func NewManager(current, dir string, store *objects.Store) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshots dir: %w", err)
	}
	return &Manager{current: current, dir: dir, store: store}, nil
}

// AttachManager reads the snapshots in dir without creating it.
func AttachManager(current, dir string, store *objects.Store) *Manager {
	return &Manager{current: current, dir: dir, store: store}
}

// Build walks current/ and returns its manifest. Files unknown to lookup are
// hashed and stored, so every manifest hash resolves in the store.
func (m *Manager) Build(ctx context.Context, lookup HashLookup) (*Manifest, error) {
	manifest := &Manifest{Entries: []ManifestEntry{}}

	err := filepath.WalkDir(m.current, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == m.current {
			return nil
		}
		rel, err := utils.RelPath(m.current, p)
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			manifest.Entries = append(manifest.Entries, ManifestEntry{
				Path: rel, Kind: KindDir, Mode: info.Mode().Perm(), ModTime: info.ModTime().UTC(),
			})
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		h, ok := objects.Hash(""), false
		if lookup != nil {
			h, ok = lookup(rel, info.Size(), info.ModTime())
		}
		if !ok || !m.store.Exists(h) {
			h, _, err = m.store.PutFile(ctx, p)
			if err != nil {
				return fmt.Errorf("store %s: %w", rel, err)
			}
		}
		manifest.Entries = append(manifest.Entries, ManifestEntry{
			Path:    rel,
			Kind:    KindFile,
			Hash:    h,
			Size:    info.Size(),
			Mode:    info.Mode().Perm(),
			ModTime: info.ModTime().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk current: %w", err)
	}
	manifest.sort()
	return manifest, nil
}

// MaybeSnapshot records a snapshot of current/ unless it is identical to the
// latest one. It returns the pointer and whether it was newly written.
func (m *Manager) MaybeSnapshot(ctx context.Context, lookup HashLookup, now time.Time) (*Pointer, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	manifest, err := m.Build(ctx, lookup)
	if err != nil {
		return nil, false, err
	}
	data, err := manifest.Encode()
	if err != nil {
		return nil, false, fmt.Errorf("encode manifest: %w", err)
	}

	latest, err := m.Latest()
	if err != nil && !errors.Is(err, ErrSnapshotNotFound) {
		return nil, false, err
	}
	if latest != nil && latest.Manifest == objects.HashBytes(data) {
		return latest, false, nil
	}

	h, err := m.store.PutBytes(ctx, data)
	if err != nil {
		return nil, false, fmt.Errorf("store manifest: %w", err)
	}

	now = now.UTC()
	if latest != nil && !now.After(latest.Time) {
		now = latest.Time.Add(time.Nanosecond)
	}
	files, bytes := manifest.Totals()
	ptr := &Pointer{Time: now, Manifest: h, Files: files, Bytes: bytes}

	raw, err := codec.MarshalIndent(ptr)
	if err != nil {
		return nil, false, err
	}
	if err := m.store.WriteAtomic(filepath.Join(m.dir, ledger.FormatTime(now)+pointerExt), raw); err != nil {
		return nil, false, fmt.Errorf("write snapshot pointer: %w", err)
	}
	slog.Info("snapshot created", "dir", m.dir, "manifest", h.Short(), "files", files, "bytes", bytes)
	return ptr, true, nil
}

// List yields snapshot pointers oldest first.
func (m *Manager) List() iter.Seq2[*Pointer, error] {
	return func(yield func(*Pointer, error) bool) {
		names, err := m.pointerNames()
		if err != nil {
			yield(nil, err)
			return
		}
		for _, name := range names {
			ptr, err := readPointer(filepath.Join(m.dir, name))
			if !yield(ptr, err) {
				return
			}
		}
	}
}

func (m *Manager) Latest() (*Pointer, error) {
	names, err := m.pointerNames()
	if err != nil {
		return nil, err
	}
	for i := len(names) - 1; i >= 0; i-- {
		ptr, err := readPointer(filepath.Join(m.dir, names[i]))
		if err != nil {
			slog.Warn("snapshot skipping corrupt pointer", "file", names[i], "error", err)
			continue
		}
		return ptr, nil
	}
	return nil, ErrSnapshotNotFound
}

// Read returns the snapshot taken exactly at, or else the latest one before it.
func (m *Manager) Read(at time.Time) (*Pointer, error) {
	var found *Pointer
	for ptr, err := range m.List() {
		if err != nil {
			if errors.Is(err, ErrSnapshotNotFound) {
				break
			}
			slog.Warn("snapshot skipping corrupt pointer", "error", err)
			continue
		}
		if ptr.Time.After(at) {
			break
		}
		found = ptr
	}
	if found == nil {
		return nil, fmt.Errorf("%w at %s", ErrSnapshotNotFound, at.UTC().Format(time.RFC3339))
	}
	return found, nil
}

func (m *Manager) ReadManifest(h objects.Hash) (*Manifest, error) {
	data, err := m.store.Get(h)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	manifest, err := DecodeManifest(data)
	if err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", h.Short(), err)
	}
	return manifest, nil
}

func (m *Manager) pointerNames() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), pointerExt) {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, ErrSnapshotNotFound
	}
	slices.Sort(names)
	return names, nil
}

func readPointer(file string) (*Pointer, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	var ptr Pointer
	if err := codec.Unmarshal(data, &ptr); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(file), err)
	}
	if !ptr.Manifest.Valid() {
		return nil, fmt.Errorf("%s: %w", filepath.Base(file), objects.ErrInvalidHash)
	}
	return &ptr, nil
}
