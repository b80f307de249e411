package mirror

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/openmined/watchback/internal/ledger"
	"github.com/openmined/watchback/internal/objects"
	"github.com/openmined/watchback/internal/snapshot"
	"github.com/openmined/watchback/internal/utils"
)

var (
	ErrPathNotFound = errors.New("path not found")
	ErrDestExists   = errors.New("destination already exists")
)

const defaultCacheSize = 32

// Reader answers history questions against mirror directories alone. It
// needs no profile, no journal and no running engine.
type Reader struct {
	manifests *lru.Cache[objects.Hash, *snapshot.Manifest]
}

func NewReader(cacheSize int) *Reader {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New[objects.Hash, *snapshot.Manifest](cacheSize)
	if err != nil {
		// only returned for a non-positive size
		panic(err)
	}
	return &Reader{manifests: cache}
}

// ListVersions returns the history of path in time order. Corrupt records are skipped.
func (r *Reader) ListVersions(root, path string) ([]*ledger.VersionRecord, error) {
	m, err := Attach(root)
	if err != nil {
		return nil, err
	}
	path = utils.NormPath(path)

	var out []*ledger.VersionRecord
	for rec, err := range m.Ledger.Versions(path) {
		if errors.Is(err, ledger.ErrNoHistory) {
			return []*ledger.VersionRecord{}, nil
		}
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// RestoreResult describes files written by a restore.
type RestoreResult struct {
	Files   []string `json:"files"`
	Skipped []string `json:"skipped,omitempty"`
	Bytes   int64    `json:"bytes"`
}

type RestoreOptions struct {
	Overwrite bool
}

// RestoreVersion writes the content path had at time at into dest.
func (r *Reader) RestoreVersion(ctx context.Context, root, path string, at time.Time, dest string, opts RestoreOptions) (*RestoreResult, error) {
	m, err := Attach(root)
	if err != nil {
		return nil, err
	}
	path = utils.NormPath(path)
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrPathNotFound)
	}

	h, exists, err := m.Ledger.StateAt(path, at)
	if errors.Is(err, ledger.ErrNoHistory) {
		h, exists, err = currentState(m, path)
	}
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s did not exist at %s", ErrPathNotFound, path, at.UTC().Format(time.RFC3339))
	}

	if !opts.Overwrite && utils.FileExists(dest) {
		return nil, fmt.Errorf("%w: %s", ErrDestExists, dest)
	}
	if err := m.Store.Export(ctx, h, dest, 0o644, time.Time{}); err != nil {
		return nil, fmt.Errorf("restore %s: %w", path, err)
	}
	info, err := os.Stat(dest)
	if err != nil {
		return nil, err
	}
	return &RestoreResult{Files: []string{dest}, Bytes: info.Size()}, nil
}

func currentState(m *Mirror, path string) (objects.Hash, bool, error) {
	h, _, err := objects.HashFile(m.CurrentPath(path))
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if !m.Store.Exists(h) {
		return "", false, fmt.Errorf("%w: current copy of %s is not in the store", objects.ErrObjectNotFound, path)
	}
	return h, true, nil
}

// ListSnapshots returns snapshot pointers oldest first.
func (r *Reader) ListSnapshots(root string) ([]*snapshot.Pointer, error) {
	m, err := Attach(root)
	if err != nil {
		return nil, err
	}
	out := []*snapshot.Pointer{}
	for ptr, err := range m.Snapshots.List() {
		if errors.Is(err, snapshot.ErrSnapshotNotFound) {
			break
		}
		if err != nil {
			continue
		}
		out = append(out, ptr)
	}
	return out, nil
}

// SnapshotView is a pointer with its manifest loaded.
type SnapshotView struct {
	*snapshot.Pointer
	Tree *snapshot.Manifest `json:"tree"`
}

// ReadSnapshot loads the snapshot taken at at, or the latest one before it.
func (r *Reader) ReadSnapshot(root string, at time.Time) (*SnapshotView, error) {
	m, err := Attach(root)
	if err != nil {
		return nil, err
	}
	return r.readSnapshot(m, at)
}

func (r *Reader) readSnapshot(m *Mirror, at time.Time) (*SnapshotView, error) {
	ptr, err := m.Snapshots.Read(at)
	if err != nil {
		return nil, err
	}
	if manifest, ok := r.manifests.Get(ptr.Manifest); ok {
		return &SnapshotView{Pointer: ptr, Tree: manifest}, nil
	}
	manifest, err := m.Snapshots.ReadManifest(ptr.Manifest)
	if err != nil {
		return nil, err
	}
	r.manifests.Add(ptr.Manifest, manifest)
	return &SnapshotView{Pointer: ptr, Tree: manifest}, nil
}

// RestoreSnapshot recreates prefix (a file, a folder or everything when empty)
// from a snapshot under destRoot, keeping relative paths.
func (r *Reader) RestoreSnapshot(ctx context.Context, root string, at time.Time, prefix, destRoot string, opts RestoreOptions) (*RestoreResult, error) {
	m, err := Attach(root)
	if err != nil {
		return nil, err
	}
	view, err := r.readSnapshot(m, at)
	if err != nil {
		return nil, err
	}

	prefix = utils.NormPath(prefix)
	entries := view.Tree.Under(prefix)
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %q in snapshot %s", ErrPathNotFound, prefix, ledger.FormatTime(view.Time))
	}

	res := &RestoreResult{Files: []string{}}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		dst := utils.JoinRel(destRoot, e.Path)
		if e.Kind == snapshot.KindDir {
			if err := os.MkdirAll(dst, 0o755); err != nil {
				return res, err
			}
			continue
		}
		if !opts.Overwrite && utils.FileExists(dst) {
			res.Skipped = append(res.Skipped, dst)
			continue
		}
		if err := m.Store.Export(ctx, e.Hash, dst, e.Mode, e.ModTime); err != nil {
			return res, fmt.Errorf("restore %s: %w", e.Path, err)
		}
		res.Files = append(res.Files, dst)
		res.Bytes += e.Size
	}
	return res, nil
}

// ResolveMirrorRoot cleans a user supplied mirror path.
func ResolveMirrorRoot(root string) (string, error) {
	resolved, err := utils.ResolvePath(root)
	if err != nil {
		return "", err
	}
	return filepath.Clean(resolved), nil
}
