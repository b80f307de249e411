package mirror

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/openmined/watchback/internal/codec"
	"github.com/openmined/watchback/internal/ledger"
	"github.com/openmined/watchback/internal/objects"
	"github.com/openmined/watchback/internal/snapshot"
	"github.com/openmined/watchback/internal/utils"
)

const (
	MarkerFile   = "watchback.json"
	LockFile     = "watchback.lock"
	CurrentDir   = "current"
	VersionsDir  = "versions"
	SnapshotsDir = "snapshots"
	ObjectsDir   = "objects"

	markerFormat = 1
)

var (
	ErrMirrorUnavailable = errors.New("mirror unavailable")
	ErrMirrorLocked      = errors.New("mirror locked by another process")
	ErrNotAMirror        = errors.New("not a watchback mirror")
)

// Marker identifies a directory as a mirror. Its absence on a mirror that
// was seen before means the volume is not mounted.
type Marker struct {
	Format  int       `json:"format"`
	ID      string    `json:"id"`
	Created time.Time `json:"created"`
}

type OpenOptions struct {
	// Known is set when the journal has seen this mirror before. A known
	// mirror without a marker is reported unavailable instead of initialized.
	Known bool
	// Lock takes the exclusive mirror lock. Readers leave it unset.
	Lock bool
}

type Mirror struct {
	Root      string
	ID        string
	Store     *objects.Store
	Ledger    *ledger.Ledger
	Snapshots *snapshot.Manager

	flock *flock.Flock
}

// Open prepares a mirror for syncing. root must already exist; its layout is
// created on first use.
func Open(root string, opts OpenOptions) (*Mirror, error) {
	if !utils.DirExists(root) {
		return nil, fmt.Errorf("%w: %s does not exist", ErrMirrorUnavailable, root)
	}

	markerPath := filepath.Join(root, MarkerFile)
	marker, err := readMarker(markerPath)
	switch {
	case errors.Is(err, fs.ErrNotExist) && opts.Known:
		return nil, fmt.Errorf("%w: %s has no marker, volume not mounted?", ErrMirrorUnavailable, root)
	case errors.Is(err, fs.ErrNotExist):
		marker = &Marker{Format: markerFormat, ID: uuid.NewString(), Created: time.Now().UTC()}
		if err := writeMarker(markerPath, marker); err != nil {
			return nil, fmt.Errorf("%w: write marker: %v", ErrMirrorUnavailable, err)
		}
		slog.Info("mirror initialized", "root", root, "id", marker.ID)
	case err != nil:
		return nil, fmt.Errorf("read mirror marker: %w", err)
	}

	m := &Mirror{Root: root, ID: marker.ID}
	if opts.Lock {
		m.flock = flock.New(filepath.Join(root, LockFile))
		locked, err := m.flock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("%w: lock: %v", ErrMirrorUnavailable, err)
		}
		if !locked {
			return nil, fmt.Errorf("%w: %s", ErrMirrorLocked, root)
		}
	}

	if err := m.setup(); err != nil {
		m.Close()
		return nil, fmt.Errorf("%w: %v", ErrMirrorUnavailable, err)
	}
	return m, nil
}

func (m *Mirror) setup() error {
	if err := utils.EnsureDir(m.CurrentDir()); err != nil {
		return err
	}
	store, err := objects.Open(filepath.Join(m.Root, ObjectsDir))
	if err != nil {
		return err
	}
	l, err := ledger.Open(filepath.Join(m.Root, VersionsDir), store)
	if err != nil {
		return err
	}
	snaps, err := snapshot.NewManager(m.CurrentDir(), filepath.Join(m.Root, SnapshotsDir), store)
	if err != nil {
		return err
	}
	m.Store, m.Ledger, m.Snapshots = store, l, snaps
	return nil
}

// Attach opens an existing mirror read-only, without locking it. Nothing
// inside the mirror is created or modified.
func Attach(root string) (*Mirror, error) {
	marker, err := readMarker(filepath.Join(root, MarkerFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotAMirror, root)
	}
	if err != nil {
		return nil, err
	}

	store, err := objects.Attach(filepath.Join(root, ObjectsDir))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAMirror, err)
	}
	m := &Mirror{Root: root, ID: marker.ID, Store: store}
	m.Ledger = ledger.Attach(filepath.Join(root, VersionsDir), store)
	m.Snapshots = snapshot.AttachManager(m.CurrentDir(), filepath.Join(root, SnapshotsDir), store)
	return m, nil
}

func (m *Mirror) CurrentDir() string {
	return filepath.Join(m.Root, CurrentDir)
}

// CurrentPath maps a relative path into current/.
func (m *Mirror) CurrentPath(rel string) string {
	return utils.JoinRel(m.CurrentDir(), rel)
}

// Available checks that the mirror is still mounted.
func (m *Mirror) Available() bool {
	marker, err := readMarker(filepath.Join(m.Root, MarkerFile))
	return err == nil && marker.ID == m.ID
}

func (m *Mirror) Close() error {
	if m.flock == nil || !m.flock.Locked() {
		return nil
	}
	if err := m.flock.Unlock(); err != nil {
		return fmt.Errorf("unlock mirror: %w", err)
	}
	return nil
}

func readMarker(p string) (*Marker, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	var marker Marker
	if err := codec.Unmarshal(data, &marker); err != nil {
		return nil, fmt.Errorf("decode marker: %w", err)
	}
	if marker.ID == "" {
		return nil, fmt.Errorf("marker %s has no id", p)
	}
	return &marker, nil
}

func writeMarker(p string, marker *Marker) error {
	data, err := codec.MarshalIndent(marker)
	if err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}
