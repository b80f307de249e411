package detector

import (
	"io/fs"
	"time"

	"github.com/openmined/watchback/internal/objects"
)

type EntryKind string

const (
	EntryFile    EntryKind = "file"
	EntryDir     EntryKind = "dir"
	EntryDeleted EntryKind = "deleted"
)

// GroundEntry is the observed state of one ground path.
type GroundEntry struct {
	Path    string
	Kind    EntryKind
	Hash    objects.Hash
	Size    int64
	Mode    fs.FileMode
	ModTime time.Time
	// Unreadable entries exist but could not be hashed. They are neither
	// copied nor treated as deleted.
	Unreadable bool
}

// GroundState maps relative paths to what a scan saw there.
type GroundState map[string]*GroundEntry

type EventKind string

const (
	Created  EventKind = "created"
	Modified EventKind = "modified"
	Deleted  EventKind = "deleted"
	Renamed  EventKind = "renamed"
)

// ChangeEvent names a path whose state may differ between ground and a mirror.
// Consumers read the ground again when applying, so Kind is advisory.
type ChangeEvent struct {
	Path string
	Kind EventKind
}

// KnownState is what a mirror's current/ holds, as far as its engine knows.
type KnownState struct {
	Files map[string]objects.Hash
	Dirs  map[string]struct{}
}
