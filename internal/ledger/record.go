package ledger

import (
	"fmt"
	"time"

	"github.com/openmined/watchback/internal/objects"
)

// TimeLayout names record and snapshot files. It sorts lexically in time order.
const TimeLayout = "20060102T150405.000000000Z"

type Kind string

const (
	// KindOverwrite: Hash was replaced in place by ReplacedBy
	KindOverwrite Kind = "overwrite"
	// KindDelete: Hash was removed
	KindDelete Kind = "delete"
	// KindCreate: the path reappeared with ReplacedBy after an earlier delete
	KindCreate Kind = "create"
)

func (k Kind) valid() bool {
	switch k {
	case KindOverwrite, KindDelete, KindCreate:
		return true
	}
	return false
}

// VersionRecord describes one supersession of a path's content. Time is the
// last instant Hash was the current content.
type VersionRecord struct {
	Path       string       `json:"path"`
	Time       time.Time    `json:"time"`
	Kind       Kind         `json:"kind"`
	Hash       objects.Hash `json:"hash,omitempty"`
	Size       int64        `json:"size"`
	ReplacedBy objects.Hash `json:"replaced_by,omitempty"`
}

func (r *VersionRecord) validate() error {
	if r.Path == "" {
		return fmt.Errorf("version record: empty path")
	}
	if !r.Kind.valid() {
		return fmt.Errorf("version record %s: unknown kind %q", r.Path, r.Kind)
	}
	if r.Kind != KindCreate && !r.Hash.Valid() {
		return fmt.Errorf("version record %s: %w", r.Path, objects.ErrInvalidHash)
	}
	return nil
}

// Before is the content current up to Time. Empty means the path did not exist.
func (r *VersionRecord) Before() objects.Hash {
	return r.Hash
}

// After is the content current right after Time. Empty means the path did not exist.
func (r *VersionRecord) After() objects.Hash {
	if r.Kind == KindDelete {
		return ""
	}
	return r.ReplacedBy
}

func (r *VersionRecord) sameTransition(o *VersionRecord) bool {
	return r.Kind == o.Kind && r.Hash == o.Hash && r.ReplacedBy == o.ReplacedBy
}

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}
