package engine

import (
	"context"
	"time"

	"github.com/openmined/watchback/internal/config"
	"github.com/openmined/watchback/internal/events"
	"github.com/openmined/watchback/internal/mirror"
	"github.com/openmined/watchback/internal/snapshot"
)

type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateDegraded State = "degraded"
	StateStopping State = "stopping"
)

type MirrorState string

const (
	MirrorSyncing     MirrorState = "syncing"
	MirrorSynced      MirrorState = "synced"
	MirrorError       MirrorState = "error"
	MirrorUnavailable MirrorState = "unavailable"
	MirrorStopped     MirrorState = "stopped"
)

// RetentionHook is called after every new snapshot of a mirror. It may prune
// history; the engine itself never deletes versions or objects.
type RetentionHook interface {
	AfterSnapshot(ctx context.Context, m *mirror.Mirror, ptr *snapshot.Pointer) error
}

// RetentionFunc adapts a function to RetentionHook.
type RetentionFunc func(ctx context.Context, m *mirror.Mirror, ptr *snapshot.Pointer) error

func (f RetentionFunc) AfterSnapshot(ctx context.Context, m *mirror.Mirror, ptr *snapshot.Pointer) error {
	return f(ctx, m, ptr)
}

type Options struct {
	config.EngineConfig

	// JournalPath is the sqlite file with the known-hash tables.
	JournalPath string
	Bus         *events.Bus
	Retention   RetentionHook
	// DisableWatcher runs on reconciliation only.
	DisableWatcher bool
}

func (o Options) withDefaults() Options {
	def := config.DefaultEngineConfig()
	if o.Debounce <= 0 {
		o.Debounce = def.Debounce
	}
	if o.ReconcileInterval <= 0 {
		o.ReconcileInterval = def.ReconcileInterval
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = def.DrainTimeout
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = def.RetryInterval
	}
	if o.BatchSize <= 0 {
		o.BatchSize = def.BatchSize
	}
	return o
}

type Status struct {
	Profile      string          `json:"profile"`
	State        State           `json:"state"`
	LastSyncTime time.Time       `json:"last_sync_time"`
	Mirrors      []*MirrorStatus `json:"mirrors"`
}

type MirrorStatus struct {
	Path         string            `json:"path"`
	ID           string            `json:"id,omitempty"`
	State        MirrorState       `json:"state"`
	LastError    string            `json:"last_error,omitempty"`
	LastSyncTime time.Time         `json:"last_sync_time"`
	Pending      int               `json:"pending"`
	Applied      int               `json:"applied"`
	Files        int               `json:"files"`
	FailedPaths  []string          `json:"failed_paths,omitempty"`
	LastSnapshot *snapshot.Pointer `json:"last_snapshot,omitempty"`
	DiskFree     uint64            `json:"disk_free"`
}

// MirrorSnapshot is the outcome of SnapshotNow for one mirror.
type MirrorSnapshot struct {
	Mirror  string            `json:"mirror"`
	Pointer *snapshot.Pointer `json:"pointer,omitempty"`
	Created bool              `json:"created"`
	Error   string            `json:"error,omitempty"`
}
