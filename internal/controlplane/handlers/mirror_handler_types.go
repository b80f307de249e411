package handlers

import (
	"time"

	"github.com/openmined/watchback/internal/ledger"
	"github.com/openmined/watchback/internal/snapshot"
)

type VersionsRequest struct {
	Mirror string `form:"mirror" binding:"required"`
	Path   string `form:"path" binding:"required"`
}

type VersionsResponse struct {
	Mirror   string                  `json:"mirror"`
	Path     string                  `json:"path"`
	Versions []*ledger.VersionRecord `json:"versions"`
}

type RestoreRequest struct {
	Mirror    string `json:"mirror" binding:"required"`
	Path      string `json:"path" binding:"required"`
	At        string `json:"at"`
	Dest      string `json:"dest" binding:"required"`
	Overwrite bool   `json:"overwrite"`
}

type SnapshotsRequest struct {
	Mirror string `form:"mirror" binding:"required"`
}

type SnapshotsResponse struct {
	Mirror    string              `json:"mirror"`
	Snapshots []*snapshot.Pointer `json:"snapshots"`
}

type SnapshotRequest struct {
	Mirror string `form:"mirror" binding:"required"`
	At     string `form:"at"`
}

type SnapshotRestoreRequest struct {
	Mirror    string `json:"mirror" binding:"required"`
	At        string `json:"at"`
	Prefix    string `json:"prefix"`
	Dest      string `json:"dest" binding:"required"`
	Overwrite bool   `json:"overwrite"`
}

type SnapshotExportRequest struct {
	Mirror   string `json:"mirror" binding:"required"`
	At       string `json:"at"`
	Prefix   string `json:"prefix"`
	Pattern  string `json:"pattern"`
	RootName string `json:"root_name"`
	Zip      string `json:"zip" binding:"required"`
}

// resolved time echoed back with restores
type RestoreResponse struct {
	At      time.Time `json:"at"`
	Files   []string  `json:"files"`
	Skipped []string  `json:"skipped,omitempty"`
	Bytes   int64     `json:"bytes"`
}
