package handlers

import (
	"github.com/openmined/watchback/internal/config"
	"github.com/openmined/watchback/internal/engine"
	"github.com/openmined/watchback/internal/snapshot"
)

// ProfileLoader returns the configured profiles. It is called on every
// request so edits to the profiles file apply without a restart.
type ProfileLoader func() ([]*config.Profile, error)

type ProfileInfo struct {
	Name     string          `json:"name"`
	Ground   string          `json:"ground"`
	Mirrors  []string        `json:"mirrors"`
	Snapshot snapshot.Policy `json:"snapshot"`
	Active   bool            `json:"active"`
	Status   *engine.Status  `json:"status,omitempty"`
}

type ProfileListResponse struct {
	Profiles []*ProfileInfo `json:"profiles"`
}

type SnapshotNowResponse struct {
	Profile string                   `json:"profile"`
	Mirrors []*engine.MirrorSnapshot `json:"mirrors"`
}
