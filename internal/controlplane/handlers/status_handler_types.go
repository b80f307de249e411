package handlers

import "github.com/openmined/watchback/internal/engine"

// StatusResponse represents the health status of the daemon.
type StatusResponse struct {
	Status    string           `json:"status"`    // health status ("ok").
	Timestamp string           `json:"ts"`        // timestamp when health check was performed.
	Version   string           `json:"version"`   // version of the daemon.
	Revision  string           `json:"revision"`  // revision of the daemon.
	BuildDate string           `json:"buildDate"` // build date of the daemon.
	Profiles  []*engine.Status `json:"profiles"`  // every active profile.
}
