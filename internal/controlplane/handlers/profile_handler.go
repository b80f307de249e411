package handlers

import (
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/openmined/watchback/internal/config"
	"github.com/openmined/watchback/internal/runtime"
)

// ProfileHandler starts, stops and drives profiles.
type ProfileHandler struct {
	mgr  *runtime.Manager
	load ProfileLoader
}

func NewProfileHandler(mgr *runtime.Manager, load ProfileLoader) *ProfileHandler {
	if load == nil {
		load = func() ([]*config.Profile, error) { return []*config.Profile{}, nil }
	}
	return &ProfileHandler{mgr: mgr, load: load}
}

// List returns configured profiles plus any active profile that is no
// longer in the profiles file.
func (h *ProfileHandler) List(c *gin.Context) {
	profiles, err := h.load()
	if err != nil {
		AbortWithClassified(c, err)
		return
	}

	seen := make(map[string]bool, len(profiles))
	out := make([]*ProfileInfo, 0, len(profiles))
	for _, p := range profiles {
		seen[p.Name] = true
		out = append(out, h.info(p))
	}
	for _, name := range h.mgr.Profiles() {
		if seen[name] {
			continue
		}
		if p, err := h.mgr.Profile(name); err == nil {
			out = append(out, h.info(p))
		}
	}
	slices.SortFunc(out, func(a, b *ProfileInfo) int { return strings.Compare(a.Name, b.Name) })

	c.PureJSON(http.StatusOK, &ProfileListResponse{Profiles: out})
}

func (h *ProfileHandler) Get(c *gin.Context) {
	name := c.Param("name")
	if p, err := h.mgr.Profile(name); err == nil {
		c.PureJSON(http.StatusOK, h.info(p))
		return
	}
	p, err := h.find(name)
	if err != nil {
		AbortWithClassified(c, err)
		return
	}
	c.PureJSON(http.StatusOK, h.info(p))
}

// Start runs a configured profile and replies once the first
// reconciliation has finished.
func (h *ProfileHandler) Start(c *gin.Context) {
	p, err := h.find(c.Param("name"))
	if err != nil {
		AbortWithClassified(c, err)
		return
	}
	if err := h.mgr.Start(c.Request.Context(), p); err != nil {
		AbortWithClassified(c, err)
		return
	}
	c.PureJSON(http.StatusOK, h.info(p))
}

func (h *ProfileHandler) Stop(c *gin.Context) {
	if err := h.mgr.Stop(c.Request.Context(), c.Param("name")); err != nil {
		AbortWithClassified(c, err)
		return
	}
	c.PureJSON(http.StatusOK, &ControlPlaneResponse{Code: CodeOk})
}

// Sync runs a full reconciliation and waits for it.
func (h *ProfileHandler) Sync(c *gin.Context) {
	name := c.Param("name")
	if err := h.mgr.SyncNow(c.Request.Context(), name); err != nil {
		AbortWithClassified(c, err)
		return
	}
	st, err := h.mgr.Status(name)
	if err != nil {
		AbortWithClassified(c, err)
		return
	}
	c.PureJSON(http.StatusOK, st)
}

// Snapshot snapshots every mirror of the profile. Per mirror failures are
// reported in the body with a 207.
func (h *ProfileHandler) Snapshot(c *gin.Context) {
	name := c.Param("name")
	res, err := h.mgr.SnapshotNow(c.Request.Context(), name)
	if res == nil && err != nil {
		AbortWithClassified(c, err)
		return
	}
	status := http.StatusOK
	if err != nil {
		c.Error(err)
		status = http.StatusMultiStatus
	}
	c.PureJSON(status, &SnapshotNowResponse{Profile: name, Mirrors: res})
}

func (h *ProfileHandler) find(name string) (*config.Profile, error) {
	profiles, err := h.load()
	if err != nil {
		return nil, err
	}
	for _, p := range profiles {
		if p.Name == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrProfileUnknown, name)
}

func (h *ProfileHandler) info(p *config.Profile) *ProfileInfo {
	info := &ProfileInfo{
		Name:     p.Name,
		Ground:   p.Ground,
		Mirrors:  p.Mirrors,
		Snapshot: p.Snapshot,
	}
	if st, err := h.mgr.Status(p.Name); err == nil {
		info.Status = st
		info.Active = true
	}
	return info
}
