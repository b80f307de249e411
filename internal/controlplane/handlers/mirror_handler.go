package handlers

import (
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/openmined/watchback/internal/mirror"
	"github.com/openmined/watchback/internal/runtime"
	"github.com/openmined/watchback/internal/utils"
)

// MirrorHandler serves history reads and restores. It works from mirror
// directories alone, so profiles do not need to be running. Only mirrors
// of a configured or active profile are served.
type MirrorHandler struct {
	mgr    *runtime.Manager
	load   ProfileLoader
	reader *mirror.Reader
}

func NewMirrorHandler(mgr *runtime.Manager, load ProfileLoader, reader *mirror.Reader) *MirrorHandler {
	if reader == nil {
		reader = mirror.NewReader(0)
	}
	return &MirrorHandler{mgr: mgr, load: load, reader: reader}
}

func (h *MirrorHandler) Versions(c *gin.Context) {
	var req VersionsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}
	root, err := h.mirrorRoot(req.Mirror)
	if err != nil {
		AbortWithClassified(c, err)
		return
	}

	versions, err := h.reader.ListVersions(root, req.Path)
	if err != nil {
		AbortWithClassified(c, err)
		return
	}
	c.PureJSON(http.StatusOK, &VersionsResponse{Mirror: root, Path: utils.NormPath(req.Path), Versions: versions})
}

func (h *MirrorHandler) Restore(c *gin.Context) {
	var req RestoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}
	root, at, err := h.target(req.Mirror, req.At)
	if err != nil {
		AbortWithClassified(c, err)
		return
	}
	dest, err := destPath(req.Dest)
	if err != nil {
		AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}

	res, err := h.reader.RestoreVersion(c.Request.Context(), root, req.Path, at, dest, mirror.RestoreOptions{Overwrite: req.Overwrite})
	if err != nil {
		AbortWithClassified(c, err)
		return
	}
	c.PureJSON(http.StatusOK, restoreResponse(at, res))
}

func (h *MirrorHandler) Snapshots(c *gin.Context) {
	var req SnapshotsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}
	root, err := h.mirrorRoot(req.Mirror)
	if err != nil {
		AbortWithClassified(c, err)
		return
	}

	ptrs, err := h.reader.ListSnapshots(root)
	if err != nil {
		AbortWithClassified(c, err)
		return
	}
	c.PureJSON(http.StatusOK, &SnapshotsResponse{Mirror: root, Snapshots: ptrs})
}

// Snapshot returns the snapshot at or before at, with its manifest.
func (h *MirrorHandler) Snapshot(c *gin.Context) {
	var req SnapshotRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}
	root, at, err := h.target(req.Mirror, req.At)
	if err != nil {
		AbortWithClassified(c, err)
		return
	}

	view, err := h.reader.ReadSnapshot(root, at)
	if err != nil {
		AbortWithClassified(c, err)
		return
	}
	c.PureJSON(http.StatusOK, view)
}

func (h *MirrorHandler) SnapshotRestore(c *gin.Context) {
	var req SnapshotRestoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}
	root, at, err := h.target(req.Mirror, req.At)
	if err != nil {
		AbortWithClassified(c, err)
		return
	}
	dest, err := destPath(req.Dest)
	if err != nil {
		AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}

	res, err := h.reader.RestoreSnapshot(c.Request.Context(), root, at, req.Prefix, dest, mirror.RestoreOptions{Overwrite: req.Overwrite})
	if err != nil {
		AbortWithClassified(c, err)
		return
	}
	c.PureJSON(http.StatusOK, restoreResponse(at, res))
}

func (h *MirrorHandler) SnapshotExport(c *gin.Context) {
	var req SnapshotExportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}
	root, at, err := h.target(req.Mirror, req.At)
	if err != nil {
		AbortWithClassified(c, err)
		return
	}
	zipPath, err := destPath(req.Zip)
	if err != nil {
		AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}

	res, err := h.reader.ExportSnapshot(c.Request.Context(), root, at, zipPath, mirror.ExportOptions{
		Prefix:   req.Prefix,
		Pattern:  req.Pattern,
		RootName: req.RootName,
	})
	if err != nil {
		AbortWithClassified(c, err)
		return
	}
	c.PureJSON(http.StatusOK, res)
}

func (h *MirrorHandler) target(root, at string) (string, time.Time, error) {
	root, err := h.mirrorRoot(root)
	if err != nil {
		return "", time.Time{}, err
	}
	t, err := mirror.ParseTimeArg(at)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %v", errBadTime, err)
	}
	return root, t, nil
}

// mirrorRoot resolves root and checks it is a mirror of some profile.
func (h *MirrorHandler) mirrorRoot(root string) (string, error) {
	resolved, err := mirror.ResolveMirrorRoot(root)
	if err != nil {
		return "", err
	}
	evaluated, err := filepath.EvalSymlinks(resolved)
	if err != nil {
		evaluated = resolved
	}
	for _, m := range h.knownMirrors() {
		if m == resolved || m == evaluated {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrMirrorUnknown, resolved)
}

func (h *MirrorHandler) knownMirrors() []string {
	var out []string
	if h.load != nil {
		if profiles, err := h.load(); err == nil {
			for _, p := range profiles {
				out = append(out, p.Mirrors...)
			}
		}
	}
	if h.mgr != nil {
		for _, name := range h.mgr.Profiles() {
			if p, err := h.mgr.Profile(name); err == nil {
				out = append(out, p.Mirrors...)
			}
		}
	}
	for i, m := range out {
		out[i] = filepath.Clean(m)
	}
	return out
}

func destPath(p string) (string, error) {
	dest, err := utils.ResolvePath(p)
	if err != nil {
		return "", fmt.Errorf("destination: %w", err)
	}
	return dest, nil
}

func restoreResponse(at time.Time, res *mirror.RestoreResult) *RestoreResponse {
	return &RestoreResponse{At: at, Files: res.Files, Skipped: res.Skipped, Bytes: res.Bytes}
}
