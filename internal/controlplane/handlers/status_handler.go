package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/openmined/watchback/internal/runtime"
	"github.com/openmined/watchback/internal/version"
)

// StatusHandler handles status-related endpoints
type StatusHandler struct {
	mgr *runtime.Manager
}

func NewStatusHandler(mgr *runtime.Manager) *StatusHandler {
	return &StatusHandler{
		mgr: mgr,
	}
}

// Status returns the daemon build and the status of every active profile.
func (h *StatusHandler) Status(ctx *gin.Context) {
	if h.mgr == nil {
		ctx.PureJSON(http.StatusServiceUnavailable, &ControlPlaneError{
			ErrorCode: ErrCodeUnknownError,
			Error:     "profile manager not initialized",
		})
		return
	}

	ctx.PureJSON(http.StatusOK, &StatusResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   version.Version,
		Revision:  version.Revision,
		BuildDate: version.BuildDate,
		Profiles:  h.mgr.StatusAll(),
	})
}

func (h *StatusHandler) Health(ctx *gin.Context) {
	ctx.PureJSON(http.StatusOK, &ControlPlaneResponse{Code: CodeOk})
}
