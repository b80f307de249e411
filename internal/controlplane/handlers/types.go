package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/openmined/watchback/internal/config"
	"github.com/openmined/watchback/internal/engine"
	"github.com/openmined/watchback/internal/ledger"
	"github.com/openmined/watchback/internal/mirror"
	"github.com/openmined/watchback/internal/objects"
	"github.com/openmined/watchback/internal/runtime"
	"github.com/openmined/watchback/internal/snapshot"
	"github.com/openmined/watchback/internal/utils"
)

const (
	CodeOk                   string = "OK"
	ErrCodeBadRequest        string = "ERR_BAD_REQUEST"
	ErrCodeNotFound          string = "ERR_NOT_FOUND"
	ErrCodeConflict          string = "ERR_CONFLICT"
	ErrCodeForbidden         string = "ERR_FORBIDDEN"
	ErrCodeMirrorUnavailable string = "ERR_MIRROR_UNAVAILABLE"
	ErrCodeCorruption        string = "ERR_CORRUPTION"
	ErrCodeUnknownError      string = "ERR_UNKNOWN_ERROR"
)

var (
	ErrProfileUnknown = errors.New("profile not configured")
	ErrMirrorUnknown  = errors.New("mirror does not belong to a configured profile")

	errBadTime = errors.New("invalid time")
)

type ControlPlaneResponse struct {
	Code string `json:"code"`
}

type ControlPlaneError struct {
	ErrorCode string `json:"code"`
	Error     string `json:"error"`
}

func AbortWithError(c *gin.Context, status int, code string, err error) {
	c.Abort()
	c.Error(err)
	c.PureJSON(status, ControlPlaneError{
		ErrorCode: code,
		Error:     err.Error(),
	})
}

// AbortWithClassified maps a domain error onto a status and error code.
func AbortWithClassified(c *gin.Context, err error) {
	switch {
	case errors.Is(err, config.ErrConfigInvalid),
		errors.Is(err, errBadTime),
		errors.Is(err, utils.ErrEmptyPath):
		AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
	case errors.Is(err, ErrMirrorUnknown):
		AbortWithError(c, http.StatusForbidden, ErrCodeForbidden, err)
	case errors.Is(err, runtime.ErrProfileNotFound),
		errors.Is(err, ErrProfileUnknown),
		errors.Is(err, snapshot.ErrSnapshotNotFound),
		errors.Is(err, ledger.ErrNoHistory),
		errors.Is(err, mirror.ErrPathNotFound),
		errors.Is(err, mirror.ErrNotAMirror):
		AbortWithError(c, http.StatusNotFound, ErrCodeNotFound, err)
	case errors.Is(err, runtime.ErrProfileRunning),
		errors.Is(err, engine.ErrAlreadyRunning),
		errors.Is(err, engine.ErrNotRunning),
		errors.Is(err, mirror.ErrDestExists):
		AbortWithError(c, http.StatusConflict, ErrCodeConflict, err)
	case errors.Is(err, mirror.ErrMirrorUnavailable),
		errors.Is(err, mirror.ErrMirrorLocked):
		AbortWithError(c, http.StatusServiceUnavailable, ErrCodeMirrorUnavailable, err)
	case errors.Is(err, objects.ErrObjectNotFound),
		errors.Is(err, objects.ErrCorruption):
		AbortWithError(c, http.StatusInternalServerError, ErrCodeCorruption, err)
	default:
		AbortWithError(c, http.StatusInternalServerError, ErrCodeUnknownError, err)
	}
}
