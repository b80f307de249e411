package cpclient

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/imroc/req/v3"
)

// ErrDaemonUnreachable means no control plane answered at the address.
var ErrDaemonUnreachable = errors.New("watchback daemon unreachable")

// APIError is the error body the control plane replies with.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("control plane: %s (%d): %s", e.Code, e.Status, e.Message)
}

func (e *APIError) NotFound() bool {
	return e.Status == http.StatusNotFound
}

func handleAPIError(resp *req.Response, requestErr error, operation string) error {
	if requestErr != nil {
		if resp == nil || resp.Response == nil {
			return fmt.Errorf("%s: %w: %w", operation, ErrDaemonUnreachable, requestErr)
		}
		return fmt.Errorf("%s: %w", operation, requestErr)
	}

	if resp.IsErrorState() {
		if apiErr, ok := resp.ErrorResult().(*APIError); ok && apiErr.Code != "" {
			apiErr.Status = resp.StatusCode
			return fmt.Errorf("%s: %w", operation, apiErr)
		}
		return fmt.Errorf("%s: %w", operation, &APIError{Status: resp.StatusCode, Code: "ERR_HTTP", Message: resp.Status})
	}
	return nil
}
