package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/openmined/watchback/internal/config"
	"github.com/openmined/watchback/internal/mirror"
	"github.com/openmined/watchback/internal/objects"
)

var (
	ErrTransientIO    = errors.New("transient i/o error")
	ErrAlreadyRunning = errors.New("engine already running")
	ErrNotRunning     = errors.New("engine not running")
	ErrUnknownMirror  = errors.New("unknown mirror")
)

type ErrorKind string

const (
	KindNone              ErrorKind = ""
	KindTransientIO       ErrorKind = "transient_io"
	KindMirrorUnavailable ErrorKind = "mirror_unavailable"
	KindCorruption        ErrorKind = "corruption"
	KindConfigInvalid     ErrorKind = "config_invalid"
	KindCanceled          ErrorKind = "canceled"
)

// Classify maps an error to the recovery policy that applies to it. Errors
// not recognized otherwise are treated as transient.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, mirror.ErrMirrorUnavailable), errors.Is(err, mirror.ErrMirrorLocked):
		return KindMirrorUnavailable
	case errors.Is(err, objects.ErrObjectNotFound), errors.Is(err, objects.ErrCorruption):
		return KindCorruption
	case errors.Is(err, config.ErrConfigInvalid):
		return KindConfigInvalid
	default:
		return KindTransientIO
	}
}

func transient(rel string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrTransientIO, rel, err)
}
