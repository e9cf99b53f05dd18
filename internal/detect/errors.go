package detect

import (
	"errors"
	"fmt"
)

// ErrDetectionTimeout means a detector call did not finish within its bound.
var ErrDetectionTimeout = errors.New("detection timeout")

// RuntimeError wraps a failure raised by a detector while estimating.
type RuntimeError struct {
	Detector string
	Err      error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("%s detection failed: %v", e.Detector, e.Err)
}

func (e *RuntimeError) Unwrap() error { return e.Err }

// InitError collects every tier that failed to load for one detector.
type InitError struct {
	Detector string
	Tiers    []string
	Errs     []error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("could not initialize %s detector (%d tiers tried): %v", e.Detector, len(e.Tiers), errors.Join(e.Errs...))
}

func (e *InitError) Unwrap() []error { return e.Errs }
