package engine

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("invalid request")
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidState means the run is not in an execution status the
	// operation accepts.
	ErrInvalidState = errors.New("invalid run state")
)

// ConcurrentModificationError is returned when the caller's snapshot is no
// longer the run's latest. The caller should re-read the run and retry.
type ConcurrentModificationError struct {
	RunID              string
	ExpectedSnapshotID string
	LatestSnapshotID   string
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("run %s moved past snapshot %s (latest %s)", e.RunID, e.ExpectedSnapshotID, e.LatestSnapshotID)
}

func IsConcurrentModification(err error) bool {
	var cm *ConcurrentModificationError
	return errors.As(err, &cm)
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func invalidState(runID string, status any) error {
	return fmt.Errorf("%w: run %s is %v", ErrInvalidState, runID, status)
}
