package room

import (
	"errors"
	"fmt"

	"annosync/internal/model"
)

// ErrNotFound is returned when an operation references an unknown
// annotation id.
var ErrNotFound = errors.New("annotation not found")

// ErrPermissionDenied is returned when an operation lacks both the
// required capability and authorship of the target.
var ErrPermissionDenied = errors.New("permission denied")

// ErrLockHeld is returned in enforcement mode when a mutation targets an
// annotation locked by another user.
var ErrLockHeld = errors.New("annotation locked by another user")

// ConflictError carries the authoritative record back to a client whose
// expectedVersion was stale. The store is left unmutated; resolution is
// client-driven.
type ConflictError struct {
	Current  *model.Record
	Expected int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: expected %d, current %d", e.Current.ID, e.Expected, e.Current.Version)
}

// LockDeniedError names the current holder of a contested lock.
type LockDeniedError struct {
	Lock model.Lock
}

func (e *LockDeniedError) Error() string {
	return fmt.Sprintf("lock on %s held by %s", e.Lock.AnnotationID, e.Lock.UserID)
}
