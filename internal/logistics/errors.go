package logistics

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidState      = errors.New("invalid state")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrRemoteWrite       = errors.New("remote write failed")
	ErrRemoteRead        = errors.New("remote read failed")

	// errSkipCommit leaves the collection untouched without notifying.
	errSkipCommit = errors.New("skip commit")
)

// WriteFailure reports a create, update or delete the remote store rejected.
type WriteFailure struct {
	Op         string
	Collection string
	ID         string
	Err        error
}

func (e *WriteFailure) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Collection, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Op, e.Collection, e.ID, e.Err)
}

func (e *WriteFailure) Unwrap() error { return e.Err }

func (e *WriteFailure) Is(target error) bool {
	return target == ErrRemoteWrite
}

// ReadFailure reports a failed initial fetch. While one is outstanding the
// store is degraded and dependent screens should show "cannot connect".
type ReadFailure struct {
	Collection string
	Err        error
}

func (e *ReadFailure) Error() string {
	return fmt.Sprintf("load %s: %v", e.Collection, e.Err)
}

func (e *ReadFailure) Unwrap() error { return e.Err }

func (e *ReadFailure) Is(target error) bool {
	return target == ErrRemoteRead
}
