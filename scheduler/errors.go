package scheduler

import (
	"errors"
	"fmt"
)

// Sentinels matched with errors.Is against the typed errors below
var (
	ErrValidation    = errors.New("validation failed")
	ErrNotFound      = errors.New("not found")
	ErrStateConflict = errors.New("state conflict")
)

// Collaborator outcomes the stage processor treats specially
var (
	ErrEmptyContent    = errors.New("content generator returned no content")
	ErrStillGenerating = errors.New("content is not ready for publishing yet")
	ErrNoTargets       = errors.New("no active channel to publish to")
)

// isPermanent reports whether a collaborator said that repeating the call cannot help
func isPermanent(err error) bool {
	var t interface{ Temporary() bool }
	return errors.As(err, &t) && !t.Temporary()
}

// ValidationError rejects bad input before anything is persisted
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// NotFoundError is also returned when the row exists but belongs to another workspace
type NotFoundError struct {
	Entity string
	ID     uint
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// StateConflictError reports an action that is not valid for the current status
type StateConflictError struct {
	Entity string
	ID     uint
	Status string
	Action string
	Reason string
}

func (e *StateConflictError) Error() string {
	msg := fmt.Sprintf("cannot %s %s %d in status %s", e.Action, e.Entity, e.ID, e.Status)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *StateConflictError) Is(target error) bool { return target == ErrStateConflict }
