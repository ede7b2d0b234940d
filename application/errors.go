package application

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("application: not found")
	ErrInvalidTransition = errors.New("application: invalid status transition")
	ErrPendingExists     = errors.New("application: a pending application already exists")
	ErrValidation        = errors.New("application: validation failed")
)

// InvariantError reports that a review could not keep the application status
// and the agent role grant consistent. The transition was rolled back and
// may be retried.
type InvariantError struct {
	ApplicationID string
	PrincipalID   string
	Err           error
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("application: grant agent role for %s (application %s): %v", e.PrincipalID, e.ApplicationID, e.Err)
}

func (e *InvariantError) Unwrap() error { return e.Err }

// Retriable is always true: nothing was committed.
func (e *InvariantError) Retriable() bool { return true }
