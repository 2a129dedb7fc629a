package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the engine. Callers match with errors.Is.
var (
	// ErrRoleNotFound means the role has no agent row.
	ErrRoleNotFound = errors.New("role not found")

	// ErrNotInitialized means no project row exists yet.
	ErrNotInitialized = errors.New("project not initialized")

	// ErrRoleMismatch means a mutator changed the role key of the row it
	// was applied to.
	ErrRoleMismatch = errors.New("mutator changed agent role")

	// ErrDuplicateWorker means a live worker process is already tracked
	// for the role.
	ErrDuplicateWorker = errors.New("worker already running for role")

	// ErrBusClosed means the message bus no longer accepts publishes.
	ErrBusClosed = errors.New("message bus closed")

	// ErrValidation marks bad input at a boundary. Always wrapped with
	// detail via Validationf.
	ErrValidation = errors.New("validation error")
)

// Validationf wraps ErrValidation with a formatted description.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}
