package persistence

import (
	"errors"
	"strings"
)

// Sentinel errors shared by every repository.
var (
	// ErrNotFound is returned when the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicated is returned on a unique-constraint collision.
	// Idempotent insert paths treat it as success.
	ErrDuplicated = errors.New("duplicated")

	// ErrLocked is returned when a row is claimed by another worker.
	ErrLocked = errors.New("locked by another worker")

	// ErrDepCycle is returned when persisting a dependency link whose
	// chain loops back on itself. Propagation refuses such links.
	ErrDepCycle = errors.New("dependency cycle")
)

// isUniqueViolation detects a sqlite unique-constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
