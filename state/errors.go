package state

import "errors"

var (
	// ErrNotFound indicates the project has no state file yet.
	ErrNotFound = errors.New("orchestration state not found")

	// ErrCorrupt indicates the state file exists but is not valid JSON.
	// The runner refuses to start for the project until it is cleared.
	ErrCorrupt = errors.New("orchestration state corrupt")
)

// ValidationError describes a semantically invalid field in a payload.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
