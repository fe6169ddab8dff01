package orchestrator

import "errors"

var (
	// ErrAlreadyRunning indicates the project already has a non-terminal
	// execution. Maps to 409 at the HTTP layer.
	ErrAlreadyRunning = errors.New("orchestration already running for project")

	// ErrNotRunning indicates the project has no live execution.
	ErrNotRunning = errors.New("no orchestration running for project")

	// ErrInvalidAction indicates a recovery action that is unknown or not
	// offered by the current recovery context.
	ErrInvalidAction = errors.New("invalid recovery action")

	// ErrInvalidStep indicates a go-back target that is not prior to the
	// current step.
	ErrInvalidStep = errors.New("invalid step override")

	// ErrBudgetExceeded indicates cumulative cost passed a configured cap.
	ErrBudgetExceeded = errors.New("budget exceeded")
)
