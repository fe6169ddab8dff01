package executor

import "errors"

var (
	// ErrAgentNotAvailable indicates the agent binary cannot be resolved.
	ErrAgentNotAvailable = errors.New("agent binary not available")

	// ErrSpawnFailed indicates the subprocess could not be started.
	ErrSpawnFailed = errors.New("failed to spawn agent")

	// ErrUnknownWorkflow indicates no execution exists with the given id.
	ErrUnknownWorkflow = errors.New("unknown workflow execution")

	// ErrProtocol indicates the agent's structured output failed schema
	// validation or exceeded limits. Callers treat it as a transient
	// agent failure.
	ErrProtocol = errors.New("agent output violates protocol")
)
