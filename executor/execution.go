package executor

import "time"

// Status is the lifecycle status of one agent invocation.
type Status string

const (
	// StatusRunning means the subprocess is alive.
	StatusRunning Status = "running"
	// StatusWaitingForInput means the agent exited cleanly asking
	// questions; the workflow resumes once they are answered.
	StatusWaitingForInput Status = "waiting_for_input"
	// StatusCompleted means a clean exit with a completed result.
	StatusCompleted Status = "completed"
	// StatusFailed means non-zero exit, timeout, or protocol violation.
	StatusFailed Status = "failed"
	// StatusCancelled means the subprocess was terminated on request.
	StatusCancelled Status = "cancelled"
	// StatusDetached means the supervisor restarted while the underlying
	// process is known-missing.
	StatusDetached Status = "detached"
	// StatusStale means a running workflow showed no transcript activity
	// past the idle threshold.
	StatusStale Status = "stale"
)

// IsTerminal reports whether the invocation has finished.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Execution is a point-in-time snapshot of one agent invocation.
type Execution struct {
	ID             string    `json:"id"`
	ProjectID      string    `json:"project_id"`
	Skill          string    `json:"skill"`
	Status         Status    `json:"status"`
	SessionID      string    `json:"session_id,omitempty"`
	PID            int       `json:"pid,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	LastOutput     *Result   `json:"last_output,omitempty"`
	TranscriptPath string    `json:"transcript_path,omitempty"`
	CostUSD        float64   `json:"cost_usd,omitempty"`
	Error          string    `json:"error,omitempty"`
}
