package state

import (
	"fmt"
	"time"
)

// ExecutionStatus is the lifecycle status of an orchestration execution.
type ExecutionStatus string

const (
	ExecRunning        ExecutionStatus = "running"
	ExecPaused         ExecutionStatus = "paused"
	ExecWaitingMerge   ExecutionStatus = "waiting_merge"
	ExecNeedsAttention ExecutionStatus = "needs_attention"
	ExecCompleted      ExecutionStatus = "completed"
	ExecFailed         ExecutionStatus = "failed"
	ExecCancelled      ExecutionStatus = "cancelled"
)

// IsValid reports whether the status is a known execution status.
func (s ExecutionStatus) IsValid() bool {
	switch s {
	case ExecRunning, ExecPaused, ExecWaitingMerge, ExecNeedsAttention,
		ExecCompleted, ExecFailed, ExecCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether the status permits no further mutation
// except archival.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecCompleted, ExecFailed, ExecCancelled:
		return true
	}
	return false
}

// Phase is one stage of the orchestration workflow.
type Phase string

const (
	PhaseDesign    Phase = "design"
	PhaseAnalyze   Phase = "analyze"
	PhaseImplement Phase = "implement"
	PhaseVerify    Phase = "verify"
	PhaseMerge     Phase = "merge"
	PhaseComplete  Phase = "complete"
)

// IsValid reports whether the phase is known.
func (p Phase) IsValid() bool {
	switch p {
	case PhaseDesign, PhaseAnalyze, PhaseImplement, PhaseVerify, PhaseMerge, PhaseComplete:
		return true
	}
	return false
}

// BatchStatus is the lifecycle status of one implementation batch.
// Transitions are monotonic: pending -> running -> (completed|healed|failed).
type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
	BatchHealed    BatchStatus = "healed"
	BatchFailed    BatchStatus = "failed"
)

// IsTerminal reports whether the batch status is final.
func (s BatchStatus) IsTerminal() bool {
	switch s {
	case BatchCompleted, BatchHealed, BatchFailed:
		return true
	}
	return false
}

// CanTransitionTo reports whether the transition is legal.
func (s BatchStatus) CanTransitionTo(next BatchStatus) bool {
	switch s {
	case BatchPending:
		return next == BatchRunning
	case BatchRunning:
		return next == BatchCompleted || next == BatchHealed || next == BatchFailed
	case BatchFailed:
		// A failed batch may re-run under healing or recovery.
		return next == BatchRunning || next == BatchHealed || next == BatchCompleted
	}
	return false
}

// RecoveryAction is a user-chosen recovery path from needs_attention.
type RecoveryAction string

const (
	RecoverRetry RecoveryAction = "retry"
	RecoverSkip  RecoveryAction = "skip"
	RecoverAbort RecoveryAction = "abort"
)

// IsValid reports whether the action is known.
func (a RecoveryAction) IsValid() bool {
	switch a {
	case RecoverRetry, RecoverSkip, RecoverAbort:
		return true
	}
	return false
}

// Budget caps agent spend, in USD. Zero means uncapped. MaxPerBatch
// bounds a single batch workflow, DecisionBudget the design and analyze
// phases combined, HealingBudget all heal workflows, MaxTotal the run.
type Budget struct {
	MaxPerBatch    float64 `json:"max_per_batch,omitempty"`
	MaxTotal       float64 `json:"max_total,omitempty"`
	HealingBudget  float64 `json:"healing_budget,omitempty"`
	DecisionBudget float64 `json:"decision_budget,omitempty"`
}

// RunConfig is the immutable per-run configuration supplied at start.
type RunConfig struct {
	AutoMerge           bool   `json:"auto_merge"`
	SkipDesign          bool   `json:"skip_design"`
	SkipAnalyze         bool   `json:"skip_analyze"`
	AutoHealEnabled     bool   `json:"auto_heal_enabled"`
	MaxHealAttempts     int    `json:"max_heal_attempts"`
	BatchSizeFallback   int    `json:"batch_size_fallback"`
	PauseBetweenBatches bool   `json:"pause_between_batches"`
	Budget              Budget `json:"budget"`
}

// Validate checks the run configuration bounds.
func (c *RunConfig) Validate() error {
	if c.MaxHealAttempts < 0 || c.MaxHealAttempts > 5 {
		return &ValidationError{Field: "max_heal_attempts", Message: "must be between 0 and 5"}
	}
	if c.BatchSizeFallback <= 0 {
		return &ValidationError{Field: "batch_size_fallback", Message: "must be positive"}
	}
	return nil
}

// BatchItem is one implementation batch within an execution.
type BatchItem struct {
	Section             string      `json:"section"`
	TaskIDs             []string    `json:"task_ids"`
	Status              BatchStatus `json:"status"`
	HealAttempts        int         `json:"heal_attempts"`
	WorkflowExecutionID string      `json:"workflow_execution_id,omitempty"`
	StartedAt           *time.Time  `json:"started_at,omitempty"`
	CompletedAt         *time.Time  `json:"completed_at,omitempty"`
}

// BatchState tracks progress through the implementation batches.
type BatchState struct {
	Current int         `json:"current"`
	Total   int         `json:"total"`
	Items   []BatchItem `json:"items"`
}

// Decision is one append-only decision log entry.
type Decision struct {
	Timestamp time.Time `json:"timestamp"`
	Decision  string    `json:"decision"`
	Reason    string    `json:"reason,omitempty"`
}

// RecoveryContext is present only while status is needs_attention.
type RecoveryContext struct {
	Issue   string           `json:"issue"`
	Options []RecoveryAction `json:"options"`
}

// Execution is the root record for one end-to-end orchestration run.
type Execution struct {
	ID              string           `json:"id"`
	ProjectID       string           `json:"project_id"`
	Status          ExecutionStatus  `json:"status"`
	Config          RunConfig        `json:"config"`
	CurrentPhase    Phase            `json:"current_phase"`
	Batches         BatchState       `json:"batches"`
	Executions      map[Phase]string `json:"executions,omitempty"`
	DecisionLog     []Decision       `json:"decision_log"`
	RecoveryContext *RecoveryContext `json:"recovery_context,omitempty"`
	TotalCostUSD    float64          `json:"total_cost_usd"`
	HealingCostUSD  float64          `json:"healing_cost_usd,omitempty"`
	DecisionCostUSD float64          `json:"decision_cost_usd,omitempty"`
	StartedAt       time.Time        `json:"started_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	ErrorMessage    string           `json:"error_message,omitempty"`
}

// AppendDecision appends one decision log entry stamped now.
func (e *Execution) AppendDecision(decision, reason string) {
	e.DecisionLog = append(e.DecisionLog, Decision{
		Timestamp: time.Now().UTC(),
		Decision:  decision,
		Reason:    reason,
	})
	e.UpdatedAt = time.Now().UTC()
}

// SetStatus transitions the execution status, stamping terminal completion.
// Mutating a terminal execution is rejected.
func (e *Execution) SetStatus(next ExecutionStatus) error {
	if e.Status.IsTerminal() {
		return fmt.Errorf("execution %s is terminal (%s), cannot transition to %s", e.ID, e.Status, next)
	}
	e.Status = next
	e.UpdatedAt = time.Now().UTC()
	if next.IsTerminal() {
		now := time.Now().UTC()
		e.CompletedAt = &now
	}
	if next != ExecNeedsAttention {
		e.RecoveryContext = nil
	}
	return nil
}

// CurrentBatch returns the batch at the current index, or nil when out of
// range or no batches are planned.
func (e *Execution) CurrentBatch() *BatchItem {
	if e.Batches.Current < 0 || e.Batches.Current >= len(e.Batches.Items) {
		return nil
	}
	return &e.Batches.Items[e.Batches.Current]
}
