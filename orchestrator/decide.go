package orchestrator

import (
	"fmt"

	"github.com/specflowhq/specflow/executor"
	"github.com/specflowhq/specflow/state"
)

// ActionKind is what the decision function tells the runner to do next.
type ActionKind string

const (
	// ActionIdle means orchestration is inactive or finished.
	ActionIdle ActionKind = "idle"
	// ActionWait means something is in flight or user-gated.
	ActionWait ActionKind = "wait"
	// ActionSpawn starts a phase workflow (design, analyze, verify, merge).
	ActionSpawn ActionKind = "spawn"
	// ActionTransition advances the step pointer.
	ActionTransition ActionKind = "transition"
	// ActionSpawnBatch starts the current pending implementation batch.
	ActionSpawnBatch ActionKind = "spawn_batch"
	// ActionAdvanceBatch moves past a terminal current batch.
	ActionAdvanceBatch ActionKind = "advance_batch"
	// ActionHeal hands the failed current batch to the auto-healer.
	ActionHeal ActionKind = "heal"
	// ActionWaitMerge parks the execution until the user triggers merge.
	ActionWaitMerge ActionKind = "wait_merge"
)

// Action is one decision. Reason is copied into the decision log.
type Action struct {
	Kind       ActionKind
	Skill      string
	NextStep   state.Step
	BatchIndex int
	Reason     string
}

// decide is the per-project decision function. It is a pure function of
// the persisted document; the runner re-evaluates it after every
// state-changing operation and never polls on its own.
func decide(doc *state.Document) Action {
	dash := doc.Orchestration.Dashboard
	if !dash.Active || dash.Execution == nil {
		return Action{Kind: ActionIdle, Reason: "orchestration inactive"}
	}
	exec := dash.Execution
	if exec.Status.IsTerminal() {
		return Action{Kind: ActionIdle, Reason: fmt.Sprintf("execution %s", exec.Status)}
	}
	switch exec.Status {
	case state.ExecPaused:
		return Action{Kind: ActionWait, Reason: "paused"}
	case state.ExecWaitingMerge:
		return Action{Kind: ActionWait, Reason: "waiting for merge trigger"}
	case state.ExecNeedsAttention:
		return Action{Kind: ActionWait, Reason: "needs attention"}
	}
	if lw := dash.LastWorkflow; lw != nil {
		switch executor.Status(lw.Status) {
		case executor.StatusRunning:
			return Action{Kind: ActionWait, Reason: "workflow in flight"}
		case executor.StatusWaitingForInput:
			return Action{Kind: ActionWait, Reason: "waiting for answers"}
		}
	}

	step := doc.Orchestration.Step
	complete := step.Status == state.StepComplete

	switch step.Current {
	case state.StepDesign:
		if exec.Config.SkipDesign && !complete {
			return Action{Kind: ActionTransition, NextStep: state.StepAnalyze, Reason: "design skipped"}
		}
		if complete {
			return Action{Kind: ActionTransition, NextStep: state.StepAnalyze, Reason: "design complete"}
		}
		return Action{Kind: ActionSpawn, Skill: "design", Reason: "design not started"}

	case state.StepAnalyze:
		if exec.Config.SkipAnalyze && !complete {
			return Action{Kind: ActionTransition, NextStep: state.StepImplement, Reason: "analyze skipped"}
		}
		if complete {
			return Action{Kind: ActionTransition, NextStep: state.StepImplement, Reason: "analyze complete"}
		}
		return Action{Kind: ActionSpawn, Skill: "analyze", Reason: "analyze not started"}

	case state.StepImplement:
		return handleBatches(exec)

	case state.StepVerify:
		if !complete {
			return Action{Kind: ActionSpawn, Skill: "verify", Reason: "verify not started"}
		}
		return mergeOrWait(exec)
	}

	return Action{Kind: ActionWait, Reason: fmt.Sprintf("unknown step %q", step.Current)}
}

// handleBatches advances through the implementation batches.
func handleBatches(exec *state.Execution) Action {
	if len(exec.Batches.Items) == 0 {
		return Action{Kind: ActionTransition, NextStep: state.StepVerify, Reason: "no batches planned"}
	}
	current := exec.CurrentBatch()
	if current == nil {
		return Action{Kind: ActionTransition, NextStep: state.StepVerify, Reason: "all batches done"}
	}
	switch current.Status {
	case state.BatchPending:
		return Action{Kind: ActionSpawnBatch, BatchIndex: exec.Batches.Current,
			Reason: fmt.Sprintf("batch %q pending", current.Section)}
	case state.BatchCompleted, state.BatchHealed:
		return Action{Kind: ActionAdvanceBatch, BatchIndex: exec.Batches.Current,
			Reason: fmt.Sprintf("batch %q %s", current.Section, current.Status)}
	case state.BatchFailed:
		return Action{Kind: ActionHeal, BatchIndex: exec.Batches.Current,
			Reason: fmt.Sprintf("batch %q failed", current.Section)}
	}
	// Running batch with no in-flight workflow resolves on the next
	// completion event.
	return Action{Kind: ActionWait, Reason: fmt.Sprintf("batch %q running", current.Section)}
}

// mergeOrWait resolves the post-verify gate.
func mergeOrWait(exec *state.Execution) Action {
	if exec.CurrentPhase == state.PhaseMerge || exec.Config.AutoMerge {
		if _, done := exec.Executions[state.PhaseMerge]; done {
			return Action{Kind: ActionWait, Reason: "merge recorded"}
		}
		return Action{Kind: ActionSpawn, Skill: "merge", Reason: "verify complete"}
	}
	return Action{Kind: ActionWaitMerge, Reason: "verify complete, merge is manual"}
}
