package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/specflowhq/specflow/events"
	"github.com/specflowhq/specflow/executor"
	"github.com/specflowhq/specflow/state"
)

// handleWorkflowDone folds a finished workflow back into the execution:
// cost accounting, batch and step bookkeeping, question intake, and the
// budget gate.
func (r *Runner) handleWorkflowDone(wf *executor.Execution) error {
	budgetHit := false
	err := r.store.Mutate(r.projectDir, func(doc *state.Document) error {
		dash := &doc.Orchestration.Dashboard
		if dash.LastWorkflow != nil && dash.LastWorkflow.ID == wf.ID {
			ref := workflowRef(wf)
			ref.SessionID = firstNonEmpty(wf.SessionID, dash.LastWorkflow.SessionID)
			dash.LastWorkflow = ref
		}
		exec := dash.Execution
		if exec == nil {
			return nil
		}

		if exec.Status.IsTerminal() {
			// A workflow draining after cancellation changes nothing,
			// not even cost: terminal executions are immutable.
			return nil
		}

		exec.TotalCostUSD += wf.CostUSD
		switch wf.Skill {
		case SkillHeal:
			exec.HealingCostUSD += wf.CostUSD
		case SkillDesign, SkillAnalyze:
			exec.DecisionCostUSD += wf.CostUSD
		}

		switch wf.Status {
		case executor.StatusCompleted:
			r.recordCompletion(doc, exec, wf)
		case executor.StatusWaitingForInput:
			r.recordQuestions(exec, wf)
		case executor.StatusCancelled:
			if !exec.Status.IsTerminal() {
				exec.AppendDecision("workflow-cancelled", wf.ID)
				_ = exec.SetStatus(state.ExecCancelled)
			}
		default: // failed, detached, stale
			r.recordFailure(exec, wf)
		}

		if issue := budgetIssue(exec, wf); issue != "" && !exec.Status.IsTerminal() {
			budgetHit = true
			exec.RecoveryContext = &state.RecoveryContext{
				Issue:   issue,
				Options: []state.RecoveryAction{state.RecoverAbort},
			}
			exec.AppendDecision("budget-exceeded", issue)
			_ = exec.SetStatus(state.ExecNeedsAttention)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if budgetHit {
		r.logger.Warn("budget exhausted", slog.String("workflow_id", wf.ID))
	}
	r.publishStatus()
	r.syncQuestionsGauge()
	r.maybeFinishMetrics()
	return nil
}

// budgetIssue reports the first exhausted spend cap after folding in a
// finished workflow's cost, or empty when all caps hold. Per-batch caps
// apply to the batch workflow that just finished; the healing cap is
// enforced before a heal spawns.
func budgetIssue(exec *state.Execution, wf *executor.Execution) string {
	b := exec.Config.Budget
	if b.MaxPerBatch > 0 && (wf.Skill == SkillImplement || wf.Skill == SkillHeal) && wf.CostUSD >= b.MaxPerBatch {
		return fmt.Sprintf("batch budget exhausted: $%.2f of $%.2f on %s", wf.CostUSD, b.MaxPerBatch, wf.ID)
	}
	if b.DecisionBudget > 0 && exec.DecisionCostUSD >= b.DecisionBudget {
		return fmt.Sprintf("decision budget exhausted: $%.2f of $%.2f", exec.DecisionCostUSD, b.DecisionBudget)
	}
	if b.MaxTotal > 0 && exec.TotalCostUSD >= b.MaxTotal {
		return fmt.Sprintf("total budget exhausted: $%.2f of $%.2f", exec.TotalCostUSD, b.MaxTotal)
	}
	return ""
}

// recordCompletion applies the outcome of a successfully completed skill.
func (r *Runner) recordCompletion(doc *state.Document, exec *state.Execution, wf *executor.Execution) {
	now := time.Now().UTC()
	switch wf.Skill {
	case SkillImplement:
		if item := currentBatchFor(exec, wf.ID); item != nil {
			item.Status = state.BatchCompleted
			item.CompletedAt = &now
			exec.AppendDecision("batch-completed", item.Section)
		}
	case SkillHeal:
		if item := currentBatchFor(exec, wf.ID); item != nil {
			item.Status = state.BatchHealed
			item.CompletedAt = &now
			exec.AppendDecision("batch-healed",
				fmt.Sprintf("%s after %d attempt(s)", item.Section, item.HealAttempts))
			r.metrics.BatchesHealed.Inc()
		}
	case SkillMerge:
		exec.CurrentPhase = state.PhaseComplete
		exec.AppendDecision("orchestration-completed", "merge finished")
		_ = exec.SetStatus(state.ExecCompleted)
	default:
		// A completed phase skill whose step is not yet complete gets
		// exactly one targeted fix: mark the step complete.
		step := stepForSkill(wf.Skill)
		if doc.Orchestration.Step.Current == step && doc.Orchestration.Step.Status != state.StepComplete {
			doc.Orchestration.Step.Status = state.StepComplete
			exec.AppendDecision("step-completed", string(step))
		}
	}
}

// recordQuestions files the clarifying questions of a suspended workflow.
func (r *Runner) recordQuestions(exec *state.Execution, wf *executor.Execution) {
	if wf.LastOutput == nil {
		return
	}
	count := 0
	for _, q := range wf.LastOutput.Questions {
		if err := r.queue.Enqueue(r.projectDir, wf.ID, q); err != nil {
			r.logger.Warn("enqueue question", slog.String("question_id", q.ID), slog.String("error", err.Error()))
			continue
		}
		count++
		r.bus.Question(events.QuestionEvent{
			ProjectID:  r.projectID,
			WorkflowID: wf.ID,
			QuestionID: q.ID,
			Content:    q.Content,
		})
	}
	exec.AppendDecision("waiting-for-input", fmt.Sprintf("%d question(s) from %s", count, wf.ID))
}

// recordFailure routes a failed workflow: batch failures feed the healer
// on the next evaluation, phase failures escalate to the user.
func (r *Runner) recordFailure(exec *state.Execution, wf *executor.Execution) {
	reason := wf.Error
	if reason == "" {
		reason = string(wf.Status)
	}
	switch wf.Skill {
	case SkillImplement, SkillHeal:
		if item := currentBatchFor(exec, wf.ID); item != nil {
			item.Status = state.BatchFailed
			exec.AppendDecision("batch-failed", fmt.Sprintf("%s: %s", item.Section, reason))
			return
		}
		fallthrough
	default:
		exec.RecoveryContext = &state.RecoveryContext{
			Issue:   fmt.Sprintf("%s workflow failed: %s", wf.Skill, reason),
			Options: []state.RecoveryAction{state.RecoverRetry, state.RecoverSkip, state.RecoverAbort},
		}
		exec.AppendDecision("workflow-failed", fmt.Sprintf("%s: %s", wf.Skill, reason))
		_ = exec.SetStatus(state.ExecNeedsAttention)
	}
}

// handleCancel terminates the in-flight workflow, if any, and records the
// execution as cancelled. Cancelling is idempotent.
func (r *Runner) handleCancel() error {
	doc, err := r.store.Load(r.projectDir)
	if err != nil {
		return err
	}
	exec := doc.Orchestration.Dashboard.Execution
	if exec == nil {
		return ErrNotRunning
	}
	if exec.Status.IsTerminal() {
		return nil
	}

	if lw := doc.Orchestration.Dashboard.LastWorkflow; lw != nil {
		switch executor.Status(lw.Status) {
		case executor.StatusRunning, executor.StatusWaitingForInput:
			if err := r.workflows.Cancel(lw.ID); err != nil {
				r.logger.Warn("cancel workflow", slog.String("workflow_id", lw.ID), slog.String("error", err.Error()))
			}
		}
	}

	r.mutateExec("cancelled", "cancelled by user", func(exec *state.Execution) error {
		return exec.SetStatus(state.ExecCancelled)
	})
	r.maybeFinishMetrics()
	return nil
}

// handleAnswer records answers and, once the suspended workflow has no
// pending questions left, resumes its session with the drained answers.
func (r *Runner) handleAnswer(answers map[string]string) error {
	for id, answer := range answers {
		if err := r.queue.Answer(r.projectDir, id, answer); err != nil {
			return err
		}
	}
	r.syncQuestionsGauge()

	doc, err := r.store.Load(r.projectDir)
	if err != nil {
		return err
	}
	lw := doc.Orchestration.Dashboard.LastWorkflow
	if lw == nil || executor.Status(lw.Status) != executor.StatusWaitingForInput {
		return nil
	}

	pending, err := r.queue.Pending(r.projectDir)
	if err != nil {
		return err
	}
	for _, q := range pending {
		if q.WorkflowID == lw.ID {
			return nil // still waiting for more answers
		}
	}

	drained, err := r.queue.Drain(r.projectDir, lw.ID)
	if err != nil {
		return err
	}
	if len(drained) == 0 {
		return nil
	}

	wf, err := r.workflows.Start(r.projectDir, r.projectID, lw.Skill, answersPrompt(drained),
		executor.StartOptions{ResumeSessionID: lw.SessionID})
	if err != nil {
		r.spawnFailed(lw.Skill, err)
		return err
	}
	r.metrics.WorkflowsSpawned.WithLabelValues(lw.Skill).Inc()

	r.mutateExec("resumed", fmt.Sprintf("%d answer(s) for %s", len(drained), lw.ID), func(exec *state.Execution) error {
		return nil
	})
	r.setLastWorkflow(wf)
	go r.superviseAsync(wf.ID)
	return nil
}

// handleRecover applies a user-chosen recovery action. Only actions
// offered in the recovery context are accepted.
func (r *Runner) handleRecover(action state.RecoveryAction) error {
	doc, err := r.store.Load(r.projectDir)
	if err != nil {
		return err
	}
	exec := doc.Orchestration.Dashboard.Execution
	if exec == nil {
		return ErrNotRunning
	}
	if exec.Status != state.ExecNeedsAttention || exec.RecoveryContext == nil {
		return fmt.Errorf("%w: execution is %s, not needs_attention", ErrInvalidAction, exec.Status)
	}
	offered := false
	for _, opt := range exec.RecoveryContext.Options {
		if opt == action {
			offered = true
			break
		}
	}
	if !offered {
		return fmt.Errorf("%w: %q not offered for this issue", ErrInvalidAction, action)
	}

	issue := exec.RecoveryContext.Issue
	switch action {
	case state.RecoverRetry:
		r.mutateExec("recover-retry", issue, func(exec *state.Execution) error {
			if item := exec.CurrentBatch(); item != nil && item.Status == state.BatchFailed {
				item.Status = state.BatchPending
				item.WorkflowExecutionID = ""
			}
			return exec.SetStatus(state.ExecRunning)
		})
	case state.RecoverSkip:
		now := time.Now().UTC()
		skippedBatch := false
		r.mutateExec("recover-skip", issue, func(exec *state.Execution) error {
			if item := exec.CurrentBatch(); item != nil && item.Status != state.BatchCompleted && item.Status != state.BatchHealed {
				item.Status = state.BatchCompleted
				item.CompletedAt = &now
				skippedBatch = true
			}
			return exec.SetStatus(state.ExecRunning)
		})
		if !skippedBatch {
			r.markStepComplete()
		}
	case state.RecoverAbort:
		r.mutateExec("recover-abort", issue, func(exec *state.Execution) error {
			exec.ErrorMessage = issue
			return exec.SetStatus(state.ExecFailed)
		})
		r.maybeFinishMetrics()
	}
	r.metrics.Recoveries.WithLabelValues(string(action)).Inc()
	return nil
}

// handleTriggerMerge releases a waiting_merge execution into the merge
// phase.
func (r *Runner) handleTriggerMerge() error {
	doc, err := r.store.Load(r.projectDir)
	if err != nil {
		return err
	}
	exec := doc.Orchestration.Dashboard.Execution
	if exec == nil {
		return ErrNotRunning
	}
	if exec.Status != state.ExecWaitingMerge {
		return fmt.Errorf("%w: execution is %s, not waiting_merge", ErrInvalidAction, exec.Status)
	}
	r.mutateExec("merge-triggered", "merge triggered by user", func(exec *state.Execution) error {
		exec.CurrentPhase = state.PhaseMerge
		return exec.SetStatus(state.ExecRunning)
	})
	return nil
}

// handleGoBack rewinds the step pointer to an earlier step.
func (r *Runner) handleGoBack(target state.Step) error {
	return r.store.Mutate(r.projectDir, func(doc *state.Document) error {
		exec := doc.Orchestration.Dashboard.Execution
		if exec == nil {
			return ErrNotRunning
		}
		if exec.Status.IsTerminal() {
			return fmt.Errorf("%w: execution is %s", ErrInvalidAction, exec.Status)
		}
		if lw := doc.Orchestration.Dashboard.LastWorkflow; lw != nil {
			if s := executor.Status(lw.Status); s == executor.StatusRunning || s == executor.StatusWaitingForInput {
				return fmt.Errorf("%w: workflow %s in flight", ErrInvalidAction, lw.ID)
			}
		}
		if !target.IsValid() || target.Index() >= doc.Orchestration.Step.Current.Index() {
			return fmt.Errorf("%w: cannot go back to %q from %q", ErrInvalidStep, target, doc.Orchestration.Step.Current)
		}
		doc.Orchestration.Step.Current = target
		doc.Orchestration.Step.Index = target.Index()
		doc.Orchestration.Step.Status = state.StepNotStarted
		exec.CurrentPhase = state.Phase(target)
		exec.AppendDecision("go-back", string(target))
		return nil
	})
}

func (r *Runner) handlePause() error {
	doc, err := r.store.Load(r.projectDir)
	if err != nil {
		return err
	}
	exec := doc.Orchestration.Dashboard.Execution
	if exec == nil {
		return ErrNotRunning
	}
	if exec.Status != state.ExecRunning {
		return fmt.Errorf("%w: execution is %s, not running", ErrInvalidAction, exec.Status)
	}
	r.mutateExec("paused", "paused by user", func(exec *state.Execution) error {
		return exec.SetStatus(state.ExecPaused)
	})
	return nil
}

func (r *Runner) handleResume() error {
	doc, err := r.store.Load(r.projectDir)
	if err != nil {
		return err
	}
	exec := doc.Orchestration.Dashboard.Execution
	if exec == nil {
		return ErrNotRunning
	}
	if exec.Status != state.ExecPaused {
		return fmt.Errorf("%w: execution is %s, not paused", ErrInvalidAction, exec.Status)
	}
	r.mutateExec("resumed", "resumed by user", func(exec *state.Execution) error {
		return exec.SetStatus(state.ExecRunning)
	})
	return nil
}

func (r *Runner) markStepComplete() {
	_ = r.store.Mutate(r.projectDir, func(doc *state.Document) error {
		if doc.Orchestration.Step.Status != state.StepComplete {
			doc.Orchestration.Step.Status = state.StepComplete
		}
		return nil
	})
}

func (r *Runner) syncQuestionsGauge() {
	pending, err := r.queue.Pending(r.projectDir)
	if err != nil {
		return
	}
	r.metrics.QuestionsPending.Set(float64(len(pending)))
}

// maybeFinishMetrics runs the once-per-run finishing work when the
// execution has reached a terminal status: the finished counter and the
// archive write.
func (r *Runner) maybeFinishMetrics() {
	if r.finished {
		return
	}
	doc, err := r.store.Load(r.projectDir)
	if err != nil {
		return
	}
	exec := doc.Orchestration.Dashboard.Execution
	if exec == nil || !exec.Status.IsTerminal() {
		return
	}
	r.finished = true
	r.metrics.ExecutionsFinished.WithLabelValues(string(exec.Status)).Inc()

	if r.archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.archive.Put(ctx, exec); err != nil {
			r.logger.Warn("archive execution", slog.String("execution_id", exec.ID), slog.String("error", err.Error()))
		}
	}
}

// currentBatchFor returns the current batch when the workflow id matches
// it, guarding against a stale completion event after a go-back.
func currentBatchFor(exec *state.Execution, workflowID string) *state.BatchItem {
	item := exec.CurrentBatch()
	if item == nil || item.WorkflowExecutionID != workflowID {
		return nil
	}
	return item
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
