package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/specflowhq/specflow/events"
	"github.com/specflowhq/specflow/executor"
	"github.com/specflowhq/specflow/planner"
	"github.com/specflowhq/specflow/questions"
	"github.com/specflowhq/specflow/state"
)

// WorkflowRunner is the executor surface the runner depends on. The
// runner holds workflows only by id, never by handle.
type WorkflowRunner interface {
	Start(projectDir, projectID, skill, prompt string, opts executor.StartOptions) (*executor.Execution, error)
	Supervise(workflowID string) (*executor.Execution, error)
	Cancel(id string) error
	Get(workflowID string) (*executor.Execution, error)
}

// TasksLoader reads the project's tasks document. A missing document
// yields empty content, not an error.
type TasksLoader func(projectDir string) (string, error)

// DefaultTasksLoader reads .specflow/tasks.md under the project directory.
func DefaultTasksLoader(projectDir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(projectDir, ".specflow", "tasks.md"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read tasks document: %w", err)
	}
	return string(data), nil
}

type commandKind int

const (
	cmdWorkflowDone commandKind = iota
	cmdCancel
	cmdAnswer
	cmdRecover
	cmdTriggerMerge
	cmdGoBack
	cmdPause
	cmdResume
	cmdStop
)

type command struct {
	kind     commandKind
	workflow *executor.Execution
	answers  map[string]string
	action   state.RecoveryAction
	step     state.Step
	reply    chan error
}

// Runner is the per-project decision loop. All mutations of the
// project's state funnel through its single goroutine; callers talk to
// it over the command channel.
type Runner struct {
	projectID  string
	projectDir string

	store     *state.Store
	workflows WorkflowRunner
	queue     *questions.Queue
	healer    *Healer
	bus       *events.Bus
	metrics   *Metrics
	archive   Archiver
	loadTasks TasksLoader
	logger    *slog.Logger

	// finished flips once the terminal bookkeeping has run. Loop
	// goroutine only.
	finished bool

	commands chan command
	stopped  chan struct{}
}

// Archiver persists terminal executions. A nil archiver disables
// archival.
type Archiver interface {
	Put(ctx context.Context, exec *state.Execution) error
}

func newRunner(projectID, projectDir string, deps runnerDeps) *Runner {
	r := &Runner{
		projectID:  projectID,
		projectDir: projectDir,
		store:      deps.store,
		workflows:  deps.workflows,
		queue:      deps.queue,
		healer:     deps.healer,
		bus:        deps.bus,
		metrics:    deps.metrics,
		archive:    deps.archive,
		loadTasks:  deps.loadTasks,
		logger:     deps.logger.With(slog.String("project_id", projectID)),
		commands:   make(chan command, 16),
		stopped:    make(chan struct{}),
	}
	return r
}

type runnerDeps struct {
	store     *state.Store
	workflows WorkflowRunner
	queue     *questions.Queue
	healer    *Healer
	bus       *events.Bus
	metrics   *Metrics
	archive   Archiver
	loadTasks TasksLoader
	logger    *slog.Logger
}

func (r *Runner) start() {
	go r.loop()
}

func (r *Runner) send(cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case r.commands <- cmd:
	case <-r.stopped:
		return ErrNotRunning
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-r.stopped:
		return ErrNotRunning
	}
}

// Cancel terminates the in-flight workflow and cancels the execution.
func (r *Runner) Cancel() error { return r.send(command{kind: cmdCancel}) }

// Answer records answers and resumes the suspended workflow when none of
// its questions remain pending.
func (r *Runner) Answer(answers map[string]string) error {
	return r.send(command{kind: cmdAnswer, answers: answers})
}

// Recover applies a user-chosen recovery action.
func (r *Runner) Recover(action state.RecoveryAction) error {
	return r.send(command{kind: cmdRecover, action: action})
}

// TriggerMerge releases a waiting_merge execution into the merge phase.
func (r *Runner) TriggerMerge() error { return r.send(command{kind: cmdTriggerMerge}) }

// GoBack rewinds the step pointer to an earlier step.
func (r *Runner) GoBack(step state.Step) error {
	return r.send(command{kind: cmdGoBack, step: step})
}

// Pause suspends decision making after the in-flight workflow finishes.
func (r *Runner) Pause() error { return r.send(command{kind: cmdPause}) }

// Resume continues a paused execution.
func (r *Runner) Resume() error { return r.send(command{kind: cmdResume}) }

// Stop shuts the runner's loop down without touching the execution.
func (r *Runner) Stop() {
	_ = r.send(command{kind: cmdStop})
}

func (r *Runner) loop() {
	defer close(r.stopped)
	defer func() {
		if rec := recover(); rec != nil {
			// A panic isolates to this project and fails its execution.
			r.logger.Error("runner panic", slog.Any("panic", rec))
			_ = r.store.Mutate(r.projectDir, func(doc *state.Document) error {
				exec := doc.Orchestration.Dashboard.Execution
				if exec != nil && !exec.Status.IsTerminal() {
					exec.ErrorMessage = fmt.Sprintf("panic: %v", rec)
					exec.AppendDecision("panic", exec.ErrorMessage)
					_ = exec.SetStatus(state.ExecFailed)
				}
				return nil
			})
			r.publishStatus()
		}
	}()

	r.recoverDetached()
	r.evaluate()

	for cmd := range r.commands {
		var err error
		switch cmd.kind {
		case cmdStop:
			cmd.reply <- nil
			return
		case cmdWorkflowDone:
			err = r.handleWorkflowDone(cmd.workflow)
		case cmdCancel:
			err = r.handleCancel()
		case cmdAnswer:
			err = r.handleAnswer(cmd.answers)
		case cmdRecover:
			err = r.handleRecover(cmd.action)
		case cmdTriggerMerge:
			err = r.handleTriggerMerge()
		case cmdGoBack:
			err = r.handleGoBack(cmd.step)
		case cmdPause:
			err = r.handlePause()
		case cmdResume:
			err = r.handleResume()
		}
		if cmd.reply != nil {
			cmd.reply <- err
		}
		r.evaluate()
	}
}

// recoverDetached marks a workflow the state file believes is running but
// the executor no longer knows as detached, and surfaces it for recovery.
func (r *Runner) recoverDetached() {
	doc, err := r.store.Load(r.projectDir)
	if err != nil {
		return
	}
	lw := doc.Orchestration.Dashboard.LastWorkflow
	if lw == nil || executor.Status(lw.Status) != executor.StatusRunning {
		return
	}
	if _, err := r.workflows.Get(lw.ID); err == nil {
		return
	}

	_ = r.store.Mutate(r.projectDir, func(doc *state.Document) error {
		lw := doc.Orchestration.Dashboard.LastWorkflow
		lw.Status = string(executor.StatusDetached)
		lw.UpdatedAt = time.Now().UTC()
		exec := doc.Orchestration.Dashboard.Execution
		if exec != nil && !exec.Status.IsTerminal() {
			exec.RecoveryContext = &state.RecoveryContext{
				Issue:   fmt.Sprintf("workflow %s detached across restart", lw.ID),
				Options: []state.RecoveryAction{state.RecoverRetry, state.RecoverAbort},
			}
			exec.AppendDecision("workflow-detached", lw.ID)
			_ = exec.SetStatus(state.ExecNeedsAttention)
		}
		return nil
	})
	r.publishStatus()
}

// evaluate runs the decision function until it yields no further work.
// The bound only guards against a decision cascade that never settles.
func (r *Runner) evaluate() {
	for i := 0; i < 64; i++ {
		doc, err := r.store.Load(r.projectDir)
		if err != nil {
			r.logger.Error("load state", slog.String("error", err.Error()))
			return
		}
		action := decide(doc)
		switch action.Kind {
		case ActionIdle, ActionWait:
			return
		case ActionSpawn:
			r.spawnPhase(action.Skill, action.Reason)
			return
		case ActionSpawnBatch:
			r.spawnBatch(action.BatchIndex, action.Reason)
			return
		case ActionTransition:
			r.transition(action.NextStep, action.Reason)
		case ActionAdvanceBatch:
			if r.advanceBatch(action.Reason) {
				return // paused between batches
			}
		case ActionHeal:
			if r.heal(action.BatchIndex) {
				return // heal workflow in flight or escalated
			}
		case ActionWaitMerge:
			r.mutateExec("waiting-merge", action.Reason, func(exec *state.Execution) error {
				return exec.SetStatus(state.ExecWaitingMerge)
			})
			return
		}
	}
	r.logger.Warn("decision cascade did not settle")
}

// mutateExec applies fn to the live execution and records one decision.
func (r *Runner) mutateExec(decision, reason string, fn func(*state.Execution) error) {
	err := r.store.Mutate(r.projectDir, func(doc *state.Document) error {
		exec := doc.Orchestration.Dashboard.Execution
		if exec == nil {
			return ErrNotRunning
		}
		if err := fn(exec); err != nil {
			return err
		}
		exec.AppendDecision(decision, reason)
		return nil
	})
	if err != nil {
		r.logger.Error("state mutation failed",
			slog.String("decision", decision),
			slog.String("error", err.Error()))
		return
	}
	r.publishDecision(decision, reason)
	r.publishStatus()
}

func (r *Runner) publishDecision(decision, reason string) {
	r.bus.Decision(events.DecisionEvent{ProjectID: r.projectID, Decision: decision, Reason: reason})
}

func (r *Runner) publishStatus() {
	doc, err := r.store.Load(r.projectDir)
	if err != nil {
		return
	}
	exec := doc.Orchestration.Dashboard.Execution
	if exec == nil {
		return
	}
	r.bus.Status(events.StatusEvent{
		ProjectID:   r.projectID,
		ExecutionID: exec.ID,
		Status:      string(exec.Status),
		Phase:       string(exec.CurrentPhase),
		Error:       exec.ErrorMessage,
	})
}

// transition advances the step pointer; entering implement also plans the
// batches in the same write.
func (r *Runner) transition(next state.Step, reason string) {
	err := r.store.Mutate(r.projectDir, func(doc *state.Document) error {
		exec := doc.Orchestration.Dashboard.Execution
		if exec == nil {
			return ErrNotRunning
		}
		doc.Orchestration.Step.Current = next
		doc.Orchestration.Step.Index = next.Index()
		doc.Orchestration.Step.Status = state.StepNotStarted
		exec.CurrentPhase = state.Phase(next)
		exec.AppendDecision("transition", reason)

		if next == state.StepImplement && exec.Batches.Items == nil {
			content, err := r.loadTasks(r.projectDir)
			if err != nil {
				return err
			}
			plan := planner.Plan(content, exec.Config.BatchSizeFallback)
			items := make([]state.BatchItem, len(plan.Batches))
			for i, b := range plan.Batches {
				items[i] = state.BatchItem{Section: b.Section, TaskIDs: b.TaskIDs, Status: state.BatchPending}
			}
			exec.Batches = state.BatchState{Current: 0, Total: len(items), Items: items}
			exec.AppendDecision("batches-planned",
				fmt.Sprintf("%d batch(es), fallback=%t", len(items), plan.UsedFallback))
		}
		return nil
	})
	if err != nil {
		r.logger.Error("transition failed", slog.String("error", err.Error()))
		return
	}
	r.publishDecision("transition", reason)
}

// spawnPhase starts a phase workflow (design, analyze, verify, merge).
func (r *Runner) spawnPhase(skill, reason string) {
	wf, err := r.workflows.Start(r.projectDir, r.projectID, skill, phasePrompt(skill), executor.StartOptions{})
	if err != nil {
		r.spawnFailed(skill, err)
		return
	}
	r.metrics.WorkflowsSpawned.WithLabelValues(skill).Inc()

	r.mutateExec("spawn", fmt.Sprintf("%s: %s", skill, reason), func(exec *state.Execution) error {
		if exec.Executions == nil {
			exec.Executions = make(map[state.Phase]string)
		}
		exec.Executions[phaseForSkill(skill)] = wf.ID
		return nil
	})
	r.setLastWorkflow(wf)
	r.markStepInProgress()
	go r.superviseAsync(wf.ID)
}

// spawnBatch starts the implement workflow for the batch at index.
func (r *Runner) spawnBatch(index int, reason string) {
	doc, err := r.store.Load(r.projectDir)
	if err != nil {
		return
	}
	exec := doc.Orchestration.Dashboard.Execution
	if exec == nil || index >= len(exec.Batches.Items) {
		return
	}
	batch := exec.Batches.Items[index]

	wf, err := r.workflows.Start(r.projectDir, r.projectID, SkillImplement, batchPrompt(&batch), executor.StartOptions{})
	if err != nil {
		r.spawnFailed(SkillImplement, err)
		return
	}
	r.metrics.WorkflowsSpawned.WithLabelValues(SkillImplement).Inc()

	now := time.Now().UTC()
	r.mutateExec("spawn-batch", reason, func(exec *state.Execution) error {
		item := &exec.Batches.Items[index]
		item.Status = state.BatchRunning
		item.StartedAt = &now
		item.WorkflowExecutionID = wf.ID
		return nil
	})
	r.setLastWorkflow(wf)
	r.markStepInProgress()
	r.publishBatch(index)
	go r.superviseAsync(wf.ID)
}

// heal runs the auto-healer for the failed batch at index. Returns true
// when the evaluation loop should stop (workflow in flight or escalated).
func (r *Runner) heal(index int) bool {
	doc, err := r.store.Load(r.projectDir)
	if err != nil {
		return true
	}
	exec := doc.Orchestration.Dashboard.Execution
	if exec == nil || index >= len(exec.Batches.Items) {
		return true
	}
	batch := exec.Batches.Items[index]

	verdict, reason := r.healer.Assess(exec, &batch)
	if verdict == HealEscalate {
		r.mutateExec("needs-attention", reason, func(exec *state.Execution) error {
			exec.RecoveryContext = &state.RecoveryContext{
				Issue:   reason,
				Options: []state.RecoveryAction{state.RecoverRetry, state.RecoverSkip, state.RecoverAbort},
			}
			return exec.SetStatus(state.ExecNeedsAttention)
		})
		return true
	}

	errContext := ""
	if batch.WorkflowExecutionID != "" {
		if wf, err := r.workflows.Get(batch.WorkflowExecutionID); err == nil {
			errContext = wf.Error
			if errContext == "" && wf.LastOutput != nil {
				errContext = wf.LastOutput.Message
			}
		}
	}
	content, err := r.loadTasks(r.projectDir)
	if err != nil {
		content = ""
	}
	prompt := r.healer.Prompt(content, &batch, errContext)

	wf, err := r.workflows.Start(r.projectDir, r.projectID, SkillHeal, prompt, executor.StartOptions{})
	if err != nil {
		r.spawnFailed(SkillHeal, err)
		return true
	}
	r.metrics.WorkflowsSpawned.WithLabelValues(SkillHeal).Inc()

	r.mutateExec("heal-spawned", reason, func(exec *state.Execution) error {
		item := &exec.Batches.Items[index]
		item.HealAttempts++
		item.Status = state.BatchRunning
		item.WorkflowExecutionID = wf.ID
		return nil
	})
	r.setLastWorkflow(wf)
	go r.superviseAsync(wf.ID)
	return true
}

// advanceBatch moves past a terminal current batch. Returns true when the
// run pauses between batches.
func (r *Runner) advanceBatch(reason string) bool {
	paused := false
	r.mutateExec("advance-batch", reason, func(exec *state.Execution) error {
		exec.Batches.Current++
		if exec.Config.PauseBetweenBatches {
			if exec.Batches.Current < len(exec.Batches.Items) {
				paused = true
				return exec.SetStatus(state.ExecPaused)
			}
		}
		return nil
	})
	return paused
}

func (r *Runner) spawnFailed(skill string, err error) {
	reason := fmt.Sprintf("spawn %s: %v", skill, err)
	r.logger.Error("workflow spawn failed", slog.String("skill", skill), slog.String("error", err.Error()))
	r.mutateExec("spawn-failed", reason, func(exec *state.Execution) error {
		exec.RecoveryContext = &state.RecoveryContext{
			Issue:   reason,
			Options: []state.RecoveryAction{state.RecoverRetry, state.RecoverAbort},
		}
		return exec.SetStatus(state.ExecNeedsAttention)
	})
}

func (r *Runner) setLastWorkflow(wf *executor.Execution) {
	_ = r.store.Mutate(r.projectDir, func(doc *state.Document) error {
		doc.Orchestration.Dashboard.LastWorkflow = workflowRef(wf)
		return nil
	})
}

func (r *Runner) markStepInProgress() {
	_ = r.store.Mutate(r.projectDir, func(doc *state.Document) error {
		if doc.Orchestration.Step.Status == state.StepNotStarted {
			doc.Orchestration.Step.Status = state.StepInProgress
		}
		return nil
	})
}

func (r *Runner) publishBatch(index int) {
	doc, err := r.store.Load(r.projectDir)
	if err != nil {
		return
	}
	exec := doc.Orchestration.Dashboard.Execution
	if exec == nil || index >= len(exec.Batches.Items) {
		return
	}
	item := exec.Batches.Items[index]
	r.bus.Batch(events.BatchEvent{
		ProjectID: r.projectID,
		Section:   item.Section,
		Index:     index,
		Total:     exec.Batches.Total,
		Status:    string(item.Status),
	})
}

// superviseAsync waits out the subprocess and reports back to the loop.
func (r *Runner) superviseAsync(workflowID string) {
	final, err := r.workflows.Supervise(workflowID)
	if err != nil {
		final = &executor.Execution{
			ID:        workflowID,
			Status:    executor.StatusFailed,
			Error:     err.Error(),
			UpdatedAt: time.Now().UTC(),
		}
	}
	select {
	case r.commands <- command{kind: cmdWorkflowDone, workflow: final}:
	case <-r.stopped:
	}
}

func workflowRef(wf *executor.Execution) *state.WorkflowRef {
	return &state.WorkflowRef{
		ID:        wf.ID,
		Skill:     wf.Skill,
		Status:    string(wf.Status),
		SessionID: wf.SessionID,
		UpdatedAt: time.Now().UTC(),
	}
}

func phaseForSkill(skill string) state.Phase {
	switch skill {
	case SkillDesign:
		return state.PhaseDesign
	case SkillAnalyze:
		return state.PhaseAnalyze
	case SkillImplement, SkillHeal:
		return state.PhaseImplement
	case SkillVerify:
		return state.PhaseVerify
	case SkillMerge:
		return state.PhaseMerge
	}
	return state.PhaseDesign
}

func stepForSkill(skill string) state.Step {
	switch skill {
	case SkillDesign:
		return state.StepDesign
	case SkillAnalyze:
		return state.StepAnalyze
	case SkillImplement, SkillHeal:
		return state.StepImplement
	case SkillVerify:
		return state.StepVerify
	}
	return ""
}
