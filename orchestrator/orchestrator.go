// Package orchestrator drives a project's design, analyze, implement,
// verify and merge phases by spawning agent workflows and reacting to
// their outcomes. All orchestration state lives in the project's state
// file; the in-memory layer is rebuildable from disk.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/specflowhq/specflow/config"
	"github.com/specflowhq/specflow/events"
	"github.com/specflowhq/specflow/planner"
	"github.com/specflowhq/specflow/questions"
	"github.com/specflowhq/specflow/registry"
	"github.com/specflowhq/specflow/state"
	"github.com/specflowhq/specflow/transcript"
)

// Options wires the orchestrator's collaborators. Bus and Archive may be
// nil; TasksLoader defaults to the tasks document under .specflow/.
type Options struct {
	Registry       *registry.Registry
	Store          *state.Store
	Workflows      WorkflowRunner
	Queue          *questions.Queue
	Bus            *events.Bus
	Archive        Archiver
	Metrics        *Metrics
	TasksLoader    TasksLoader
	TranscriptRoot string
	TranscriptPoll time.Duration
	Defaults       config.OrchestrationConfig
	Logger         *slog.Logger
}

// Orchestrator is the top-level orchestration API, one runner per
// project with an active execution.
type Orchestrator struct {
	registry       *registry.Registry
	store          *state.Store
	workflows      WorkflowRunner
	queue          *questions.Queue
	bus            *events.Bus
	archive        Archiver
	metrics        *Metrics
	loadTasks      TasksLoader
	transcriptRoot string
	transcriptPoll time.Duration
	defaults       config.OrchestrationConfig
	logger         *slog.Logger

	mu      sync.Mutex
	runners map[string]*Runner // projectID -> runner
}

// New creates an orchestrator.
func New(opts Options) *Orchestrator {
	if opts.TasksLoader == nil {
		opts.TasksLoader = DefaultTasksLoader
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Queue == nil {
		opts.Queue = questions.NewQueue()
	}
	if opts.TranscriptPoll <= 0 {
		opts.TranscriptPoll = time.Second
	}
	return &Orchestrator{
		registry:       opts.Registry,
		store:          opts.Store,
		workflows:      opts.Workflows,
		queue:          opts.Queue,
		bus:            opts.Bus,
		archive:        opts.Archive,
		metrics:        opts.Metrics,
		loadTasks:      opts.TasksLoader,
		transcriptRoot: opts.TranscriptRoot,
		transcriptPoll: opts.TranscriptPoll,
		defaults:       opts.Defaults,
		logger:         opts.Logger,
		runners:        make(map[string]*Runner),
	}
}

func (o *Orchestrator) projectDir(projectID string) (string, error) {
	project, err := o.registry.Get(projectID)
	if err != nil {
		return "", err
	}
	return project.Path, nil
}

// Start begins a new orchestration execution for a project. At most one
// non-terminal execution may exist per project.
func (o *Orchestrator) Start(projectID string, cfg state.RunConfig) (*state.Execution, error) {
	project, err := o.registry.Get(projectID)
	if err != nil {
		return nil, err
	}
	dir := project.Path

	if cfg.BatchSizeFallback <= 0 {
		cfg.BatchSizeFallback = o.defaults.BatchSizeFallback
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if _, err := o.store.Load(dir); err != nil {
		if !errors.Is(err, state.ErrNotFound) {
			return nil, err
		}
		if _, err := o.store.Init(dir, state.ProjectInfo{ID: project.ID, Name: project.Name, Path: project.Path}); err != nil {
			return nil, err
		}
	}

	exec := &state.Execution{
		ID:           uuid.NewString(),
		ProjectID:    projectID,
		Status:       state.ExecRunning,
		Config:       cfg,
		CurrentPhase: state.PhaseDesign,
		Executions:   make(map[state.Phase]string),
		StartedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	exec.AppendDecision("started", fmt.Sprintf("project %s", projectID))

	// The single-live-execution check runs inside Mutate, under the
	// project lock, so concurrent Starts cannot both install.
	err = o.store.Mutate(dir, func(doc *state.Document) error {
		if cur := doc.Orchestration.Dashboard.Execution; cur != nil && !cur.Status.IsTerminal() {
			return fmt.Errorf("%w: execution %s is %s", ErrAlreadyRunning, cur.ID, cur.Status)
		}
		doc.Orchestration.Dashboard.Active = true
		doc.Orchestration.Dashboard.Execution = exec
		doc.Orchestration.Dashboard.LastWorkflow = nil
		doc.Orchestration.Step = state.StepInfo{
			Current: state.StepDesign,
			Index:   state.StepDesign.Index(),
			Status:  state.StepNotStarted,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.metrics.RunsStarted.Inc()
	o.logger.Info("orchestration started",
		slog.String("project_id", projectID),
		slog.String("execution_id", exec.ID))

	o.spawnRunner(projectID, dir)
	return exec, nil
}

// spawnRunner replaces any existing runner for the project.
func (o *Orchestrator) spawnRunner(projectID, dir string) {
	o.mu.Lock()
	old := o.runners[projectID]
	r := newRunner(projectID, dir, runnerDeps{
		store:     o.store,
		workflows: o.workflows,
		queue:     o.queue,
		healer:    &Healer{},
		bus:       o.bus,
		metrics:   o.metrics,
		archive:   o.archive,
		loadTasks: o.loadTasks,
		logger:    o.logger,
	})
	o.runners[projectID] = r
	o.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	r.start()
}

// Attach resumes supervision of a project whose state file carries a
// non-terminal execution, typically after a restart. Detached workflows
// are surfaced through the recovery flow.
func (o *Orchestrator) Attach(projectID string) error {
	dir, err := o.projectDir(projectID)
	if err != nil {
		return err
	}
	doc, err := o.store.Load(dir)
	if err != nil {
		return err
	}
	exec := doc.Orchestration.Dashboard.Execution
	if exec == nil || exec.Status.IsTerminal() {
		return ErrNotRunning
	}
	o.spawnRunner(projectID, dir)
	return nil
}

// Snapshot is the execution view returned by Status.
type Snapshot struct {
	Execution        *state.Execution     `json:"execution"`
	Step             state.StepInfo       `json:"step"`
	LastWorkflow     *state.WorkflowRef   `json:"last_workflow,omitempty"`
	PendingQuestions []questions.Question `json:"pending_questions,omitempty"`
}

// Status returns the current execution snapshot for a project.
func (o *Orchestrator) Status(projectID string) (*Snapshot, error) {
	dir, err := o.projectDir(projectID)
	if err != nil {
		return nil, err
	}
	doc, err := o.store.Load(dir)
	if err != nil {
		return nil, err
	}
	if doc.Orchestration.Dashboard.Execution == nil {
		return nil, ErrNotRunning
	}
	pending, err := o.queue.Pending(dir)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Execution:        doc.Orchestration.Dashboard.Execution,
		Step:             doc.Orchestration.Step,
		LastWorkflow:     doc.Orchestration.Dashboard.LastWorkflow,
		PendingQuestions: pending,
	}, nil
}

// PreviewBatches plans batches from the current tasks document without
// starting anything.
func (o *Orchestrator) PreviewBatches(projectID string) (*planner.BatchPlan, error) {
	dir, err := o.projectDir(projectID)
	if err != nil {
		return nil, err
	}
	content, err := o.loadTasks(dir)
	if err != nil {
		return nil, err
	}
	fallback := o.defaults.BatchSizeFallback
	if doc, err := o.store.Load(dir); err == nil {
		if exec := doc.Orchestration.Dashboard.Execution; exec != nil && exec.Config.BatchSizeFallback > 0 {
			fallback = exec.Config.BatchSizeFallback
		}
	}
	plan := planner.Plan(content, fallback)
	return &plan, nil
}

// Transcript reads the tail of a session transcript for a project.
func (o *Orchestrator) Transcript(projectID, sessionID string, tail int) ([]transcript.Message, error) {
	path, err := o.transcriptPath(projectID, sessionID)
	if err != nil {
		return nil, err
	}
	return transcript.Read(path, tail)
}

// FollowTranscript streams live transcript messages for a session onto
// the event bus until the session ends or ctx is cancelled.
func (o *Orchestrator) FollowTranscript(ctx context.Context, projectID, sessionID string) error {
	path, err := o.transcriptPath(projectID, sessionID)
	if err != nil {
		return err
	}
	follower := transcript.NewFollower(path, o.transcriptPoll, o.logger)
	for msg := range follower.Follow(ctx) {
		o.bus.Transcript(events.TranscriptEvent{
			ProjectID: projectID,
			SessionID: sessionID,
			Message:   msg,
		})
	}
	return ctx.Err()
}

func (o *Orchestrator) transcriptPath(projectID, sessionID string) (string, error) {
	dir, err := o.projectDir(projectID)
	if err != nil {
		return "", err
	}
	return filepath.Join(transcript.ProjectDir(o.transcriptRoot, dir), sessionID+".jsonl"), nil
}

func (o *Orchestrator) runner(projectID string) (*Runner, error) {
	o.mu.Lock()
	r := o.runners[projectID]
	o.mu.Unlock()
	if r == nil {
		return nil, fmt.Errorf("%w: no active runner for project %s", ErrNotRunning, projectID)
	}
	return r, nil
}

// Pause suspends decision making for a running execution.
func (o *Orchestrator) Pause(projectID string) error {
	r, err := o.runner(projectID)
	if err != nil {
		return err
	}
	return r.Pause()
}

// Resume continues a paused execution.
func (o *Orchestrator) Resume(projectID string) error {
	r, err := o.runner(projectID)
	if err != nil {
		return err
	}
	return r.Resume()
}

// Cancel terminates the in-flight workflow and cancels the execution.
func (o *Orchestrator) Cancel(projectID string) error {
	r, err := o.runner(projectID)
	if err != nil {
		return err
	}
	return r.Cancel()
}

// TriggerMerge releases a waiting_merge execution into the merge phase.
func (o *Orchestrator) TriggerMerge(projectID string) error {
	r, err := o.runner(projectID)
	if err != nil {
		return err
	}
	return r.TriggerMerge()
}

// Recover applies a user-chosen recovery action to a needs_attention
// execution.
func (o *Orchestrator) Recover(projectID string, action state.RecoveryAction) error {
	if !action.IsValid() {
		return fmt.Errorf("%w: unknown recovery action %q", ErrInvalidAction, action)
	}
	r, err := o.runner(projectID)
	if err != nil {
		return err
	}
	return r.Recover(action)
}

// GoBack rewinds the step pointer to an earlier step.
func (o *Orchestrator) GoBack(projectID string, step state.Step) error {
	r, err := o.runner(projectID)
	if err != nil {
		return err
	}
	return r.GoBack(step)
}

// Answer records answers to pending questions and resumes the suspended
// workflow once all of its questions are answered.
func (o *Orchestrator) Answer(projectID string, answers map[string]string) error {
	r, err := o.runner(projectID)
	if err != nil {
		return err
	}
	return r.Answer(answers)
}

// Shutdown stops all runner loops. Executions keep their persisted state
// and can be reattached on the next start.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	runners := make([]*Runner, 0, len(o.runners))
	for _, r := range o.runners {
		runners = append(runners, r)
	}
	o.runners = make(map[string]*Runner)
	o.mu.Unlock()

	for _, r := range runners {
		r.Stop()
	}
}
