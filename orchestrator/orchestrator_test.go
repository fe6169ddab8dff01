package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/specflowhq/specflow/config"
	"github.com/specflowhq/specflow/executor"
	"github.com/specflowhq/specflow/questions"
	"github.com/specflowhq/specflow/registry"
	"github.com/specflowhq/specflow/state"
	"github.com/specflowhq/specflow/transcript"
)

// fakeCall records one workflow spawn.
type fakeCall struct {
	ID     string
	Skill  string
	Prompt string
	Opts   executor.StartOptions
}

// fakeWorkflows scripts agent outcomes per spawn. The outcome function
// receives the zero-based call number and returns the final snapshot;
// hang makes Supervise block until Cancel.
type fakeWorkflows struct {
	mu      sync.Mutex
	seq     int
	calls   []fakeCall
	results map[string]*executor.Execution
	blocks  map[string]chan struct{}

	outcome func(call int, skill string, opts executor.StartOptions) executor.Execution
	hang    func(call int, skill string) bool
}

func newFakeWorkflows(outcome func(call int, skill string, opts executor.StartOptions) executor.Execution) *fakeWorkflows {
	return &fakeWorkflows{
		results: make(map[string]*executor.Execution),
		blocks:  make(map[string]chan struct{}),
		outcome: outcome,
	}
}

func (f *fakeWorkflows) Start(projectDir, projectID, skill, prompt string, opts executor.StartOptions) (*executor.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	call := f.seq
	f.seq++
	id := fmt.Sprintf("wf-%d", call)
	f.calls = append(f.calls, fakeCall{ID: id, Skill: skill, Prompt: prompt, Opts: opts})

	final := f.outcome(call, skill, opts)
	final.ID = id
	final.ProjectID = projectID
	final.Skill = skill
	f.results[id] = &final

	if f.hang != nil && f.hang(call, skill) {
		f.blocks[id] = make(chan struct{})
	}

	snapshot := final
	snapshot.Status = executor.StatusRunning
	return &snapshot, nil
}

func (f *fakeWorkflows) Supervise(workflowID string) (*executor.Execution, error) {
	f.mu.Lock()
	block := f.blocks[workflowID]
	f.mu.Unlock()
	if block != nil {
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	final, ok := f.results[workflowID]
	if !ok {
		return nil, executor.ErrUnknownWorkflow
	}
	out := *final
	return &out, nil
}

func (f *fakeWorkflows) Cancel(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if final, ok := f.results[id]; ok {
		final.Status = executor.StatusCancelled
	}
	if block, ok := f.blocks[id]; ok {
		close(block)
		delete(f.blocks, id)
	}
	return nil
}

func (f *fakeWorkflows) Get(workflowID string) (*executor.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	final, ok := f.results[workflowID]
	if !ok {
		return nil, executor.ErrUnknownWorkflow
	}
	out := *final
	return &out, nil
}

func (f *fakeWorkflows) callLog() []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeCall(nil), f.calls...)
}

func skills(calls []fakeCall) []string {
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Skill
	}
	return out
}

func completedOutcome(cost float64) func(int, string, executor.StartOptions) executor.Execution {
	return func(int, string, executor.StartOptions) executor.Execution {
		return executor.Execution{Status: executor.StatusCompleted, CostUSD: cost}
	}
}

const testProjectID = "proj-1"

func newTestOrchestrator(t *testing.T, fake *fakeWorkflows, tasks string) (*Orchestrator, string) {
	t.Helper()

	projectDir := t.TempDir()
	regPath := filepath.Join(t.TempDir(), "projects.json")
	reg := []registry.Project{{ID: testProjectID, Name: "demo", Path: projectDir}}
	data, err := json.Marshal(reg)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(regPath, data, 0o644); err != nil {
		t.Fatal(err)
	}

	o := New(Options{
		Registry:  registry.New(regPath),
		Store:     state.NewStore(),
		Workflows: fake,
		Queue:     questions.NewQueue(),
		Metrics:   NewMetrics(prometheus.NewRegistry()),
		TasksLoader: func(string) (string, error) {
			return tasks, nil
		},
		Defaults: config.OrchestrationConfig{AutoHealEnabled: true, MaxHealAttempts: 1, BatchSizeFallback: 15},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(o.Shutdown)
	return o, projectDir
}

func defaultRunConfig() state.RunConfig {
	return state.RunConfig{
		AutoMerge:         true,
		AutoHealEnabled:   true,
		MaxHealAttempts:   1,
		BatchSizeFallback: 15,
	}
}

func waitForStatus(t *testing.T, o *Orchestrator, want state.ExecutionStatus) *Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last *Snapshot
	for time.Now().Before(deadline) {
		snap, err := o.Status(testProjectID)
		if err == nil {
			last = snap
			if snap.Execution.Status == want {
				return snap
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	got := "<none>"
	if last != nil {
		got = string(last.Execution.Status)
	}
	t.Fatalf("execution never reached %s, last status %s", want, got)
	return nil
}

const threeSectionTasks = `# Tasks

## Setup
- [ ] T001 Init repo
- [ ] T002 Add config

## Core
- [ ] T003 State layer
- [ ] T004 Planner

## Polish
- [ ] T005 Docs
`

func TestRunHappyPathAutoMerge(t *testing.T) {
	fake := newFakeWorkflows(completedOutcome(0.05))
	o, _ := newTestOrchestrator(t, fake, threeSectionTasks)

	exec, err := o.Start(testProjectID, defaultRunConfig())
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if exec.Status != state.ExecRunning {
		t.Fatalf("initial status = %s, want running", exec.Status)
	}

	snap := waitForStatus(t, o, state.ExecCompleted)

	want := []string{SkillDesign, SkillAnalyze, SkillImplement, SkillImplement, SkillImplement, SkillVerify, SkillMerge}
	got := skills(fake.callLog())
	if len(got) != len(want) {
		t.Fatalf("spawned skills = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("spawned skills = %v, want %v", got, want)
		}
	}

	final := snap.Execution
	if final.Batches.Total != 3 {
		t.Fatalf("batches total = %d, want 3", final.Batches.Total)
	}
	for i, item := range final.Batches.Items {
		if item.Status != state.BatchCompleted {
			t.Errorf("batch %d status = %s, want completed", i, item.Status)
		}
		if item.CompletedAt == nil {
			t.Errorf("batch %d missing completion time", i)
		}
	}
	if final.Batches.Items[0].Section != "Setup" || final.Batches.Items[2].Section != "Polish" {
		t.Errorf("batch sections = %q, %q", final.Batches.Items[0].Section, final.Batches.Items[2].Section)
	}

	for _, phase := range []state.Phase{state.PhaseDesign, state.PhaseAnalyze, state.PhaseVerify, state.PhaseMerge} {
		if final.Executions[phase] == "" {
			t.Errorf("no workflow recorded for phase %s", phase)
		}
	}
	if final.CurrentPhase != state.PhaseComplete {
		t.Errorf("current phase = %s, want complete", final.CurrentPhase)
	}
	if got, want := final.TotalCostUSD, 7*0.05; got < want-1e-9 || got > want+1e-9 {
		t.Errorf("total cost = %f, want %f", got, want)
	}
	if len(final.DecisionLog) == 0 || final.DecisionLog[0].Decision != "started" {
		t.Fatalf("decision log does not open with started: %+v", final.DecisionLog)
	}
	for i := 1; i < len(final.DecisionLog); i++ {
		if final.DecisionLog[i].Timestamp.Before(final.DecisionLog[i-1].Timestamp) {
			t.Errorf("decision log out of order at %d", i)
		}
	}
	if final.CompletedAt == nil {
		t.Error("terminal execution missing completion time")
	}
}

func TestRunManualMergeGate(t *testing.T) {
	fake := newFakeWorkflows(completedOutcome(0))
	o, _ := newTestOrchestrator(t, fake, "## Only\n- [ ] T001 One\n")

	cfg := defaultRunConfig()
	cfg.AutoMerge = false
	if _, err := o.Start(testProjectID, cfg); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	waitForStatus(t, o, state.ExecWaitingMerge)
	for _, s := range skills(fake.callLog()) {
		if s == SkillMerge {
			t.Fatal("merge spawned before trigger")
		}
	}

	if err := o.TriggerMerge(testProjectID); err != nil {
		t.Fatalf("TriggerMerge() error: %v", err)
	}
	snap := waitForStatus(t, o, state.ExecCompleted)
	if snap.Execution.Executions[state.PhaseMerge] == "" {
		t.Error("no merge workflow recorded")
	}

	if err := o.TriggerMerge(testProjectID); !errors.Is(err, ErrInvalidAction) {
		t.Errorf("TriggerMerge() on terminal execution = %v, want ErrInvalidAction", err)
	}
}

func TestRunStartRejectsSecondExecution(t *testing.T) {
	fake := newFakeWorkflows(completedOutcome(0))
	fake.hang = func(call int, skill string) bool { return skill == SkillDesign }
	o, _ := newTestOrchestrator(t, fake, "")

	if _, err := o.Start(testProjectID, defaultRunConfig()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if _, err := o.Start(testProjectID, defaultRunConfig()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start() = %v, want ErrAlreadyRunning", err)
	}

	if err := o.Cancel(testProjectID); err != nil {
		t.Fatalf("Cancel() error: %v", err)
	}
	waitForStatus(t, o, state.ExecCancelled)
}

func TestRunConcurrentStartSingleWinner(t *testing.T) {
	fake := newFakeWorkflows(completedOutcome(0))
	fake.hang = func(call int, skill string) bool { return true }
	o, _ := newTestOrchestrator(t, fake, "")

	const starters = 32
	errs := make([]error, starters)
	var wg sync.WaitGroup
	gate := make(chan struct{})
	for i := 0; i < starters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-gate
			_, errs[i] = o.Start(testProjectID, defaultRunConfig())
		}(i)
	}
	close(gate)
	wg.Wait()

	successes, rejected := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrAlreadyRunning):
			rejected++
		default:
			t.Fatalf("Start() error: %v", err)
		}
	}
	if successes != 1 || rejected != starters-1 {
		t.Fatalf("successes = %d, already_running = %d, want 1 and %d", successes, rejected, starters-1)
	}

	if err := o.Cancel(testProjectID); err != nil {
		t.Fatalf("Cancel() error: %v", err)
	}
	waitForStatus(t, o, state.ExecCancelled)
}

func TestRunBatchHealedOnce(t *testing.T) {
	fake := newFakeWorkflows(nil)
	fake.outcome = func(call int, skill string, opts executor.StartOptions) executor.Execution {
		if skill == SkillImplement {
			return executor.Execution{Status: executor.StatusFailed, Error: "tests failed in batch"}
		}
		return executor.Execution{Status: executor.StatusCompleted}
	}
	o, _ := newTestOrchestrator(t, fake, "## Core\n- [ ] T001 One\n- [ ] T002 Two\n")

	if _, err := o.Start(testProjectID, defaultRunConfig()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	snap := waitForStatus(t, o, state.ExecCompleted)

	batch := snap.Execution.Batches.Items[0]
	if batch.Status != state.BatchHealed {
		t.Fatalf("batch status = %s, want healed", batch.Status)
	}
	if batch.HealAttempts != 1 {
		t.Errorf("heal attempts = %d, want 1", batch.HealAttempts)
	}

	got := skills(fake.callLog())
	want := []string{SkillDesign, SkillAnalyze, SkillImplement, SkillHeal, SkillVerify, SkillMerge}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("spawned skills = %v, want %v", got, want)
	}

	healPrompt := fake.callLog()[3].Prompt
	if !strings.Contains(healPrompt, "Core") || !strings.Contains(healPrompt, "tests failed in batch") {
		t.Errorf("heal prompt missing context: %q", healPrompt)
	}
}

func TestRunHealExhaustedThenSkip(t *testing.T) {
	fake := newFakeWorkflows(nil)
	fake.outcome = func(call int, skill string, opts executor.StartOptions) executor.Execution {
		if skill == SkillImplement || skill == SkillHeal {
			return executor.Execution{Status: executor.StatusFailed, Error: "still broken"}
		}
		return executor.Execution{Status: executor.StatusCompleted}
	}
	o, _ := newTestOrchestrator(t, fake, "## Core\n- [ ] T001 One\n")

	if _, err := o.Start(testProjectID, defaultRunConfig()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	snap := waitForStatus(t, o, state.ExecNeedsAttention)

	rc := snap.Execution.RecoveryContext
	if rc == nil {
		t.Fatal("needs_attention without recovery context")
	}
	wantOpts := []state.RecoveryAction{state.RecoverRetry, state.RecoverSkip, state.RecoverAbort}
	if len(rc.Options) != len(wantOpts) {
		t.Fatalf("recovery options = %v, want %v", rc.Options, wantOpts)
	}

	if err := o.GoBack(testProjectID, state.StepImplement); !errors.Is(err, ErrInvalidStep) {
		t.Errorf("GoBack to current step = %v, want ErrInvalidStep", err)
	}

	if err := o.Recover(testProjectID, state.RecoverSkip); err != nil {
		t.Fatalf("Recover(skip) error: %v", err)
	}
	final := waitForStatus(t, o, state.ExecCompleted)

	if final.Execution.Batches.Items[0].Status != state.BatchCompleted {
		t.Errorf("skipped batch status = %s, want completed", final.Execution.Batches.Items[0].Status)
	}
	if final.Execution.RecoveryContext != nil {
		t.Error("recovery context not cleared after recovery")
	}

	found := false
	for _, d := range final.Execution.DecisionLog {
		if d.Decision == "recover-skip" {
			found = true
		}
	}
	if !found {
		t.Error("decision log missing recover-skip entry")
	}
}

func TestRunRecoverRetryRerunsBatch(t *testing.T) {
	var implCalls int
	var mu sync.Mutex
	fake := newFakeWorkflows(nil)
	fake.outcome = func(call int, skill string, opts executor.StartOptions) executor.Execution {
		mu.Lock()
		defer mu.Unlock()
		switch skill {
		case SkillImplement:
			implCalls++
			if implCalls == 1 {
				return executor.Execution{Status: executor.StatusFailed, Error: "flaky"}
			}
			return executor.Execution{Status: executor.StatusCompleted}
		case SkillHeal:
			return executor.Execution{Status: executor.StatusFailed, Error: "still flaky"}
		}
		return executor.Execution{Status: executor.StatusCompleted}
	}
	o, _ := newTestOrchestrator(t, fake, "## Core\n- [ ] T001 One\n")

	if _, err := o.Start(testProjectID, defaultRunConfig()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitForStatus(t, o, state.ExecNeedsAttention)

	if err := o.Recover(testProjectID, state.RecoverRetry); err != nil {
		t.Fatalf("Recover(retry) error: %v", err)
	}
	snap := waitForStatus(t, o, state.ExecCompleted)
	if got := snap.Execution.Batches.Items[0].Status; got != state.BatchCompleted {
		t.Errorf("retried batch status = %s, want completed", got)
	}
}

func TestRunQuestionCycle(t *testing.T) {
	fake := newFakeWorkflows(nil)
	fake.outcome = func(call int, skill string, opts executor.StartOptions) executor.Execution {
		if skill == SkillDesign && opts.ResumeSessionID == "" {
			return executor.Execution{
				Status:    executor.StatusWaitingForInput,
				SessionID: "sess-design",
				LastOutput: &executor.Result{
					Status: executor.ResultNeedsInput,
					Questions: []questions.Question{
						{ID: "q1", Content: "Which database?", Options: []questions.Option{{Label: "postgres"}, {Label: "sqlite"}}},
					},
				},
			}
		}
		return executor.Execution{Status: executor.StatusCompleted}
	}
	o, _ := newTestOrchestrator(t, fake, "## Core\n- [ ] T001 One\n")

	if _, err := o.Start(testProjectID, defaultRunConfig()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	var snap *Snapshot
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s, err := o.Status(testProjectID)
		if err == nil && len(s.PendingQuestions) > 0 {
			snap = s
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if snap == nil {
		t.Fatal("question never surfaced")
	}
	if snap.PendingQuestions[0].ID != "q1" || snap.PendingQuestions[0].Content != "Which database?" {
		t.Fatalf("pending question = %+v", snap.PendingQuestions[0])
	}

	if err := o.Answer(testProjectID, map[string]string{"q1": "postgres"}); err != nil {
		t.Fatalf("Answer() error: %v", err)
	}
	final := waitForStatus(t, o, state.ExecCompleted)

	calls := fake.callLog()
	if calls[1].Skill != SkillDesign {
		t.Fatalf("second call skill = %s, want resumed design", calls[1].Skill)
	}
	if calls[1].Opts.ResumeSessionID != "sess-design" {
		t.Errorf("resume session = %q, want sess-design", calls[1].Opts.ResumeSessionID)
	}
	if !strings.Contains(calls[1].Prompt, "q1: postgres") {
		t.Errorf("resume prompt missing answer: %q", calls[1].Prompt)
	}

	if len(final.PendingQuestions) != 0 {
		t.Errorf("%d question(s) left pending after resume", len(final.PendingQuestions))
	}

	if err := o.Answer(testProjectID, map[string]string{"q1": "again"}); err == nil {
		t.Error("answering a drained question succeeded")
	}
}

func TestRunCancelMidImplement(t *testing.T) {
	fake := newFakeWorkflows(completedOutcome(0))
	fake.hang = func(call int, skill string) bool { return skill == SkillImplement }
	o, projectDir := newTestOrchestrator(t, fake, "## Core\n- [ ] T001 One\n")

	if _, err := o.Start(testProjectID, defaultRunConfig()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if calls := fake.callLog(); len(calls) > 0 && calls[len(calls)-1].Skill == SkillImplement {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := o.Cancel(testProjectID); err != nil {
		t.Fatalf("Cancel() error: %v", err)
	}
	snap := waitForStatus(t, o, state.ExecCancelled)
	if snap.Execution.CompletedAt == nil {
		t.Error("cancelled execution missing completion time")
	}

	// Cancelling again is a no-op.
	if err := o.Cancel(testProjectID); err != nil {
		t.Fatalf("second Cancel() error: %v", err)
	}

	store := state.NewStore()
	doc, err := store.Load(projectDir)
	if err != nil {
		t.Fatalf("reload state: %v", err)
	}
	if doc.Orchestration.Dashboard.Execution.Status != state.ExecCancelled {
		t.Errorf("persisted status = %s, want cancelled", doc.Orchestration.Dashboard.Execution.Status)
	}
}

func TestRunCancelledDrainAddsNoCost(t *testing.T) {
	fake := newFakeWorkflows(completedOutcome(0.07))
	fake.hang = func(call int, skill string) bool { return skill == SkillDesign }
	o, _ := newTestOrchestrator(t, fake, "")

	if _, err := o.Start(testProjectID, defaultRunConfig()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := o.Cancel(testProjectID); err != nil {
		t.Fatalf("Cancel() error: %v", err)
	}
	waitForStatus(t, o, state.ExecCancelled)

	// The cancelled workflow still drains and updates the workflow ref,
	// but its cost never lands on the terminal execution.
	deadline := time.Now().Add(5 * time.Second)
	var snap *Snapshot
	for time.Now().Before(deadline) {
		s, err := o.Status(testProjectID)
		if err == nil && s.LastWorkflow != nil && executor.Status(s.LastWorkflow.Status) == executor.StatusCancelled {
			snap = s
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if snap == nil {
		t.Fatal("cancelled workflow never drained")
	}
	if snap.Execution.TotalCostUSD != 0 {
		t.Errorf("total cost = %f, want 0 after terminal drain", snap.Execution.TotalCostUSD)
	}
}

func TestRunPauseBetweenBatches(t *testing.T) {
	fake := newFakeWorkflows(completedOutcome(0))
	o, _ := newTestOrchestrator(t, fake, "## A\n- [ ] T001 One\n\n## B\n- [ ] T002 Two\n")

	cfg := defaultRunConfig()
	cfg.PauseBetweenBatches = true
	if _, err := o.Start(testProjectID, cfg); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	snap := waitForStatus(t, o, state.ExecPaused)
	if snap.Execution.Batches.Current != 1 {
		t.Fatalf("paused at batch %d, want 1", snap.Execution.Batches.Current)
	}
	if snap.Execution.Batches.Items[0].Status != state.BatchCompleted {
		t.Fatalf("first batch = %s, want completed", snap.Execution.Batches.Items[0].Status)
	}

	if err := o.Resume(testProjectID); err != nil {
		t.Fatalf("Resume() error: %v", err)
	}
	waitForStatus(t, o, state.ExecCompleted)
}

func TestRunBudgetExceeded(t *testing.T) {
	fake := newFakeWorkflows(completedOutcome(0.08))
	o, _ := newTestOrchestrator(t, fake, "## Core\n- [ ] T001 One\n")

	cfg := defaultRunConfig()
	cfg.Budget.MaxTotal = 0.10
	if _, err := o.Start(testProjectID, cfg); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	snap := waitForStatus(t, o, state.ExecNeedsAttention)
	rc := snap.Execution.RecoveryContext
	if rc == nil || len(rc.Options) != 1 || rc.Options[0] != state.RecoverAbort {
		t.Fatalf("recovery context = %+v, want abort only", rc)
	}

	if err := o.Recover(testProjectID, state.RecoverRetry); !errors.Is(err, ErrInvalidAction) {
		t.Errorf("Recover(retry) = %v, want ErrInvalidAction", err)
	}
	if err := o.Recover(testProjectID, state.RecoverAbort); err != nil {
		t.Fatalf("Recover(abort) error: %v", err)
	}
	final := waitForStatus(t, o, state.ExecFailed)
	if final.Execution.ErrorMessage == "" {
		t.Error("aborted execution has no error message")
	}
}

func TestRunBatchBudgetExceeded(t *testing.T) {
	fake := newFakeWorkflows(nil)
	fake.outcome = func(call int, skill string, opts executor.StartOptions) executor.Execution {
		cost := 0.01
		if skill == SkillImplement {
			cost = 0.50
		}
		return executor.Execution{Status: executor.StatusCompleted, CostUSD: cost}
	}
	o, _ := newTestOrchestrator(t, fake, "## Core\n- [ ] T001 One\n")

	cfg := defaultRunConfig()
	cfg.Budget.MaxPerBatch = 0.25
	if _, err := o.Start(testProjectID, cfg); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	snap := waitForStatus(t, o, state.ExecNeedsAttention)
	rc := snap.Execution.RecoveryContext
	if rc == nil || len(rc.Options) != 1 || rc.Options[0] != state.RecoverAbort {
		t.Fatalf("recovery context = %+v, want abort only", rc)
	}
	if !strings.Contains(rc.Issue, "batch budget") {
		t.Errorf("issue = %q, want batch budget", rc.Issue)
	}
	// The batch outcome itself is still recorded.
	if got := snap.Execution.Batches.Items[0].Status; got != state.BatchCompleted {
		t.Errorf("batch status = %s, want completed", got)
	}

	if err := o.Recover(testProjectID, state.RecoverAbort); err != nil {
		t.Fatalf("Recover(abort) error: %v", err)
	}
	waitForStatus(t, o, state.ExecFailed)
}

func TestRunDecisionBudgetExceeded(t *testing.T) {
	fake := newFakeWorkflows(completedOutcome(0.30))
	o, _ := newTestOrchestrator(t, fake, "## Core\n- [ ] T001 One\n")

	cfg := defaultRunConfig()
	cfg.Budget.DecisionBudget = 0.50
	if _, err := o.Start(testProjectID, cfg); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	snap := waitForStatus(t, o, state.ExecNeedsAttention)
	rc := snap.Execution.RecoveryContext
	if rc == nil || !strings.Contains(rc.Issue, "decision budget") {
		t.Fatalf("recovery context = %+v, want decision budget issue", rc)
	}
	if got, want := snap.Execution.DecisionCostUSD, 0.60; got < want-1e-9 || got > want+1e-9 {
		t.Errorf("decision cost = %f, want %f", got, want)
	}
	// Only design and analyze ran before the cap tripped.
	got := skills(fake.callLog())
	want := []string{SkillDesign, SkillAnalyze}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("spawned skills = %v, want %v", got, want)
	}
}

func TestRunFallbackBatching(t *testing.T) {
	var sb strings.Builder
	for i := 1; i <= 32; i++ {
		fmt.Fprintf(&sb, "- [ ] Task number %d\n", i)
	}
	fake := newFakeWorkflows(completedOutcome(0))
	o, _ := newTestOrchestrator(t, fake, sb.String())

	plan, err := o.PreviewBatches(testProjectID)
	if err != nil {
		t.Fatalf("PreviewBatches() error: %v", err)
	}
	if !plan.UsedFallback {
		t.Fatal("expected fallback batching")
	}
	sizes := make([]int, len(plan.Batches))
	for i, b := range plan.Batches {
		sizes[i] = len(b.TaskIDs)
	}
	want := []int{15, 15, 2}
	if len(sizes) != 3 || sizes[0] != want[0] || sizes[1] != want[1] || sizes[2] != want[2] {
		t.Fatalf("fallback batch sizes = %v, want %v", sizes, want)
	}

	cfg := defaultRunConfig()
	cfg.SkipDesign = true
	cfg.SkipAnalyze = true
	if _, err := o.Start(testProjectID, cfg); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	snap := waitForStatus(t, o, state.ExecCompleted)
	if snap.Execution.Batches.Total != 3 {
		t.Fatalf("batches total = %d, want 3", snap.Execution.Batches.Total)
	}

	got := skills(fake.callLog())
	want2 := []string{SkillImplement, SkillImplement, SkillImplement, SkillVerify, SkillMerge}
	if strings.Join(got, ",") != strings.Join(want2, ",") {
		t.Fatalf("spawned skills = %v, want %v", got, want2)
	}
}

func TestRunEmptyTasksSkipsImplement(t *testing.T) {
	fake := newFakeWorkflows(completedOutcome(0))
	o, _ := newTestOrchestrator(t, fake, "")

	if _, err := o.Start(testProjectID, defaultRunConfig()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	snap := waitForStatus(t, o, state.ExecCompleted)
	if snap.Execution.Batches.Total != 0 {
		t.Fatalf("batches total = %d, want 0", snap.Execution.Batches.Total)
	}
	for _, s := range skills(fake.callLog()) {
		if s == SkillImplement {
			t.Fatal("implement spawned with no tasks")
		}
	}
}

func TestTranscriptTailRead(t *testing.T) {
	fake := newFakeWorkflows(completedOutcome(0))
	o, projectDir := newTestOrchestrator(t, fake, "")

	root := t.TempDir()
	o.transcriptRoot = root
	sessionDir := transcript.ProjectDir(root, projectDir)
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		t.Fatal(err)
	}
	lines := `{"role":"user","content":"[workflow:wf-1] do the thing"}
{"role":"assistant","content":"working"}
{"role":"assistant","content":"done","session_end":true}
`
	if err := os.WriteFile(filepath.Join(sessionDir, "sess-1.jsonl"), []byte(lines), 0o644); err != nil {
		t.Fatal(err)
	}

	msgs, err := o.Transcript(testProjectID, "sess-1", 2)
	if err != nil {
		t.Fatalf("Transcript() error: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[1].Content != "done" || !msgs[1].SessionEnd {
		t.Errorf("last message = %+v", msgs[1])
	}

	// The follower drains the file and returns once the session ends.
	done := make(chan error, 1)
	go func() {
		done <- o.FollowTranscript(context.Background(), testProjectID, "sess-1")
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("FollowTranscript() error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("FollowTranscript did not return after session end")
	}
}

func TestStatusUnknownProject(t *testing.T) {
	fake := newFakeWorkflows(completedOutcome(0))
	o, _ := newTestOrchestrator(t, fake, "")

	if _, err := o.Status("nope"); err == nil {
		t.Error("Status() on unregistered project succeeded")
	}
	if err := o.Cancel(testProjectID); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Cancel() without runner = %v, want ErrNotRunning", err)
	}
}
