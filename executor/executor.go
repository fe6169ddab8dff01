// Package executor spawns and supervises agent CLI subprocesses, parsing
// their structured output and correlating their session transcripts.
package executor

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/specflowhq/specflow/config"
	"github.com/specflowhq/specflow/transcript"
)

// StartOptions tunes one agent invocation.
type StartOptions struct {
	// ResumeSessionID continues a prior agent session.
	ResumeSessionID string
	// DisallowedTools overrides the configured disallowed tool list.
	DisallowedTools []string
	// OutputSchema overrides the JSON schema the agent output is pinned
	// to. Defaults to ResultSchema.
	OutputSchema string
	// Timeout overrides the configured invocation timeout.
	Timeout time.Duration
}

// workflow is the supervisor-side record of one invocation.
type workflow struct {
	mu         sync.Mutex
	exec       Execution
	cmd        *exec.Cmd
	projectDir string
	stdout     bytes.Buffer
	stderr     bytes.Buffer

	done            chan struct{}
	cancelRequested atomic.Bool
	timedOut        atomic.Bool
}

func (w *workflow) snapshot() *Execution {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := w.exec
	if w.exec.LastOutput != nil {
		out := *w.exec.LastOutput
		cp.LastOutput = &out
	}
	return &cp
}

// Executor owns the subprocess table. Each invocation gets its own
// supervisor goroutine; the runner talks to it only through ids.
type Executor struct {
	cfg            config.AgentConfig
	transcriptRoot string
	logger         *slog.Logger

	mu        sync.Mutex
	workflows map[string]*workflow
}

// New creates an executor.
func New(cfg config.AgentConfig, transcriptRoot string, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		cfg:            cfg,
		transcriptRoot: transcriptRoot,
		logger:         logger,
		workflows:      make(map[string]*workflow),
	}
}

// Start invokes the agent once. It returns the execution snapshot with
// the workflow id and pid synchronously; the subprocess runs under its
// own supervisor goroutine.
func (e *Executor) Start(projectDir, projectID, skill, prompt string, opts StartOptions) (*Execution, error) {
	binary, err := exec.LookPath(e.cfg.Binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotAvailable, e.cfg.Binary)
	}

	workflowID := uuid.New().String()

	schema := opts.OutputSchema
	if schema == "" {
		schema = ResultSchema
	}
	tools := opts.DisallowedTools
	if tools == nil {
		tools = e.cfg.DisallowedTools
	}

	args := []string{"--print", "--output-format", "json", "--json-schema", schema}
	if len(tools) > 0 {
		args = append(args, "--disallowed-tools", strings.Join(tools, ","))
	}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}

	// The workflow id is embedded in the prompt as the marker used to
	// correlate the transcript back to this invocation.
	marked := fmt.Sprintf("[workflow:%s]\n%s", workflowID, prompt)

	w := &workflow{
		projectDir: projectDir,
		done:       make(chan struct{}),
		exec: Execution{
			ID:        workflowID,
			ProjectID: projectID,
			Skill:     skill,
			Status:    StatusRunning,
			SessionID: opts.ResumeSessionID,
			StartedAt: time.Now().UTC(),
			UpdatedAt: time.Now().UTC(),
		},
	}

	cmd := exec.Command(binary, args...)
	cmd.Dir = projectDir
	cmd.Stdin = strings.NewReader(marked)
	cmd.Stdout = &w.stdout
	cmd.Stderr = &w.stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	w.cmd = cmd

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	w.exec.PID = cmd.Process.Pid

	e.mu.Lock()
	e.workflows[workflowID] = w
	e.mu.Unlock()

	e.logger.Info("agent workflow started",
		slog.String("workflow_id", workflowID),
		slog.String("project_id", projectID),
		slog.String("skill", skill),
		slog.Int("pid", w.exec.PID))

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}
	go e.supervise(w, timeout)

	return w.snapshot(), nil
}

// supervise waits for the subprocess and records its outcome.
func (e *Executor) supervise(w *workflow, timeout time.Duration) {
	defer close(w.done)

	stopDiscovery := make(chan struct{})
	discovering := false
	w.mu.Lock()
	if w.exec.SessionID != "" {
		// Resumed session: the transcript location is already known.
		w.exec.TranscriptPath = filepath.Join(
			transcript.ProjectDir(e.transcriptRoot, w.projectDir),
			w.exec.SessionID+".jsonl")
	} else {
		discovering = true
	}
	w.mu.Unlock()
	if discovering {
		go e.discoverSession(w, stopDiscovery)
	}

	timer := time.AfterFunc(timeout, func() {
		w.timedOut.Store(true)
		killGroup(w.exec.PID, syscall.SIGKILL)
	})
	err := w.cmd.Wait()
	timer.Stop()
	if discovering {
		close(stopDiscovery)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.exec.UpdatedAt = time.Now().UTC()

	switch {
	case w.timedOut.Load():
		w.exec.Status = StatusFailed
		w.exec.Error = "timeout"
	case w.cancelRequested.Load():
		w.exec.Status = StatusCancelled
	case err != nil:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				// Externally killed counts as cancelled, not failed.
				w.exec.Status = StatusCancelled
				break
			}
		}
		w.exec.Status = StatusFailed
		w.exec.Error = exitError(err, w.stderr.Bytes())
	default:
		e.recordOutput(w)
	}

	e.logger.Info("agent workflow finished",
		slog.String("workflow_id", w.exec.ID),
		slog.String("skill", w.exec.Skill),
		slog.String("status", string(w.exec.Status)),
		slog.String("error", w.exec.Error))
}

// recordOutput parses a clean exit's stdout. Caller holds w.mu.
func (e *Executor) recordOutput(w *workflow) {
	result, err := ParseResult(bytes.TrimSpace(w.stdout.Bytes()))
	if err != nil {
		w.exec.Status = StatusFailed
		w.exec.Error = err.Error()
		return
	}

	w.exec.LastOutput = result
	w.exec.CostUSD += result.CostUSD
	if w.exec.SessionID == "" && result.SessionID != "" {
		w.exec.SessionID = result.SessionID
	}

	switch result.Status {
	case ResultCompleted:
		w.exec.Status = StatusCompleted
	case ResultNeedsInput:
		if len(result.Questions) == 0 {
			w.exec.Status = StatusFailed
			w.exec.Error = fmt.Sprintf("%v: needs_input without questions", ErrProtocol)
			return
		}
		if max := e.cfg.MaxQuestions; max > 0 && len(result.Questions) > max {
			w.exec.Status = StatusFailed
			w.exec.Error = fmt.Sprintf("%v: %d questions exceeds limit %d", ErrProtocol, len(result.Questions), max)
			return
		}
		w.exec.Status = StatusWaitingForInput
	case ResultError:
		w.exec.Status = StatusFailed
		w.exec.Error = result.Message
		if w.exec.Error == "" {
			w.exec.Error = "agent reported error"
		}
	}
}

func exitError(err error, stderr []byte) string {
	tail := strings.TrimSpace(string(stderr))
	if len(tail) > 512 {
		tail = tail[len(tail)-512:]
	}
	if tail == "" {
		return err.Error()
	}
	return fmt.Sprintf("%v: %s", err, tail)
}

// Supervise blocks until the workflow's subprocess exits and returns the
// final snapshot.
func (e *Executor) Supervise(workflowID string) (*Execution, error) {
	w := e.find(workflowID)
	if w == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, workflowID)
	}
	<-w.done
	return w.snapshot(), nil
}

// Get returns the current snapshot of a workflow.
func (e *Executor) Get(workflowID string) (*Execution, error) {
	w := e.find(workflowID)
	if w == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, workflowID)
	}
	return w.snapshot(), nil
}

// Cancel terminates the workflow's process group: SIGTERM, a grace
// interval, then SIGKILL. It blocks until the process is gone. Cancelling
// an unknown or already-terminated workflow is a successful no-op; Cancel
// is safe to invoke concurrently. The id may be a workflow or session id.
func (e *Executor) Cancel(id string) error {
	w := e.find(id)
	if w == nil {
		return nil
	}
	select {
	case <-w.done:
		return nil
	default:
	}

	w.cancelRequested.Store(true)
	killGroup(w.exec.PID, syscall.SIGTERM)

	grace := e.cfg.CancelGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	select {
	case <-w.done:
	case <-time.After(grace):
		killGroup(w.exec.PID, syscall.SIGKILL)
		<-w.done
	}
	return nil
}

// SweepStale marks running workflows with no transcript activity past the
// idle threshold as stale, returning the affected workflow ids.
func (e *Executor) SweepStale(staleAfter time.Duration) []string {
	e.mu.Lock()
	all := make([]*workflow, 0, len(e.workflows))
	for _, w := range e.workflows {
		all = append(all, w)
	}
	e.mu.Unlock()

	var stale []string
	cutoff := time.Now().Add(-staleAfter)
	for _, w := range all {
		w.mu.Lock()
		if w.exec.Status == StatusRunning && w.exec.TranscriptPath != "" {
			if mtime, ok := fileModTime(w.exec.TranscriptPath); ok && mtime.Before(cutoff) {
				w.exec.Status = StatusStale
				w.exec.UpdatedAt = time.Now().UTC()
				stale = append(stale, w.exec.ID)
			}
		}
		w.mu.Unlock()
	}
	return stale
}

// find looks up a workflow by workflow id or session id.
func (e *Executor) find(id string) *workflow {
	e.mu.Lock()
	defer e.mu.Unlock()
	if w, ok := e.workflows[id]; ok {
		return w
	}
	for _, w := range e.workflows {
		w.mu.Lock()
		match := w.exec.SessionID == id && id != ""
		w.mu.Unlock()
		if match {
			return w
		}
	}
	return nil
}

// TranscriptDir returns the transcript directory for a project directory.
func (e *Executor) TranscriptDir(projectDir string) string {
	return transcript.ProjectDir(e.transcriptRoot, projectDir)
}

// killGroup signals the whole process group.
func killGroup(pid int, sig syscall.Signal) {
	if pid <= 0 {
		return
	}
	_ = syscall.Kill(-pid, sig)
}
