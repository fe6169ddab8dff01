// Package state owns the per-project orchestration state file, the single
// durable source of truth for orchestration progress.
package state

import (
	"encoding/json"
	"fmt"
	"time"
)

// SchemaVersion is the current state file schema version.
const SchemaVersion = "3.0"

// StateFileName is the state file path relative to the project directory.
const StateFileName = ".specflow/orchestration-state.json"

// Step identifies one workflow step inside the persisted state.
type Step string

const (
	StepDesign    Step = "design"
	StepAnalyze   Step = "analyze"
	StepImplement Step = "implement"
	StepVerify    Step = "verify"
)

// stepIndexes is the fixed step-name to index table.
var stepIndexes = map[Step]int{
	StepDesign:    0,
	StepAnalyze:   1,
	StepImplement: 2,
	StepVerify:    3,
}

// Index returns the fixed numeric index for the step, or -1 if unknown.
func (s Step) Index() int {
	if i, ok := stepIndexes[s]; ok {
		return i
	}
	return -1
}

// IsValid reports whether the step name is one of the known steps.
func (s Step) IsValid() bool {
	_, ok := stepIndexes[s]
	return ok
}

// StepStatus is the progress of one step.
type StepStatus string

const (
	StepNotStarted StepStatus = "not_started"
	StepInProgress StepStatus = "in_progress"
	StepComplete   StepStatus = "complete"
)

// IsValid reports whether the status is a known step status.
func (s StepStatus) IsValid() bool {
	switch s {
	case StepNotStarted, StepInProgress, StepComplete:
		return true
	}
	return false
}

// Document is the full per-project state file.
type Document struct {
	SchemaVersion string        `json:"schema_version"`
	Project       ProjectInfo   `json:"project"`
	Orchestration Orchestration `json:"orchestration"`
	Actions       Actions       `json:"actions"`
	LastUpdated   time.Time     `json:"last_updated"`
}

// ProjectInfo identifies the project the document belongs to.
type ProjectInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
}

// Orchestration holds the phase/step pointer and the dashboard section.
type Orchestration struct {
	Phase     PhaseInfo `json:"phase"`
	Step      StepInfo  `json:"step"`
	Dashboard Dashboard `json:"dashboard"`
}

// PhaseInfo is the project-level phase pointer (maintained by the external
// init tooling; the engine only normalizes its status).
type PhaseInfo struct {
	Number int        `json:"number"`
	Name   string     `json:"name"`
	Status StepStatus `json:"status"`
}

// StepInfo is the step pointer the decision loop dispatches on.
type StepInfo struct {
	Current Step       `json:"current"`
	Index   int        `json:"index"`
	Status  StepStatus `json:"status"`

	// indexWasString records that the index deserialized from a legacy
	// string form and needs normalizing on repair.
	indexWasString bool
}

// UnmarshalJSON tolerates a legacy string-typed index. The value is
// normalized from the step-name table during auto-repair.
func (s *StepInfo) UnmarshalJSON(data []byte) error {
	type alias StepInfo
	aux := struct {
		Index json.RawMessage `json:"index"`
		*alias
	}{alias: (*alias)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Index) == 0 {
		return nil
	}
	var n int
	if err := json.Unmarshal(aux.Index, &n); err == nil {
		s.Index = n
		return nil
	}
	var str string
	if err := json.Unmarshal(aux.Index, &str); err != nil {
		return fmt.Errorf("step index is neither number nor string")
	}
	s.Index = -1
	s.indexWasString = true
	return nil
}

// Dashboard is the orchestration engine's own section of the state file.
type Dashboard struct {
	// Active reports whether orchestration is enabled for the project.
	Active bool `json:"active"`
	// LastWorkflow points at the most recent agent invocation.
	LastWorkflow *WorkflowRef `json:"last_workflow,omitempty"`
	// Execution is the latest orchestration execution, live or terminal.
	Execution *Execution `json:"execution,omitempty"`
}

// WorkflowRef is a lightweight pointer to an agent workflow invocation.
// The authoritative record lives with the executor; this is what the
// decision loop dispatches on after a restart.
type WorkflowRef struct {
	ID        string    `json:"id"`
	Skill     string    `json:"skill"`
	Status    string    `json:"status"`
	SessionID string    `json:"session_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Actions is the append-only action history.
type Actions struct {
	History []HistoryEntry `json:"history"`
}

// HistoryEntry records one action taken against the state file.
type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
}

// AppendHistory appends one history entry stamped now.
func (d *Document) AppendHistory(action, detail string) {
	d.Actions.History = append(d.Actions.History, HistoryEntry{
		Timestamp: time.Now().UTC(),
		Action:    action,
		Detail:    detail,
	})
}

// NewDocument creates a fresh state document for a project.
func NewDocument(project ProjectInfo) *Document {
	return &Document{
		SchemaVersion: SchemaVersion,
		Project:       project,
		Orchestration: Orchestration{
			Phase: PhaseInfo{Number: 1, Name: "phase-1", Status: StepNotStarted},
			Step:  StepInfo{Current: StepDesign, Index: 0, Status: StepNotStarted},
		},
		LastUpdated: time.Now().UTC(),
	}
}
