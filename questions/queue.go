// Package questions captures clarifying questions the agent emits in its
// structured output and exposes them for answering.
package questions

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	// ErrUnknownQuestion indicates the question id is not in the queue.
	ErrUnknownQuestion = errors.New("unknown question")
	// ErrAlreadyAnswered indicates the question already has an answer.
	// The first answer is final.
	ErrAlreadyAnswered = errors.New("question already answered")
)

// FileName is the queue file path relative to the project directory.
const FileName = ".specflow/questions.json"

// Option is one suggested answer.
type Option struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Question is one clarifying question, belonging to exactly one workflow
// invocation. It is pending while Answer is nil.
type Question struct {
	ID         string     `json:"id"`
	WorkflowID string     `json:"workflow_id"`
	Content    string     `json:"content"`
	Options    []Option   `json:"options,omitempty"`
	Answer     *string    `json:"answer,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
}

// Pending reports whether the question awaits an answer.
func (q *Question) Pending() bool {
	return q.Answer == nil
}

type queueFile struct {
	Questions []Question `json:"questions"`
}

// Queue is the per-project question store. Questions live in memory and
// are persisted to the project's queue file on every mutation; the file
// only needs to survive a process restart.
type Queue struct {
	mu     sync.Mutex
	loaded map[string][]Question // projectDir -> ordered questions
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{loaded: make(map[string][]Question)}
}

func queuePath(projectDir string) string {
	return filepath.Join(projectDir, filepath.FromSlash(FileName))
}

// load reads the project's queue from disk on first access. Caller holds mu.
func (s *Queue) load(projectDir string) ([]Question, error) {
	if qs, ok := s.loaded[projectDir]; ok {
		return qs, nil
	}
	data, err := os.ReadFile(queuePath(projectDir))
	if err != nil {
		if os.IsNotExist(err) {
			s.loaded[projectDir] = nil
			return nil, nil
		}
		return nil, fmt.Errorf("read question file: %w", err)
	}
	var file queueFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse question file: %w", err)
	}
	s.loaded[projectDir] = file.Questions
	return file.Questions, nil
}

// persist writes the project's queue to disk. Caller holds mu.
func (s *Queue) persist(projectDir string, qs []Question) error {
	path := queuePath(projectDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create question directory: %w", err)
	}
	data, err := json.MarshalIndent(queueFile{Questions: qs}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal questions: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write question file: %w", err)
	}
	s.loaded[projectDir] = qs
	return nil
}

// Enqueue appends a question for a workflow, stamping its creation time.
// Re-enqueueing an existing question id is a no-op.
func (s *Queue) Enqueue(projectDir, workflowID string, q Question) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	qs, err := s.load(projectDir)
	if err != nil {
		return err
	}
	for i := range qs {
		if qs[i].ID == q.ID {
			return nil
		}
	}
	q.WorkflowID = workflowID
	q.CreatedAt = time.Now().UTC()
	return s.persist(projectDir, append(qs, q))
}

// Pending returns unanswered questions in FIFO order.
func (s *Queue) Pending(projectDir string) ([]Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	qs, err := s.load(projectDir)
	if err != nil {
		return nil, err
	}
	var pending []Question
	for i := range qs {
		if qs[i].Pending() {
			pending = append(pending, qs[i])
		}
	}
	return pending, nil
}

// Answer records the answer for a question.
func (s *Queue) Answer(projectDir, questionID, answer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	qs, err := s.load(projectDir)
	if err != nil {
		return err
	}
	for i := range qs {
		if qs[i].ID != questionID {
			continue
		}
		if !qs[i].Pending() {
			return fmt.Errorf("%w: %s", ErrAlreadyAnswered, questionID)
		}
		now := time.Now().UTC()
		qs[i].Answer = &answer
		qs[i].AnsweredAt = &now
		return s.persist(projectDir, qs)
	}
	return fmt.Errorf("%w: %s", ErrUnknownQuestion, questionID)
}

// Drain atomically removes and returns all answered questions for one
// workflow as an id-to-answer map. Pending questions stay queued.
func (s *Queue) Drain(projectDir, workflowID string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	qs, err := s.load(projectDir)
	if err != nil {
		return nil, err
	}

	answers := make(map[string]string)
	var remaining []Question
	for i := range qs {
		if qs[i].WorkflowID == workflowID && !qs[i].Pending() {
			answers[qs[i].ID] = *qs[i].Answer
			continue
		}
		remaining = append(remaining, qs[i])
	}
	if len(answers) == 0 {
		return answers, nil
	}
	if err := s.persist(projectDir, remaining); err != nil {
		return nil, err
	}
	return answers, nil
}
