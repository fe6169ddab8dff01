package events

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/specflowhq/specflow/transcript"
)

// StatusEvent announces an execution status change.
type StatusEvent struct {
	ProjectID   string    `json:"project_id"`
	ExecutionID string    `json:"execution_id"`
	Status      string    `json:"status"`
	Phase       string    `json:"phase,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// DecisionEvent mirrors a decision-log entry.
type DecisionEvent struct {
	ProjectID string    `json:"project_id"`
	Decision  string    `json:"decision"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// BatchEvent announces batch progress.
type BatchEvent struct {
	ProjectID string    `json:"project_id"`
	Section   string    `json:"section"`
	Index     int       `json:"index"`
	Total     int       `json:"total"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// QuestionEvent announces a newly enqueued question.
type QuestionEvent struct {
	ProjectID  string    `json:"project_id"`
	WorkflowID string    `json:"workflow_id"`
	QuestionID string    `json:"question_id"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
}

// TranscriptEvent forwards one live transcript message.
type TranscriptEvent struct {
	ProjectID string             `json:"project_id"`
	SessionID string             `json:"session_id"`
	Message   transcript.Message `json:"message"`
}

// Bus publishes orchestration events. Publishing is fire-and-forget: a
// failed publish is logged and never fails the orchestration path.
type Bus struct {
	nc     *nats.Conn
	logger *slog.Logger
}

// NewBus creates a bus on an established NATS connection. A nil
// connection yields a no-op bus, which keeps tests and degraded starts
// simple.
func NewBus(nc *nats.Conn, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{nc: nc, logger: logger}
}

func (b *Bus) publish(subject string, payload any) {
	if b == nil || b.nc == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Warn("marshal event", slog.String("subject", subject), slog.String("error", err.Error()))
		return
	}
	if err := b.nc.Publish(subject, data); err != nil {
		b.logger.Warn("publish event", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}

// Status publishes a status change.
func (b *Bus) Status(ev StatusEvent) {
	ev.Timestamp = time.Now().UTC()
	b.publish(StatusSubject(ev.ProjectID), ev)
}

// Decision publishes a decision-log entry.
func (b *Bus) Decision(ev DecisionEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.publish(DecisionSubject(ev.ProjectID), ev)
}

// Batch publishes batch progress.
func (b *Bus) Batch(ev BatchEvent) {
	ev.Timestamp = time.Now().UTC()
	b.publish(BatchSubject(ev.ProjectID), ev)
}

// Question publishes a newly enqueued question.
func (b *Bus) Question(ev QuestionEvent) {
	ev.Timestamp = time.Now().UTC()
	b.publish(QuestionSubject(ev.ProjectID), ev)
}

// Transcript publishes one live transcript message.
func (b *Bus) Transcript(ev TranscriptEvent) {
	b.publish(TranscriptSubject(ev.ProjectID), ev)
}
