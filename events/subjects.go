// Package events publishes orchestration events on NATS for observers.
// The engine only publishes; the HTTP/SSE layer and other observers
// subscribe to these subjects.
package events

import "fmt"

// SubjectPrefix is the root of all orchestration subjects.
const SubjectPrefix = "specflow.orch"

// StatusSubject carries execution status changes for a project.
func StatusSubject(projectID string) string {
	return fmt.Sprintf("%s.%s.status", SubjectPrefix, projectID)
}

// DecisionSubject carries decision-log entries for a project.
func DecisionSubject(projectID string) string {
	return fmt.Sprintf("%s.%s.decision", SubjectPrefix, projectID)
}

// BatchSubject carries batch progress for a project.
func BatchSubject(projectID string) string {
	return fmt.Sprintf("%s.%s.batch", SubjectPrefix, projectID)
}

// QuestionSubject carries newly enqueued questions for a project.
func QuestionSubject(projectID string) string {
	return fmt.Sprintf("%s.%s.question", SubjectPrefix, projectID)
}

// TranscriptSubject carries live transcript messages for a project.
func TranscriptSubject(projectID string) string {
	return fmt.Sprintf("%s.%s.transcript", SubjectPrefix, projectID)
}

// ProjectWildcard subscribes to every event of one project.
func ProjectWildcard(projectID string) string {
	return fmt.Sprintf("%s.%s.>", SubjectPrefix, projectID)
}
