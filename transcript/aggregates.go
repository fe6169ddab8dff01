package transcript

import (
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Aggregates are the derived views over a transcript the dashboard shows.
type Aggregates struct {
	// FilesModified is the de-duplicated set of files touched by
	// editor-tool calls, in first-seen order.
	FilesModified []string `json:"files_modified"`
	// Elapsed is the span between the first and last message.
	Elapsed time.Duration `json:"elapsed"`
	// Todos is the latest TODO list the agent reported.
	Todos []Todo `json:"todos"`
	// FinalOutput is the content of the last assistant message.
	FinalOutput string `json:"final_output"`
	// SessionEnded reports whether a session-end marker was seen.
	SessionEnded bool `json:"session_ended"`
}

// Aggregate computes derived views over an ordered message sequence.
// editorTools is a list of glob patterns; a tool call counts as a file
// modification when its name matches any pattern and it names a file.
func Aggregate(messages []Message, editorTools []string) Aggregates {
	var agg Aggregates
	seen := make(map[string]bool)

	for _, msg := range messages {
		if msg.ToolName != "" && msg.ToolInput != nil && msg.ToolInput.FilePath != "" {
			if matchesAny(editorTools, msg.ToolName) && !seen[msg.ToolInput.FilePath] {
				seen[msg.ToolInput.FilePath] = true
				agg.FilesModified = append(agg.FilesModified, msg.ToolInput.FilePath)
			}
		}
		if len(msg.Todos) > 0 {
			agg.Todos = msg.Todos
		}
		if msg.Role == RoleAssistant && msg.Content != "" {
			agg.FinalOutput = msg.Content
		}
		if msg.SessionEnd {
			agg.SessionEnded = true
		}
	}

	if len(messages) > 1 {
		first := messages[0].Timestamp
		last := messages[len(messages)-1].Timestamp
		if last.After(first) {
			agg.Elapsed = last.Sub(first)
		}
	}
	return agg
}

func matchesAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}
