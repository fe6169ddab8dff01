// Package transcript parses and tails the JSONL session transcripts the
// agent CLI writes, producing typed messages and derived aggregates.
package transcript

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnreadable indicates the transcript file exists but cannot be read.
// A missing file is not an error: the agent may not have created it yet.
var ErrUnreadable = errors.New("transcript unreadable")

// Role identifies the author of a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// IsValid reports whether the role is known.
func (r Role) IsValid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleTool, RoleSystem:
		return true
	}
	return false
}

// Todo is one entry of the agent's live TODO list.
type Todo struct {
	Content string `json:"content"`
	Status  string `json:"status"`
}

// ToolInput carries the subset of tool parameters the engine inspects.
type ToolInput struct {
	FilePath string `json:"file_path,omitempty"`
}

// Message is one parsed transcript line.
type Message struct {
	Role       Role       `json:"role"`
	Timestamp  time.Time  `json:"timestamp"`
	Content    string     `json:"content"`
	ToolName   string     `json:"tool_name,omitempty"`
	ToolInput  *ToolInput `json:"tool_input,omitempty"`
	Todos      []Todo     `json:"todos,omitempty"`
	SessionID  string     `json:"session_id,omitempty"`
	SessionEnd bool       `json:"session_end,omitempty"`
}

// ParseLine parses one JSONL transcript line into a Message.
func ParseLine(line []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return Message{}, fmt.Errorf("parse transcript line: %w", err)
	}
	if !msg.Role.IsValid() {
		return Message{}, fmt.Errorf("parse transcript line: unknown role %q", msg.Role)
	}
	return msg, nil
}
