package models

import (
	"encoding/json"
	"time"
)

// CallStatus represents the lifecycle state of a tool call or pipeline.
type CallStatus string

const (
	StatusPending          CallStatus = "pending"
	StatusAwaitingApproval CallStatus = "awaiting_approval"
	StatusProcessing       CallStatus = "processing"
	StatusCompleted        CallStatus = "completed"
	StatusFailed           CallStatus = "failed"
	StatusRejected         CallStatus = "rejected"
)

// IsTerminal reports whether the status is a final state.
// Terminal records are never transitioned again except by retry.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRejected:
		return true
	}
	return false
}

// Valid reports whether the status is a known value.
func (s CallStatus) Valid() bool {
	switch s {
	case StatusPending, StatusAwaitingApproval, StatusProcessing,
		StatusCompleted, StatusFailed, StatusRejected:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal
// forward transition. The only backward transition (failed → pending)
// is owned by the retry operation, not by status updates.
func (s CallStatus) CanTransition(next CallStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusAwaitingApproval || next == StatusFailed
	case StatusAwaitingApproval:
		return next == StatusProcessing || next == StatusRejected || next == StatusFailed
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// ToolCall is one invocation of a named tool, tracked through the
// status lifecycle. The engine is the only writer of status changes.
type ToolCall struct {
	ID               string          `json:"id"`
	ChatID           string          `json:"chat_id"`
	MessageID        string          `json:"message_id"`
	ToolName         string          `json:"tool_name"`
	ToolCallID       string          `json:"tool_call_id"` // caller-supplied correlation id
	Args             json.RawMessage `json:"args,omitempty"`
	Status           CallStatus      `json:"status"`
	Result           json.RawMessage `json:"result,omitempty"`
	Error            string          `json:"error,omitempty"`
	RetryCount       int             `json:"retry_count"`
	ParentToolCallID string          `json:"parent_tool_call_id,omitempty"`
	PipelineID       string          `json:"pipeline_id,omitempty"`
	StepNumber       int             `json:"step_number,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Validate checks the fields required at creation time.
func (c *ToolCall) Validate() error {
	var missing []string
	if c.ChatID == "" {
		missing = append(missing, "chat_id")
	}
	if c.MessageID == "" {
		missing = append(missing, "message_id")
	}
	if c.ToolName == "" {
		missing = append(missing, "tool_name")
	}
	if c.ToolCallID == "" {
		missing = append(missing, "tool_call_id")
	}
	if len(c.Args) == 0 {
		missing = append(missing, "args")
	}
	if len(missing) > 0 {
		return &FieldError{Fields: missing}
	}
	return nil
}

// Clone returns a deep copy. Stores and caches hand out clones so
// callers can never mutate shared state.
func (c *ToolCall) Clone() *ToolCall {
	if c == nil {
		return nil
	}
	out := *c
	if c.Args != nil {
		out.Args = append(json.RawMessage(nil), c.Args...)
	}
	if c.Result != nil {
		out.Result = append(json.RawMessage(nil), c.Result...)
	}
	return &out
}

// FieldError reports missing or malformed fields on a create request.
type FieldError struct {
	Fields []string
}

func (e *FieldError) Error() string {
	msg := "missing required fields:"
	for i, f := range e.Fields {
		if i > 0 {
			msg += ","
		}
		msg += " " + f
	}
	return msg
}
