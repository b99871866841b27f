package models

import "time"

// ToolPipeline is an ordered multi-step sequence of tool calls tracked
// as a single unit of progress. Its status is maintained explicitly by
// the orchestrator driving the pipeline; the engine never derives it
// from member calls.
type ToolPipeline struct {
	ID          string         `json:"id"`
	ChatID      string         `json:"chat_id"`
	Name        string         `json:"name"`
	Status      CallStatus     `json:"status"`
	CurrentStep int            `json:"current_step"`
	TotalSteps  int            `json:"total_steps"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Validate checks the fields required at creation time.
func (p *ToolPipeline) Validate() error {
	var missing []string
	if p.ChatID == "" {
		missing = append(missing, "chat_id")
	}
	if p.Name == "" {
		missing = append(missing, "name")
	}
	if p.TotalSteps < 1 {
		missing = append(missing, "total_steps")
	}
	if len(missing) > 0 {
		return &FieldError{Fields: missing}
	}
	return nil
}

// Progress returns completion as a fraction in [0, 1].
func (p *ToolPipeline) Progress() float64 {
	if p.TotalSteps <= 0 {
		return 0
	}
	frac := float64(p.CurrentStep) / float64(p.TotalSteps)
	if frac < 0 {
		return 0
	}
	if frac > 1 {
		return 1
	}
	return frac
}

// Clone returns a deep copy.
func (p *ToolPipeline) Clone() *ToolPipeline {
	if p == nil {
		return nil
	}
	out := *p
	if p.Metadata != nil {
		out.Metadata = make(map[string]any, len(p.Metadata))
		for k, v := range p.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
