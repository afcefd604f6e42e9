package campusflow

import (
	"context"
	"time"
)

// StepLogEntry is the audit record written for every completed step,
// including guard actions and rejections.
type StepLogEntry struct {
	ID        string       `json:"id"`
	ThreadID  string       `json:"thread_id"`
	Step      int          `json:"step"`
	Node      string       `json:"node"`
	Kind      string       `json:"kind"`
	NextNode  string       `json:"next_node,omitempty"`
	Rationale string       `json:"rationale,omitempty"`
	Guards    []GuardEvent `json:"guards,omitempty"`
	Rejection *Rejection   `json:"rejection,omitempty"`
	Paused    bool         `json:"paused,omitempty"`
	Error     string       `json:"error,omitempty"`
	StartTime time.Time    `json:"start_time"`
	Duration  float64      `json:"duration"`
}

// StepLogger records step audit entries
type StepLogger interface {
	// LogStep logs a completed or failed step
	LogStep(ctx context.Context, entry *StepLogEntry) error

	// GetStepHistory retrieves the audit log for a thread
	GetStepHistory(ctx context.Context, threadID string) ([]*StepLogEntry, error)
}
