package campusflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Checkpoint is an immutable snapshot of a thread's state after a step.
// Checkpoints are keyed by (ThreadID, Step).
type Checkpoint struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Step      int       `json:"step"`
	State     *State    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// NewCheckpoint snapshots s.
func NewCheckpoint(s *State, now time.Time) *Checkpoint {
	return &Checkpoint{
		ID:        NewCheckpointID(),
		ThreadID:  s.ThreadID,
		Step:      s.StepCount,
		State:     s.Clone(),
		CreatedAt: now.UTC(),
	}
}

// Checkpointer persists checkpoints. Save must be atomic per checkpoint and
// LoadLatest must observe the most recent completed Save for the thread.
type Checkpointer interface {
	// Save persists a checkpoint
	Save(ctx context.Context, checkpoint *Checkpoint) error

	// LoadLatest returns the newest checkpoint for a thread, or
	// ErrCheckpointNotFound
	LoadLatest(ctx context.Context, threadID string) (*Checkpoint, error)

	// LoadAt returns the checkpoint written at the given step, or
	// ErrCheckpointNotFound
	LoadAt(ctx context.Context, threadID string, step int) (*Checkpoint, error)

	// List returns every checkpoint for a thread ordered by step
	List(ctx context.Context, threadID string) ([]*Checkpoint, error)
}

// ThreadSummary provides a summary view of a thread
type ThreadSummary struct {
	ThreadID  string    `json:"thread_id"`
	Status    Status    `json:"status"`
	Step      int       `json:"step"`
	NextNode  string    `json:"next_node,omitempty"`
	Paused    bool      `json:"paused,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ThreadLister is implemented by checkpointers that can enumerate threads.
type ThreadLister interface {
	Threads(ctx context.Context) ([]*ThreadSummary, error)
}

// SummarizeThread builds a ThreadSummary from a thread's latest checkpoint.
func SummarizeThread(c *Checkpoint) *ThreadSummary {
	return &ThreadSummary{
		ThreadID:  c.ThreadID,
		Status:    c.State.Status,
		Step:      c.Step,
		NextNode:  c.State.NextNode,
		Paused:    c.State.PendingInterrupt != nil,
		UpdatedAt: c.CreatedAt,
	}
}

// MarshalCheckpoint encodes a checkpoint in the JSON form every store uses.
func MarshalCheckpoint(c *Checkpoint) ([]byte, error) {
	if c == nil || c.State == nil {
		return nil, fmt.Errorf("checkpoint has no state")
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	return data, nil
}

// UnmarshalCheckpoint decodes a checkpoint written by MarshalCheckpoint.
func UnmarshalCheckpoint(data []byte) (*Checkpoint, error) {
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	if c.State == nil {
		return nil, fmt.Errorf("checkpoint %s has no state", c.ID)
	}
	normalizeEmpty(c.State)
	return &c, nil
}

// normalizeState round-trips s through JSON so the in-memory state always
// matches what a store returns.
func normalizeState(s *State) (*State, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, configError("state is not serializable: %w", err)
	}
	var out State
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, configError("state is not serializable: %w", err)
	}
	normalizeEmpty(&out)
	return &out, nil
}

func normalizeEmpty(s *State) {
	if s.History == nil {
		s.History = NewState("").History
	}
	if s.Scratch == nil {
		s.Scratch = map[string]any{}
	}
}
