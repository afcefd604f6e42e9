package campusflow

import (
	"context"
	"sort"
	"sync"
)

// MemoryCheckpointer keeps checkpoints in process memory. Checkpoints are
// stored encoded so callers can never alias a saved snapshot.
type MemoryCheckpointer struct {
	mu      sync.RWMutex
	threads map[string]map[int][]byte
}

// NewMemoryCheckpointer creates an empty in-memory checkpointer
func NewMemoryCheckpointer() *MemoryCheckpointer {
	return &MemoryCheckpointer{threads: map[string]map[int][]byte{}}
}

func (c *MemoryCheckpointer) Save(ctx context.Context, checkpoint *Checkpoint) error {
	data, err := MarshalCheckpoint(checkpoint)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	steps, ok := c.threads[checkpoint.ThreadID]
	if !ok {
		steps = map[int][]byte{}
		c.threads[checkpoint.ThreadID] = steps
	}
	steps[checkpoint.Step] = data
	return nil
}

func (c *MemoryCheckpointer) LoadLatest(ctx context.Context, threadID string) (*Checkpoint, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	steps := c.threads[threadID]
	if len(steps) == 0 {
		return nil, ErrCheckpointNotFound
	}
	latest := -1
	for step := range steps {
		if step > latest {
			latest = step
		}
	}
	return UnmarshalCheckpoint(steps[latest])
}

func (c *MemoryCheckpointer) LoadAt(ctx context.Context, threadID string, step int) (*Checkpoint, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, ok := c.threads[threadID][step]
	if !ok {
		return nil, ErrCheckpointNotFound
	}
	return UnmarshalCheckpoint(data)
}

func (c *MemoryCheckpointer) List(ctx context.Context, threadID string) ([]*Checkpoint, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	steps := c.threads[threadID]
	order := make([]int, 0, len(steps))
	for step := range steps {
		order = append(order, step)
	}
	sort.Ints(order)
	out := make([]*Checkpoint, 0, len(order))
	for _, step := range order {
		cp, err := UnmarshalCheckpoint(steps[step])
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func (c *MemoryCheckpointer) Threads(ctx context.Context) ([]*ThreadSummary, error) {
	c.mu.RLock()
	ids := make([]string, 0, len(c.threads))
	for id := range c.threads {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	summaries := make([]*ThreadSummary, 0, len(ids))
	for _, id := range ids {
		cp, err := c.LoadLatest(ctx, id)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, SummarizeThread(cp))
	}
	SortThreadSummaries(summaries)
	return summaries, nil
}

// SortThreadSummaries orders thread summaries newest first
func SortThreadSummaries(summaries []*ThreadSummary) {
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].UpdatedAt.Equal(summaries[j].UpdatedAt) {
			return summaries[i].ThreadID < summaries[j].ThreadID
		}
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
}
