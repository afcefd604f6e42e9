package workers

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dingyuana/campusflow"
	"github.com/dingyuana/campusflow/state"
)

// Memory is a remembered fact about a conversation
type Memory struct {
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// MemoryStore keeps long-term memories per thread
type MemoryStore interface {
	Recall(ctx context.Context, threadID, query string, limit int) ([]Memory, error)
	Remember(ctx context.Context, threadID string, m Memory) error
}

// InMemoryStore is a process-local MemoryStore
type InMemoryStore struct {
	mu       sync.RWMutex
	memories map[string][]Memory
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{memories: map[string][]Memory{}}
}

func (s *InMemoryStore) Remember(ctx context.Context, threadID string, m Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memories[threadID] = append(s.memories[threadID], m)
	return nil
}

func (s *InMemoryStore) Recall(ctx context.Context, threadID, query string, limit int) ([]Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return RankMemories(s.memories[threadID], query, limit), nil
}

// RankMemories orders memories by term overlap with query, newest first on
// ties, and drops memories with no overlap. An empty query keeps everything.
func RankMemories(memories []Memory, query string, limit int) []Memory {
	q := terms(query)
	type scored struct {
		m     Memory
		score int
	}
	var hits []scored
	for _, m := range memories {
		score := overlap(q, m.Text)
		if len(q) > 0 && score == 0 {
			continue
		}
		hits = append(hits, scored{m, score})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].m.CreatedAt.After(hits[j].m.CreatedAt)
	})
	out := make([]Memory, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// MemoryRecall loads memories relevant to the latest question into
// "<name>.memories".
type MemoryRecall struct {
	WorkerName string
	Store      MemoryStore
	Limit      int
}

func (w *MemoryRecall) Name() string {
	if w.WorkerName == "" {
		return NameMemory
	}
	return w.WorkerName
}

func (w *MemoryRecall) Execute(ctx context.Context, s state.Reader) (*campusflow.Update, error) {
	limit := w.Limit
	if limit <= 0 {
		limit = 5
	}
	memories, err := w.Store.Recall(ctx, s.ThreadID(), question(s), limit)
	if err != nil {
		return nil, fmt.Errorf("memory recall: %w", err)
	}
	texts := make([]string, 0, len(memories))
	for _, m := range memories {
		texts = append(texts, m.Text)
	}
	return campusflow.NewUpdate().Set(campusflow.ScratchKey(w.Name(), "memories"), toValue(texts)), nil
}
