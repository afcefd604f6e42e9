package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dingyuana/campusflow/workers"
	backend "github.com/redis/go-redis/v9"
)

// MemoryStore keeps each thread's long-term memories in a Redis list.
type MemoryStore struct {
	client backend.UniversalClient
	options

	// MaxEntries trims each thread to its newest entries. Zero keeps all.
	MaxEntries int64
}

// NewMemoryStore creates a memory store using an existing client
func NewMemoryStore(client backend.UniversalClient, opts ...Option) *MemoryStore {
	return &MemoryStore{client: client, options: newOptions(opts)}
}

func (s *MemoryStore) key(threadID string) string {
	return s.prefix + "memory:" + threadID
}

func (s *MemoryStore) Remember(ctx context.Context, threadID string, m workers.Memory) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal memory: %w", err)
	}
	pipe := s.client.Pipeline()
	pipe.RPush(ctx, s.key(threadID), data)
	if s.MaxEntries > 0 {
		pipe.LTrim(ctx, s.key(threadID), -s.MaxEntries, -1)
	}
	if s.ttl > 0 {
		pipe.Expire(ctx, s.key(threadID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: remember: %w", err)
	}
	return nil
}

func (s *MemoryStore) Recall(ctx context.Context, threadID, query string, limit int) ([]workers.Memory, error) {
	values, err := s.client.LRange(ctx, s.key(threadID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: recall: %w", err)
	}
	memories := make([]workers.Memory, 0, len(values))
	for _, v := range values {
		var m workers.Memory
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal memory: %w", err)
		}
		memories = append(memories, m)
	}
	return workers.RankMemories(memories, query, limit), nil
}
