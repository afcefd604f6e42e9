// Package redis provides Redis-backed implementations of the campusflow
// checkpoint store, the per-thread lock, and the long-term memory store, for
// deployments that run several executor processes.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dingyuana/campusflow"
	backend "github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key written by this package.
const DefaultPrefix = "campusflow:"

type Option func(*options)

type options struct {
	prefix string
	ttl    time.Duration
}

// WithPrefix sets the key prefix
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithTTL expires a thread's keys after ttl without writes. Zero keeps
// threads forever.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.ttl = ttl
	}
}

func newOptions(opts []Option) options {
	o := options{prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Checkpointer stores each thread as a hash of encoded snapshots keyed by
// step plus a sorted set of steps. A global sorted set indexes threads by
// last write time.
type Checkpointer struct {
	client backend.UniversalClient
	options
}

// NewCheckpointer creates a checkpointer using an existing client
func NewCheckpointer(client backend.UniversalClient, opts ...Option) *Checkpointer {
	return &Checkpointer{client: client, options: newOptions(opts)}
}

func (c *Checkpointer) snapshotsKey(threadID string) string {
	return c.prefix + "thread:" + threadID + ":checkpoints"
}

func (c *Checkpointer) stepsKey(threadID string) string {
	return c.prefix + "thread:" + threadID + ":steps"
}

func (c *Checkpointer) indexKey() string {
	return c.prefix + "threads"
}

// Save writes the snapshot and both indexes in one MULTI/EXEC transaction.
func (c *Checkpointer) Save(ctx context.Context, checkpoint *campusflow.Checkpoint) error {
	data, err := campusflow.MarshalCheckpoint(checkpoint)
	if err != nil {
		return err
	}
	step := strconv.Itoa(checkpoint.Step)
	_, err = c.client.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
		pipe.HSet(ctx, c.snapshotsKey(checkpoint.ThreadID), step, data)
		pipe.ZAdd(ctx, c.stepsKey(checkpoint.ThreadID), backend.Z{
			Score:  float64(checkpoint.Step),
			Member: step,
		})
		pipe.ZAdd(ctx, c.indexKey(), backend.Z{
			Score:  float64(checkpoint.CreatedAt.UnixMilli()),
			Member: checkpoint.ThreadID,
		})
		if c.ttl > 0 {
			pipe.Expire(ctx, c.snapshotsKey(checkpoint.ThreadID), c.ttl)
			pipe.Expire(ctx, c.stepsKey(checkpoint.ThreadID), c.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: save checkpoint: %w", err)
	}
	return nil
}

func (c *Checkpointer) LoadLatest(ctx context.Context, threadID string) (*campusflow.Checkpoint, error) {
	steps, err := c.client.ZRevRange(ctx, c.stepsKey(threadID), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: load latest step: %w", err)
	}
	if len(steps) == 0 {
		return nil, campusflow.ErrCheckpointNotFound
	}
	return c.load(ctx, threadID, steps[0])
}

func (c *Checkpointer) LoadAt(ctx context.Context, threadID string, step int) (*campusflow.Checkpoint, error) {
	return c.load(ctx, threadID, strconv.Itoa(step))
}

func (c *Checkpointer) load(ctx context.Context, threadID, step string) (*campusflow.Checkpoint, error) {
	data, err := c.client.HGet(ctx, c.snapshotsKey(threadID), step).Bytes()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return nil, campusflow.ErrCheckpointNotFound
		}
		return nil, fmt.Errorf("redis: load checkpoint: %w", err)
	}
	return campusflow.UnmarshalCheckpoint(data)
}

func (c *Checkpointer) List(ctx context.Context, threadID string) ([]*campusflow.Checkpoint, error) {
	steps, err := c.client.ZRange(ctx, c.stepsKey(threadID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list steps: %w", err)
	}
	if len(steps) == 0 {
		return nil, nil
	}
	values, err := c.client.HMGet(ctx, c.snapshotsKey(threadID), steps...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list checkpoints: %w", err)
	}
	out := make([]*campusflow.Checkpoint, 0, len(values))
	for i, v := range values {
		data, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("redis: checkpoint %s of thread %s is missing", steps[i], threadID)
		}
		cp, err := campusflow.UnmarshalCheckpoint([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// Threads summarizes indexed threads. Threads whose keys expired are pruned
// from the index.
func (c *Checkpointer) Threads(ctx context.Context) ([]*campusflow.ThreadSummary, error) {
	ids, err := c.client.ZRevRange(ctx, c.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list threads: %w", err)
	}
	summaries := make([]*campusflow.ThreadSummary, 0, len(ids))
	for _, id := range ids {
		cp, err := c.LoadLatest(ctx, id)
		if errors.Is(err, campusflow.ErrCheckpointNotFound) {
			c.client.ZRem(ctx, c.indexKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, campusflow.SummarizeThread(cp))
	}
	campusflow.SortThreadSummaries(summaries)
	return summaries, nil
}

// DeleteThread removes a thread's checkpoints and index entry
func (c *Checkpointer) DeleteThread(ctx context.Context, threadID string) error {
	_, err := c.client.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
		pipe.Del(ctx, c.snapshotsKey(threadID), c.stepsKey(threadID))
		pipe.ZRem(ctx, c.indexKey(), threadID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: delete thread: %w", err)
	}
	return nil
}
