package campusflow

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/panjf2000/ants/v2"
)

// siblingResult is the outcome of one sibling in a fan-out
type siblingResult struct {
	update *Update
	err    error
}

// parallelCoordinator fans a snapshot out to the siblings of a group and
// merges their updates in declared order.
type parallelCoordinator struct {
	graph          *Graph
	maxParallelism int
	logger         *slog.Logger
	run            func(ctx context.Context, w Worker, snapshot *State) (*Update, error)
}

// execute dispatches every sibling of group concurrently against snapshot
// and returns the merged update.
func (c *parallelCoordinator) execute(ctx context.Context, group ParallelGroup, snapshot *State) (*Update, error) {
	size := len(group.Siblings)
	if c.maxParallelism > 0 && c.maxParallelism < size {
		size = c.maxParallelism
	}
	pool, err := ants.NewPool(size)
	if err != nil {
		return nil, fmt.Errorf("failed to create sibling worker pool: %w", err)
	}
	defer pool.Release()
	c.logger.Debug("dispatching parallel group",
		"group", group.Name,
		"siblings", siblingNames(group),
		"pool_size", size)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]siblingResult, len(group.Siblings))
	var wg sync.WaitGroup
	for i, sib := range group.Siblings {
		worker, _ := c.graph.Worker(sib.Worker)
		wg.Add(1)
		task := func() {
			defer wg.Done()
			update, err := c.run(ctx, worker, snapshot.Clone())
			results[i] = siblingResult{update: update, err: err}
			if err != nil && !sib.Optional {
				cancel()
			}
		}
		if err := pool.Submit(task); err != nil {
			wg.Done()
			results[i] = siblingResult{err: fmt.Errorf("submit sibling %s: %w", sib.Worker, err)}
		}
	}
	wg.Wait()

	return c.merge(group, snapshot, results)
}

// merge folds sibling results in declared order. Failed optional siblings are
// listed under the degraded scratch key; a failed required sibling fails the
// whole step.
func (c *parallelCoordinator) merge(group ParallelGroup, snapshot *State, results []siblingResult) (*Update, error) {
	merged := NewUpdate()
	owners := map[string]string{}
	var degraded []string

	for i, sib := range group.Siblings {
		res := results[i]
		if res.err != nil {
			if !sib.Optional {
				return nil, fmt.Errorf("sibling %s: %w", sib.Worker, res.err)
			}
			c.logger.Warn("optional sibling failed",
				"group", group.Name,
				"worker", sib.Worker,
				"error", res.err)
			degraded = append(degraded, sib.Worker)
			continue
		}
		if res.update == nil {
			continue
		}
		merged.Append(res.update.AppendHistory...)

		keys := make([]string, 0, len(res.update.Scratch))
		for k := range res.update.Scratch {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, key := range keys {
			prev, taken := owners[key]
			if taken && prev != sib.Worker {
				win, err := c.resolveCollision(group, key, prev, sib.Worker)
				if err != nil {
					return nil, err
				}
				if win == prev {
					continue
				}
			}
			owners[key] = sib.Worker
			merged.Set(key, res.update.Scratch[key])
		}
	}

	if len(degraded) > 0 {
		merged.Set(ScratchKeyDegraded, degraded)
	} else if _, stale := snapshot.Scratch[ScratchKeyDegraded]; stale {
		merged.Set(ScratchKeyDegraded, []string{})
	}
	return merged, nil
}

// resolveCollision picks the sibling whose write to key survives. Both
// writers must have a declared priority.
func (c *parallelCoordinator) resolveCollision(group ParallelGroup, key, a, b string) (string, error) {
	ra, okA := c.graph.priorityOf(a)
	rb, okB := c.graph.priorityOf(b)
	if !okA || !okB {
		return "", configError("parallel group %q: %w: %q written by %s and %s with no declared priority",
			group.Name, ErrScratchCollision, key, a, b)
	}
	if rb < ra {
		return b, nil
	}
	return a, nil
}

// siblingNames returns the worker names of a group in declared order
func siblingNames(group ParallelGroup) []string {
	names := make([]string, 0, len(group.Siblings))
	for _, sib := range group.Siblings {
		names = append(names, sib.Worker)
	}
	return slices.Clip(names)
}
