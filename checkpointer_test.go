package campusflow

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dingyuana/campusflow/state"
	"github.com/stretchr/testify/require"
)

func checkpointAt(threadID string, step int, at time.Time) *Checkpoint {
	s := NewState(threadID)
	s.History = append(s.History, state.UserMessage("q"))
	s.Scratch["lookup.docs"] = []any{"d1"}
	s.StepCount = step
	s.NextNode = Supervisor
	s.Status = StatusRunning
	return NewCheckpoint(s, at)
}

func testCheckpointer(t *testing.T, c Checkpointer) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	_, err := c.LoadLatest(ctx, "t1")
	require.ErrorIs(t, err, ErrCheckpointNotFound)

	for step := 1; step <= 3; step++ {
		require.NoError(t, c.Save(ctx, checkpointAt("t1", step, base.Add(time.Duration(step)*time.Second))))
	}
	require.NoError(t, c.Save(ctx, checkpointAt("t2", 1, base.Add(time.Minute))))

	latest, err := c.LoadLatest(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, 3, latest.Step)
	require.Equal(t, 3, latest.State.StepCount)
	require.Equal(t, []any{"d1"}, latest.State.Scratch["lookup.docs"])
	require.Equal(t, "q", latest.State.History[0].Content)

	at, err := c.LoadAt(ctx, "t1", 2)
	require.NoError(t, err)
	require.Equal(t, 2, at.State.StepCount)

	_, err = c.LoadAt(ctx, "t1", 9)
	require.ErrorIs(t, err, ErrCheckpointNotFound)

	list, err := c.List(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	for i, cp := range list {
		require.Equal(t, i+1, cp.Step)
	}

	empty, err := c.List(ctx, "missing")
	require.NoError(t, err)
	require.Empty(t, empty)

	// saving the same step again replaces it
	replacement := checkpointAt("t1", 3, base.Add(time.Hour))
	replacement.State.Status = StatusDone
	require.NoError(t, c.Save(ctx, replacement))
	latest, err = c.LoadLatest(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, StatusDone, latest.State.Status)
	list, err = c.List(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, list, 3)

	// loaded checkpoints do not alias stored ones
	latest.State.Scratch["lookup.docs"] = "mutated"
	again, err := c.LoadLatest(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, []any{"d1"}, again.State.Scratch["lookup.docs"])

	lister, ok := c.(ThreadLister)
	require.True(t, ok)
	threads, err := lister.Threads(ctx)
	require.NoError(t, err)
	require.Len(t, threads, 2)
	require.Equal(t, "t1", threads[0].ThreadID)
	require.Equal(t, StatusDone, threads[0].Status)
	require.Equal(t, "t2", threads[1].ThreadID)
}

func TestMemoryCheckpointer(t *testing.T) {
	testCheckpointer(t, NewMemoryCheckpointer())
}

func TestFileCheckpointer(t *testing.T) {
	dir := t.TempDir()
	c, err := NewFileCheckpointer(dir)
	require.NoError(t, err)
	testCheckpointer(t, c)

	t.Run("latest never moves backwards", func(t *testing.T) {
		ctx := context.Background()
		now := time.Now()
		require.NoError(t, c.Save(ctx, checkpointAt("t3", 5, now)))
		require.NoError(t, c.Save(ctx, checkpointAt("t3", 4, now)))
		latest, err := c.LoadLatest(ctx, "t3")
		require.NoError(t, err)
		require.Equal(t, 5, latest.Step)
	})

	t.Run("failed pointer update leaves no step file", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, c.Save(ctx, checkpointAt("t4", 1, time.Now())))

		// a directory in place of latest.json makes the pointer unwritable
		latestPath := filepath.Join(dir, "t4", "latest.json")
		require.NoError(t, os.Remove(latestPath))
		require.NoError(t, os.Mkdir(latestPath, 0755))

		require.Error(t, c.Save(ctx, checkpointAt("t4", 2, time.Now())))
		_, err := c.LoadAt(ctx, "t4", 2)
		require.ErrorIs(t, err, ErrCheckpointNotFound)
		list, err := c.List(ctx, "t4")
		require.NoError(t, err)
		require.Len(t, list, 1)
		require.Equal(t, 1, list[0].Step)
	})

	t.Run("rejects path thread ids", func(t *testing.T) {
		err := c.Save(context.Background(), checkpointAt("../escape", 1, time.Now()))
		require.Error(t, err)
	})
}

func TestMarshalCheckpoint(t *testing.T) {
	_, err := MarshalCheckpoint(&Checkpoint{ID: "x"})
	require.Error(t, err)

	_, err = UnmarshalCheckpoint([]byte(`{"id":"x"}`))
	require.Error(t, err)

	cp, err := UnmarshalCheckpoint([]byte(`{"id":"x","thread_id":"t","step":1,"state":{"thread_id":"t","status":"idle"}}`))
	require.NoError(t, err)
	require.NotNil(t, cp.State.History)
	require.NotNil(t, cp.State.Scratch)
}

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	unlock, err := l.TryLock(ctx, "t1")
	require.NoError(t, err)
	require.True(t, l.Held("t1"))

	_, err = l.TryLock(ctx, "t1")
	require.ErrorIs(t, err, ErrConcurrentInvocation)

	other, err := l.TryLock(ctx, "t2")
	require.NoError(t, err)
	other()

	unlock()
	unlock()
	require.False(t, l.Held("t1"))

	var wg sync.WaitGroup
	var mu sync.Mutex
	acquired := 0
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.TryLock(ctx, "t3"); err == nil {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, acquired)
}
