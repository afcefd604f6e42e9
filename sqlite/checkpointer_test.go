package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dingyuana/campusflow"
	"github.com/dingyuana/campusflow/state"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Checkpointer {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "campusflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func checkpointAt(threadID string, step int, status campusflow.Status) *campusflow.Checkpoint {
	s := campusflow.NewState(threadID).Apply(campusflow.Input("hello"))
	s.StepCount = step
	s.Status = status
	s.Scratch["knowledge_lookup.docs"] = []any{map[string]any{"id": "1"}}
	return campusflow.NewCheckpoint(s, time.Date(2025, 3, 1, 12, 0, step, 0, time.UTC))
}

func TestCheckpointerRoundTrip(t *testing.T) {
	c := setupTestStore(t)
	ctx := context.Background()

	_, err := c.LoadLatest(ctx, "thread-1")
	require.ErrorIs(t, err, campusflow.ErrCheckpointNotFound)

	for step := 1; step <= 3; step++ {
		require.NoError(t, c.Save(ctx, checkpointAt("thread-1", step, campusflow.StatusRunning)))
	}

	latest, err := c.LoadLatest(ctx, "thread-1")
	require.NoError(t, err)
	require.Equal(t, 3, latest.Step)
	require.Equal(t, "thread-1", latest.ThreadID)
	require.Equal(t, []any{map[string]any{"id": "1"}}, latest.State.Scratch["knowledge_lookup.docs"])
	require.Equal(t, "hello", latest.State.History[0].Content)

	at, err := c.LoadAt(ctx, "thread-1", 2)
	require.NoError(t, err)
	require.Equal(t, 2, at.Step)

	_, err = c.LoadAt(ctx, "thread-1", 9)
	require.ErrorIs(t, err, campusflow.ErrCheckpointNotFound)

	list, err := c.List(ctx, "thread-1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	for i, cp := range list {
		require.Equal(t, i+1, cp.Step)
	}
}

func TestCheckpointerUpsert(t *testing.T) {
	c := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, c.Save(ctx, checkpointAt("thread-1", 1, campusflow.StatusRunning)))
	require.NoError(t, c.Save(ctx, checkpointAt("thread-1", 1, campusflow.StatusDone)))

	list, err := c.List(ctx, "thread-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, campusflow.StatusDone, list[0].State.Status)
}

func TestCheckpointerThreads(t *testing.T) {
	c := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, c.Save(ctx, checkpointAt("a", 1, campusflow.StatusRunning)))
	require.NoError(t, c.Save(ctx, checkpointAt("a", 2, campusflow.StatusDone)))
	require.NoError(t, c.Save(ctx, checkpointAt("b", 5, campusflow.StatusPaused)))

	threads, err := c.Threads(ctx)
	require.NoError(t, err)
	require.Len(t, threads, 2)
	require.Equal(t, "b", threads[0].ThreadID)
	require.Equal(t, 5, threads[0].Step)
	require.Equal(t, "a", threads[1].ThreadID)
	require.Equal(t, 2, threads[1].Step)
	require.Equal(t, campusflow.StatusDone, threads[1].Status)

	require.NoError(t, c.DeleteThread(ctx, "a"))
	threads, err = c.Threads(ctx)
	require.NoError(t, err)
	require.Len(t, threads, 1)
}

func TestCheckpointerWithExecutor(t *testing.T) {
	c := setupTestStore(t)
	echo := campusflow.NewWorkerFunc("echo", func(ctx context.Context, s state.Reader) (*campusflow.Update, error) {
		last, _ := s.LastMessage()
		return campusflow.NewUpdate().Say("echo", "you said: "+last.Content), nil
	})
	g, err := campusflow.NewGraph(campusflow.GraphOptions{
		Name: "echo",
		Router: &campusflow.KeywordRouter{
			Default: "echo",
		},
		Workers: []campusflow.Worker{echo},
	})
	require.NoError(t, err)
	exec, err := campusflow.NewExecutor(campusflow.ExecutorOptions{Graph: g, Checkpointer: c})
	require.NoError(t, err)

	res, err := exec.Invoke(context.Background(), "thread-1", campusflow.Input("hi"))
	require.NoError(t, err)
	require.Equal(t, campusflow.StatusDone, res.Status)

	latest, err := c.LoadLatest(context.Background(), "thread-1")
	require.NoError(t, err)
	require.Equal(t, res.State.StepCount, latest.Step)
	require.Equal(t, "you said: hi", latest.State.History[len(latest.State.History)-1].Content)
}
