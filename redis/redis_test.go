package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dingyuana/campusflow"
	"github.com/dingyuana/campusflow/state"
	"github.com/dingyuana/campusflow/workers"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *backend.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func checkpointAt(threadID string, step int) *campusflow.Checkpoint {
	s := campusflow.NewState(threadID).Apply(campusflow.Input("hello"))
	s.StepCount = step
	s.Status = campusflow.StatusRunning
	s.Scratch[campusflow.ScratchKeyDegraded] = []any{"search"}
	return campusflow.NewCheckpoint(s, time.Date(2025, 3, 1, 12, 0, step, 0, time.UTC))
}

func TestCheckpointer(t *testing.T) {
	mr, client := setupRedis(t)
	c := NewCheckpointer(client)
	ctx := context.Background()

	_, err := c.LoadLatest(ctx, "thread-1")
	require.ErrorIs(t, err, campusflow.ErrCheckpointNotFound)

	for _, step := range []int{1, 2, 10} {
		require.NoError(t, c.Save(ctx, checkpointAt("thread-1", step)))
	}
	require.True(t, mr.Exists("campusflow:thread:thread-1:checkpoints"))

	latest, err := c.LoadLatest(ctx, "thread-1")
	require.NoError(t, err)
	require.Equal(t, 10, latest.Step)
	require.Equal(t, []any{"search"}, latest.State.Scratch[campusflow.ScratchKeyDegraded])

	at, err := c.LoadAt(ctx, "thread-1", 2)
	require.NoError(t, err)
	require.Equal(t, 2, at.Step)

	_, err = c.LoadAt(ctx, "thread-1", 3)
	require.ErrorIs(t, err, campusflow.ErrCheckpointNotFound)

	list, err := c.List(ctx, "thread-1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	require.Equal(t, []int{1, 2, 10}, []int{list[0].Step, list[1].Step, list[2].Step})

	t.Run("same step overwrites", func(t *testing.T) {
		cp := checkpointAt("thread-1", 2)
		cp.State.Status = campusflow.StatusDone
		require.NoError(t, c.Save(ctx, cp))
		list, err := c.List(ctx, "thread-1")
		require.NoError(t, err)
		require.Len(t, list, 3)
		require.Equal(t, campusflow.StatusDone, list[1].State.Status)
	})
}

func TestCheckpointerThreads(t *testing.T) {
	_, client := setupRedis(t)
	c := NewCheckpointer(client, WithPrefix("test:"))
	ctx := context.Background()

	require.NoError(t, c.Save(ctx, checkpointAt("a", 1)))
	require.NoError(t, c.Save(ctx, checkpointAt("b", 3)))
	require.NoError(t, c.Save(ctx, checkpointAt("a", 2)))

	threads, err := c.Threads(ctx)
	require.NoError(t, err)
	require.Len(t, threads, 2)
	require.Equal(t, "b", threads[0].ThreadID)
	require.Equal(t, "a", threads[1].ThreadID)
	require.Equal(t, 2, threads[1].Step)

	require.NoError(t, c.DeleteThread(ctx, "b"))
	threads, err = c.Threads(ctx)
	require.NoError(t, err)
	require.Len(t, threads, 1)
}

func TestCheckpointerTTL(t *testing.T) {
	mr, client := setupRedis(t)
	c := NewCheckpointer(client, WithTTL(time.Minute))
	ctx := context.Background()

	require.NoError(t, c.Save(ctx, checkpointAt("thread-1", 1)))
	mr.FastForward(2 * time.Minute)

	_, err := c.LoadLatest(ctx, "thread-1")
	require.ErrorIs(t, err, campusflow.ErrCheckpointNotFound)

	threads, err := c.Threads(ctx)
	require.NoError(t, err)
	require.Empty(t, threads)
}

func TestLocker(t *testing.T) {
	mr, client := setupRedis(t)
	locker := NewLocker(client, "test:", 5*time.Second)
	ctx := context.Background()

	unlock, err := locker.TryLock(ctx, "thread-1")
	require.NoError(t, err)
	require.True(t, mr.Exists("test:lock:thread-1"))

	_, err = NewLocker(client, "test:", 5*time.Second).TryLock(ctx, "thread-1")
	require.ErrorIs(t, err, campusflow.ErrConcurrentInvocation)

	other, err := locker.TryLock(ctx, "thread-2")
	require.NoError(t, err)
	other()

	unlock()
	unlock()
	require.False(t, mr.Exists("test:lock:thread-1"))

	unlock, err = locker.TryLock(ctx, "thread-1")
	require.NoError(t, err)
	unlock()
}

func TestLockerReleaseKeepsForeignLock(t *testing.T) {
	mr, client := setupRedis(t)
	locker := NewLocker(client, "test:", time.Second)
	ctx := context.Background()

	unlock, err := locker.TryLock(ctx, "thread-1")
	require.NoError(t, err)

	// the lock expired and another process took it
	mr.Del("test:lock:thread-1")
	require.NoError(t, mr.Set("test:lock:thread-1", "someone-else"))

	unlock()
	got, err := mr.Get("test:lock:thread-1")
	require.NoError(t, err)
	require.Equal(t, "someone-else", got)
}

func TestLockerReportsLostLock(t *testing.T) {
	mr, client := setupRedis(t)
	lost := make(chan string, 1)
	locker := NewLocker(client, "test:", 150*time.Millisecond, WithOnLost(func(threadID string) {
		lost <- threadID
	}))

	unlock, err := locker.TryLock(context.Background(), "thread-1")
	require.NoError(t, err)
	defer unlock()

	// the lock is taken over between two refreshes
	require.NoError(t, mr.Set("test:lock:thread-1", "someone-else"))

	select {
	case threadID := <-lost:
		require.Equal(t, "thread-1", threadID)
	case <-time.After(2 * time.Second):
		t.Fatal("lost lock was not reported")
	}
	got, err := mr.Get("test:lock:thread-1")
	require.NoError(t, err)
	require.Equal(t, "someone-else", got)
}

func TestLockerRefreshKeepsLock(t *testing.T) {
	mr, client := setupRedis(t)
	locker := NewLocker(client, "test:", 150*time.Millisecond, WithOnLost(func(string) {
		t.Error("lock reported lost while held")
	}))

	unlock, err := locker.TryLock(context.Background(), "thread-1")
	require.NoError(t, err)
	time.Sleep(200 * time.Millisecond)
	require.True(t, mr.Exists("test:lock:thread-1"))
	require.Greater(t, mr.TTL("test:lock:thread-1"), time.Duration(0))
	unlock()
	require.False(t, mr.Exists("test:lock:thread-1"))
}

func TestExecutorWithRedis(t *testing.T) {
	_, client := setupRedis(t)
	release := make(chan struct{})
	started := make(chan struct{})
	slow := campusflow.NewWorkerFunc("slow", func(ctx context.Context, s state.Reader) (*campusflow.Update, error) {
		close(started)
		<-release
		return campusflow.NewUpdate().Say("slow", "done"), nil
	})
	g, err := campusflow.NewGraph(campusflow.GraphOptions{
		Name:    "slow",
		Router:  &campusflow.KeywordRouter{Default: "slow"},
		Workers: []campusflow.Worker{slow},
	})
	require.NoError(t, err)
	newExecutor := func() *campusflow.Executor {
		e, err := campusflow.NewExecutor(campusflow.ExecutorOptions{
			Graph:        g,
			Checkpointer: NewCheckpointer(client),
			Locker:       NewLocker(client, "", 0),
		})
		require.NoError(t, err)
		return e
	}
	first, second := newExecutor(), newExecutor()
	ctx := context.Background()

	type outcome struct {
		res *campusflow.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := first.Invoke(ctx, "thread-1", campusflow.Input("hi"))
		done <- outcome{res, err}
	}()
	<-started

	res, err := second.Invoke(ctx, "thread-1", campusflow.Input("hi again"))
	require.ErrorIs(t, err, campusflow.ErrConcurrentInvocation)
	require.True(t, campusflow.IsKind(err, campusflow.KindConcurrency))
	require.Equal(t, campusflow.StatusFailed, res.Status)

	close(release)
	out := <-done
	require.NoError(t, out.err)
	require.Equal(t, campusflow.StatusDone, out.res.Status)
	require.Equal(t, 2, out.res.State.StepCount)

	latest, err := second.State(ctx, "thread-1")
	require.NoError(t, err)
	require.Equal(t, "done", latest.History[len(latest.History)-1].Content)
}

func TestMemoryStore(t *testing.T) {
	_, client := setupRedis(t)
	store := NewMemoryStore(client)
	store.MaxEntries = 2
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.Remember(ctx, "thread-1", workers.Memory{Text: "gym schedule", CreatedAt: base}))
	require.NoError(t, store.Remember(ctx, "thread-1", workers.Memory{Text: "library card", CreatedAt: base.Add(time.Minute)}))
	require.NoError(t, store.Remember(ctx, "thread-1", workers.Memory{Text: "library hours", CreatedAt: base.Add(2 * time.Minute)}))

	got, err := store.Recall(ctx, "thread-1", "library", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "library hours", got[0].Text)

	// trimmed
	got, err = store.Recall(ctx, "thread-1", "gym", 0)
	require.NoError(t, err)
	require.Empty(t, got)

	got, err = store.Recall(ctx, "nobody", "", 0)
	require.NoError(t, err)
	require.Empty(t, got)
}
