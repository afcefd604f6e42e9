package campusflow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/dingyuana/campusflow/state"
	"github.com/stretchr/testify/require"
)

func noopWorker(name string) Worker {
	return NewWorkerFunc(name, func(ctx context.Context, s state.Reader) (*Update, error) {
		return NewUpdate(), nil
	})
}

func endRouter() Router {
	return RouterFunc(func(ctx context.Context, s state.Reader) (Decision, error) {
		return Decision{Next: End}, nil
	})
}

func TestNewGraph(t *testing.T) {
	t.Run("valid graph", func(t *testing.T) {
		g, err := NewGraph(GraphOptions{
			Name:            "campus",
			Router:          endRouter(),
			Workers:         []Worker{noopWorker("b"), noopWorker("a"), noopWorker("c")},
			Parallel:        []ParallelGroup{{Name: "fan", Siblings: []Sibling{{Worker: "a"}, {Worker: "b", Optional: true}}}},
			InterruptBefore: []string{"c", "fan", "c"},
		})
		require.NoError(t, err)
		require.Equal(t, []string{"a", "b", "c"}, g.WorkerNames())
		require.Equal(t, []string{"a", "b", "c", "fan", Supervisor}, g.Nodes())
		require.Equal(t, []string{"c", "fan"}, g.InterruptBefore())
		require.Equal(t, NodeKindRouter, g.KindOf(Supervisor))
		require.Equal(t, NodeKindWorker, g.KindOf("a"))
		require.Equal(t, NodeKindParallel, g.KindOf("fan"))
		require.Equal(t, NodeKindEnd, g.KindOf(End))
		require.Equal(t, NodeKindUnknown, g.KindOf("missing"))
	})

	cases := []struct {
		name string
		opts GraphOptions
		want string
	}{
		{"missing name", GraphOptions{Router: endRouter()}, "graph name required"},
		{"missing router", GraphOptions{Name: "g"}, "router required"},
		{"reserved worker", GraphOptions{Name: "g", Router: endRouter(), Workers: []Worker{noopWorker(Supervisor)}}, "reserved"},
		{"duplicate worker", GraphOptions{Name: "g", Router: endRouter(), Workers: []Worker{noopWorker("a"), noopWorker("a")}}, "duplicate worker"},
		{"unknown priority", GraphOptions{Name: "g", Router: endRouter(), Workers: []Worker{noopWorker("a")}, Priority: []string{"x"}}, "priority names unknown worker"},
		{"group too small", GraphOptions{Name: "g", Router: endRouter(), Workers: []Worker{noopWorker("a")},
			Parallel: []ParallelGroup{{Name: "fan", Siblings: []Sibling{{Worker: "a"}}}}}, "at least two siblings"},
		{"group shadows worker", GraphOptions{Name: "g", Router: endRouter(), Workers: []Worker{noopWorker("a"), noopWorker("b")},
			Parallel: []ParallelGroup{{Name: "a", Siblings: []Sibling{{Worker: "a"}, {Worker: "b"}}}}}, "shadows a worker"},
		{"unknown sibling", GraphOptions{Name: "g", Router: endRouter(), Workers: []Worker{noopWorker("a")},
			Parallel: []ParallelGroup{{Name: "fan", Siblings: []Sibling{{Worker: "a"}, {Worker: "x"}}}}}, "unknown node"},
		{"unknown gate", GraphOptions{Name: "g", Router: endRouter(), Workers: []Worker{noopWorker("a")}, InterruptBefore: []string{"x"}}, "unknown node"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewGraph(tc.opts)
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
			require.True(t, IsKind(err, KindConfiguration))
		})
	}
}

func TestGraphDeclaredCollisions(t *testing.T) {
	opts := GraphOptions{
		Name:     "g",
		Router:   endRouter(),
		Workers:  []Worker{noopWorker("a"), noopWorker("b")},
		Parallel: []ParallelGroup{{Name: "fan", Siblings: []Sibling{{Worker: "a"}, {Worker: "b"}}}},
		ScratchKeys: map[string][]string{
			"a": {"shared.result", "a.docs"},
			"b": {"shared.result"},
		},
	}
	_, err := NewGraph(opts)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrScratchCollision))

	opts.Priority = []string{"b", "a"}
	_, err = NewGraph(opts)
	require.NoError(t, err)
}

const testGraphYAML = `
name: campus
description: campus assistant
workers: [lookup, search, answer]
parallel:
  - name: research
    siblings:
      - worker: lookup
      - worker: search
        optional: true
interrupt_before: [answer]
priority: [lookup, search]
`

func TestLoadGraph(t *testing.T) {
	available := []Worker{noopWorker("lookup"), noopWorker("search"), noopWorker("answer"), noopWorker("unused")}

	t.Run("from string", func(t *testing.T) {
		g, err := LoadGraphString(testGraphYAML, endRouter(), available...)
		require.NoError(t, err)
		require.Equal(t, "campus", g.Name())
		require.Equal(t, "campus assistant", g.Description())
		require.Equal(t, []string{"answer", "lookup", "search"}, g.WorkerNames())
		group, ok := g.Group("research")
		require.True(t, ok)
		require.True(t, group.Siblings[1].Optional)
		require.Equal(t, []string{"answer"}, g.InterruptBefore())
	})

	t.Run("from file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "graph.yaml")
		require.NoError(t, os.WriteFile(path, []byte(testGraphYAML), 0644))
		g, err := LoadGraphFile(path, endRouter(), available...)
		require.NoError(t, err)
		require.Equal(t, NodeKindParallel, g.KindOf("research"))
	})

	t.Run("missing worker", func(t *testing.T) {
		_, err := LoadGraphString(testGraphYAML, endRouter(), noopWorker("lookup"))
		require.Error(t, err)
		require.True(t, errors.Is(err, ErrUnknownNode))
	})

	t.Run("bad yaml", func(t *testing.T) {
		_, err := LoadGraphString("workers: [", endRouter())
		require.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadGraphFile(filepath.Join(t.TempDir(), "nope.yaml"), endRouter())
		require.Error(t, err)
	})
}
