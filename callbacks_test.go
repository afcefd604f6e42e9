package campusflow

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type recordingCallbacks struct {
	BaseExecutionCallbacks
	mu     sync.Mutex
	events []string
}

func (r *recordingCallbacks) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingCallbacks) BeforeRun(ctx context.Context, e *RunEvent) {
	r.add("before_run:" + e.Operation)
}

func (r *recordingCallbacks) AfterRun(ctx context.Context, e *RunEvent) {
	r.add(fmt.Sprintf("after_run:%s:%d", e.Status, e.Steps))
}

func (r *recordingCallbacks) BeforeStep(ctx context.Context, e *StepEvent) {
	r.add(fmt.Sprintf("before_step:%d:%s", e.Step, e.Node))
}

func (r *recordingCallbacks) AfterStep(ctx context.Context, e *StepEvent) {
	r.add(fmt.Sprintf("after_step:%d:%s->%s", e.Step, e.Node, e.NextNode))
}

func (r *recordingCallbacks) OnPause(ctx context.Context, e *PauseEvent) {
	r.add("pause:" + e.Interrupt.Node)
}

func (r *recordingCallbacks) OnGuard(ctx context.Context, e *GuardExecutionEvent) {
	if e.Rejection != nil {
		r.add("reject:" + e.Rejection.Guard)
		return
	}
	r.add(fmt.Sprintf("guard:%s:%s", e.Event.Guard, e.Event.Action))
}

func TestExecutorCallbacks(t *testing.T) {
	rec := &recordingCallbacks{}
	noted := NewGuardFunc("noter", func(ctx context.Context, f *Frame) (*Frame, *Rejection, error) {
		if f.Phase == PhasePre && len(f.Messages()) > 0 {
			return f.Record(GuardEvent{Guard: "noter", Action: "seen"}), nil, nil
		}
		return f, nil, nil
	})
	e := newTestExecutor(t, ExecutorOptions{
		Graph:     echoGraph(t, "echo"),
		Callbacks: NewCallbackChain(rec, NewBaseExecutionCallbacks()),
		Guards:    []Guard{noted},
	})

	res, err := e.Invoke(context.Background(), "t1", Input("hi"))
	require.NoError(t, err)
	_, err = e.Resume(context.Background(), "t1", Approval{Decision: DecisionAccept, Token: res.Interrupt.Token})
	require.NoError(t, err)

	require.Equal(t, []string{
		"before_run:invoke",
		"before_step:1:supervisor",
		"guard:noter:seen",
		"after_step:1:supervisor->echo",
		"before_step:2:echo",
		"after_step:2:echo->echo",
		"pause:echo",
		"after_run:paused:2",
		"before_run:resume",
		"before_step:3:echo",
		"after_step:3:echo->" + End,
		"after_run:done:1",
	}, rec.events)
}

func TestMetricsCallbacks(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetricsCallbacks(reg)
	require.NoError(t, err)

	blocker := NewGuardFunc("blocker", func(ctx context.Context, f *Frame) (*Frame, *Rejection, error) {
		if f.Phase == PhasePost && f.Node == "echo" {
			return nil, &Rejection{Kind: "policy", Reason: "blocked"}, nil
		}
		return f, nil, nil
	})
	e := newTestExecutor(t, ExecutorOptions{Graph: echoGraph(t), Callbacks: m, Guards: []Guard{blocker}})

	_, err = e.Invoke(context.Background(), "t1", Input("hi"))
	require.NoError(t, err)

	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("echo", "invoke", "done")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.steps.WithLabelValues("echo", Supervisor, "router", "false")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.steps.WithLabelValues("echo", "echo", "worker", "false")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.guardRejected.WithLabelValues("blocker", "policy")))
	require.Equal(t, 2, testutil.CollectAndCount(m.stepDuration))

	// registering twice fails
	_, err = NewMetricsCallbacks(reg)
	require.Error(t, err)
}

func TestExecutorTracing(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer provider.Shutdown(context.Background())

	e := newTestExecutor(t, ExecutorOptions{Graph: echoGraph(t), Tracer: provider.Tracer("test")})
	_, err := e.Invoke(context.Background(), "t1", Input("hi"))
	require.NoError(t, err)

	var names []string
	for _, span := range recorder.Ended() {
		names = append(names, span.Name())
	}
	require.ElementsMatch(t, []string{
		"campusflow.step supervisor",
		"campusflow.worker echo",
		"campusflow.step echo",
		"campusflow.invoke",
	}, names)
}
