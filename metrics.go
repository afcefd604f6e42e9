package campusflow

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCallbacks records executor events as Prometheus metrics
type MetricsCallbacks struct {
	BaseExecutionCallbacks

	runs          *prometheus.CounterVec
	steps         *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	pauses        *prometheus.CounterVec
	guardActions  *prometheus.CounterVec
	guardRejected *prometheus.CounterVec
}

// NewMetricsCallbacks creates the collectors and registers them with reg.
func NewMetricsCallbacks(reg prometheus.Registerer) (*MetricsCallbacks, error) {
	m := &MetricsCallbacks{
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campusflow_runs_total",
				Help: "Invoke and resume calls by outcome",
			},
			[]string{"graph", "operation", "status"},
		),
		steps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campusflow_steps_total",
				Help: "Executed steps by node",
			},
			[]string{"graph", "node", "kind", "failed"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "campusflow_step_duration_seconds",
				Help:    "Duration of executed steps",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"graph", "node"},
		),
		pauses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campusflow_interrupts_total",
				Help: "Threads paused in front of a gated node",
			},
			[]string{"graph", "node"},
		),
		guardActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campusflow_guard_actions_total",
				Help: "Guard transformations such as truncation and redaction",
			},
			[]string{"guard", "action"},
		),
		guardRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campusflow_guard_rejections_total",
				Help: "Steps rejected by a guard",
			},
			[]string{"guard", "kind"},
		),
	}
	for _, c := range []prometheus.Collector{m.runs, m.steps, m.stepDuration, m.pauses, m.guardActions, m.guardRejected} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *MetricsCallbacks) AfterRun(ctx context.Context, event *RunEvent) {
	m.runs.WithLabelValues(event.GraphName, event.Operation, string(event.Status)).Inc()
}

func (m *MetricsCallbacks) AfterStep(ctx context.Context, event *StepEvent) {
	failed := strconv.FormatBool(event.Error != nil)
	m.steps.WithLabelValues(event.GraphName, event.Node, event.Kind.String(), failed).Inc()
	m.stepDuration.WithLabelValues(event.GraphName, event.Node).Observe(event.Duration.Seconds())
}

func (m *MetricsCallbacks) OnPause(ctx context.Context, event *PauseEvent) {
	node := ""
	if event.Interrupt != nil {
		node = event.Interrupt.Node
	}
	m.pauses.WithLabelValues(event.GraphName, node).Inc()
}

func (m *MetricsCallbacks) OnGuard(ctx context.Context, event *GuardExecutionEvent) {
	if event.Rejection != nil {
		m.guardRejected.WithLabelValues(event.Rejection.Guard, event.Rejection.Kind).Inc()
		return
	}
	if event.Event != nil {
		m.guardActions.WithLabelValues(event.Event.Guard, event.Event.Action).Add(float64(max(event.Event.Count, 1)))
	}
}
