package campusflow

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"time"

	"github.com/dingyuana/campusflow/retry"
	"github.com/dingyuana/campusflow/state"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMaxSteps is the loop guard used when ExecutorOptions.MaxSteps is
// not set.
const DefaultMaxSteps = 25

// ExecutorOptions configures a new executor
type ExecutorOptions struct {
	Graph        *Graph
	Checkpointer Checkpointer
	Locker       Locker
	Guards       []Guard
	Logger       *slog.Logger
	Callbacks    ExecutionCallbacks
	StepLogger   StepLogger
	Tracer       trace.Tracer

	// MaxSteps bounds the steps a single Invoke or Resume may execute.
	MaxSteps int

	// WorkerRetry is applied to worker and oracle calls. Defaults to
	// retry.DefaultPolicy retrying every error not marked non-recoverable.
	WorkerRetry *retry.Policy

	// MaxDecisionRetries caps re-asking the router after a malformed or
	// unknown decision. Zero means 1; negative disables retries.
	MaxDecisionRetries int

	// MaxParallelism bounds concurrently running parallel siblings. Zero
	// runs every sibling at once.
	MaxParallelism int

	// InterruptTimeout expires pending interrupts. An approval that arrives
	// later is treated as a rejection. Zero disables expiry.
	InterruptTimeout time.Duration

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// Executor drives threads through a graph. One executor serves any number
// of threads; each thread runs at most one invocation at a time.
type Executor struct {
	graph              *Graph
	checkpointer       Checkpointer
	locker             Locker
	pipeline           *Pipeline
	logger             *slog.Logger
	callbacks          ExecutionCallbacks
	stepLogger         StepLogger
	tracer             trace.Tracer
	maxSteps           int
	workerRetry        retry.Policy
	maxDecisionRetries int
	gate               *interruptGate
	parallel           *parallelCoordinator
	clock              func() time.Time
}

// Result is returned by Invoke and Resume
type Result struct {
	ThreadID  string     `json:"thread_id"`
	Status    Status     `json:"status"`
	State     *State     `json:"state,omitempty"`
	Interrupt *Interrupt `json:"interrupt,omitempty"`
	Rejection *Rejection `json:"rejection,omitempty"`
	Steps     int        `json:"steps"`
	Err       *Error     `json:"error,omitempty"`
}

// NewExecutor creates a new executor
func NewExecutor(opts ExecutorOptions) (*Executor, error) {
	if opts.Graph == nil {
		return nil, configError("graph is required")
	}
	if opts.Checkpointer == nil {
		opts.Checkpointer = NewMemoryCheckpointer()
	}
	if opts.Locker == nil {
		opts.Locker = NewLocalLocker()
	}
	if opts.Logger == nil {
		opts.Logger = NewNopLogger()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = &BaseExecutionCallbacks{}
	}
	if opts.StepLogger == nil {
		opts.StepLogger = NewNullStepLogger()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/dingyuana/campusflow")
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultMaxSteps
	}
	policy := retry.DefaultPolicy()
	policy.RetryIf = retry.Retryable
	if opts.WorkerRetry != nil {
		policy = *opts.WorkerRetry
		if policy.RetryIf == nil {
			policy.RetryIf = retry.Retryable
		}
	}
	switch {
	case opts.MaxDecisionRetries == 0:
		opts.MaxDecisionRetries = 1
	case opts.MaxDecisionRetries < 0:
		opts.MaxDecisionRetries = 0
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	e := &Executor{
		graph:              opts.Graph,
		checkpointer:       opts.Checkpointer,
		locker:             opts.Locker,
		pipeline:           NewPipeline(opts.Guards...),
		logger:             opts.Logger.With("graph", opts.Graph.Name()),
		callbacks:          opts.Callbacks,
		stepLogger:         opts.StepLogger,
		tracer:             opts.Tracer,
		maxSteps:           opts.MaxSteps,
		workerRetry:        policy,
		maxDecisionRetries: opts.MaxDecisionRetries,
		gate:               newInterruptGate(opts.Graph.InterruptBefore(), opts.InterruptTimeout),
		clock:              opts.Clock,
	}
	e.parallel = &parallelCoordinator{
		graph:          opts.Graph,
		maxParallelism: opts.MaxParallelism,
		logger:         e.logger,
		run:            e.runWorker,
	}
	return e, nil
}

// Graph returns the executor's graph
func (e *Executor) Graph() *Graph {
	return e.graph
}

// Checkpointer returns the executor's checkpoint store
func (e *Executor) Checkpointer() Checkpointer {
	return e.checkpointer
}

func (e *Executor) now() time.Time {
	return e.clock().UTC()
}

// run tracks one Invoke or Resume call
type run struct {
	threadID  string
	operation string
	logger    *slog.Logger
	start     time.Time
	steps     int

	// unscanned is the index of the first history entry the guards have
	// not inspected yet.
	unscanned int
}

// Invoke merges input into the thread's latest state and runs the step loop
// until the router ends the turn, a gated node pauses the thread, a guard
// rejects, or the run fails. A nil input continues an unfinished thread.
func (e *Executor) Invoke(ctx context.Context, threadID string, input *Update) (*Result, error) {
	return e.execute(ctx, threadID, "invoke", func(ctx context.Context, r *run, s *State) (*State, string, *Result, error) {
		if s.PendingInterrupt != nil {
			return nil, "", nil, NewError(KindInterrupt, ErrInterruptPending)
		}
		if input == nil || (len(input.AppendHistory) == 0 && len(input.Scratch) == 0 && input.NextNode == nil) {
			if s.NextNode == End {
				return nil, "", e.finish(ctx, r, s, StatusDone, nil), nil
			}
			return s, "", nil, nil
		}
		in := &Update{
			AppendHistory: stampMessages(input.AppendHistory, "", e.now()),
			Scratch:       maps.Clone(input.Scratch),
		}
		if input.NextNode != nil {
			if e.graph.KindOf(*input.NextNode) == NodeKindUnknown {
				return nil, "", nil, configError("input: %w %q", ErrUnknownNode, *input.NextNode)
			}
			// input with content must be persisted by at least one step
			if *input.NextNode == End && (len(in.AppendHistory) > 0 || len(in.Scratch) > 0) {
				return nil, "", nil, configError("input: %w", ErrInputEndsTurn)
			}
			in.Goto(*input.NextNode)
		}
		finished := s.NextNode == End || s.NextNode == ""
		if len(in.AppendHistory) > 0 || (len(in.Scratch) > 0 && finished) {
			in.Set(ScratchKeyVisited, []string{})
			if in.NextNode == nil && finished {
				in.Goto(Supervisor)
			}
		}
		return s.Apply(in), "", nil, nil
	})
}

// Resume applies an approval to a paused thread and continues the loop.
// Resuming a thread with no pending interrupt fails with ErrAlreadyResumed
// and never re-runs the gated node.
func (e *Executor) Resume(ctx context.Context, threadID string, approval Approval) (*Result, error) {
	return e.execute(ctx, threadID, "resume", func(ctx context.Context, r *run, s *State) (*State, string, *Result, error) {
		if err := e.gate.validate(s, approval); err != nil {
			return nil, "", nil, ClassifyError(err)
		}
		node := s.PendingInterrupt.Node
		update, proceed := e.gate.resolve(s, approval, e.now())
		r.logger.Info("interrupt resolved",
			"node", node,
			"decision", approval.Decision,
			"proceed", proceed)
		if proceed {
			return s.Apply(update), node, nil, nil
		}
		// a rejection is itself a step
		update.AppendHistory = stampMessages(update.AppendHistory, nodeInterrupt, e.now())
		next := s.Apply(update)
		next.StepCount = s.StepCount + 1
		next.Status = StatusDone
		next.UpdatedAt = e.now()
		next, err := normalizeState(next)
		if err != nil {
			return nil, "", nil, err
		}
		if err := e.save(ctx, next); err != nil {
			return nil, "", nil, err
		}
		r.steps++
		e.logStep(ctx, r, &StepLogEntry{Step: next.StepCount, Node: nodeInterrupt, Kind: "interrupt", NextNode: End, StartTime: e.now()})
		return nil, "", e.finish(ctx, r, next, StatusDone, nil), nil
	})
}

// prepareFunc adjusts the loaded state before the loop. It returns either a
// state to run (plus a node whose interrupt gate is already satisfied) or a
// final result.
type prepareFunc func(ctx context.Context, r *run, s *State) (*State, string, *Result, error)

func (e *Executor) execute(ctx context.Context, threadID, operation string, prepare prepareFunc) (*Result, error) {
	if threadID == "" {
		err := NewError(KindConfiguration, ErrThreadIDRequired)
		return &Result{Status: StatusFailed, Err: err}, err
	}
	r := &run{
		threadID:  threadID,
		operation: operation,
		logger:    e.logger.With("thread_id", threadID, "operation", operation),
		start:     e.now(),
	}

	unlock, err := e.locker.TryLock(ctx, threadID)
	if err != nil {
		kind := KindStorage
		if errors.Is(err, ErrConcurrentInvocation) {
			kind = KindConcurrency
		}
		werr := NewError(kind, err)
		r.logger.Warn("thread lock unavailable", "error", err)
		return &Result{ThreadID: threadID, Status: StatusFailed, Err: werr}, werr
	}
	defer unlock()

	ctx, span := e.tracer.Start(ctx, "campusflow."+operation, trace.WithAttributes(
		attribute.String("campusflow.graph", e.graph.Name()),
		attribute.String("campusflow.thread_id", threadID),
	))
	defer span.End()
	ctx = WithLogger(ctx, r.logger)

	e.callbacks.BeforeRun(ctx, &RunEvent{
		ThreadID:  threadID,
		GraphName: e.graph.Name(),
		Operation: operation,
		Status:    StatusRunning,
		StartTime: r.start,
	})

	s, err := e.load(ctx, threadID)
	if err != nil {
		return e.fail(ctx, span, r, nil, err)
	}
	r.unscanned = len(s.History)

	s, approved, result, err := prepare(ctx, r, s)
	if err != nil {
		return e.fail(ctx, span, r, nil, err)
	}
	if result != nil {
		span.SetAttributes(attribute.String("campusflow.status", string(result.Status)))
		return result, nil
	}

	result, err = e.loop(ctx, r, s, approved)
	if err != nil {
		return e.fail(ctx, span, r, s, err)
	}
	span.SetAttributes(
		attribute.String("campusflow.status", string(result.Status)),
		attribute.Int("campusflow.steps", result.Steps),
	)
	return result, nil
}

// load returns the thread's latest state or a fresh one
func (e *Executor) load(ctx context.Context, threadID string) (*State, error) {
	cp, err := e.checkpointer.LoadLatest(ctx, threadID)
	if err != nil {
		if errors.Is(err, ErrCheckpointNotFound) {
			return NewState(threadID), nil
		}
		return nil, NewError(KindStorage, err)
	}
	return cp.State, nil
}

// save persists a completed step. Nothing is written once ctx is done.
func (e *Executor) save(ctx context.Context, s *State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.checkpointer.Save(ctx, NewCheckpoint(s, e.now())); err != nil {
		return NewError(KindStorage, err)
	}
	return nil
}

func (e *Executor) finish(ctx context.Context, r *run, s *State, status Status, rejection *Rejection) *Result {
	result := &Result{
		ThreadID:  r.threadID,
		Status:    status,
		State:     s,
		Interrupt: s.PendingInterrupt.Clone(),
		Rejection: rejection,
		Steps:     r.steps,
	}
	end := e.now()
	r.logger.Info("run finished",
		"status", status,
		"steps", r.steps,
		"step_count", s.StepCount,
		"duration", end.Sub(r.start))
	e.callbacks.AfterRun(ctx, &RunEvent{
		ThreadID:  r.threadID,
		GraphName: e.graph.Name(),
		Operation: r.operation,
		Status:    status,
		StartTime: r.start,
		EndTime:   end,
		Duration:  end.Sub(r.start),
		StepCount: s.StepCount,
		Steps:     r.steps,
	})
	return result
}

func (e *Executor) fail(ctx context.Context, span trace.Span, r *run, s *State, err error) (*Result, error) {
	werr := ClassifyError(err)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		werr = NewError(KindCanceled, err)
	}
	span.RecordError(werr)
	span.SetStatus(codes.Error, werr.Error())
	r.logger.Error("run failed",
		"kind", werr.Kind,
		"retry", werr.Retry,
		"node", werr.Node,
		"step", werr.Step,
		"error", werr.Cause)
	end := e.now()
	stepCount := 0
	if s != nil {
		stepCount = s.StepCount
	}
	e.callbacks.AfterRun(ctx, &RunEvent{
		ThreadID:  r.threadID,
		GraphName: e.graph.Name(),
		Operation: r.operation,
		Status:    StatusFailed,
		StartTime: r.start,
		EndTime:   end,
		Duration:  end.Sub(r.start),
		StepCount: stepCount,
		Steps:     r.steps,
		Error:     werr,
	})
	return &Result{ThreadID: r.threadID, Status: StatusFailed, State: s, Steps: r.steps, Err: werr}, werr
}

// State returns the thread's latest persisted state
func (e *Executor) State(ctx context.Context, threadID string) (*State, error) {
	cp, err := e.checkpointer.LoadLatest(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return cp.State, nil
}

// History returns every checkpoint of a thread ordered by step
func (e *Executor) History(ctx context.Context, threadID string) ([]*Checkpoint, error) {
	return e.checkpointer.List(ctx, threadID)
}

// Rollback restores the snapshot taken at step as the thread's newest state.
// The restored state is saved under the next step number so step counts keep
// increasing; the intermediate checkpoints remain for audit.
func (e *Executor) Rollback(ctx context.Context, threadID string, step int) (*State, error) {
	unlock, err := e.locker.TryLock(ctx, threadID)
	if err != nil {
		if errors.Is(err, ErrConcurrentInvocation) {
			return nil, NewError(KindConcurrency, err)
		}
		return nil, NewError(KindStorage, err)
	}
	defer unlock()

	target, err := e.checkpointer.LoadAt(ctx, threadID, step)
	if err != nil {
		return nil, err
	}
	latest, err := e.checkpointer.LoadLatest(ctx, threadID)
	if err != nil {
		return nil, err
	}
	restored := target.State.Clone()
	restored.StepCount = latest.Step + 1
	restored.UpdatedAt = e.now()
	if restored.Status == StatusRunning {
		restored.Status = StatusIdle
	}
	if err := e.save(ctx, restored); err != nil {
		return nil, err
	}
	e.logger.Info("thread rolled back",
		"thread_id", threadID,
		"to_step", step,
		"step_count", restored.StepCount)
	return restored, nil
}

// stampMessages fills in missing node tags and timestamps
func stampMessages(msgs []state.Message, node string, now time.Time) []state.Message {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]state.Message, len(msgs))
	for i, m := range msgs {
		if m.Role == "" {
			m.Role = state.RoleAssistant
		}
		if m.Node == "" && m.Role != state.RoleUser {
			m.Node = node
		}
		if m.Time.IsZero() {
			m.Time = now
		}
		out[i] = m
	}
	return out
}
