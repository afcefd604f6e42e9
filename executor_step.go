package campusflow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dingyuana/campusflow/retry"
	"github.com/dingyuana/campusflow/state"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ScratchKeyRejection records the most recent guardrail rejection.
var ScratchKeyRejection = ScratchKey("guard", "rejection")

// stepOutcome is the result of one successfully executed step
type stepOutcome struct {
	state     *State
	node      string
	kind      NodeKind
	rationale string
	events    []GuardEvent
	rejection *Rejection
	paused    bool
}

// loop runs steps until the thread ends, pauses, or fails. approved names a
// node whose interrupt gate was satisfied by Resume.
func (e *Executor) loop(ctx context.Context, r *run, s *State, approved string) (*Result, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, NewError(KindCanceled, err).at(s.NextNode, s.StepCount+1)
		}
		node := s.NextNode
		if node == "" {
			node = Supervisor
		}
		if node == End {
			return e.finish(ctx, r, s, StatusDone, nil), nil
		}
		if r.steps >= e.maxSteps {
			return nil, NewError(KindBudget, fmt.Errorf("%w: limit of %d steps per run", ErrBudgetExceeded, e.maxSteps)).
				at(node, s.StepCount+1)
		}

		start := e.now()
		e.callbacks.BeforeStep(ctx, &StepEvent{
			ThreadID:  r.threadID,
			GraphName: e.graph.Name(),
			Step:      s.StepCount + 1,
			Node:      node,
			Kind:      e.graph.KindOf(node),
			StartTime: start,
		})
		outcome, err := e.step(ctx, r, s, node, approved == node)
		approved = ""
		if err == nil {
			err = e.save(ctx, outcome.state)
		}
		end := e.now()
		if err != nil {
			werr := ClassifyError(err)
			if werr.Node == "" {
				werr.at(node, s.StepCount+1)
			}
			e.callbacks.AfterStep(ctx, &StepEvent{
				ThreadID:  r.threadID,
				GraphName: e.graph.Name(),
				Step:      s.StepCount + 1,
				Node:      node,
				Kind:      e.graph.KindOf(node),
				StartTime: start,
				EndTime:   end,
				Duration:  end.Sub(start),
				Error:     werr,
			})
			e.logStep(ctx, r, &StepLogEntry{
				Step:      s.StepCount + 1,
				Node:      node,
				Kind:      e.graph.KindOf(node).String(),
				Error:     werr.Error(),
				StartTime: start,
				Duration:  end.Sub(start).Seconds(),
			})
			return nil, werr
		}

		r.steps++
		s = outcome.state
		r.unscanned = len(s.History)
		r.logger.Debug("step complete",
			"step", s.StepCount,
			"node", node,
			"next_node", s.NextNode,
			"duration", end.Sub(start))
		e.callbacks.AfterStep(ctx, &StepEvent{
			ThreadID:  r.threadID,
			GraphName: e.graph.Name(),
			Step:      s.StepCount,
			Node:      node,
			Kind:      outcome.kind,
			NextNode:  s.NextNode,
			StartTime: start,
			EndTime:   end,
			Duration:  end.Sub(start),
		})
		e.logStep(ctx, r, &StepLogEntry{
			Step:      s.StepCount,
			Node:      node,
			Kind:      outcome.kind.String(),
			NextNode:  s.NextNode,
			Rationale: outcome.rationale,
			Guards:    outcome.events,
			Rejection: outcome.rejection,
			Paused:    outcome.paused,
			StartTime: start,
			Duration:  end.Sub(start).Seconds(),
		})

		switch {
		case outcome.paused:
			r.logger.Info("thread paused for approval",
				"node", s.PendingInterrupt.Node,
				"step", s.StepCount)
			e.callbacks.OnPause(ctx, &PauseEvent{
				ThreadID:  r.threadID,
				GraphName: e.graph.Name(),
				Step:      s.StepCount,
				Interrupt: s.PendingInterrupt.Clone(),
			})
			return e.finish(ctx, r, s, StatusPaused, nil), nil
		case outcome.rejection != nil:
			return e.finish(ctx, r, s, StatusDone, outcome.rejection), nil
		case s.NextNode == End:
			return e.finish(ctx, r, s, StatusDone, nil), nil
		}
	}
}

// step executes one node against s and returns the next state. It never
// writes a checkpoint.
func (e *Executor) step(ctx context.Context, r *run, s *State, node string, approved bool) (*stepOutcome, error) {
	stepNum := s.StepCount + 1
	kind := e.graph.KindOf(node)
	if kind == NodeKindUnknown || kind == NodeKindEnd {
		return nil, configError("next node: %w %q", ErrUnknownNode, node).at(node, stepNum)
	}
	ctx = WithThread(ctx, r.threadID, stepNum)
	ctx = WithLogger(ctx, r.logger.With("step", stepNum, "node", node))
	ctx, span := e.tracer.Start(ctx, "campusflow.step "+node, trace.WithAttributes(
		attribute.String("campusflow.node", node),
		attribute.String("campusflow.node_kind", kind.String()),
		attribute.Int("campusflow.step", stepNum),
	))
	defer span.End()

	out := &stepOutcome{node: node, kind: kind}
	now := e.now()

	pre, rejection, err := e.runGuards(ctx, r, &Frame{
		Phase:   PhasePre,
		Node:    node,
		State:   s,
		NewFrom: r.unscanned,
	}, stepNum)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	out.events = append(out.events, pre.Events...)
	working := s.Clone()
	working.History = pre.State.History
	if rejection != nil {
		return e.reject(out, working, rejection, stepNum)
	}

	if !approved && e.gate.gated(node) {
		pause := e.gate.pause(working, node, now)
		pause.Goto(node)
		next := working.Apply(pause)
		next.StepCount = stepNum
		next.Status = StatusPaused
		next.UpdatedAt = now
		out.paused = true
		span.AddEvent("interrupt")
		return e.complete(out, next)
	}

	var update *Update
	switch kind {
	case NodeKindRouter:
		var d Decision
		d, err = e.decide(ctx, working)
		if err == nil {
			out.rationale = d.Rationale
			update = NewUpdate().Goto(d.Next).Set(ScratchKeyRationale, d.Rationale)
		}
	case NodeKindWorker:
		w, _ := e.graph.Worker(node)
		update, err = e.runWorker(ctx, w, working)
	case NodeKindParallel:
		group, _ := e.graph.Group(node)
		update, err = e.parallel.execute(ctx, group, working)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, e.nodeError(ctx, err).at(node, stepNum)
	}
	update = sanitizeUpdate(update, kind)
	update.AppendHistory = stampMessages(update.AppendHistory, node, now)

	post, rejection, err := e.runGuards(ctx, r, &Frame{
		Phase:   PhasePost,
		Node:    node,
		State:   working,
		Update:  update,
		NewFrom: len(working.History),
	}, stepNum)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	out.events = append(out.events, post.Events...)
	if rejection != nil {
		return e.reject(out, working, rejection, stepNum)
	}
	update.AppendHistory = post.Update.AppendHistory

	next := working.Apply(update)
	if kind != NodeKindRouter {
		visited := append(Visited(next.View()), node)
		next.Scratch[ScratchKeyVisited] = visited
		if update.NextNode == nil {
			d, err := e.decide(ctx, next)
			if err != nil {
				return nil, e.nodeError(ctx, err).at(Supervisor, stepNum)
			}
			out.rationale = d.Rationale
			next.NextNode = d.Next
			next.Scratch[ScratchKeyRationale] = d.Rationale
		} else if err := e.validateDecision(Decision{Next: *update.NextNode}); err != nil {
			return nil, NewError(KindConfiguration, fmt.Errorf("worker %s: %w", node, err)).at(node, stepNum)
		}
	}
	next.StepCount = stepNum
	next.Status = StatusRunning
	if next.NextNode == End {
		next.Status = StatusDone
	}
	next.UpdatedAt = now
	span.SetAttributes(attribute.String("campusflow.next_node", next.NextNode))
	return e.complete(out, next)
}

// complete normalizes the step's state so it equals what a store returns.
func (e *Executor) complete(out *stepOutcome, next *State) (*stepOutcome, error) {
	normalized, err := normalizeState(next)
	if err != nil {
		return nil, ClassifyError(err).at(out.node, next.StepCount)
	}
	out.state = normalized
	return out, nil
}

// reject merges a guardrail refusal in place of the node's output and ends
// the turn.
func (e *Executor) reject(out *stepOutcome, working *State, rejection *Rejection, stepNum int) (*stepOutcome, error) {
	message := rejection.Message
	if message == "" {
		message = "Sorry, I can't help with that request."
	}
	u := NewUpdate().
		Append(state.Message{
			Role:    state.RoleAssistant,
			Content: message,
			Node:    "guard:" + rejection.Guard,
			Time:    e.now(),
		}).
		Set(ScratchKeyRejection, map[string]any{
			"guard":  rejection.Guard,
			"kind":   rejection.Kind,
			"reason": rejection.Reason,
		}).
		Goto(End)
	next := working.Apply(u)
	next.StepCount = stepNum
	next.Status = StatusDone
	next.UpdatedAt = e.now()
	out.rejection = rejection
	return e.complete(out, next)
}

// runGuards runs the pipeline for one phase and reports guard actions.
func (e *Executor) runGuards(ctx context.Context, r *run, f *Frame, stepNum int) (*Frame, *Rejection, error) {
	out, rejection, err := e.pipeline.Run(ctx, f)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, NewError(KindCanceled, err).at(f.Node, stepNum)
		}
		return nil, nil, NewError(KindConfiguration, err).at(f.Node, stepNum)
	}
	for i := range out.Events {
		ev := out.Events[i]
		r.logger.Info("guard action",
			"guard", ev.Guard,
			"action", ev.Action,
			"count", ev.Count,
			"detail", ev.Detail,
			"phase", f.Phase,
			"node", f.Node)
		e.callbacks.OnGuard(ctx, &GuardExecutionEvent{
			ThreadID:  r.threadID,
			GraphName: e.graph.Name(),
			Step:      stepNum,
			Node:      f.Node,
			Phase:     f.Phase,
			Event:     &ev,
		})
	}
	if rejection != nil {
		r.logger.Warn("guard rejected step",
			"guard", rejection.Guard,
			"kind", rejection.Kind,
			"reason", rejection.Reason,
			"phase", f.Phase,
			"node", f.Node)
		e.callbacks.OnGuard(ctx, &GuardExecutionEvent{
			ThreadID:  r.threadID,
			GraphName: e.graph.Name(),
			Step:      stepNum,
			Node:      f.Node,
			Phase:     f.Phase,
			Rejection: rejection,
		})
	}
	return out, rejection, nil
}

// decide asks the router for the next node. Router errors are retried with
// the worker policy; malformed or unknown decisions are re-asked at most
// maxDecisionRetries times before the run fails with a configuration error.
func (e *Executor) decide(ctx context.Context, s *State) (Decision, error) {
	router := e.graph.Router()
	for attempt := 0; ; attempt++ {
		var d Decision
		err := e.workerRetry.Do(ctx, func() error {
			var err error
			d, err = safeDecide(ctx, router, s.View())
			return err
		})
		if err != nil {
			return Decision{}, err
		}
		verr := e.validateDecision(d)
		if verr == nil {
			return d, nil
		}
		if attempt >= e.maxDecisionRetries {
			return Decision{}, NewError(KindConfiguration, fmt.Errorf("router decision %q: %w", d.Next, verr))
		}
		LoggerFromContext(ctx).Warn("invalid router decision, asking again",
			"decision", d.Next,
			"attempt", attempt+1,
			"error", verr)
	}
}

func (e *Executor) validateDecision(d Decision) error {
	if d.Next == "" {
		return ErrMalformedDecision
	}
	if e.graph.KindOf(d.Next) == NodeKindUnknown {
		return fmt.Errorf("%w %q", ErrUnknownNode, d.Next)
	}
	return nil
}

// runWorker executes w against a snapshot with the worker retry policy.
func (e *Executor) runWorker(ctx context.Context, w Worker, snapshot *State) (*Update, error) {
	ctx, span := e.tracer.Start(ctx, "campusflow.worker "+w.Name())
	defer span.End()

	logger := LoggerFromContext(ctx)
	policy := e.workerRetry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		logger.Warn("worker failed, retrying",
			"worker", w.Name(),
			"attempt", attempt,
			"delay", delay,
			"error", err)
	}
	var update *Update
	attempts := 0
	err := policy.Do(ctx, func() error {
		attempts++
		u, err := safeExecute(ctx, w, snapshot.View())
		if err != nil {
			return err
		}
		update = u
		return nil
	})
	span.SetAttributes(attribute.Int("campusflow.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return update, nil
}

// nodeError classifies a node failure. Failures caused by cancellation are
// reported as such even when the worker wrapped them.
func (e *Executor) nodeError(ctx context.Context, err error) *Error {
	if ctx.Err() != nil {
		return NewError(KindCanceled, err)
	}
	var werr *Error
	if errors.As(err, &werr) {
		return werr
	}
	return ClassifyError(err)
}

func safeExecute(ctx context.Context, w Worker, view state.Reader) (update *Update, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = retry.NewNonRecoverableError(fmt.Errorf("worker %s panicked: %v", w.Name(), p))
		}
	}()
	return w.Execute(ctx, view)
}

func safeDecide(ctx context.Context, router Router, view state.Reader) (d Decision, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = retry.NewNonRecoverableError(fmt.Errorf("router panicked: %v", p))
		}
	}()
	return router.Decide(ctx, view)
}

// sanitizeUpdate keeps only the fields a node may set. Routing is only
// honored from workers; interrupt and step fields belong to the executor.
func sanitizeUpdate(u *Update, kind NodeKind) *Update {
	if u == nil {
		return NewUpdate()
	}
	out := &Update{
		AppendHistory: slices.Clone(u.AppendHistory),
		Scratch:       u.Scratch,
		NextNode:      u.NextNode,
	}
	if kind == NodeKindParallel {
		out.NextNode = nil
	}
	return out
}

func (e *Executor) logStep(ctx context.Context, r *run, entry *StepLogEntry) {
	entry.ID = newStepLogID()
	entry.ThreadID = r.threadID
	if err := e.stepLogger.LogStep(ctx, entry); err != nil {
		r.logger.Warn("failed to write step log", "error", err)
	}
}
