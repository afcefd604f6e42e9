package campusflow

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/dingyuana/campusflow/state"
)

// Phase identifies when a guard runs relative to node execution
type Phase string

const (
	PhasePre  Phase = "pre"
	PhasePost Phase = "post"
)

// Frame is the value a guard inspects and transforms. In the pre phase State
// is the state the node is about to see and Update is nil. In the post phase
// State is the state before the merge and Update holds the node's output.
type Frame struct {
	Phase  Phase
	Node   string
	State  *State
	Update *Update

	// NewFrom is the index of the first history entry no guard has scanned
	// yet. Content scanners only need to look at History[NewFrom:].
	NewFrom int

	// Events records transformations guards applied. The executor logs
	// them and forwards them to callbacks.
	Events []GuardEvent
}

// Messages returns the messages a content scanner should inspect: unscanned
// history in the pre phase, the node's appended messages in the post phase.
func (f *Frame) Messages() []state.Message {
	if f.Phase == PhasePost {
		if f.Update == nil {
			return nil
		}
		return f.Update.AppendHistory
	}
	if f.State == nil || f.NewFrom >= len(f.State.History) {
		return nil
	}
	return f.State.History[max(f.NewFrom, 0):]
}

// ReplaceMessages returns a copy of the frame with the scanned messages
// replaced by msgs, which must have the same length.
func (f *Frame) ReplaceMessages(msgs []state.Message) *Frame {
	out := f.clone()
	if f.Phase == PhasePost {
		out.Update.AppendHistory = slices.Clone(msgs)
		return out
	}
	from := max(f.NewFrom, 0)
	out.State.History = append(out.State.History[:from], msgs...)
	return out
}

// Record returns a copy of the frame with an event appended.
func (f *Frame) Record(event GuardEvent) *Frame {
	out := f.clone()
	out.Events = append(out.Events, event)
	return out
}

func (f *Frame) clone() *Frame {
	c := *f
	c.State = f.State.Clone()
	c.Update = f.Update.Clone()
	c.Events = slices.Clone(f.Events)
	return &c
}

// GuardEvent describes a non-rejecting guard action such as a truncation or
// a redaction.
type GuardEvent struct {
	Guard  string `json:"guard"`
	Action string `json:"action"`
	Detail string `json:"detail,omitempty"`
	Count  int    `json:"count,omitempty"`
}

// Rejection is a guardrail refusal. It is a successful terminal outcome: the
// refusal message is merged into history and the turn ends.
type Rejection struct {
	Guard   string `json:"guard"`
	Kind    string `json:"kind"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

func (r *Rejection) String() string {
	return fmt.Sprintf("%s rejected (%s): %s", r.Guard, r.Kind, r.Reason)
}

// Guard is a pure transform over a Frame. A guard returns either a
// transformed frame or a rejection. Guards must not modify scratch; any
// scratch changes are discarded by the pipeline.
type Guard interface {
	Name() string
	Check(ctx context.Context, f *Frame) (*Frame, *Rejection, error)
}

// GuardFunc adapts a function to the Guard interface
type GuardFunc struct {
	name string
	fn   func(ctx context.Context, f *Frame) (*Frame, *Rejection, error)
}

// NewGuardFunc returns a Guard backed by fn.
func NewGuardFunc(name string, fn func(ctx context.Context, f *Frame) (*Frame, *Rejection, error)) *GuardFunc {
	return &GuardFunc{name: name, fn: fn}
}

func (g *GuardFunc) Name() string {
	return g.name
}

func (g *GuardFunc) Check(ctx context.Context, f *Frame) (*Frame, *Rejection, error) {
	return g.fn(ctx, f)
}

// Pipeline composes guards in declared order
type Pipeline struct {
	guards []Guard
}

// NewPipeline returns a pipeline running guards in the given order.
func NewPipeline(guards ...Guard) *Pipeline {
	return &Pipeline{guards: slices.Clone(guards)}
}

// Guards returns the guards in order
func (p *Pipeline) Guards() []Guard {
	return slices.Clone(p.guards)
}

// Run applies every guard in order. The first rejection short-circuits. Only
// history (pre phase) and appended messages (post phase) survive a guard;
// scratch and control fields are restored from the input frame.
func (p *Pipeline) Run(ctx context.Context, in *Frame) (*Frame, *Rejection, error) {
	cur := in.clone()
	for _, g := range p.guards {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		out, rejection, err := g.Check(ctx, cur)
		if err != nil {
			return nil, nil, fmt.Errorf("guard %s: %w", g.Name(), err)
		}
		if rejection != nil {
			if rejection.Guard == "" {
				rejection.Guard = g.Name()
			}
			return cur, rejection, nil
		}
		if out == nil {
			continue
		}
		next := cur.clone()
		next.Events = slices.Clone(out.Events)
		if out.State != nil {
			next.State.History = slices.Clone(out.State.History)
			if out.NewFrom < next.NewFrom {
				next.NewFrom = max(out.NewFrom, 0)
			}
		}
		if in.Phase == PhasePost && out.Update != nil {
			next.Update.AppendHistory = slices.Clone(out.Update.AppendHistory)
		}
		next.State.Scratch = maps.Clone(in.State.Scratch)
		if next.NewFrom > len(next.State.History) {
			next.NewFrom = len(next.State.History)
		}
		cur = next
	}
	return cur, nil, nil
}
