package campusflow

import (
	"maps"
	"slices"
	"sort"
	"time"

	"github.com/dingyuana/campusflow/state"
)

// Status represents the execution status of a thread
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// ScratchKeyDegraded lists optional parallel siblings whose contribution was
// omitted from the most recent fan-in.
const ScratchKeyDegraded = "degraded"

// ScratchKey returns the namespaced scratch key for a value owned by node.
func ScratchKey(node, name string) string {
	return node + "." + name
}

// State is the container threaded through every step of a thread. This struct
// is designed to be fully JSON serializable. Scratch values must be JSON
// values; after a round trip through a persistent store they come back in
// their generic JSON form.
type State struct {
	ThreadID         string          `json:"thread_id"`
	History          []state.Message `json:"history"`
	Scratch          map[string]any  `json:"scratch"`
	NextNode         string          `json:"next_node,omitempty"`
	StepCount        int             `json:"step_count"`
	PendingInterrupt *Interrupt      `json:"pending_interrupt,omitempty"`
	Status           Status          `json:"status"`
	UpdatedAt        time.Time       `json:"updated_at,omitzero"`
}

// NewState returns an empty state for a new thread.
func NewState(threadID string) *State {
	return &State{
		ThreadID: threadID,
		History:  []state.Message{},
		Scratch:  map[string]any{},
		Status:   StatusIdle,
	}
}

// Clone returns a copy of the state. The history slice, the scratch map and
// the pending interrupt are copied; scratch values are treated as immutable.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	c.History = slices.Clone(s.History)
	if c.History == nil {
		c.History = []state.Message{}
	}
	c.Scratch = maps.Clone(s.Scratch)
	if c.Scratch == nil {
		c.Scratch = map[string]any{}
	}
	if s.PendingInterrupt != nil {
		c.PendingInterrupt = s.PendingInterrupt.Clone()
	}
	return &c
}

// Apply merges a partial update into a copy of the state using the field
// reducers: history appends, scratch shallow-merges by key, and the scalar
// fields replace. The receiver is never modified.
func (s *State) Apply(u *Update) *State {
	out := s.Clone()
	if u == nil {
		return out
	}
	out.History = append(out.History, u.AppendHistory...)
	for k, v := range u.Scratch {
		out.Scratch[k] = v
	}
	if u.NextNode != nil {
		out.NextNode = *u.NextNode
	}
	if u.StepCount != nil {
		out.StepCount = *u.StepCount
	}
	if u.ClearInterrupt {
		out.PendingInterrupt = nil
	}
	if u.PendingInterrupt != nil {
		out.PendingInterrupt = u.PendingInterrupt.Clone()
	}
	return out
}

// View returns a read-only view of the state.
func (s *State) View() state.Reader {
	return &stateView{s: s.Clone()}
}

// Update is a sparse set of fields to merge into a State. Workers and the
// router return an Update, never a replacement state.
type Update struct {
	AppendHistory    []state.Message `json:"append_history,omitempty"`
	Scratch          map[string]any  `json:"scratch,omitempty"`
	NextNode         *string         `json:"next_node,omitempty"`
	StepCount        *int            `json:"step_count,omitempty"`
	PendingInterrupt *Interrupt      `json:"pending_interrupt,omitempty"`
	ClearInterrupt   bool            `json:"clear_interrupt,omitempty"`
}

// NewUpdate returns an empty update.
func NewUpdate() *Update {
	return &Update{}
}

// Say appends an assistant message attributed to node.
func (u *Update) Say(node, content string) *Update {
	u.AppendHistory = append(u.AppendHistory, state.AssistantMessage(node, content))
	return u
}

// Append appends messages to the history.
func (u *Update) Append(msgs ...state.Message) *Update {
	u.AppendHistory = append(u.AppendHistory, msgs...)
	return u
}

// Set stores a scratch value.
func (u *Update) Set(key string, value any) *Update {
	if u.Scratch == nil {
		u.Scratch = map[string]any{}
	}
	u.Scratch[key] = value
	return u
}

// Goto sets the next node.
func (u *Update) Goto(node string) *Update {
	u.NextNode = &node
	return u
}

// Clone returns a copy of the update.
func (u *Update) Clone() *Update {
	if u == nil {
		return nil
	}
	c := *u
	c.AppendHistory = slices.Clone(u.AppendHistory)
	c.Scratch = maps.Clone(u.Scratch)
	if u.NextNode != nil {
		next := *u.NextNode
		c.NextNode = &next
	}
	if u.StepCount != nil {
		step := *u.StepCount
		c.StepCount = &step
	}
	if u.PendingInterrupt != nil {
		c.PendingInterrupt = u.PendingInterrupt.Clone()
	}
	return &c
}

// Input returns an update carrying caller input messages.
func Input(content ...string) *Update {
	u := NewUpdate()
	for _, c := range content {
		u.AppendHistory = append(u.AppendHistory, state.UserMessage(c))
	}
	return u
}

type stateView struct {
	s *State
}

func (v *stateView) ThreadID() string {
	return v.s.ThreadID
}

func (v *stateView) StepCount() int {
	return v.s.StepCount
}

func (v *stateView) History() []state.Message {
	return slices.Clone(v.s.History)
}

func (v *stateView) LastMessage() (state.Message, bool) {
	if len(v.s.History) == 0 {
		return state.Message{}, false
	}
	return v.s.History[len(v.s.History)-1], true
}

func (v *stateView) Scratch(key string) (any, bool) {
	value, ok := v.s.Scratch[key]
	return value, ok
}

func (v *stateView) ScratchKeys() []string {
	keys := make([]string, 0, len(v.s.Scratch))
	for k := range v.s.Scratch {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
