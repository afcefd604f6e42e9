package campusflow

import (
	"maps"
	"time"
)

// Interrupt marks a node that must be confirmed by an external actor before
// execution continues. The token is the resumption handle returned to the
// caller; it survives process restarts because it lives in the checkpoint.
type Interrupt struct {
	Node      string         `json:"node"`
	Token     string         `json:"token"`
	Step      int            `json:"step"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Clone returns a copy of the interrupt
func (i *Interrupt) Clone() *Interrupt {
	if i == nil {
		return nil
	}
	c := *i
	c.Payload = maps.Clone(i.Payload)
	return &c
}

// Verdict is the reviewer's decision on an interrupt
type Verdict string

const (
	DecisionAccept Verdict = "accept"
	DecisionReject Verdict = "reject"
	DecisionEdit   Verdict = "edit"
)

// Approval is supplied by the external caller to resume a paused thread.
// Token is optional; when set it must match the pending interrupt.
type Approval struct {
	Decision      Verdict        `json:"decision"`
	Token         string         `json:"token,omitempty"`
	EditedPayload map[string]any `json:"edited_payload,omitempty"`
	Comment       string         `json:"comment,omitempty"`
}

// Scratch keys written by the interrupt controller.
var (
	ScratchKeyInterruptDecision = ScratchKey(nodeInterrupt, "decision")
	ScratchKeyInterruptEdited   = ScratchKey(nodeInterrupt, "edited")
	ScratchKeyInterruptComment  = ScratchKey(nodeInterrupt, "comment")
)

// nodeInterrupt tags history entries written by the interrupt controller.
const nodeInterrupt = "interrupt"

// interruptGate tracks which nodes require approval
type interruptGate struct {
	nodes   map[string]bool
	timeout time.Duration
}

func newInterruptGate(nodes []string, timeout time.Duration) *interruptGate {
	g := &interruptGate{nodes: make(map[string]bool, len(nodes)), timeout: timeout}
	for _, n := range nodes {
		g.nodes[n] = true
	}
	return g
}

func (g *interruptGate) gated(node string) bool {
	return g.nodes[node]
}

// pause returns the update that suspends the thread in front of node.
func (g *interruptGate) pause(s *State, node string, now time.Time) *Update {
	payload := map[string]any{"node": node}
	if last, ok := s.View().LastMessage(); ok {
		payload["last_message"] = last.Content
	}
	return &Update{
		PendingInterrupt: &Interrupt{
			Node:      node,
			Token:     NewInterruptToken(),
			Step:      s.StepCount + 1,
			Payload:   payload,
			CreatedAt: now,
		},
	}
}

// validate checks an approval against the pending interrupt.
func (g *interruptGate) validate(s *State, approval Approval) error {
	if s.PendingInterrupt == nil {
		return ErrAlreadyResumed
	}
	if approval.Token != "" && approval.Token != s.PendingInterrupt.Token {
		return ErrInterruptTokenMismatch
	}
	switch approval.Decision {
	case DecisionAccept, DecisionReject, DecisionEdit:
		return nil
	default:
		return configError("unknown approval decision %q", approval.Decision)
	}
}

// expired reports whether the pending interrupt waited longer than the
// configured review timeout.
func (g *interruptGate) expired(s *State, now time.Time) bool {
	if g.timeout <= 0 || s.PendingInterrupt == nil {
		return false
	}
	return now.Sub(s.PendingInterrupt.CreatedAt) > g.timeout
}

// resolve returns the update applied when the approval is processed. The
// boolean reports whether the gated node should run next.
func (g *interruptGate) resolve(s *State, approval Approval, now time.Time) (*Update, bool) {
	u := &Update{ClearInterrupt: true}
	u.Set(ScratchKeyInterruptDecision, string(approval.Decision))
	if approval.Comment != "" {
		u.Set(ScratchKeyInterruptComment, approval.Comment)
	}
	node := s.PendingInterrupt.Node
	if g.expired(s, now) {
		u.Set(ScratchKeyInterruptDecision, "timeout")
		u.Say(nodeInterrupt, "The review window expired; the request was cancelled. Please submit it again.")
		return u.Goto(End), false
	}
	switch approval.Decision {
	case DecisionReject:
		msg := "The request was rejected by a reviewer."
		if approval.Comment != "" {
			msg += " " + approval.Comment
		}
		u.Say(nodeInterrupt, msg)
		return u.Goto(End), false
	case DecisionEdit:
		u.Set(ScratchKeyInterruptEdited, maps.Clone(approval.EditedPayload))
	}
	return u.Goto(node), true
}
