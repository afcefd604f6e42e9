package campusflow

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/dingyuana/campusflow/state"
)

// ScratchKeyVisited lists the nodes executed since the most recent caller
// input. The executor maintains it; routers read it to avoid re-dispatching.
var ScratchKeyVisited = ScratchKey(Supervisor, "visited")

// ScratchKeyRationale holds the rationale of the most recent router decision.
var ScratchKeyRationale = ScratchKey(Supervisor, "rationale")

// Decision is a router's choice of the next node
type Decision struct {
	Next      string `json:"next"`
	Rationale string `json:"rationale,omitempty"`
}

// Router selects the next node given the current state. Given identical
// state a router must return the same decision, apart from whatever
// nondeterminism an embedded Oracle introduces.
type Router interface {
	Decide(ctx context.Context, s state.Reader) (Decision, error)
}

// RouterFunc adapts a function to the Router interface
type RouterFunc func(ctx context.Context, s state.Reader) (Decision, error)

func (f RouterFunc) Decide(ctx context.Context, s state.Reader) (Decision, error) {
	return f(ctx, s)
}

// Visited returns the nodes executed since the most recent caller input.
func Visited(s state.Reader) []string {
	v, _ := s.Scratch(ScratchKeyVisited)
	return stringList(v)
}

// stringList converts a scratch value holding a list of strings, in either
// its native or generic JSON form.
func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return slices.Clone(list)
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// KeywordRule routes to Node when the latest user message contains any of
// the keywords (case-insensitive).
type KeywordRule struct {
	Node     string   `json:"node" yaml:"node"`
	Keywords []string `json:"keywords" yaml:"keywords"`
}

// KeywordRouter is a deterministic rule-based router. Each turn it dispatches
// the first matching rule's node (or Default), then Finish if set, then ends.
type KeywordRouter struct {
	Rules   []KeywordRule `json:"rules" yaml:"rules"`
	Default string        `json:"default,omitempty" yaml:"default,omitempty"`
	Finish  string        `json:"finish,omitempty" yaml:"finish,omitempty"`
}

func (r *KeywordRouter) Decide(ctx context.Context, s state.Reader) (Decision, error) {
	question, ok := lastUserMessage(s)
	if !ok {
		return Decision{Next: End, Rationale: "no input"}, nil
	}
	visited := Visited(s)
	if r.Finish != "" && slices.Contains(visited, r.Finish) {
		return Decision{Next: End, Rationale: "answer recorded"}, nil
	}
	target, rationale := r.match(question)
	if target != "" && !slices.Contains(visited, target) {
		return Decision{Next: target, Rationale: rationale}, nil
	}
	if r.Finish != "" {
		return Decision{Next: r.Finish, Rationale: "synthesize answer"}, nil
	}
	return Decision{Next: End, Rationale: "turn complete"}, nil
}

func (r *KeywordRouter) match(question string) (string, string) {
	q := strings.ToLower(question)
	for _, rule := range r.Rules {
		for _, kw := range rule.Keywords {
			if kw != "" && strings.Contains(q, strings.ToLower(kw)) {
				return rule.Node, fmt.Sprintf("matched keyword %q", kw)
			}
		}
	}
	if r.Default != "" {
		return r.Default, "default route"
	}
	return "", ""
}

func lastUserMessage(s state.Reader) (string, bool) {
	history := s.History()
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == state.RoleUser {
			return history[i].Content, true
		}
	}
	return "", false
}

// Oracle is an opaque decision service, typically an inference endpoint. It
// receives a prompt and returns free text.
type Oracle interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// OracleFunc adapts a function to the Oracle interface
type OracleFunc func(ctx context.Context, prompt string) (string, error)

func (f OracleFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// OracleRouter asks an Oracle to pick the next node. The reply is expected
// as "node" or "node: rationale". Replies that cannot be parsed produce an
// empty decision, which the executor treats as malformed.
type OracleRouter struct {
	Oracle      Oracle
	Nodes       []string
	Instruction string
	MaxHistory  int
}

func (r *OracleRouter) Decide(ctx context.Context, s state.Reader) (Decision, error) {
	reply, err := r.Oracle.Complete(ctx, r.prompt(s))
	if err != nil {
		return Decision{}, err
	}
	return ParseDecision(reply), nil
}

func (r *OracleRouter) prompt(s state.Reader) string {
	var b strings.Builder
	if r.Instruction != "" {
		b.WriteString(r.Instruction)
		b.WriteString("\n\n")
	}
	b.WriteString("Choose the next node from: ")
	b.WriteString(strings.Join(append(slices.Clone(r.Nodes), End), ", "))
	b.WriteString("\nReply as <node>: <rationale>.\n")
	if visited := Visited(s); len(visited) > 0 {
		fmt.Fprintf(&b, "Already ran this turn: %s\n", strings.Join(visited, ", "))
	}
	history := s.History()
	if r.MaxHistory > 0 && len(history) > r.MaxHistory {
		history = history[len(history)-r.MaxHistory:]
	}
	b.WriteString("\nConversation:\n")
	for _, m := range history {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return b.String()
}

// ParseDecision parses "node" or "node: rationale" into a Decision.
func ParseDecision(reply string) Decision {
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return Decision{}
	}
	line, _, _ := strings.Cut(reply, "\n")
	next, rationale, _ := strings.Cut(line, ":")
	next = strings.Trim(strings.TrimSpace(next), "`\"'")
	if next == "" || strings.ContainsAny(next, " \t") {
		return Decision{}
	}
	return Decision{Next: next, Rationale: strings.TrimSpace(rationale)}
}
