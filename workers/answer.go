package workers

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dingyuana/campusflow"
	"github.com/dingyuana/campusflow/state"
)

// Answer composes a reply from whatever the other workers left in scratch.
// With an Oracle set the evidence is handed to it as a prompt; otherwise the
// evidence is summarized directly. Sources lists the worker names to read;
// when empty, the default workers are read.
type Answer struct {
	WorkerName string
	Sources    []string
	Oracle     campusflow.Oracle
	Memory     MemoryStore
	Clock      func() time.Time
}

func (w *Answer) Name() string {
	if w.WorkerName == "" {
		return NameAnswer
	}
	return w.WorkerName
}

// evidence gathered from scratch
type evidence struct {
	docs     []Document
	facts    []Fact
	results  []SearchResult
	memories []string
	degraded []string
}

func (e *evidence) empty() bool {
	return len(e.docs) == 0 && len(e.facts) == 0 && len(e.results) == 0 && len(e.memories) == 0
}

func (w *Answer) sources() []string {
	if len(w.Sources) > 0 {
		return w.Sources
	}
	return []string{NameKnowledge, NameGraph, NameSearch, NameMemory}
}

func (w *Answer) gather(s state.Reader) (*evidence, error) {
	ev := &evidence{}
	for _, src := range w.sources() {
		if v, ok := s.Scratch(campusflow.ScratchKey(src, "docs")); ok {
			var docs []Document
			if err := decodeScratch(v, &docs); err != nil {
				return nil, fmt.Errorf("decode %s docs: %w", src, err)
			}
			ev.docs = append(ev.docs, docs...)
		}
		if v, ok := s.Scratch(campusflow.ScratchKey(src, "facts")); ok {
			var facts []Fact
			if err := decodeScratch(v, &facts); err != nil {
				return nil, fmt.Errorf("decode %s facts: %w", src, err)
			}
			ev.facts = append(ev.facts, facts...)
		}
		if v, ok := s.Scratch(campusflow.ScratchKey(src, "results")); ok {
			var results []SearchResult
			if err := decodeScratch(v, &results); err != nil {
				return nil, fmt.Errorf("decode %s results: %w", src, err)
			}
			ev.results = append(ev.results, results...)
		}
		if v, ok := s.Scratch(campusflow.ScratchKey(src, "memories")); ok {
			var memories []string
			if err := decodeScratch(v, &memories); err != nil {
				return nil, fmt.Errorf("decode %s memories: %w", src, err)
			}
			ev.memories = append(ev.memories, memories...)
		}
	}
	if v, ok := s.Scratch(campusflow.ScratchKeyDegraded); ok {
		if err := decodeScratch(v, &ev.degraded); err != nil {
			return nil, fmt.Errorf("decode degraded: %w", err)
		}
	}
	return ev, nil
}

func (w *Answer) Execute(ctx context.Context, s state.Reader) (*campusflow.Update, error) {
	q := question(s)
	ev, err := w.gather(s)
	if err != nil {
		return nil, err
	}

	var reply string
	if w.Oracle != nil {
		reply, err = w.Oracle.Complete(ctx, prompt(q, ev))
		if err != nil {
			return nil, fmt.Errorf("answer oracle: %w", err)
		}
		reply = strings.TrimSpace(reply)
	} else {
		reply = summarize(ev)
	}

	if w.Memory != nil && q != "" {
		now := time.Now
		if w.Clock != nil {
			now = w.Clock
		}
		m := Memory{Text: q, CreatedAt: now().UTC()}
		if err := w.Memory.Remember(ctx, s.ThreadID(), m); err != nil {
			campusflow.LoggerFromContext(ctx).Warn("failed to remember question", "error", err)
		}
	}
	return campusflow.NewUpdate().Say(w.Name(), reply), nil
}

func prompt(question string, ev *evidence) string {
	var b strings.Builder
	b.WriteString("Answer the student's question using only the evidence below.\n\n")
	fmt.Fprintf(&b, "Question: %s\n\nEvidence:\n", question)
	for _, d := range ev.docs {
		fmt.Fprintf(&b, "- [doc] %s: %s\n", d.Title, d.Content)
	}
	for _, f := range ev.facts {
		fmt.Fprintf(&b, "- [fact] %s\n", f)
	}
	for _, r := range ev.results {
		fmt.Fprintf(&b, "- [web] %s: %s\n", r.Title, r.Snippet)
	}
	for _, m := range ev.memories {
		fmt.Fprintf(&b, "- [memory] %s\n", m)
	}
	if len(ev.degraded) > 0 {
		fmt.Fprintf(&b, "\nUnavailable sources: %s\n", strings.Join(ev.degraded, ", "))
	}
	return b.String()
}

func summarize(ev *evidence) string {
	if ev.empty() {
		return "Sorry, I could not find an answer to that."
	}
	var parts []string
	if len(ev.docs) > 0 {
		parts = append(parts, fmt.Sprintf("%s: %s", ev.docs[0].Title, ev.docs[0].Content))
	}
	if len(ev.facts) > 0 {
		lines := make([]string, 0, len(ev.facts))
		for _, f := range ev.facts {
			lines = append(lines, f.String())
		}
		parts = append(parts, strings.Join(lines, "; "))
	}
	if len(ev.results) > 0 {
		parts = append(parts, fmt.Sprintf("%s (%s)", ev.results[0].Title, ev.results[0].URL))
	}
	if len(ev.memories) > 0 {
		parts = append(parts, "Earlier you asked: "+ev.memories[0])
	}
	reply := strings.Join(parts, "\n")
	if len(ev.degraded) > 0 {
		degraded := slices.Clone(ev.degraded)
		slices.Sort(degraded)
		reply += fmt.Sprintf("\n(Some sources were unavailable: %s)", strings.Join(degraded, ", "))
	}
	return reply
}
