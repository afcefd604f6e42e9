package workers

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/dingyuana/campusflow"
	"github.com/dingyuana/campusflow/state"
)

// Fact is a subject-predicate-object triple
type Fact struct {
	Subject   string `json:"subject"`
	Predicate string `json:"predicate"`
	Object    string `json:"object"`
}

func (f Fact) String() string {
	return fmt.Sprintf("%s %s %s", f.Subject, f.Predicate, f.Object)
}

// GraphStore answers questions over a relational graph, such as courses,
// teachers and departments.
type GraphStore interface {
	Query(ctx context.Context, question string, limit int) ([]Fact, error)
}

// MemoryGraph returns facts whose subject or object the question mentions
type MemoryGraph struct {
	mu    sync.RWMutex
	facts []Fact
}

func NewMemoryGraph(facts ...Fact) *MemoryGraph {
	return &MemoryGraph{facts: append([]Fact{}, facts...)}
}

// Add inserts facts
func (g *MemoryGraph) Add(facts ...Fact) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.facts = append(g.facts, facts...)
}

func (g *MemoryGraph) Query(ctx context.Context, question string, limit int) ([]Fact, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	q := strings.ToLower(question)
	var out []Fact
	for _, f := range g.facts {
		if mentions(q, f.Subject) || mentions(q, f.Object) {
			out = append(out, f)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func mentions(question, entity string) bool {
	entity = strings.ToLower(strings.TrimSpace(entity))
	return entity != "" && strings.Contains(question, entity)
}

// GraphQuery looks up facts for the latest question and stores them under
// "<name>.facts".
type GraphQuery struct {
	WorkerName string
	Store      GraphStore
	Limit      int
	Respond    bool
}

func (w *GraphQuery) Name() string {
	if w.WorkerName == "" {
		return NameGraph
	}
	return w.WorkerName
}

func (w *GraphQuery) Execute(ctx context.Context, s state.Reader) (*campusflow.Update, error) {
	limit := w.Limit
	if limit <= 0 {
		limit = 10
	}
	facts, err := w.Store.Query(ctx, question(s), limit)
	if err != nil {
		return nil, fmt.Errorf("graph query: %w", err)
	}
	if facts == nil {
		facts = []Fact{}
	}
	u := campusflow.NewUpdate().Set(campusflow.ScratchKey(w.Name(), "facts"), toValue(facts))
	if w.Respond {
		if len(facts) == 0 {
			u.Say(w.Name(), "No matching records were found.")
		} else {
			lines := make([]string, len(facts))
			for i, f := range facts {
				lines[i] = f.String()
			}
			u.Say(w.Name(), strings.Join(lines, "\n"))
		}
	}
	return u, nil
}
