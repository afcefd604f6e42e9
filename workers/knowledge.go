package workers

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dingyuana/campusflow"
	"github.com/dingyuana/campusflow/state"
)

// Document is a knowledge base entry
type Document struct {
	ID      string  `json:"id"`
	Title   string  `json:"title"`
	Content string  `json:"content"`
	Source  string  `json:"source,omitempty"`
	Score   float64 `json:"score,omitempty"`
}

// KnowledgeBase retrieves documents relevant to a query
type KnowledgeBase interface {
	Search(ctx context.Context, query string, limit int) ([]Document, error)
}

// MemoryKnowledgeBase ranks documents by term overlap
type MemoryKnowledgeBase struct {
	mu   sync.RWMutex
	docs []Document
}

func NewMemoryKnowledgeBase(docs ...Document) *MemoryKnowledgeBase {
	kb := &MemoryKnowledgeBase{}
	kb.Add(docs...)
	return kb
}

// Add indexes documents
func (kb *MemoryKnowledgeBase) Add(docs ...Document) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	kb.docs = append(kb.docs, docs...)
}

func (kb *MemoryKnowledgeBase) Search(ctx context.Context, query string, limit int) ([]Document, error) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	q := terms(query)
	var hits []Document
	for _, d := range kb.docs {
		score := overlap(q, d.Title+" "+d.Content)
		if score == 0 {
			continue
		}
		d.Score = float64(score) / float64(len(q))
		hits = append(hits, d)
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Score > hits[j].Score
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// KnowledgeLookup retrieves documents for the latest question and stores them
// under "<name>.docs". With Respond set it also answers from the top document.
type KnowledgeLookup struct {
	WorkerName string
	Base       KnowledgeBase
	Limit      int
	Respond    bool
}

func (w *KnowledgeLookup) Name() string {
	if w.WorkerName == "" {
		return NameKnowledge
	}
	return w.WorkerName
}

func (w *KnowledgeLookup) Execute(ctx context.Context, s state.Reader) (*campusflow.Update, error) {
	q := question(s)
	limit := w.Limit
	if limit <= 0 {
		limit = 3
	}
	docs, err := w.Base.Search(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("knowledge search: %w", err)
	}
	campusflow.LoggerFromContext(ctx).Debug("knowledge lookup", "query", q, "hits", len(docs))

	u := campusflow.NewUpdate().Set(campusflow.ScratchKey(w.Name(), "docs"), toValue(docsOrEmpty(docs)))
	if w.Respond {
		if len(docs) == 0 {
			u.Say(w.Name(), "I could not find anything in the knowledge base about that.")
		} else {
			u.Say(w.Name(), fmt.Sprintf("%s: %s", docs[0].Title, docs[0].Content))
		}
	}
	return u, nil
}

func docsOrEmpty(docs []Document) []Document {
	if docs == nil {
		return []Document{}
	}
	return docs
}
