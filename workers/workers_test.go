package workers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dingyuana/campusflow"
	"github.com/dingyuana/campusflow/retry"
	"github.com/dingyuana/campusflow/state"
	"github.com/stretchr/testify/require"
)

func reader(question string, scratch map[string]any) state.Reader {
	s := campusflow.NewState("thread-1").Apply(campusflow.Input(question))
	for k, v := range scratch {
		s.Scratch[k] = v
	}
	return s.View()
}

func TestTerms(t *testing.T) {
	require.Equal(t, []string{"library", "hours"}, terms("Library hours?"))
	require.Equal(t, []string{"图", "书", "馆", "hours"}, terms("图书馆 hours"))
	require.Empty(t, terms("a ! ?"))
}

func TestKnowledgeLookup(t *testing.T) {
	kb := NewMemoryKnowledgeBase(
		Document{ID: "1", Title: "Library hours", Content: "The library opens at 8am"},
		Document{ID: "2", Title: "Cafeteria", Content: "Lunch is served from noon"},
	)
	w := &KnowledgeLookup{Base: kb, Respond: true}
	require.Equal(t, NameKnowledge, w.Name())

	u, err := w.Execute(context.Background(), reader("when does the library open", nil))
	require.NoError(t, err)

	var docs []Document
	require.NoError(t, decodeScratch(u.Scratch["knowledge_lookup.docs"], &docs))
	require.Len(t, docs, 1)
	require.Equal(t, "1", docs[0].ID)
	require.Len(t, u.AppendHistory, 1)
	require.Equal(t, "Library hours: The library opens at 8am", u.AppendHistory[0].Content)
	require.Equal(t, NameKnowledge, u.AppendHistory[0].Node)

	t.Run("no hits stores an empty list", func(t *testing.T) {
		u, err := w.Execute(context.Background(), reader("parking permit", nil))
		require.NoError(t, err)
		require.Equal(t, []any{}, u.Scratch["knowledge_lookup.docs"])
		require.Contains(t, u.AppendHistory[0].Content, "could not find")
	})
}

func TestGraphQuery(t *testing.T) {
	g := NewMemoryGraph(
		Fact{Subject: "CS101", Predicate: "taught by", Object: "Dr. Wang"},
		Fact{Subject: "CS101", Predicate: "offered by", Object: "Computer Science"},
		Fact{Subject: "MA201", Predicate: "taught by", Object: "Dr. Li"},
	)
	w := &GraphQuery{Store: g, Respond: true}

	u, err := w.Execute(context.Background(), reader("who teaches cs101?", nil))
	require.NoError(t, err)
	facts, ok := u.Scratch["graph_query.facts"].([]any)
	require.True(t, ok)
	require.Len(t, facts, 2)
	require.Equal(t, "CS101 taught by Dr. Wang\nCS101 offered by Computer Science", u.AppendHistory[0].Content)

	w.Limit = 1
	u, err = w.Execute(context.Background(), reader("who teaches cs101?", nil))
	require.NoError(t, err)
	require.Len(t, u.Scratch["graph_query.facts"], 1)
}

func TestSearch(t *testing.T) {
	t.Run("results are stored", func(t *testing.T) {
		var gotQuery, gotLimit, gotAuth string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotQuery = r.URL.Query().Get("q")
			gotLimit = r.URL.Query().Get("limit")
			gotAuth = r.Header.Get("Authorization")
			fmt.Fprint(w, `{"results":[{"title":"Admissions","url":"https://example.edu/a","snippet":"Apply by May"}]}`)
		}))
		defer srv.Close()

		w := &Search{Searcher: &HTTPSearcher{Endpoint: srv.URL, APIKey: "k"}, Respond: true}
		u, err := w.Execute(context.Background(), reader("admission deadline", nil))
		require.NoError(t, err)
		require.Equal(t, "admission deadline", gotQuery)
		require.Equal(t, "5", gotLimit)
		require.Equal(t, "Bearer k", gotAuth)
		require.Equal(t, []any{map[string]any{
			"title":   "Admissions",
			"url":     "https://example.edu/a",
			"snippet": "Apply by May",
		}}, u.Scratch["search.results"])
		require.Equal(t, "Admissions (https://example.edu/a): Apply by May", u.AppendHistory[0].Content)
	})

	t.Run("server errors are recoverable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		_, err := (&HTTPSearcher{Endpoint: srv.URL}).Search(context.Background(), "x", 3)
		require.Error(t, err)
		require.True(t, retry.Retryable(err))
	})

	t.Run("client errors are not recoverable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		_, err := (&HTTPSearcher{Endpoint: srv.URL}).Search(context.Background(), "x", 3)
		require.Error(t, err)
		require.False(t, retry.Retryable(err))
	})

	t.Run("searcher failure propagates", func(t *testing.T) {
		boom := errors.New("boom")
		w := &Search{Searcher: SearcherFunc(func(ctx context.Context, q string, limit int) ([]SearchResult, error) {
			return nil, boom
		})}
		_, err := w.Execute(context.Background(), reader("x", nil))
		require.ErrorIs(t, err, boom)
	})
}

func TestMemoryRecall(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Remember(ctx, "thread-1", Memory{Text: "library card renewal", CreatedAt: base}))
	require.NoError(t, store.Remember(ctx, "thread-1", Memory{Text: "library opening hours", CreatedAt: base.Add(time.Hour)}))
	require.NoError(t, store.Remember(ctx, "thread-1", Memory{Text: "gym schedule", CreatedAt: base}))
	require.NoError(t, store.Remember(ctx, "other", Memory{Text: "library fines", CreatedAt: base}))

	w := &MemoryRecall{Store: store}
	u, err := w.Execute(ctx, reader("library hours", nil))
	require.NoError(t, err)
	require.Equal(t, []any{"library opening hours", "library card renewal"}, u.Scratch["memory_recall.memories"])
}

func TestAnswer(t *testing.T) {
	scratch := map[string]any{
		"knowledge_lookup.docs": toValue([]Document{{ID: "1", Title: "Library", Content: "Opens at 8am"}}),
		"graph_query.facts":     toValue([]Fact{{Subject: "CS101", Predicate: "taught by", Object: "Dr. Wang"}}),
		campusflow.ScratchKeyDegraded: []any{"search"},
	}

	t.Run("summarizes evidence", func(t *testing.T) {
		w := &Answer{}
		u, err := w.Execute(context.Background(), reader("library", scratch))
		require.NoError(t, err)
		require.Equal(t,
			"Library: Opens at 8am\nCS101 taught by Dr. Wang\n(Some sources were unavailable: search)",
			u.AppendHistory[0].Content)
	})

	t.Run("asks the oracle", func(t *testing.T) {
		var prompt string
		w := &Answer{Oracle: campusflow.OracleFunc(func(ctx context.Context, p string) (string, error) {
			prompt = p
			return "  It opens at 8am.  ", nil
		})}
		u, err := w.Execute(context.Background(), reader("when does the library open", scratch))
		require.NoError(t, err)
		require.Equal(t, "It opens at 8am.", u.AppendHistory[0].Content)
		require.Contains(t, prompt, "Question: when does the library open")
		require.Contains(t, prompt, "- [doc] Library: Opens at 8am")
		require.Contains(t, prompt, "Unavailable sources: search")
	})

	t.Run("remembers the question", func(t *testing.T) {
		store := NewInMemoryStore()
		w := &Answer{Memory: store}
		u, err := w.Execute(context.Background(), reader("parking rules", nil))
		require.NoError(t, err)
		require.Equal(t, "Sorry, I could not find an answer to that.", u.AppendHistory[0].Content)

		got, err := store.Recall(context.Background(), "thread-1", "parking", 0)
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Equal(t, "parking rules", got[0].Text)
	})

	t.Run("malformed scratch fails", func(t *testing.T) {
		w := &Answer{}
		_, err := w.Execute(context.Background(), reader("x", map[string]any{"search.results": "oops"}))
		require.Error(t, err)
	})
}
