package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/dingyuana/campusflow"
	"github.com/dingyuana/campusflow/retry"
	"github.com/dingyuana/campusflow/state"
)

// SearchResult is one external search hit
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Searcher queries an external search service
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}

// SearcherFunc adapts a function to the Searcher interface
type SearcherFunc func(ctx context.Context, query string, limit int) ([]SearchResult, error)

func (f SearcherFunc) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	return f(ctx, query, limit)
}

// HTTPSearcher calls a JSON search endpoint: GET <Endpoint>?q=<query>&limit=N
// returning {"results": [...]}.
type HTTPSearcher struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
}

type searchResponse struct {
	Results []SearchResult `json:"results"`
}

func (s *HTTPSearcher) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	u, err := url.Parse(s.Endpoint)
	if err != nil {
		return nil, retry.NewNonRecoverableError(fmt.Errorf("invalid search endpoint: %w", err))
	}
	params := u.Query()
	params.Set("q", query)
	params.Set("limit", strconv.Itoa(limit))
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, retry.NewNonRecoverableError(err)
	}
	req.Header.Set("Accept", "application/json")
	if s.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.APIKey)
	}
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("search: %w", retry.FromStatus(resp.StatusCode, string(body)))
	}
	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}
	if limit > 0 && len(out.Results) > limit {
		out.Results = out.Results[:limit]
	}
	return out.Results, nil
}

// Search runs an external search for the latest question and stores the
// hits under "<name>.results".
type Search struct {
	WorkerName string
	Searcher   Searcher
	Limit      int
	Respond    bool
}

func (w *Search) Name() string {
	if w.WorkerName == "" {
		return NameSearch
	}
	return w.WorkerName
}

func (w *Search) Execute(ctx context.Context, s state.Reader) (*campusflow.Update, error) {
	limit := w.Limit
	if limit <= 0 {
		limit = 5
	}
	results, err := w.Searcher.Search(ctx, question(s), limit)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	if results == nil {
		results = []SearchResult{}
	}
	u := campusflow.NewUpdate().Set(campusflow.ScratchKey(w.Name(), "results"), toValue(results))
	if w.Respond && len(results) > 0 {
		u.Say(w.Name(), fmt.Sprintf("%s (%s): %s", results[0].Title, results[0].URL, results[0].Snippet))
	}
	return u, nil
}
