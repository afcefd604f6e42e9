package main

import (
	"context"
	"errors"

	"github.com/dingyuana/campusflow"
	"github.com/dingyuana/campusflow/retry"
	"github.com/dingyuana/campusflow/workers"
)

var errNoSearchEndpoint = retry.NewNonRecoverableError(errors.New("search endpoint is not configured"))

// campusWorkers builds every worker the CLI knows about
func campusWorkers(cfg *Config, memory workers.MemoryStore) []campusflow.Worker {
	var searcher workers.Searcher = workers.SearcherFunc(func(ctx context.Context, query string, limit int) ([]workers.SearchResult, error) {
		return nil, errNoSearchEndpoint
	})
	if cfg.Search.Endpoint != "" {
		searcher = &workers.HTTPSearcher{Endpoint: cfg.Search.Endpoint, APIKey: cfg.Search.APIKey}
	}
	return []campusflow.Worker{
		&workers.KnowledgeLookup{Base: workers.NewMemoryKnowledgeBase(cfg.Knowledge...)},
		&workers.GraphQuery{Store: workers.NewMemoryGraph(cfg.Facts...)},
		&workers.Search{Searcher: searcher, Limit: cfg.Search.Limit},
		&workers.MemoryRecall{Store: memory},
		&workers.Answer{Memory: memory},
	}
}

// buildGraph loads the configured graph definition, or builds the default
// campus graph: a research fan-out over the knowledge base, web search and
// memory, plus a direct graph-query route, all finishing at the answer node.
func buildGraph(cfg *Config, memory workers.MemoryStore) (*campusflow.Graph, error) {
	available := campusWorkers(cfg, memory)
	router := &cfg.Router
	if cfg.Graph != "" {
		return campusflow.LoadGraphFile(cfg.Graph, router, available...)
	}
	def := &campusflow.GraphDefinition{
		Name:        "campus",
		Description: "Campus assistant",
		Workers: []string{
			workers.NameKnowledge,
			workers.NameGraph,
			workers.NameSearch,
			workers.NameMemory,
			workers.NameAnswer,
		},
		Parallel: []campusflow.ParallelGroup{{
			Name: "research",
			Siblings: []campusflow.Sibling{
				{Worker: workers.NameKnowledge},
				{Worker: workers.NameSearch, Optional: true},
				{Worker: workers.NameMemory, Optional: true},
			},
		}},
		InterruptBefore: cfg.InterruptBefore,
		Priority: []string{
			workers.NameKnowledge,
			workers.NameGraph,
			workers.NameSearch,
			workers.NameMemory,
		},
	}
	return def.Build(router, available...)
}
