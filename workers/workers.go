// Package workers provides the worker agents of the campus assistant graph:
// knowledge lookup, relational-graph query, external search, memory recall,
// and answer synthesis. Each worker depends on a narrow collaborator
// interface and ships an in-process implementation.
package workers

import (
	"encoding/json"
	"strings"
	"unicode"

	"github.com/dingyuana/campusflow/state"
)

// Default worker names.
const (
	NameKnowledge = "knowledge_lookup"
	NameGraph     = "graph_query"
	NameSearch    = "search"
	NameMemory    = "memory_recall"
	NameAnswer    = "answer"
)

// question returns the most recent caller input
func question(s state.Reader) string {
	history := s.History()
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == state.RoleUser {
			return history[i].Content
		}
	}
	return ""
}

// decodeScratch converts a scratch value, native or generic JSON, into out.
func decodeScratch(v any, out any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// toValue converts v into its generic JSON form for storage in scratch.
func toValue(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// terms splits text into lowercase search terms. CJK characters are
// emitted one per term so unsegmented text still matches.
func terms(text string) []string {
	var out []string
	var word []rune
	flush := func() {
		if len(word) > 1 {
			out = append(out, string(word))
		}
		word = word[:0]
	}
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.Is(unicode.Han, r):
			flush()
			out = append(out, string(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			word = append(word, r)
		default:
			flush()
		}
	}
	flush()
	return out
}

// overlap scores how many query terms appear in text
func overlap(query []string, text string) int {
	haystack := map[string]bool{}
	for _, t := range terms(text) {
		haystack[t] = true
	}
	score := 0
	for _, t := range query {
		if haystack[t] {
			score++
		}
	}
	return score
}
