// Package guard provides the safety and resource guards run by the executor's
// middleware pipeline: a budget ceiling, history truncation, a sensitive
// content blocklist, and PII redaction.
package guard

import (
	"sort"
	"strings"

	"github.com/dingyuana/campusflow"
	"github.com/dingyuana/campusflow/state"
)

// Guard names, also used as the keys of Config.Order.
const (
	NameBudget     = "budget"
	NameTruncation = "truncation"
	NameSensitive  = "sensitive"
	NamePII        = "pii"
)

// DefaultOrder is the conventional guard order. PII runs before the
// blocklist so a refused message is stored redacted. Config.Order may
// rearrange it.
var DefaultOrder = []string{NameBudget, NameTruncation, NamePII, NameSensitive}

// Rejection kinds.
const (
	KindBudgetExceeded   = "budget_exceeded"
	KindSensitiveContent = "sensitive_content"
	KindPII              = "pii"
)

// Finding is one match reported by a Matcher. Start and End are byte offsets
// into the scanned text. Mask is the replacement used when redacting.
type Finding struct {
	Kind  string `json:"kind"`
	Start int    `json:"start"`
	End   int    `json:"end"`
	Text  string `json:"text"`
	Mask  string `json:"mask"`
}

// Matcher scans text for findings
type Matcher interface {
	Match(text string) []Finding
}

// Redact replaces every finding in text with its mask. Overlapping findings
// keep the one that starts first.
func Redact(text string, findings []Finding) string {
	if len(findings) == 0 {
		return text
	}
	fs := nonOverlapping(findings)
	var b strings.Builder
	last := 0
	for _, f := range fs {
		b.WriteString(text[last:f.Start])
		b.WriteString(f.Mask)
		last = f.End
	}
	b.WriteString(text[last:])
	return b.String()
}

// nonOverlapping sorts findings by position and drops overlaps. Findings
// that start together keep the earlier one in the input.
func nonOverlapping(findings []Finding) []Finding {
	fs := make([]Finding, len(findings))
	copy(fs, findings)
	sort.SliceStable(fs, func(i, j int) bool {
		return fs[i].Start < fs[j].Start
	})
	out := fs[:0]
	end := -1
	for _, f := range fs {
		if f.Start < end {
			continue
		}
		out = append(out, f)
		end = f.End
	}
	return out
}

// maskAll replaces every rune of s with the mask character.
func maskAll(s string, mask rune) string {
	return strings.Repeat(string(mask), len([]rune(s)))
}

// redactFrame applies m to the frame's unscanned messages. It returns the
// new frame and the number of findings.
func redactFrame(f *campusflow.Frame, m Matcher) (*campusflow.Frame, []Finding) {
	msgs := f.Messages()
	if len(msgs) == 0 {
		return f, nil
	}
	var all []Finding
	out := make([]state.Message, len(msgs))
	for i, msg := range msgs {
		findings := m.Match(msg.Content)
		if len(findings) > 0 {
			msg.Content = Redact(msg.Content, findings)
			all = append(all, findings...)
		}
		out[i] = msg
	}
	if len(all) == 0 {
		return f, nil
	}
	return f.ReplaceMessages(out), all
}

// kindsOf returns the distinct finding kinds in first-seen order
func kindsOf(findings []Finding) string {
	var kinds []string
	seen := map[string]bool{}
	for _, f := range findings {
		if !seen[f.Kind] {
			seen[f.Kind] = true
			kinds = append(kinds, f.Kind)
		}
	}
	return strings.Join(kinds, ",")
}
