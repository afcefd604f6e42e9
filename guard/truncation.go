package guard

import (
	"context"
	"fmt"

	"github.com/dingyuana/campusflow"
	"github.com/dingyuana/campusflow/state"
)

// TruncatedSuffix marks a message shortened by the truncation guard
const TruncatedSuffix = "...[truncated]"

// TruncationConfig bounds history size. Zero disables a bound.
type TruncationConfig struct {
	// MaxMessages keeps only the newest messages. Older messages are dropped
	// from the oldest end, never from the middle.
	MaxMessages int `json:"max_messages,omitempty" yaml:"max_messages,omitempty"`

	// MaxChars caps the length of each new message in runes.
	MaxChars int `json:"max_chars,omitempty" yaml:"max_chars,omitempty"`
}

// Truncation trims history to a bounded window. Every trim is reported as a
// guard event so nothing is lost silently.
type Truncation struct {
	cfg TruncationConfig
}

func NewTruncation(cfg TruncationConfig) *Truncation {
	return &Truncation{cfg: cfg}
}

func (g *Truncation) Name() string {
	return NameTruncation
}

func (g *Truncation) Check(ctx context.Context, f *campusflow.Frame) (*campusflow.Frame, *campusflow.Rejection, error) {
	if g.cfg.MaxChars > 0 {
		msgs := f.Messages()
		clipped := 0
		out := make([]state.Message, len(msgs))
		for i, msg := range msgs {
			if content, ok := clip(msg.Content, g.cfg.MaxChars); ok {
				msg.Content = content
				clipped++
			}
			out[i] = msg
		}
		if clipped > 0 {
			f = f.ReplaceMessages(out).Record(campusflow.GuardEvent{
				Guard:  NameTruncation,
				Action: "clip",
				Count:  clipped,
				Detail: fmt.Sprintf("messages capped at %d characters", g.cfg.MaxChars),
			})
		}
	}

	if f.Phase != campusflow.PhasePre || g.cfg.MaxMessages <= 0 {
		return f, nil, nil
	}
	history := f.State.History
	drop := len(history) - g.cfg.MaxMessages
	if drop <= 0 {
		return f, nil, nil
	}
	out := f.Record(campusflow.GuardEvent{
		Guard:  NameTruncation,
		Action: "drop_oldest",
		Count:  drop,
		Detail: describeDropped(history[:drop]),
	})
	out.State.History = append([]state.Message{}, history[drop:]...)
	out.NewFrom = max(f.NewFrom-drop, 0)
	return out, nil, nil
}

// clip shortens s to limit runes plus the truncation marker.
func clip(s string, limit int) (string, bool) {
	runes := []rune(s)
	if len(runes) <= limit {
		return s, false
	}
	return string(runes[:limit]) + TruncatedSuffix, true
}

func describeDropped(msgs []state.Message) string {
	users, others := 0, 0
	for _, m := range msgs {
		if m.Role == state.RoleUser {
			users++
		} else {
			others++
		}
	}
	return fmt.Sprintf("dropped %d user and %d other messages", users, others)
}
