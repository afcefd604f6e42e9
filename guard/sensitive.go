package guard

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/dingyuana/campusflow"
)

// Sensitive guard modes.
const (
	ModeBlock  = "block"
	ModeRedact = "redact"
)

// Blocklist levels. Each level includes the words of the levels below it.
const (
	LevelStrict = "strict"
	LevelNormal = "normal"
	LevelLoose  = "loose"
)

// DefaultWords are the built-in blocklist words per level.
var DefaultWords = map[string][]string{
	LevelLoose:  {},
	LevelNormal: {"代考", "替考", "枪手", "办证", "假证", "辱骂", "歧视", "exam proxy", "fake diploma"},
	LevelStrict: {"暴力", "色情", "赌博", "毒品", "恐怖", "gambling", "narcotics"},
}

// Blocklist matches blocklisted words and patterns case-insensitively
type Blocklist struct {
	patterns []*regexp.Regexp
}

// NewBlocklist compiles words (matched literally) and patterns (regular
// expressions). Purely alphanumeric words only match whole words.
func NewBlocklist(words, patterns []string) (*Blocklist, error) {
	b := &Blocklist{}
	for _, w := range words {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		expr := regexp.QuoteMeta(w)
		if isASCIIWord(w) {
			expr = `\b` + expr + `\b`
		}
		b.patterns = append(b.patterns, regexp.MustCompile(`(?i)`+expr))
	}
	for _, p := range patterns {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			return nil, fmt.Errorf("invalid blocklist pattern %q: %w", p, err)
		}
		b.patterns = append(b.patterns, re)
	}
	return b, nil
}

// WordsForLevel returns the default words for a level and every level below.
func WordsForLevel(level string) ([]string, error) {
	switch level {
	case LevelLoose, "":
		return nil, nil
	case LevelNormal:
		return append([]string{}, DefaultWords[LevelNormal]...), nil
	case LevelStrict:
		return append(append([]string{}, DefaultWords[LevelNormal]...), DefaultWords[LevelStrict]...), nil
	}
	return nil, fmt.Errorf("unknown sensitivity level %q", level)
}

func isASCIIWord(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII || !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ') {
			return false
		}
	}
	return true
}

func (b *Blocklist) Match(text string) []Finding {
	var out []Finding
	for _, re := range b.patterns {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			match := text[loc[0]:loc[1]]
			out = append(out, Finding{
				Kind:  "blocklist",
				Start: loc[0],
				End:   loc[1],
				Text:  match,
				Mask:  maskAll(match, '*'),
			})
		}
	}
	return out
}

// SensitiveConfig configures the sensitive-content guard
type SensitiveConfig struct {
	Mode     string   `json:"mode,omitempty" yaml:"mode,omitempty"`
	Level    string   `json:"level,omitempty" yaml:"level,omitempty"`
	Words    []string `json:"words,omitempty" yaml:"words,omitempty"`
	Patterns []string `json:"patterns,omitempty" yaml:"patterns,omitempty"`
	Refusal  string   `json:"refusal,omitempty" yaml:"refusal,omitempty"`
}

// Sensitive scans new messages against a matcher. In block mode a match
// rejects the step and a refusal replaces the node's output; in redact mode
// matches are masked.
type Sensitive struct {
	matcher Matcher
	mode    string
	refusal string
}

// NewSensitive returns a sensitive-content guard over matcher.
func NewSensitive(matcher Matcher, mode, refusal string) (*Sensitive, error) {
	switch mode {
	case "":
		mode = ModeBlock
	case ModeBlock, ModeRedact:
	default:
		return nil, fmt.Errorf("unknown sensitive guard mode %q", mode)
	}
	if refusal == "" {
		refusal = "Sorry, I can't help with that request."
	}
	return &Sensitive{matcher: matcher, mode: mode, refusal: refusal}, nil
}

// NewSensitiveFromConfig builds the blocklist described by cfg.
func NewSensitiveFromConfig(cfg SensitiveConfig) (*Sensitive, error) {
	words, err := WordsForLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	blocklist, err := NewBlocklist(append(words, cfg.Words...), cfg.Patterns)
	if err != nil {
		return nil, err
	}
	return NewSensitive(blocklist, cfg.Mode, cfg.Refusal)
}

func (g *Sensitive) Name() string {
	return NameSensitive
}

func (g *Sensitive) Check(ctx context.Context, f *campusflow.Frame) (*campusflow.Frame, *campusflow.Rejection, error) {
	if g.mode == ModeBlock {
		for _, msg := range f.Messages() {
			if findings := g.matcher.Match(msg.Content); len(findings) > 0 {
				return nil, &campusflow.Rejection{
					Guard:   NameSensitive,
					Kind:    KindSensitiveContent,
					Reason:  fmt.Sprintf("%d blocklisted terms in %s message", len(findings), f.Phase),
					Message: g.refusal,
				}, nil
			}
		}
		return f, nil, nil
	}
	out, findings := redactFrame(f, g.matcher)
	if len(findings) == 0 {
		return f, nil, nil
	}
	return out.Record(campusflow.GuardEvent{
		Guard:  NameSensitive,
		Action: "redact",
		Count:  len(findings),
		Detail: kindsOf(findings),
	}), nil, nil
}
