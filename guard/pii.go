package guard

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/dingyuana/campusflow"
)

// Mask styles for PII patterns.
const (
	MaskFull      = "full"
	MaskPhone     = "phone"     // keep first 3 and last 4
	MaskID        = "id"        // keep first 6 and last 4
	MaskLastFour  = "last4"     // keep last 4
	maskCharacter = '*'
)

// PIIPattern describes one identifier to detect
type PIIPattern struct {
	Kind  string `json:"kind" yaml:"kind"`
	Regex string `json:"regex" yaml:"regex"`
	Mask  string `json:"mask,omitempty" yaml:"mask,omitempty"`

	// Luhn requires matches to pass the Luhn checksum.
	Luhn bool `json:"luhn,omitempty" yaml:"luhn,omitempty"`
}

// DefaultPIIPatterns lists the built-in identifiers. Earlier patterns win
// when matches overlap.
var DefaultPIIPatterns = []PIIPattern{
	{Kind: "national_id", Regex: `\b\d{17}[\dXx]\b`, Mask: MaskID},
	{Kind: "national_id", Regex: `\b\d{15}\b`, Mask: MaskID},
	{Kind: "payment_card", Regex: `\b\d{4}(?:[ -]?\d{4}){3}(?:[ -]?\d{1,3})?\b`, Mask: MaskFull, Luhn: true},
	{Kind: "phone", Regex: `\b1[3-9]\d{9}\b`, Mask: MaskPhone},
	{Kind: "student_id", Regex: `\b20\d{8}\b`, Mask: MaskFull},
	{Kind: "email", Regex: `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`, Mask: MaskFull},
}

type compiledPII struct {
	PIIPattern
	re *regexp.Regexp
}

// PIIMatcher detects personal identifiers
type PIIMatcher struct {
	patterns []compiledPII
}

// NewPIIMatcher compiles patterns. Nil patterns use DefaultPIIPatterns.
func NewPIIMatcher(patterns []PIIPattern) (*PIIMatcher, error) {
	if patterns == nil {
		patterns = DefaultPIIPatterns
	}
	m := &PIIMatcher{}
	for _, p := range patterns {
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return nil, fmt.Errorf("invalid pii pattern %s: %w", p.Kind, err)
		}
		switch p.Mask {
		case "":
			p.Mask = MaskFull
		case MaskFull, MaskPhone, MaskID, MaskLastFour:
		default:
			return nil, fmt.Errorf("pii pattern %s: unknown mask %q", p.Kind, p.Mask)
		}
		m.patterns = append(m.patterns, compiledPII{PIIPattern: p, re: re})
	}
	return m, nil
}

func (m *PIIMatcher) Match(text string) []Finding {
	var all []Finding
	for _, p := range m.patterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			match := text[loc[0]:loc[1]]
			if p.Luhn && !luhnValid(cardSeparators.Replace(match)) {
				continue
			}
			all = append(all, Finding{
				Kind:  p.Kind,
				Start: loc[0],
				End:   loc[1],
				Text:  match,
				Mask:  applyMask(match, p.Mask),
			})
		}
	}
	return nonOverlapping(all)
}

func applyMask(s, style string) string {
	keep := func(head, tail int) string {
		if len(s) <= head+tail {
			return maskAll(s, maskCharacter)
		}
		return s[:head] + strings.Repeat(string(maskCharacter), len(s)-head-tail) + s[len(s)-tail:]
	}
	switch style {
	case MaskPhone:
		return keep(3, 4)
	case MaskID:
		return keep(6, 4)
	case MaskLastFour:
		return keep(0, 4)
	default:
		return maskAll(s, maskCharacter)
	}
}

var cardSeparators = strings.NewReplacer(" ", "", "-", "")

// luhnValid reports whether a digit string passes the Luhn checksum
func luhnValid(digits string) bool {
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		c := digits[i]
		if c < '0' || c > '9' {
			return false
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// PIIConfig configures the PII guard
type PIIConfig struct {
	// Patterns replaces the built-in patterns when set.
	Patterns []PIIPattern `json:"patterns,omitempty" yaml:"patterns,omitempty"`

	// Extra patterns are appended to the built-in ones.
	Extra []PIIPattern `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// PII redacts personal identifiers in place from content about to be
// persisted or handed to a worker.
type PII struct {
	matcher Matcher
}

func NewPII(matcher Matcher) *PII {
	return &PII{matcher: matcher}
}

// NewPIIFromConfig builds a PII guard from cfg.
func NewPIIFromConfig(cfg PIIConfig) (*PII, error) {
	patterns := cfg.Patterns
	if patterns == nil {
		patterns = DefaultPIIPatterns
	}
	patterns = append(append([]PIIPattern{}, patterns...), cfg.Extra...)
	m, err := NewPIIMatcher(patterns)
	if err != nil {
		return nil, err
	}
	return NewPII(m), nil
}

func (g *PII) Name() string {
	return NamePII
}

func (g *PII) Check(ctx context.Context, f *campusflow.Frame) (*campusflow.Frame, *campusflow.Rejection, error) {
	out, findings := redactFrame(f, g.matcher)
	if len(findings) == 0 {
		return f, nil, nil
	}
	return out.Record(campusflow.GuardEvent{
		Guard:  NamePII,
		Action: "redact",
		Count:  len(findings),
		Detail: kindsOf(findings),
	}), nil, nil
}
