package guard

import (
	"context"
	"fmt"

	"github.com/dingyuana/campusflow"
	"github.com/dingyuana/campusflow/state"
	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter counts tokens in a piece of text
type TokenCounter interface {
	CountTokens(text string) (int, error)
}

// TiktokenCounter counts tokens with a tiktoken encoding
type TiktokenCounter struct {
	codec tokenizer.Codec
}

// NewTiktokenCounter returns a counter for the given model, falling back to
// cl100k_base when the model is unknown.
func NewTiktokenCounter(model string) (*TiktokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.Model(model))
	if err != nil {
		codec, err = tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			return nil, fmt.Errorf("failed to load tokenizer: %w", err)
		}
	}
	return &TiktokenCounter{codec: codec}, nil
}

func (c *TiktokenCounter) CountTokens(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		return 0, fmt.Errorf("encode failed: %w", err)
	}
	return len(ids), nil
}

// BudgetConfig holds the budget ceilings. Zero disables a ceiling.
type BudgetConfig struct {
	// MaxSteps rejects once the thread's step count reaches the ceiling.
	MaxSteps int `json:"max_steps,omitempty" yaml:"max_steps,omitempty"`

	// MaxMessages rejects when history plus new messages exceed the ceiling.
	MaxMessages int `json:"max_messages,omitempty" yaml:"max_messages,omitempty"`

	// MaxTokens rejects when history plus new messages exceed the ceiling.
	MaxTokens int `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`

	// MaxInputTokens rejects a single caller input longer than the ceiling.
	MaxInputTokens int `json:"max_input_tokens,omitempty" yaml:"max_input_tokens,omitempty"`

	// CostPer1KTokens is used for the cost estimate recorded with each input.
	CostPer1KTokens float64 `json:"cost_per_1k_tokens,omitempty" yaml:"cost_per_1k_tokens,omitempty"`

	Model   string `json:"model,omitempty" yaml:"model,omitempty"`
	Refusal string `json:"refusal,omitempty" yaml:"refusal,omitempty"`
}

// Budget rejects steps once the thread exceeds its step, message or token
// ceilings.
type Budget struct {
	cfg     BudgetConfig
	counter TokenCounter
}

// NewBudget returns a budget guard. A nil counter uses tiktoken.
func NewBudget(cfg BudgetConfig, counter TokenCounter) (*Budget, error) {
	if counter == nil && (cfg.MaxTokens > 0 || cfg.MaxInputTokens > 0) {
		c, err := NewTiktokenCounter(cfg.Model)
		if err != nil {
			return nil, err
		}
		counter = c
	}
	if cfg.Refusal == "" {
		cfg.Refusal = "This conversation has reached its usage limit. Please start a new session."
	}
	return &Budget{cfg: cfg, counter: counter}, nil
}

func (g *Budget) Name() string {
	return NameBudget
}

func (g *Budget) Check(ctx context.Context, f *campusflow.Frame) (*campusflow.Frame, *campusflow.Rejection, error) {
	if f.Phase == campusflow.PhasePre && g.cfg.MaxSteps > 0 && f.State.StepCount >= g.cfg.MaxSteps {
		return nil, g.reject(fmt.Sprintf("step count %d reached the limit of %d", f.State.StepCount, g.cfg.MaxSteps)), nil
	}

	messages := f.State.History
	if f.Phase == campusflow.PhasePost && f.Update != nil {
		messages = append(append([]state.Message{}, messages...), f.Update.AppendHistory...)
	}
	if g.cfg.MaxMessages > 0 && len(messages) > g.cfg.MaxMessages {
		return nil, g.reject(fmt.Sprintf("%d messages exceed the limit of %d", len(messages), g.cfg.MaxMessages)), nil
	}
	if g.counter == nil {
		return f, nil, nil
	}

	if f.Phase == campusflow.PhasePre && g.cfg.MaxInputTokens > 0 {
		for _, msg := range f.Messages() {
			if msg.Role != state.RoleUser {
				continue
			}
			n, err := g.counter.CountTokens(msg.Content)
			if err != nil {
				return nil, nil, err
			}
			if n > g.cfg.MaxInputTokens {
				return nil, g.reject(fmt.Sprintf("input of %d tokens exceeds the limit of %d", n, g.cfg.MaxInputTokens)), nil
			}
			f = f.Record(campusflow.GuardEvent{
				Guard:  NameBudget,
				Action: "estimate",
				Count:  n,
				Detail: fmt.Sprintf("estimated cost $%.6f", float64(n)/1000*g.cfg.CostPer1KTokens),
			})
		}
	}

	if g.cfg.MaxTokens > 0 {
		total := 0
		for _, msg := range messages {
			n, err := g.counter.CountTokens(msg.Content)
			if err != nil {
				return nil, nil, err
			}
			total += n
		}
		if total > g.cfg.MaxTokens {
			return nil, g.reject(fmt.Sprintf("%d tokens exceed the limit of %d", total, g.cfg.MaxTokens)), nil
		}
	}
	return f, nil, nil
}

func (g *Budget) reject(reason string) *campusflow.Rejection {
	return &campusflow.Rejection{
		Guard:   NameBudget,
		Kind:    KindBudgetExceeded,
		Reason:  reason,
		Message: g.cfg.Refusal,
	}
}
