package guard

import (
	"fmt"
	"os"

	"github.com/dingyuana/campusflow"
	"gopkg.in/yaml.v3"
)

// Config is the guardrail data loaded once at startup
type Config struct {
	// Order lists the guards to run, in order. Empty means DefaultOrder.
	Order      []string         `json:"order,omitempty" yaml:"order,omitempty"`
	Budget     BudgetConfig     `json:"budget" yaml:"budget"`
	Truncation TruncationConfig `json:"truncation" yaml:"truncation"`
	Sensitive  SensitiveConfig  `json:"sensitive" yaml:"sensitive"`
	PII        PIIConfig        `json:"pii" yaml:"pii"`
}

// LoadConfig loads guard configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read guard config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses guard configuration from YAML
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal guard config: %w", err)
	}
	return &cfg, nil
}

// Guards builds the configured guards in order.
func (c *Config) Guards() ([]campusflow.Guard, error) {
	order := c.Order
	if len(order) == 0 {
		order = DefaultOrder
	}
	seen := map[string]bool{}
	guards := make([]campusflow.Guard, 0, len(order))
	for _, name := range order {
		if seen[name] {
			return nil, fmt.Errorf("guard %q listed twice", name)
		}
		seen[name] = true
		g, err := c.build(name)
		if err != nil {
			return nil, err
		}
		guards = append(guards, g)
	}
	return guards, nil
}

func (c *Config) build(name string) (campusflow.Guard, error) {
	switch name {
	case NameBudget:
		return NewBudget(c.Budget, nil)
	case NameTruncation:
		return NewTruncation(c.Truncation), nil
	case NameSensitive:
		return NewSensitiveFromConfig(c.Sensitive)
	case NamePII:
		return NewPIIFromConfig(c.PII)
	}
	return nil, fmt.Errorf("unknown guard %q", name)
}
