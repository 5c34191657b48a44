package budget

import (
	"fmt"
	"time"
)

const (
	DefaultMonthlyBudget  = 50.0
	DefaultAlertThreshold = 0.8
	// Per million tokens.
	DefaultInputRate  = 3.0
	DefaultOutputRate = 15.0
)

// Config defines the monthly spending guardrails.
type Config struct {
	MonthlyBudget  float64
	AlertThreshold float64
	InputRate      float64
	OutputRate     float64
	// Enforce makes the workflow refuse to start a stage the budget cannot cover.
	Enforce bool
}

// DefaultConfig returns the stock $50/month budget with an 80% alert.
func DefaultConfig() Config {
	return Config{
		MonthlyBudget:  DefaultMonthlyBudget,
		AlertThreshold: DefaultAlertThreshold,
		InputRate:      DefaultInputRate,
		OutputRate:     DefaultOutputRate,
	}
}

// Validate ensures the budget values are sane before use.
func (c Config) Validate() error {
	if c.MonthlyBudget < 0 {
		return fmt.Errorf("monthly budget cannot be negative")
	}
	if c.AlertThreshold < 0 || c.AlertThreshold > 1 {
		return fmt.Errorf("alert threshold must be within [0,1]")
	}
	if c.InputRate < 0 || c.OutputRate < 0 {
		return fmt.Errorf("token rates cannot be negative")
	}
	return nil
}

// withDefaults fills zero rates and thresholds.
func (c Config) withDefaults() Config {
	if c.AlertThreshold == 0 {
		c.AlertThreshold = DefaultAlertThreshold
	}
	if c.InputRate == 0 {
		c.InputRate = DefaultInputRate
	}
	if c.OutputRate == 0 {
		c.OutputRate = DefaultOutputRate
	}
	return c
}

// MonthKey formats t as the YYYY-MM bucket used by ledgers.
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// CostEntry is a single recorded spend.
type CostEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Agent     string                 `json:"agent"`
	Tokens    int64                  `json:"tokens"`
	CostUSD   float64                `json:"cost"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}
