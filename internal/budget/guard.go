package budget

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// Ledger persists cost entries bucketed by month.
type Ledger interface {
	Append(ctx context.Context, month string, entry CostEntry) error
	Entries(ctx context.Context, month string) ([]CostEntry, error)
}

// Status summarises spend for the current month.
type Status struct {
	Month        string  `json:"month"`
	Budget       float64 `json:"budget"`
	Spent        float64 `json:"spent"`
	Remaining    float64 `json:"remaining"`
	PercentUsed  float64 `json:"percent_used"`
	AlertReached bool    `json:"alert"`
}

// AgentUsage aggregates calls for one agent within a month.
type AgentUsage struct {
	Calls   int     `json:"calls"`
	Tokens  int64   `json:"tokens"`
	CostUSD float64 `json:"cost"`
}

// Report is the per-agent breakdown for a month.
type Report struct {
	Status  Status                `json:"status"`
	Entries int                   `json:"entries"`
	ByAgent map[string]AgentUsage `json:"by_agent"`
	Agents  []string              `json:"agents"`
}

// Guard tracks monthly spend against a fixed budget. Alerts are advisory.
type Guard struct {
	ledger Ledger
	cfg    Config
	logger *log.Logger
	now    func() time.Time
	mu     sync.Mutex
}

// Option customises a Guard.
type Option func(*Guard)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// WithLogger overrides the alert logger.
func WithLogger(l *log.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

func NewGuard(ledger Ledger, cfg Config, opts ...Option) (*Guard, error) {
	if ledger == nil {
		return nil, fmt.Errorf("budget ledger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := &Guard{
		ledger: ledger,
		cfg:    cfg.withDefaults(),
		logger: log.New(log.Writer(), "[BUDGET] ", log.LstdFlags),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Config returns the effective configuration.
func (g *Guard) Config() Config { return g.cfg }

// RecordSpend appends a cost entry to the current month and persists it before returning.
func (g *Guard) RecordSpend(ctx context.Context, agent string, tokens int64, cost float64, metadata map[string]interface{}) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now().UTC()
	entry := CostEntry{Timestamp: now, Agent: agent, Tokens: tokens, CostUSD: cost, Metadata: metadata}
	if err := g.ledger.Append(ctx, MonthKey(now), entry); err != nil {
		return fmt.Errorf("record spend: %w", err)
	}
	st, err := g.statusFor(ctx, MonthKey(now))
	if err != nil {
		return err
	}
	if st.AlertReached {
		g.logger.Printf("alert: %.1f%% of monthly budget used ($%.2f / $%.2f)", st.PercentUsed, st.Spent, st.Budget)
	}
	return nil
}

// MonthlyTotal sums the spend for month (YYYY-MM). An empty month means the current one.
func (g *Guard) MonthlyTotal(ctx context.Context, month string) (float64, error) {
	if month == "" {
		month = MonthKey(g.now())
	}
	entries, err := g.ledger.Entries(ctx, month)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, e := range entries {
		total += e.CostUSD
	}
	return total, nil
}

// Status reports current-month spend against the budget.
func (g *Guard) Status(ctx context.Context) (Status, error) {
	return g.statusFor(ctx, MonthKey(g.now()))
}

func (g *Guard) statusFor(ctx context.Context, month string) (Status, error) {
	spent, err := g.MonthlyTotal(ctx, month)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Month:     month,
		Budget:    g.cfg.MonthlyBudget,
		Spent:     spent,
		Remaining: g.cfg.MonthlyBudget - spent,
	}
	if g.cfg.MonthlyBudget > 0 {
		st.PercentUsed = spent / g.cfg.MonthlyBudget * 100
	}
	st.AlertReached = st.PercentUsed >= g.cfg.AlertThreshold*100
	return st, nil
}

// CanAfford reports whether estimate fits in the remaining monthly budget, with a reason when it does not.
func (g *Guard) CanAfford(ctx context.Context, estimate float64) (bool, string, error) {
	spent, err := g.MonthlyTotal(ctx, "")
	if err != nil {
		return false, "", err
	}
	if spent >= g.cfg.MonthlyBudget {
		return false, fmt.Sprintf("Monthly budget exhausted: $%.2f spent of $%.2f", spent, g.cfg.MonthlyBudget), nil
	}
	if total := spent + estimate; total > g.cfg.MonthlyBudget {
		return false, fmt.Sprintf("Would exceed budget: $%.2f > $%.2f", total, g.cfg.MonthlyBudget), nil
	}
	return true, "", nil
}

// Check is CanAfford as an error, used when enforcement is on.
func (g *Guard) Check(ctx context.Context, estimate float64) error {
	ok, reason, err := g.CanAfford(ctx, estimate)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	spent, _ := g.MonthlyTotal(ctx, "")
	return ErrExceeded{
		Kind:  "monthly",
		Usage: fmt.Sprintf("$%.4f (+$%.4f): %s", spent, estimate, reason),
		Limit: fmt.Sprintf("$%.2f", g.cfg.MonthlyBudget),
	}
}

// EstimateCost prices a completion from prompt and output token counts.
func (g *Guard) EstimateCost(promptTokens, outputTokens int64) float64 {
	return EstimateCost(g.cfg, promptTokens, outputTokens)
}

// EstimateCost applies cfg's per-million-token rates.
func EstimateCost(cfg Config, promptTokens, outputTokens int64) float64 {
	cfg = cfg.withDefaults()
	return float64(promptTokens)/1e6*cfg.InputRate + float64(outputTokens)/1e6*cfg.OutputRate
}

// MonthlyReport groups the current month's entries by agent.
func (g *Guard) MonthlyReport(ctx context.Context) (Report, error) {
	month := MonthKey(g.now())
	st, err := g.statusFor(ctx, month)
	if err != nil {
		return Report{}, err
	}
	entries, err := g.ledger.Entries(ctx, month)
	if err != nil {
		return Report{}, err
	}
	rep := Report{Status: st, Entries: len(entries), ByAgent: map[string]AgentUsage{}}
	for _, e := range entries {
		u := rep.ByAgent[e.Agent]
		u.Calls++
		u.Tokens += e.Tokens
		u.CostUSD += e.CostUSD
		rep.ByAgent[e.Agent] = u
	}
	for agent := range rep.ByAgent {
		rep.Agents = append(rep.Agents, agent)
	}
	sort.Slice(rep.Agents, func(i, j int) bool {
		return rep.ByAgent[rep.Agents[i]].CostUSD > rep.ByAgent[rep.Agents[j]].CostUSD
	})
	return rep, nil
}
