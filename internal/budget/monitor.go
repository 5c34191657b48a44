package budget

import (
	"sync"
	"time"
)

// Meter accumulates tokens and cost for a single stage execution.
// It is safe for concurrent use by parallel completion calls.
type Meter struct {
	costUsed   float64
	tokensUsed int64
	calls      int
	startTime  time.Time
	mu         sync.Mutex
}

// NewMeter starts tracking usage from now.
func NewMeter() *Meter {
	return &Meter{startTime: time.Now()}
}

// Add records one completion's tokens and cost.
func (m *Meter) Add(tokens int64, cost float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.costUsed += cost
	m.tokensUsed += tokens
	m.calls++
}

// Usage returns the accumulated metrics.
func (m *Meter) Usage() (tokens int64, cost float64, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokensUsed, m.costUsed, time.Since(m.startTime)
}

// Calls reports how many completions were charged.
func (m *Meter) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
