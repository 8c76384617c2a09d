package ledger

import (
	"sync"
	"time"

	"github.com/agentcom/agentcom/pkg/config"
)

// Verdict is the budget decision for a state.
type Verdict string

const (
	VerdictOK        Verdict = "ok"
	VerdictExhausted Verdict = "exhausted"
)

// Ledger counts external-LLM invocations and token spend per hub state
// over rolling windows, and answers budget queries. Thread-safe; window
// eviction runs on every check.
type Ledger struct {
	mu      sync.Mutex
	budgets map[string]config.Budget
	entries map[string][]entry // keyed by state

	now func() time.Time // injectable for tests
}

type entry struct {
	at           time.Time
	inputTokens  int
	outputTokens int
	cost         float64
}

// Totals is a point-in-time spend summary for one state.
type Totals struct {
	State        string  `json:"state"`
	Invocations  int     `json:"invocations"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// New creates a ledger with the configured per-state budgets.
func New(budgets map[string]config.Budget) *Ledger {
	return &Ledger{
		budgets: budgets,
		entries: make(map[string][]entry),
		now:     time.Now,
	}
}

// Record counts one external invocation attributed to a hub state.
func (l *Ledger) Record(state string, inputTokens, outputTokens int, cost float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[state] = append(l.entries[state], entry{
		at:           l.now(),
		inputTokens:  inputTokens,
		outputTokens: outputTokens,
		cost:         cost,
	})
}

// CheckBudget reports whether the state may make another external call.
// States with no configured budget are always ok.
func (l *Ledger) CheckBudget(state string) Verdict {
	l.mu.Lock()
	defer l.mu.Unlock()

	budget, ok := l.budgets[state]
	if !ok {
		return VerdictOK
	}

	l.evict(state, budget.Window)

	invocations := 0
	cost := 0.0
	for _, e := range l.entries[state] {
		invocations++
		cost += e.cost
	}

	if budget.MaxInvocations > 0 && invocations >= budget.MaxInvocations {
		return VerdictExhausted
	}
	if budget.MaxCost > 0 && cost >= budget.MaxCost {
		return VerdictExhausted
	}
	return VerdictOK
}

// Snapshot returns current windowed totals for every tracked state.
func (l *Ledger) Snapshot() []Totals {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Totals
	for state, es := range l.entries {
		if budget, ok := l.budgets[state]; ok {
			l.evict(state, budget.Window)
			es = l.entries[state]
		}
		t := Totals{State: state}
		for _, e := range es {
			t.Invocations++
			t.InputTokens += e.inputTokens
			t.OutputTokens += e.outputTokens
			t.Cost += e.cost
		}
		out = append(out, t)
	}
	return out
}

// evict drops entries older than the window. Zero window keeps everything.
func (l *Ledger) evict(state string, window time.Duration) {
	if window <= 0 {
		return
	}
	cutoff := l.now().Add(-window)
	es := l.entries[state]
	keep := es[:0]
	for _, e := range es {
		if e.at.After(cutoff) {
			keep = append(keep, e)
		}
	}
	l.entries[state] = keep
}
