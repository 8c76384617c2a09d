package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentcom/agentcom/pkg/storage"
	"github.com/agentcom/agentcom/pkg/types"
)

// Signal grades how bad a finding is.
type Signal string

const (
	SignalHealthy  Signal = "healthy"
	SignalDegraded Signal = "degraded"
	SignalCritical Signal = "critical"
)

// ActionKind names a remediation the healing state can execute.
type ActionKind string

const (
	ActionRetryDeadLetters ActionKind = "retry_dead_letters"
	ActionCompactTable     ActionKind = "compact_table"
	ActionRebuildTable     ActionKind = "rebuild_table"
)

// Action is one remediation proposal produced by a check.
type Action struct {
	Kind   ActionKind `json:"kind"`
	Target string     `json:"target,omitempty"`
	Reason string     `json:"reason"`
}

// Result represents the outcome of a health check
type Result struct {
	Signal    Signal        `json:"signal"`
	Message   string        `json:"message,omitempty"`
	Actions   []Action      `json:"actions,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
	Duration  time.Duration `json:"duration"`
}

// Checker is the interface that all health checkers must implement
type Checker interface {
	// Check performs the health check and returns the result
	Check(ctx context.Context) Result

	// Name identifies the check in reports
	Name() string
}

// Report is the aggregate of one full pass over all checkers.
type Report struct {
	Signal    Signal            `json:"signal"`
	Results   map[string]Result `json:"results"`
	Actions   []Action          `json:"actions,omitempty"`
	CheckedAt time.Time         `json:"checked_at"`
}

// Aggregator runs the registered checks and folds their signals into
// one report. The overall signal is the worst individual one.
type Aggregator struct {
	mu       sync.RWMutex
	checkers []Checker
	last     *Report
}

// NewAggregator creates an aggregator over a fixed set of checks.
func NewAggregator(checkers ...Checker) *Aggregator {
	return &Aggregator{checkers: checkers}
}

// Run executes every check and returns the aggregate report. The report
// is cached for Last.
func (a *Aggregator) Run(ctx context.Context) *Report {
	report := &Report{
		Signal:    SignalHealthy,
		Results:   make(map[string]Result),
		CheckedAt: time.Now(),
	}

	for _, c := range a.checkers {
		started := time.Now()
		res := c.Check(ctx)
		res.CheckedAt = started
		res.Duration = time.Since(started)
		report.Results[c.Name()] = res
		report.Actions = append(report.Actions, res.Actions...)
		if worse(res.Signal, report.Signal) {
			report.Signal = res.Signal
		}
	}

	a.mu.Lock()
	a.last = report
	a.mu.Unlock()
	return report
}

// Last returns the most recent report, or nil before the first Run.
func (a *Aggregator) Last() *Report {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.last
}

func worse(a, b Signal) bool {
	return rank(a) > rank(b)
}

func rank(s Signal) int {
	switch s {
	case SignalCritical:
		return 2
	case SignalDegraded:
		return 1
	}
	return 0
}

// TaskCounter is the queue view the queue check needs.
type TaskCounter interface {
	Counts() map[types.TaskStatus]int
}

// QueueCheck grades the task queue: backlog depth and the dead-letter
// share of all terminal tasks.
type QueueCheck struct {
	Queue TaskCounter
	// MaxBacklog is the queued-task count above which the queue is degraded.
	MaxBacklog int
	// MaxDeadLetterRatio is the dead-letter share above which remediation
	// is proposed.
	MaxDeadLetterRatio float64
}

func (c *QueueCheck) Name() string { return "queue" }

func (c *QueueCheck) Check(ctx context.Context) Result {
	counts := c.Queue.Counts()
	backlog := counts[types.TaskQueued]
	dead := counts[types.TaskDeadLetter]
	terminal := dead + counts[types.TaskCompleted] + counts[types.TaskFailed]

	maxBacklog := c.MaxBacklog
	if maxBacklog <= 0 {
		maxBacklog = 100
	}
	maxRatio := c.MaxDeadLetterRatio
	if maxRatio <= 0 {
		maxRatio = 0.25
	}

	res := Result{Signal: SignalHealthy}
	if backlog > maxBacklog {
		res.Signal = SignalDegraded
		res.Message = fmt.Sprintf("backlog of %d queued tasks exceeds %d", backlog, maxBacklog)
	}
	if terminal > 0 {
		ratio := float64(dead) / float64(terminal)
		if ratio > maxRatio {
			res.Signal = SignalDegraded
			res.Message = fmt.Sprintf("dead-letter ratio %.2f exceeds %.2f", ratio, maxRatio)
			res.Actions = append(res.Actions, Action{
				Kind:   ActionRetryDeadLetters,
				Reason: fmt.Sprintf("%d of %d terminal tasks dead lettered", dead, terminal),
			})
		}
	}
	return res
}

// StoreCheck reports tables running in degraded (restarted empty) mode.
// A degraded table is critical: data behind it is gone until an
// operator intervenes.
type StoreCheck struct {
	Store *storage.Store
}

func (c *StoreCheck) Name() string { return "store" }

func (c *StoreCheck) Check(ctx context.Context) Result {
	res := Result{Signal: SignalHealthy}
	for _, t := range c.Store.Tables() {
		if t.Degraded() {
			res.Signal = SignalCritical
			res.Message = fmt.Sprintf("table %s is degraded", t.Name())
			res.Actions = append(res.Actions, Action{
				Kind:   ActionRebuildTable,
				Target: t.Name(),
				Reason: "table restarted empty after unrecoverable corruption",
			})
		}
	}
	return res
}

// AgentCheck degrades when no agents are connected while work is queued.
type AgentCheck struct {
	Queue    TaskCounter
	Presence interface{ Count() int }
}

func (c *AgentCheck) Name() string { return "agents" }

func (c *AgentCheck) Check(ctx context.Context) Result {
	if c.Presence.Count() == 0 && c.Queue.Counts()[types.TaskQueued] > 0 {
		return Result{
			Signal:  SignalDegraded,
			Message: "queued work but no connected agents",
		}
	}
	return Result{Signal: SignalHealthy}
}
