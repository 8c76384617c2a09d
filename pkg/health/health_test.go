package health

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcom/agentcom/pkg/types"
)

type staticCounts map[types.TaskStatus]int

func (s staticCounts) Counts() map[types.TaskStatus]int { return s }

type staticPresence int

func (s staticPresence) Count() int { return int(s) }

func TestQueueCheckHealthy(t *testing.T) {
	check := &QueueCheck{Queue: staticCounts{
		types.TaskQueued:    3,
		types.TaskCompleted: 10,
	}}
	res := check.Check(context.Background())
	assert.Equal(t, SignalHealthy, res.Signal)
	assert.Empty(t, res.Actions)
}

func TestQueueCheckDeadLetterRatio(t *testing.T) {
	check := &QueueCheck{Queue: staticCounts{
		types.TaskCompleted:  5,
		types.TaskDeadLetter: 5,
	}}
	res := check.Check(context.Background())
	assert.Equal(t, SignalDegraded, res.Signal)
	require.Len(t, res.Actions, 1)
	assert.Equal(t, ActionRetryDeadLetters, res.Actions[0].Kind)
}

func TestQueueCheckBacklog(t *testing.T) {
	check := &QueueCheck{
		Queue:      staticCounts{types.TaskQueued: 11},
		MaxBacklog: 10,
	}
	res := check.Check(context.Background())
	assert.Equal(t, SignalDegraded, res.Signal)
}

func TestAgentCheck(t *testing.T) {
	check := &AgentCheck{
		Queue:    staticCounts{types.TaskQueued: 1},
		Presence: staticPresence(0),
	}
	assert.Equal(t, SignalDegraded, check.Check(context.Background()).Signal)

	check.Presence = staticPresence(2)
	assert.Equal(t, SignalHealthy, check.Check(context.Background()).Signal)
}

type fixedCheck struct {
	name string
	res  Result
}

func (f fixedCheck) Name() string                      { return f.name }
func (f fixedCheck) Check(ctx context.Context) Result { return f.res }

func TestAggregatorWorstSignalWins(t *testing.T) {
	agg := NewAggregator(
		fixedCheck{name: "a", res: Result{Signal: SignalHealthy}},
		fixedCheck{name: "b", res: Result{Signal: SignalCritical, Actions: []Action{{Kind: ActionRebuildTable, Target: "tasks"}}}},
		fixedCheck{name: "c", res: Result{Signal: SignalDegraded}},
	)

	report := agg.Run(context.Background())
	assert.Equal(t, SignalCritical, report.Signal)
	assert.Len(t, report.Results, 3)
	require.Len(t, report.Actions, 1)
	assert.Equal(t, "tasks", report.Actions[0].Target)

	assert.Same(t, report, agg.Last())
}
