package hub

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcom/agentcom/pkg/config"
	"github.com/agentcom/agentcom/pkg/ledger"
	"github.com/agentcom/agentcom/pkg/storage"
	"github.com/agentcom/agentcom/pkg/types"
)

func testStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestFSMStartsResting(t *testing.T) {
	f := NewFSM(testStore(t), nil)
	assert.Equal(t, types.HubResting, f.State())
	assert.False(t, f.Paused())
}

func TestFSMValidTransitions(t *testing.T) {
	f := NewFSM(testStore(t), nil)

	require.NoError(t, f.Transition(types.HubExecuting, "pending goals"))
	require.NoError(t, f.Transition(types.HubResting, "no pending goals"))
	require.NoError(t, f.Transition(types.HubImproving, "scheduled improvement"))
	require.NoError(t, f.Transition(types.HubContemplating, "scan produced zero findings"))
	require.NoError(t, f.Transition(types.HubResting, "cycle complete"))

	history := f.History()
	require.Len(t, history, 4)
	assert.Equal(t, types.HubResting, history[0].From)
	assert.Equal(t, types.HubExecuting, history[0].To)
	assert.Equal(t, "pending goals", history[0].Reason)
}

func TestFSMInvalidTransition(t *testing.T) {
	f := NewFSM(testStore(t), nil)

	err := f.Transition(types.HubContemplating, "nope")
	assert.Error(t, err)
	assert.Equal(t, types.HubResting, f.State())
	assert.Empty(t, f.History())
}

func TestFSMHealingReachableFromEverywhere(t *testing.T) {
	f := NewFSM(testStore(t), nil)

	require.NoError(t, f.Transition(types.HubExecuting, "work"))
	require.NoError(t, f.Transition(types.HubHealing, "critical signal"))
	// Healing only exits to resting.
	assert.Error(t, f.Transition(types.HubExecuting, "impatient"))
	require.NoError(t, f.Transition(types.HubResting, "remediation complete"))
}

func TestFSMBudgetGateReroutesToResting(t *testing.T) {
	led := ledger.New(map[string]config.Budget{
		string(types.HubExecuting): {MaxInvocations: 1, Window: time.Hour},
	})
	// Exhaust the executing budget.
	led.Record(string(types.HubExecuting), 10, 10, 0.01)

	f := NewFSM(testStore(t), led)
	require.NoError(t, f.Transition(types.HubExecuting, "pending goals"))
	assert.Equal(t, types.HubResting, f.State())
	assert.Empty(t, f.History(), "rerouted transition lands in the same state, no entry")
}

func TestFSMHistoryRingBounded(t *testing.T) {
	f := NewFSM(testStore(t), nil)

	for i := 0; i < 80; i++ {
		require.NoError(t, f.Transition(types.HubExecuting, fmt.Sprintf("cycle %d", i)))
		require.NoError(t, f.Transition(types.HubResting, fmt.Sprintf("cycle %d done", i)))
	}
	history := f.History()
	assert.Len(t, history, historySize)
	assert.Equal(t, "cycle 79 done", history[len(history)-1].Reason)
}

func TestFSMHistorySurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.Open(dir)
	require.NoError(t, err)

	f := NewFSM(store, nil)
	require.NoError(t, f.Transition(types.HubExecuting, "work"))
	require.NoError(t, f.Transition(types.HubHealing, "bad"))
	f.SetPaused(true)
	require.NoError(t, store.Close())

	store2, err := storage.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store2.Close() })

	f2 := NewFSM(store2, nil)
	// State always boots resting; history and pause persist.
	assert.Equal(t, types.HubResting, f2.State())
	assert.True(t, f2.Paused())
	require.Len(t, f2.History(), 2)
	assert.Equal(t, types.HubHealing, f2.History()[1].To)
}
