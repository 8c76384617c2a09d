package hub

import (
	"fmt"
	"sync"
	"time"

	"github.com/agentcom/agentcom/pkg/ledger"
	"github.com/agentcom/agentcom/pkg/log"
	"github.com/agentcom/agentcom/pkg/metrics"
	"github.com/agentcom/agentcom/pkg/storage"
	"github.com/agentcom/agentcom/pkg/types"
)

// historySize bounds the transition ring.
const historySize = 100

// fsmRecordKey is the hubstate table key the FSM persists under.
const fsmRecordKey = "fsm"

// BudgetChecker is the ledger view the FSM gates transitions with.
type BudgetChecker interface {
	CheckBudget(state string) ledger.Verdict
}

// llmStates are the states whose entry may invoke an external LLM and
// therefore require a budget check.
var llmStates = map[types.HubState]bool{
	types.HubExecuting:     true,
	types.HubImproving:     true,
	types.HubContemplating: true,
}

// validTransitions is the closed transition table. Healing is reachable
// from every state.
var validTransitions = map[types.HubState][]types.HubState{
	types.HubResting:       {types.HubExecuting, types.HubImproving, types.HubHealing},
	types.HubExecuting:     {types.HubResting, types.HubHealing},
	types.HubImproving:     {types.HubContemplating, types.HubExecuting, types.HubResting, types.HubHealing},
	types.HubContemplating: {types.HubExecuting, types.HubResting, types.HubHealing},
	types.HubHealing:       {types.HubResting},
}

// FSM is the process-wide state machine gating autonomous behavior.
// Transitions validate against a closed table, are budget gated on
// entry to LLM-invoking states, and append to a bounded history ring
// persisted in the hubstate table.
type FSM struct {
	mu      sync.Mutex
	state   types.HubState
	history []types.HubTransition
	paused  bool

	table   *storage.Table
	budgets BudgetChecker
}

type fsmRecord struct {
	History []types.HubTransition `json:"history"`
	Paused  bool                  `json:"paused"`
}

// NewFSM restores the persisted history and starts in resting. The hub
// always boots resting; the first tick re-enters executing if work
// survived the restart.
func NewFSM(store *storage.Store, budgets BudgetChecker) *FSM {
	f := &FSM{
		state:   types.HubResting,
		table:   store.Table(storage.TableHubState),
		budgets: budgets,
	}

	var rec fsmRecord
	if err := f.table.Get(fsmRecordKey, &rec); err == nil {
		f.history = rec.History
		f.paused = rec.Paused
	} else if err != storage.ErrNotFound {
		logger := log.WithComponent("hub")
		logger.Warn().Err(err).Msg("failed to restore fsm history")
	}

	metrics.SetHubState(f.state)
	return f
}

// State returns the current state.
func (f *FSM) State() types.HubState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Paused reports whether autonomous transitions are disabled.
func (f *FSM) Paused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

// SetPaused flips the pause switch. Pausing disables autonomous
// transitions only; external submissions keep queuing.
func (f *FSM) SetPaused(paused bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = paused
	f.persist()
}

// History returns the transition ring, newest last.
func (f *FSM) History() []types.HubTransition {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.HubTransition(nil), f.history...)
}

// Transition moves the FSM to a new state. Invalid moves fail; entry
// into an LLM-invoking state with an exhausted budget is rerouted to
// resting.
func (f *FSM) Transition(to types.HubState, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	from := f.state
	if from == to {
		return nil
	}
	if !allowed(from, to) {
		return fmt.Errorf("invalid transition %s -> %s", from, to)
	}

	if llmStates[to] && f.budgets != nil {
		if f.budgets.CheckBudget(string(to)) == ledger.VerdictExhausted {
			if to == types.HubExecuting || allowed(from, types.HubResting) {
				to = types.HubResting
				reason = "budget exhausted"
			}
			if from == to {
				return nil
			}
		}
	}

	f.state = to
	entry := types.HubTransition{
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now(),
	}
	f.history = append(f.history, entry)
	if len(f.history) > historySize {
		f.history = f.history[len(f.history)-historySize:]
	}
	f.persist()

	metrics.SetHubState(to)
	metrics.HubTransitions.WithLabelValues(string(to)).Inc()
	logger := log.WithComponent("hub")
	logger.Info().
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Msg("hub state transition")
	return nil
}

func allowed(from, to types.HubState) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// persist is called with the lock held.
func (f *FSM) persist() {
	rec := fsmRecord{History: f.history, Paused: f.paused}
	if err := f.table.Put(fsmRecordKey, rec); err != nil {
		logger := log.WithComponent("hub")
		logger.Error().Err(err).Msg("failed to persist fsm record")
	}
}
