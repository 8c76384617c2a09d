package agent

import (
	"sync"
	"time"

	"github.com/agentcom/agentcom/pkg/events"
	"github.com/agentcom/agentcom/pkg/log"
	"github.com/agentcom/agentcom/pkg/presence"
	"github.com/agentcom/agentcom/pkg/types"
)

// Supervisor owns the map of live agent state machines. Restart policy
// is temporary: a machine that terminates is not restarted; its session
// is gone and a reconnect creates a fresh one.
type Supervisor struct {
	mu       sync.Mutex
	machines map[string]*Machine

	queue             Reclaimer
	presence          *presence.Cache
	broker            *events.Broker
	acceptanceTimeout time.Duration
}

// NewSupervisor creates the supervisor.
func NewSupervisor(queue Reclaimer, pres *presence.Cache, broker *events.Broker, acceptanceTimeout time.Duration) *Supervisor {
	return &Supervisor{
		machines:          make(map[string]*Machine),
		queue:             queue,
		presence:          pres,
		broker:            broker,
		acceptanceTimeout: acceptanceTimeout,
	}
}

// Start creates and starts a machine for a freshly authenticated
// session. An existing machine for the same agent id is stale (the old
// session is superseded) and is stopped first.
func (s *Supervisor) Start(agentID, name string, capabilities []string, session Session) *Machine {
	s.mu.Lock()
	stale := s.machines[agentID]
	delete(s.machines, agentID)
	s.mu.Unlock()

	if stale != nil {
		logger := log.WithAgentID(agentID)
		logger.Info().Msg("replacing stale agent machine")
		stale.stop()
	}

	m := newMachine(MachineConfig{
		AgentID:           agentID,
		Name:              name,
		Capabilities:      capabilities,
		Session:           session,
		Queue:             s.queue,
		Presence:          s.presence,
		Broker:            s.broker,
		AcceptanceTimeout: s.acceptanceTimeout,
		OnTerminate:       s.remove,
	})

	s.mu.Lock()
	s.machines[agentID] = m
	s.mu.Unlock()

	m.start()

	if s.broker != nil {
		s.broker.Publish(&events.Event{
			Type:    events.EventAgentJoined,
			AgentID: agentID,
		})
	}
	return m
}

// Stop terminates an agent's machine. Its current task, if any, is
// reclaimed on the way down.
func (s *Supervisor) Stop(agentID string) {
	s.mu.Lock()
	m := s.machines[agentID]
	s.mu.Unlock()

	if m != nil {
		m.stop()
	}
}

// Lookup returns the live machine for an agent id.
func (s *Supervisor) Lookup(agentID string) (*Machine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[agentID]
	return m, ok
}

// ListAll returns snapshots of every live machine.
func (s *Supervisor) ListAll() []*types.AgentSnapshot {
	s.mu.Lock()
	machines := make([]*Machine, 0, len(s.machines))
	for _, m := range s.machines {
		machines = append(machines, m)
	}
	s.mu.Unlock()

	out := make([]*types.AgentSnapshot, 0, len(machines))
	for _, m := range machines {
		if snap, err := m.Snapshot(); err == nil {
			out = append(out, snap)
		}
	}
	return out
}

// StopAll terminates every machine. Used at shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	machines := make([]*Machine, 0, len(s.machines))
	for _, m := range s.machines {
		machines = append(machines, m)
	}
	s.mu.Unlock()

	for _, m := range machines {
		m.stop()
	}
}

// remove drops a terminated machine from the map. Machines are not
// restarted; reconnect recreates them.
func (s *Supervisor) remove(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.machines, agentID)
}
