package agent

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentcom/agentcom/pkg/events"
	"github.com/agentcom/agentcom/pkg/log"
	"github.com/agentcom/agentcom/pkg/presence"
	"github.com/agentcom/agentcom/pkg/types"
)

// ErrTerminated is returned for calls into a machine that has stopped.
var ErrTerminated = errors.New("agent machine terminated")

// ErrBadState is returned when an operation is not legal in the
// machine's current state.
var ErrBadState = errors.New("operation not valid in current state")

// Session is the machine's view of the transport session. The machine
// does not own the session; it pushes frames through it and observes
// closure via Done.
type Session interface {
	// PushTask delivers a push_task frame. Returns false if the session
	// is already unusable.
	PushTask(task *types.Task) bool
	// Done is closed exactly once when the session ends.
	Done() <-chan struct{}
}

// Reclaimer is the slice of the task queue the machine needs.
type Reclaimer interface {
	Reclaim(id string) error
}

// Machine is one agent's state machine: a goroutine owning the agent's
// lifecycle state, fed by an inbox. It lives only while the session is
// attached; session closure terminates it and it is never restarted.
type Machine struct {
	agentID      string
	name         string
	capabilities []string

	session  Session
	queue    Reclaimer
	presence *presence.Cache
	broker   *events.Broker

	acceptanceTimeout time.Duration
	onTerminate       func(agentID string)

	inbox    chan command
	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}

	// Mutable state below is owned by the run goroutine.
	state         types.AgentState
	currentTaskID string
	currentGen    int
	flags         map[types.AgentFlag]struct{}
	connectedAt   time.Time
	acceptTimer   *time.Timer
}

type command struct {
	apply func() error
	reply chan error
}

// MachineConfig collects the machine's collaborators.
type MachineConfig struct {
	AgentID           string
	Name              string
	Capabilities      []string
	Session           Session
	Queue             Reclaimer
	Presence          *presence.Cache
	Broker            *events.Broker
	AcceptanceTimeout time.Duration
	OnTerminate       func(agentID string)
}

func newMachine(cfg MachineConfig) *Machine {
	if cfg.AcceptanceTimeout <= 0 {
		cfg.AcceptanceTimeout = 60 * time.Second
	}
	return &Machine{
		agentID:           cfg.AgentID,
		name:              cfg.Name,
		capabilities:      cfg.Capabilities,
		session:           cfg.Session,
		queue:             cfg.Queue,
		presence:          cfg.Presence,
		broker:            cfg.Broker,
		acceptanceTimeout: cfg.AcceptanceTimeout,
		onTerminate:       cfg.OnTerminate,
		inbox:             make(chan command),
		stopCh:            make(chan struct{}),
		doneCh:            make(chan struct{}),
		state:             types.AgentOffline,
		flags:             make(map[types.AgentFlag]struct{}),
	}
}

func (m *Machine) start() {
	m.connectedAt = time.Now()
	m.state = types.AgentIdle
	m.publishSnapshot()
	go m.run()
}

func (m *Machine) run() {
	defer close(m.doneCh)
	logger := log.WithAgentID(m.agentID)

	// The timer is armed only in the assigned state.
	m.acceptTimer = time.NewTimer(time.Hour)
	if !m.acceptTimer.Stop() {
		<-m.acceptTimer.C
	}

	for {
		select {
		case cmd := <-m.inbox:
			cmd.reply <- cmd.apply()

		case <-m.acceptTimer.C:
			m.onAcceptanceTimeout(logger)

		case <-m.session.Done():
			m.onSessionClosed(logger)
			return

		case <-m.stopCh:
			m.onSessionClosed(logger)
			return
		}
	}
}

// call runs fn on the machine goroutine and waits for its result.
func (m *Machine) call(fn func() error) error {
	cmd := command{apply: fn, reply: make(chan error, 1)}
	select {
	case m.inbox <- cmd:
		return <-cmd.reply
	case <-m.doneCh:
		return ErrTerminated
	}
}

// Assign pushes a task to the agent and arms the acceptance timer.
// The task must already be assigned in the queue (generation stamped).
func (m *Machine) Assign(task *types.Task) error {
	return m.call(func() error {
		if m.state != types.AgentIdle {
			return fmt.Errorf("%w: agent is %s", ErrBadState, m.state)
		}
		if !m.session.PushTask(task) {
			return fmt.Errorf("session write failed")
		}
		m.state = types.AgentAssigned
		m.currentTaskID = task.ID
		m.currentGen = task.Generation
		m.armAcceptTimer()
		m.publishSnapshot()
		return nil
	})
}

// Accepted records the agent's acknowledgment of its current task.
// The queue's generation check has already passed.
func (m *Machine) Accepted(taskID string) error {
	return m.call(func() error {
		if m.state != types.AgentAssigned || m.currentTaskID != taskID {
			return fmt.Errorf("%w: no pending assignment for task %s", ErrBadState, taskID)
		}
		m.disarmAcceptTimer()
		m.state = types.AgentWorking
		m.publishSnapshot()
		return nil
	})
}

// Resume moves a fresh machine straight to the task its agent kept
// across a reconnect. Legal only from idle. An assigned task re-arms
// the acceptance timer; a working task does not, the agent is already
// on it.
func (m *Machine) Resume(task *types.Task) error {
	return m.call(func() error {
		if m.state != types.AgentIdle {
			return fmt.Errorf("%w: agent is %s", ErrBadState, m.state)
		}
		m.currentTaskID = task.ID
		m.currentGen = task.Generation
		if task.Status == types.TaskAssigned {
			m.state = types.AgentAssigned
			m.armAcceptTimer()
		} else {
			m.state = types.AgentWorking
		}
		m.publishSnapshot()
		return nil
	})
}

// TaskFinished returns the machine to idle after the queue accepted the
// agent's completion or retryable failure.
func (m *Machine) TaskFinished(taskID string) error {
	return m.call(func() error {
		if m.currentTaskID != taskID {
			return fmt.Errorf("%w: task %s is not current", ErrBadState, taskID)
		}
		m.disarmAcceptTimer()
		m.state = types.AgentIdle
		m.currentTaskID = ""
		m.currentGen = 0
		m.publishSnapshot()
		m.publishEvent(events.EventAgentIdle)
		return nil
	})
}

// TaskBlocked parks the agent after a non-retryable failure. An
// operator (or the hub) clears the block.
func (m *Machine) TaskBlocked(taskID string) error {
	return m.call(func() error {
		if m.currentTaskID != taskID {
			return fmt.Errorf("%w: task %s is not current", ErrBadState, taskID)
		}
		m.disarmAcceptTimer()
		m.state = types.AgentBlocked
		m.currentTaskID = ""
		m.currentGen = 0
		m.publishSnapshot()
		return nil
	})
}

// ClearBlock returns a blocked agent to idle.
func (m *Machine) ClearBlock() error {
	return m.call(func() error {
		if m.state != types.AgentBlocked {
			return fmt.Errorf("%w: agent is %s", ErrBadState, m.state)
		}
		m.state = types.AgentIdle
		m.publishSnapshot()
		m.publishEvent(events.EventAgentIdle)
		return nil
	})
}

// Snapshot returns the machine's current public view.
func (m *Machine) Snapshot() (*types.AgentSnapshot, error) {
	var snap *types.AgentSnapshot
	err := m.call(func() error {
		snap = m.snapshot()
		return nil
	})
	return snap, err
}

// CurrentTask returns the current task id and generation.
func (m *Machine) CurrentTask() (string, int, error) {
	var id string
	var gen int
	err := m.call(func() error {
		id, gen = m.currentTaskID, m.currentGen
		return nil
	})
	return id, gen, err
}

// stop asks the machine to terminate and waits for it. Safe to call
// concurrently with session closure.
func (m *Machine) stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
}

// onAcceptanceTimeout fires when the agent never acknowledged its
// assignment: reclaim the task, flag the agent, return to idle. The
// flag is advisory and does not prevent future assignments.
func (m *Machine) onAcceptanceTimeout(logger zerolog.Logger) {
	if m.state != types.AgentAssigned {
		return
	}
	logger.Warn().
		Str("task_id", m.currentTaskID).
		Msg("acceptance timeout, reclaiming task")

	if err := m.queue.Reclaim(m.currentTaskID); err != nil {
		logger.Error().Err(err).Msg("failed to reclaim task after acceptance timeout")
	}
	m.flags[types.FlagUnresponsive] = struct{}{}
	m.state = types.AgentIdle
	m.currentTaskID = ""
	m.currentGen = 0
	m.publishSnapshot()
	m.publishEvent(events.EventAgentIdle)
}

// onSessionClosed handles session drop or supervisor stop: reclaim any
// current task exactly once, go offline, leave the presence index, and
// notify the supervisor.
func (m *Machine) onSessionClosed(logger zerolog.Logger) {
	m.disarmAcceptTimer()

	if m.currentTaskID != "" {
		if err := m.queue.Reclaim(m.currentTaskID); err != nil {
			logger.Error().
				Str("task_id", m.currentTaskID).
				Err(err).
				Msg("failed to reclaim task on disconnect")
		}
		m.currentTaskID = ""
		m.currentGen = 0
	}

	m.state = types.AgentOffline
	m.presence.Remove(m.agentID)
	m.publishEvent(events.EventAgentLeft)
	logger.Info().Msg("agent disconnected")

	if m.onTerminate != nil {
		m.onTerminate(m.agentID)
	}
}

func (m *Machine) armAcceptTimer() {
	m.disarmAcceptTimer()
	m.acceptTimer.Reset(m.acceptanceTimeout)
}

func (m *Machine) disarmAcceptTimer() {
	if !m.acceptTimer.Stop() {
		select {
		case <-m.acceptTimer.C:
		default:
		}
	}
}

func (m *Machine) snapshot() *types.AgentSnapshot {
	flags := make([]types.AgentFlag, 0, len(m.flags))
	for f := range m.flags {
		flags = append(flags, f)
	}
	return &types.AgentSnapshot{
		AgentID:       m.agentID,
		Name:          m.name,
		Capabilities:  append([]string(nil), m.capabilities...),
		State:         m.state,
		CurrentTaskID: m.currentTaskID,
		Flags:         flags,
		ConnectedAt:   m.connectedAt,
	}
}

// publishSnapshot pushes the agent's public view to the presence cache.
// Every state change goes through here.
func (m *Machine) publishSnapshot() {
	m.presence.Update(m.snapshot())
}

func (m *Machine) publishEvent(evt events.EventType) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(&events.Event{
		Type:    evt,
		AgentID: m.agentID,
	})
}
