package scheduler

import (
	"time"

	"github.com/agentcom/agentcom/pkg/events"
	"github.com/agentcom/agentcom/pkg/log"
	"github.com/agentcom/agentcom/pkg/metrics"
	"github.com/agentcom/agentcom/pkg/types"
)

// TaskSource is the slice of the task queue the scheduler drives.
type TaskSource interface {
	Schedulable() []*types.Task
	Assign(id, agentID string) (*types.Task, error)
	Reclaim(id string) error
	Stale(cutoffMillis int64) []*types.Task
}

// AgentPool reports agents currently able to take work.
type AgentPool interface {
	Idle() []*types.AgentSnapshot
}

// Dispatcher pushes an assigned task down an agent's session.
type Dispatcher interface {
	Dispatch(agentID string, task *types.Task) error
}

// Config tunes the scheduler loops.
type Config struct {
	SweepInterval  time.Duration
	StuckThreshold time.Duration
}

// Scheduler matches queued tasks to idle agents. It keeps no state of
// its own: every pass re-reads the queue and the presence index, so a
// missed trigger costs latency, never correctness. Passes are
// serialized on one goroutine and triggers collapse into a single
// pending bit while a pass is running.
type Scheduler struct {
	source     TaskSource
	pool       AgentPool
	dispatcher Dispatcher
	broker     *events.Broker
	cfg        Config

	triggerCh chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewScheduler creates a new scheduler
func NewScheduler(source TaskSource, pool AgentPool, dispatcher Dispatcher, broker *events.Broker, cfg Config) *Scheduler {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = 5 * time.Minute
	}
	return &Scheduler{
		source:     source,
		pool:       pool,
		dispatcher: dispatcher,
		broker:     broker,
		cfg:        cfg,
		triggerCh:  make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start begins the scheduler loops and runs an initial pass.
func (s *Scheduler) Start() {
	go s.watch()
	go s.run()
	s.Trigger()
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// Trigger requests a scheduling pass. Duplicate requests while a pass
// is pending collapse into one.
func (s *Scheduler) Trigger() {
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

// watch translates broker events into pass triggers. Only events that
// can create schedulable work or free capacity trigger a pass;
// assignment and dead-letter events are consequences, not causes.
func (s *Scheduler) watch() {
	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	for {
		select {
		case event, ok := <-sub:
			if !ok {
				return
			}
			if wakesScheduler(event.Type) {
				s.Trigger()
			}
		case <-s.stopCh:
			return
		}
	}
}

func wakesScheduler(t events.EventType) bool {
	switch t {
	case events.EventTaskSubmitted,
		events.EventTaskRetried,
		events.EventTaskReclaimed,
		events.EventTaskCompleted,
		events.EventAgentJoined,
		events.EventAgentIdle:
		return true
	}
	return false
}

// run is the main scheduler loop
func (s *Scheduler) run() {
	defer close(s.doneCh)

	sweepTicker := time.NewTicker(s.cfg.SweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-s.triggerCh:
			s.schedule()
		case <-sweepTicker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

// schedule performs one greedy pass: schedulable tasks in priority
// order against idle agents, first capability match wins.
func (s *Scheduler) schedule() {
	started := time.Now()
	logger := log.WithComponent("scheduler")

	tasks := s.source.Schedulable()
	if len(tasks) == 0 {
		return
	}
	idle := s.pool.Idle()
	if len(idle) == 0 {
		return
	}

	metrics.SchedulerPasses.Inc()

	available := make([]*types.AgentSnapshot, len(idle))
	copy(available, idle)

	assigned := 0
	for _, task := range tasks {
		slot := -1
		for i, agent := range available {
			if agent.HasCapabilities(task.NeededCapabilities) {
				slot = i
				break
			}
		}
		if slot < 0 {
			// No capable idle agent; the task waits for the next trigger.
			continue
		}
		agent := available[slot]

		stamped, err := s.source.Assign(task.ID, agent.AgentID)
		if err != nil {
			// Raced with another state change; re-read on the next pass.
			logger.Debug().Str("task_id", task.ID).Err(err).Msg("assign skipped")
			continue
		}
		if err := s.dispatcher.Dispatch(agent.AgentID, stamped); err != nil {
			logger.Warn().
				Str("task_id", task.ID).
				Str("agent_id", agent.AgentID).
				Err(err).
				Msg("dispatch failed, reclaiming task")
			if rerr := s.source.Reclaim(task.ID); rerr != nil {
				logger.Error().Str("task_id", task.ID).Err(rerr).Msg("reclaim after failed dispatch")
			}
		} else {
			assigned++
			metrics.TasksAssigned.Inc()
		}
		available = append(available[:slot], available[slot+1:]...)
		if len(available) == 0 {
			break
		}
	}

	metrics.SchedulingLatency.Observe(time.Since(started).Seconds())
	if assigned > 0 {
		logger.Debug().Int("assigned", assigned).Msg("scheduling pass complete")
	}
}

// sweep reclaims tasks that have sat in assigned or working without an
// update for longer than the stuck threshold.
func (s *Scheduler) sweep() {
	logger := log.WithComponent("scheduler")
	cutoff := time.Now().Add(-s.cfg.StuckThreshold).UnixMilli()

	for _, task := range s.source.Stale(cutoff) {
		logger.Warn().
			Str("task_id", task.ID).
			Str("agent_id", task.AssignedTo).
			Str("status", string(task.Status)).
			Msg("stuck task detected, reclaiming")
		if err := s.source.Reclaim(task.ID); err != nil {
			logger.Error().Str("task_id", task.ID).Err(err).Msg("failed to reclaim stuck task")
			continue
		}
		metrics.StuckTasksSwept.Inc()
	}
}
