package hub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentcom/agentcom/pkg/agent"
	"github.com/agentcom/agentcom/pkg/config"
	"github.com/agentcom/agentcom/pkg/events"
	"github.com/agentcom/agentcom/pkg/goal"
	"github.com/agentcom/agentcom/pkg/health"
	"github.com/agentcom/agentcom/pkg/ledger"
	"github.com/agentcom/agentcom/pkg/llm"
	"github.com/agentcom/agentcom/pkg/log"
	"github.com/agentcom/agentcom/pkg/metrics"
	"github.com/agentcom/agentcom/pkg/presence"
	"github.com/agentcom/agentcom/pkg/queue"
	"github.com/agentcom/agentcom/pkg/ratelimit"
	"github.com/agentcom/agentcom/pkg/router"
	"github.com/agentcom/agentcom/pkg/scheduler"
	"github.com/agentcom/agentcom/pkg/storage"
	"github.com/agentcom/agentcom/pkg/token"
	"github.com/agentcom/agentcom/pkg/types"
)

// tickInterval drives the FSM's predicate evaluation.
const tickInterval = 10 * time.Second

// healWatchdog bounds one healing cycle.
const healWatchdog = 5 * time.Minute

// Hub wires every component together and drives the autonomous cycle.
type Hub struct {
	cfg *config.Config

	Store        *storage.Store
	Broker       *events.Broker
	Queue        *queue.Queue
	Presence     *presence.Cache
	Tokens       *token.Registry
	Supervisor   *agent.Supervisor
	Scheduler    *scheduler.Scheduler
	Router       *router.Router
	Limiter      *ratelimit.Limiter
	Ledger       *ledger.Ledger
	Goals        *goal.Orchestrator
	Health       *health.Aggregator
	FSM          *FSM
	LLM          llm.Client
	Coordinator  *storage.Coordinator
	Collector    *metrics.Collector

	lastImprovement time.Time
	healingMu       sync.Mutex

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a hub from configuration. Nothing starts until Start.
func New(cfg *config.Config) (*Hub, error) {
	store, err := storage.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	broker := events.NewBroker()

	q, err := queue.New(store, broker, cfg.MaxRetries)
	if err != nil {
		store.Close()
		return nil, err
	}

	tokens, err := token.NewRegistry(store)
	if err != nil {
		store.Close()
		return nil, err
	}

	pres := presence.NewCache()
	sup := agent.NewSupervisor(q, pres, broker, cfg.AcceptanceTimeout)

	rt, err := router.New(store, pres, router.Config{
		TTL: cfg.MailboxTTL,
		Cap: cfg.MailboxCap,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	led := ledger.New(cfg.Budgets)

	client := llm.NewHTTPClient(llm.Config{
		Model:   cfg.LLMModel,
		APIKey:  cfg.LLMAPIKey,
		BaseURL: cfg.LLMBaseURL,
		Timeout: cfg.LLMTimeout,
	})

	h := &Hub{
		cfg:        cfg,
		Store:      store,
		Broker:     broker,
		Queue:      q,
		Presence:   pres,
		Tokens:     tokens,
		Supervisor: sup,
		Router:     rt,
		Limiter:    ratelimit.New(cfg.RateLimitTiers),
		Ledger:     led,
		LLM:        client,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}

	h.Goals, err = goal.New(store, q, client, broker, led, goal.Config{
		RepoRoot: cfg.RepoRoot,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	h.Scheduler = scheduler.NewScheduler(q, pres, h, broker, scheduler.Config{
		SweepInterval:  cfg.StuckSweepInterval,
		StuckThreshold: cfg.StuckThreshold,
	})

	h.Health = health.NewAggregator(
		&health.StoreCheck{Store: store},
		&health.QueueCheck{Queue: q},
		&health.AgentCheck{Queue: q, Presence: pres},
	)

	h.Coordinator = storage.NewCoordinator(store, broker, storage.CoordinatorConfig{
		BackupDir:           cfg.BackupDir,
		BackupInterval:      cfg.BackupInterval,
		BackupRetention:     cfg.BackupRetention,
		CompactionInterval:  cfg.CompactionInterval,
		CompactionThreshold: cfg.CompactionThreshold,
		SyncInterval:        cfg.SyncInterval,
	})

	h.Collector = metrics.NewCollector(q, pres, rt)
	h.FSM = NewFSM(store, led)
	h.lastImprovement = time.Now()

	return h, nil
}

// Dispatch implements scheduler.Dispatcher: push an assigned task down
// the agent's session via its state machine.
func (h *Hub) Dispatch(agentID string, task *types.Task) error {
	m, ok := h.Supervisor.Lookup(agentID)
	if !ok {
		return fmt.Errorf("agent %s has no live session", agentID)
	}
	return m.Assign(task)
}

// Start brings every background loop up.
func (h *Hub) Start() {
	h.Broker.Start()
	h.Coordinator.Start()
	h.Collector.Start()
	h.Scheduler.Start()
	h.Goals.Start()
	go h.run()
	logger := log.WithComponent("hub")
	logger.Info().Msg("hub started")
}

// Stop shuts the loops down in reverse dependency order.
func (h *Hub) Stop() {
	close(h.stopCh)
	<-h.doneCh

	h.Goals.Stop()
	h.Scheduler.Stop()
	h.Supervisor.StopAll()
	h.Collector.Stop()
	h.Coordinator.Stop()
	h.Broker.Stop()
	logger := log.WithComponent("hub")
	if err := h.Store.Close(); err != nil {
		logger.Error().Err(err).Msg("store close failed")
	}
	logger.Info().Msg("hub stopped")
}

// run evaluates FSM predicates on a tick and watches for critical
// health events.
func (h *Hub) run() {
	defer close(h.doneCh)

	sub := h.Broker.Subscribe()
	defer h.Broker.Unsubscribe(sub)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	healthTicker := time.NewTicker(time.Minute)
	defer healthTicker.Stop()

	for {
		select {
		case <-ticker.C:
			h.tick()

		case <-healthTicker.C:
			report := h.Health.Run(context.Background())
			if report.Signal == health.SignalCritical {
				h.Broker.Publish(&events.Event{
					Type:    events.EventHealthCritical,
					Message: "health aggregator reported critical",
				})
			}

		case event, ok := <-sub:
			if !ok {
				return
			}
			switch event.Type {
			case events.EventHealthCritical, events.EventTableDegraded:
				h.enterHealing(event)
			case events.EventGoalSubmitted:
				h.onGoalSubmitted()
			}

		case <-h.stopCh:
			return
		}
	}
}

// tick runs one autonomous-transition evaluation.
func (h *Hub) tick() {
	if h.FSM.Paused() {
		return
	}

	switch h.FSM.State() {
	case types.HubResting:
		if h.Goals.Pending() > 0 {
			if err := h.FSM.Transition(types.HubExecuting, "pending goals"); err == nil {
				return
			}
		}
		if h.improvementDue() {
			if err := h.FSM.Transition(types.HubImproving, "scheduled improvement"); err == nil &&
				h.FSM.State() == types.HubImproving {
				h.lastImprovement = time.Now()
				go h.improve()
			}
		}

	case types.HubExecuting:
		if h.Goals.Pending() == 0 {
			h.FSM.Transition(types.HubResting, "no pending goals")
		} else if h.Ledger.CheckBudget(string(types.HubExecuting)) == ledger.VerdictExhausted {
			h.FSM.Transition(types.HubResting, "budget exhausted")
			h.Broker.Publish(&events.Event{Type: events.EventBudgetExhausted})
		}
	}
}

func (h *Hub) improvementDue() bool {
	if h.cfg.ImprovementInterval <= 0 {
		return false
	}
	return time.Since(h.lastImprovement) >= h.cfg.ImprovementInterval
}

// onGoalSubmitted pulls improving or contemplating back to executing
// when goals arrive mid-cycle.
func (h *Hub) onGoalSubmitted() {
	if h.FSM.Paused() {
		return
	}
	switch h.FSM.State() {
	case types.HubImproving, types.HubContemplating:
		h.FSM.Transition(types.HubExecuting, "goals submitted mid-cycle")
	case types.HubResting:
		h.FSM.Transition(types.HubExecuting, "pending goals")
	}
}

func (h *Hub) enterHealing(event *events.Event) {
	if h.FSM.State() == types.HubHealing {
		return
	}
	reason := string(event.Type)
	if event.Message != "" {
		reason = event.Message
	}
	if err := h.FSM.Transition(types.HubHealing, reason); err != nil {
		return
	}
	go h.heal(reason)
}
