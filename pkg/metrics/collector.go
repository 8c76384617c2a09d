package metrics

import (
	"time"

	"github.com/agentcom/agentcom/pkg/presence"
	"github.com/agentcom/agentcom/pkg/queue"
	"github.com/agentcom/agentcom/pkg/types"
)

// Collector periodically refreshes the gauge-style metrics that are
// cheaper to sample than to maintain incrementally.
type Collector struct {
	queue    *queue.Queue
	presence *presence.Cache
	mailbox  MailboxDepther
	stopCh   chan struct{}
}

// MailboxDepther reports total undelivered mailbox entries.
type MailboxDepther interface {
	Depth() int
}

// NewCollector creates a new metrics collector
func NewCollector(q *queue.Queue, pres *presence.Cache, mailbox MailboxDepther) *Collector {
	return &Collector{
		queue:    q,
		presence: pres,
		mailbox:  mailbox,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	for status, n := range c.queue.Counts() {
		TasksTotal.WithLabelValues(string(status)).Set(float64(n))
	}

	if c.mailbox != nil {
		MailboxDepth.Set(float64(c.mailbox.Depth()))
	}

	agents := c.presence.List()
	AgentsConnected.Set(float64(len(agents)))

	byState := make(map[types.AgentState]int)
	for _, a := range agents {
		byState[a.State]++
	}
	for _, state := range []types.AgentState{
		types.AgentIdle, types.AgentAssigned, types.AgentWorking, types.AgentBlocked,
	} {
		AgentsByState.WithLabelValues(string(state)).Set(float64(byState[state]))
	}
}

// SetHubState flips the hub state gauge so exactly one state reads 1.
func SetHubState(active types.HubState) {
	for _, s := range []types.HubState{
		types.HubResting, types.HubExecuting, types.HubImproving,
		types.HubContemplating, types.HubHealing,
	} {
		v := 0.0
		if s == active {
			v = 1.0
		}
		HubState.WithLabelValues(string(s)).Set(v)
	}
}
