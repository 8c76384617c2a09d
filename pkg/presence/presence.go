package presence

import (
	"sync"

	"github.com/agentcom/agentcom/pkg/types"
)

// Cache is the in-memory index of currently connected agents. Agent state
// machines push a snapshot on every state change and remove their entry
// on termination; everything else (scheduler, control surface) only reads.
type Cache struct {
	mu     sync.RWMutex
	agents map[string]*types.AgentSnapshot
}

// NewCache creates an empty presence cache.
func NewCache() *Cache {
	return &Cache{
		agents: make(map[string]*types.AgentSnapshot),
	}
}

// Update publishes an agent's latest snapshot.
func (c *Cache) Update(snap *types.AgentSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *snap
	c.agents[snap.AgentID] = &cp
}

// Remove drops an agent from the index.
func (c *Cache) Remove(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.agents, agentID)
}

// Get returns a copy of one agent's snapshot.
func (c *Cache) Get(agentID string) (*types.AgentSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.agents[agentID]
	if !ok {
		return nil, false
	}
	cp := *snap
	return &cp, true
}

// List returns copies of all connected agents' snapshots.
func (c *Cache) List() []*types.AgentSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*types.AgentSnapshot, 0, len(c.agents))
	for _, snap := range c.agents {
		cp := *snap
		out = append(out, &cp)
	}
	return out
}

// Idle returns copies of the snapshots of agents currently in the idle
// state. The scheduler's candidate pool.
func (c *Cache) Idle() []*types.AgentSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*types.AgentSnapshot
	for _, snap := range c.agents {
		if snap.State == types.AgentIdle {
			cp := *snap
			out = append(out, &cp)
		}
	}
	return out
}

// Count returns the number of connected agents.
func (c *Cache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.agents)
}
