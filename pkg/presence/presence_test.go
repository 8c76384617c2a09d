package presence

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentcom/agentcom/pkg/types"
)

func TestUpdateGetRemove(t *testing.T) {
	c := NewCache()

	c.Update(&types.AgentSnapshot{AgentID: "a", State: types.AgentIdle})

	snap, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, types.AgentIdle, snap.State)

	c.Remove("a")
	_, ok = c.Get("a")
	assert.False(t, ok)
}

func TestIdleFiltersByState(t *testing.T) {
	c := NewCache()
	c.Update(&types.AgentSnapshot{AgentID: "a", State: types.AgentIdle})
	c.Update(&types.AgentSnapshot{AgentID: "b", State: types.AgentWorking})
	c.Update(&types.AgentSnapshot{AgentID: "c", State: types.AgentIdle})

	idle := c.Idle()
	assert.Len(t, idle, 2)
	for _, snap := range idle {
		assert.Equal(t, types.AgentIdle, snap.State)
	}
}

func TestSnapshotsAreCopies(t *testing.T) {
	c := NewCache()
	c.Update(&types.AgentSnapshot{AgentID: "a", State: types.AgentIdle})

	snap, _ := c.Get("a")
	snap.State = types.AgentBlocked

	again, _ := c.Get("a")
	assert.Equal(t, types.AgentIdle, again.State, "mutating a returned snapshot must not affect the cache")
}
