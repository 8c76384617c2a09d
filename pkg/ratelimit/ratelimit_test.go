package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/agentcom/agentcom/pkg/config"
)

func testTiers() map[string]config.RateTier {
	return map[string]config.RateTier{
		"default": {Rate: 1, Burst: 2},
	}
}

func TestAllowWithinBurst(t *testing.T) {
	l := New(testTiers())

	assert.NoError(t, l.Allow("agent-a", "default"))
	assert.NoError(t, l.Allow("agent-a", "default"))
}

func TestDenialEscalatesCooldown(t *testing.T) {
	l := New(testTiers())

	// Exhaust the burst, then trip a violation.
	_ = l.Allow("agent-a", "default")
	_ = l.Allow("agent-a", "default")
	err := l.Allow("agent-a", "default")
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 1, l.Violations("agent-a"))

	// While cooling down, requests are gated outright.
	err = l.Allow("agent-a", "default")
	assert.ErrorIs(t, err, ErrCoolingDown)

	wait, cooling := l.Cooldown("agent-a")
	assert.True(t, cooling)
	assert.Greater(t, wait, 25*time.Second)
	assert.LessOrEqual(t, wait, 30*time.Second)
}

func TestIdentitiesAreIndependent(t *testing.T) {
	l := New(testTiers())

	_ = l.Allow("agent-a", "default")
	_ = l.Allow("agent-a", "default")
	_ = l.Allow("agent-a", "default") // violation

	assert.NoError(t, l.Allow("agent-b", "default"))
}

func TestReset(t *testing.T) {
	l := New(testTiers())

	_ = l.Allow("agent-a", "default")
	_ = l.Allow("agent-a", "default")
	_ = l.Allow("agent-a", "default")
	assert.Equal(t, 1, l.Violations("agent-a"))

	l.Reset("agent-a")
	assert.Equal(t, 0, l.Violations("agent-a"))
	_, cooling := l.Cooldown("agent-a")
	assert.False(t, cooling)
}
