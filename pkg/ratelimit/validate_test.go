package ratelimit

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateIdentifyFrame(t *testing.T) {
	frameType, err := ValidateFrame(map[string]interface{}{
		"type":         "identify",
		"agent_id":     "agent-a",
		"token":        "abc123",
		"name":         "builder",
		"capabilities": []interface{}{"code", "git"},
	})
	assert.Nil(t, err)
	assert.Equal(t, "identify", frameType)
}

func TestValidateRejectsMissingRequired(t *testing.T) {
	_, err := ValidateFrame(map[string]interface{}{
		"type":    "task_accepted",
		"task_id": "t1",
		// generation missing
	})
	require.NotNil(t, err)
	assert.Equal(t, "generation", err.Field)
}

func TestValidateRejectsUnknownType(t *testing.T) {
	_, err := ValidateFrame(map[string]interface{}{"type": "teleport"})
	require.NotNil(t, err)
	assert.Contains(t, err.Detail, "unknown")
}

func TestValidateRejectsWrongKind(t *testing.T) {
	_, err := ValidateFrame(map[string]interface{}{
		"type":       "task_accepted",
		"task_id":    "t1",
		"generation": "one", // must be an integer
	})
	require.NotNil(t, err)
	assert.Equal(t, "generation", err.Field)
}

func TestValidateRejectsNonIntegralGeneration(t *testing.T) {
	_, err := ValidateFrame(map[string]interface{}{
		"type":       "task_accepted",
		"task_id":    "t1",
		"generation": 1.5,
	})
	require.NotNil(t, err)
}

func TestValidateEnforcesLengthBound(t *testing.T) {
	_, err := ValidateFrame(map[string]interface{}{
		"type":     "identify",
		"agent_id": strings.Repeat("x", 200),
		"token":    "abc",
	})
	require.NotNil(t, err)
	assert.Equal(t, "agent_id", err.Field)
}

func TestValidateEnforcesEnum(t *testing.T) {
	_, err := ValidateFrame(map[string]interface{}{
		"type":   "state_report",
		"status": "levitating",
	})
	require.NotNil(t, err)
	assert.Equal(t, "status", err.Field)
}

func TestHeartbeatHasNoRequiredFields(t *testing.T) {
	_, err := ValidateFrame(map[string]interface{}{"type": "heartbeat"})
	assert.Nil(t, err)
}

func TestSchemasExposed(t *testing.T) {
	schemas := Schemas()
	assert.NotEmpty(t, schemas)
	byType := make(map[string]bool)
	for _, s := range schemas {
		byType[s.Type] = true
	}
	assert.True(t, byType["identify"])
	assert.True(t, byType["task_complete"])
}

func TestValidateSubscribeFrames(t *testing.T) {
	frameType, err := ValidateFrame(map[string]interface{}{
		"type":    "subscribe",
		"channel": "deploys",
	})
	assert.Nil(t, err)
	assert.Equal(t, "subscribe", frameType)

	_, err = ValidateFrame(map[string]interface{}{"type": "unsubscribe"})
	require.NotNil(t, err)
	assert.Equal(t, "channel", err.Field)
}
