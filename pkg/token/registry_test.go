package token

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcom/agentcom/pkg/storage"
)

func newRegistry(t *testing.T) (*Registry, *storage.Store) {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg, err := NewRegistry(store)
	require.NoError(t, err)
	return reg, store
}

func TestGenerateVerifyRevoke(t *testing.T) {
	reg, _ := newRegistry(t)

	tok, err := reg.Generate("agent-a")
	require.NoError(t, err)
	assert.Len(t, tok, 64) // 32 random bytes hex-encoded

	agentID, ok := reg.Verify(tok)
	assert.True(t, ok)
	assert.Equal(t, "agent-a", agentID)

	require.NoError(t, reg.Revoke("agent-a"))
	_, ok = reg.Verify(tok)
	assert.False(t, ok, "revoked token must not verify")
}

func TestGenerateDuplicateFails(t *testing.T) {
	reg, _ := newRegistry(t)

	_, err := reg.Generate("agent-a")
	require.NoError(t, err)

	_, err = reg.Generate("agent-a")
	assert.ErrorIs(t, err, ErrAgentExists)
}

func TestVerifyUnknownToken(t *testing.T) {
	reg, _ := newRegistry(t)
	_, ok := reg.Verify("not-a-token")
	assert.False(t, ok)
}

func TestTokensSurviveRestart(t *testing.T) {
	dir := t.TempDir()

	store, err := storage.Open(dir)
	require.NoError(t, err)
	reg, err := NewRegistry(store)
	require.NoError(t, err)

	tok, err := reg.Generate("agent-a")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = storage.Open(dir)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	reg, err = NewRegistry(store)
	require.NoError(t, err)

	agentID, ok := reg.Verify(tok)
	assert.True(t, ok)
	assert.Equal(t, "agent-a", agentID)
}

func TestListRedactsTokens(t *testing.T) {
	reg, _ := newRegistry(t)

	tok, err := reg.Generate("agent-a")
	require.NoError(t, err)

	creds := reg.List()
	require.Len(t, creds, 1)
	assert.NotEqual(t, tok, creds[0].Token)
	assert.Contains(t, creds[0].Token, "...")
}
