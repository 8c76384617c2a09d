package router

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcom/agentcom/pkg/presence"
	"github.com/agentcom/agentcom/pkg/storage"
	"github.com/agentcom/agentcom/pkg/types"
)

// fakeSender records deliveries for agents marked connected.
type fakeSender struct {
	mu        sync.Mutex
	connected map[string]bool
	delivered map[string][]*types.Message
}

func newFakeSender(connected ...string) *fakeSender {
	s := &fakeSender{
		connected: make(map[string]bool),
		delivered: make(map[string][]*types.Message),
	}
	for _, id := range connected {
		s.connected[id] = true
	}
	return s
}

func (s *fakeSender) SendMessage(agentID string, msg *types.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected[agentID] {
		return false
	}
	s.delivered[agentID] = append(s.delivered[agentID], msg)
	return true
}

func (s *fakeSender) count(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delivered[agentID])
}

func newRouter(t *testing.T, cfg Config) (*Router, *presence.Cache) {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	pres := presence.NewCache()
	r, err := New(store, pres, cfg)
	require.NoError(t, err)
	return r, pres
}

func TestDirectDeliveryToConnectedAgent(t *testing.T) {
	r, _ := newRouter(t, Config{})
	sender := newFakeSender("agent-b")
	r.SetSender(sender)

	err := r.Route(&types.Message{From: "agent-a", To: "agent-b", Payload: "hi"})
	require.NoError(t, err)

	assert.Equal(t, 1, sender.count("agent-b"))
	assert.Equal(t, 0, r.Pending("agent-b"), "delivered messages must not queue")
}

func TestDirectDeliveryQueuesWhenOffline(t *testing.T) {
	r, _ := newRouter(t, Config{})
	r.SetSender(newFakeSender()) // nobody connected

	require.NoError(t, r.Route(&types.Message{From: "a", To: "b", Payload: "one"}))
	require.NoError(t, r.Route(&types.Message{From: "a", To: "b", Payload: "two"}))

	msgs, maxSeq, err := r.Poll("b", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", msgs[0].Message.Payload)
	assert.Equal(t, "two", msgs[1].Message.Payload)
	assert.Equal(t, uint64(2), maxSeq)

	// Polling from maxSeq returns nothing new.
	msgs, _, err = r.Poll("b", maxSeq)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestBroadcastSkipsSender(t *testing.T) {
	r, pres := newRouter(t, Config{})
	sender := newFakeSender("agent-a", "agent-b", "agent-c")
	r.SetSender(sender)

	for _, id := range []string{"agent-a", "agent-b", "agent-c"} {
		pres.Update(&types.AgentSnapshot{AgentID: id, State: types.AgentIdle})
	}

	require.NoError(t, r.Route(&types.Message{From: "agent-a", Payload: "all hands"}))

	assert.Equal(t, 0, sender.count("agent-a"))
	assert.Equal(t, 1, sender.count("agent-b"))
	assert.Equal(t, 1, sender.count("agent-c"))
}

func TestChannelDelivery(t *testing.T) {
	r, _ := newRouter(t, Config{})
	sender := newFakeSender("agent-b")
	r.SetSender(sender)

	r.Subscribe("agent-b", "builds")
	r.Subscribe("agent-c", "builds") // offline: falls back to mailbox

	require.NoError(t, r.Route(&types.Message{From: "agent-a", Channel: "builds", Payload: "green"}))

	assert.Equal(t, 1, sender.count("agent-b"))
	assert.Equal(t, 1, r.Pending("agent-c"))

	r.UnsubscribeAll("agent-c")
	require.NoError(t, r.Route(&types.Message{From: "agent-a", Channel: "builds", Payload: "red"}))
	assert.Equal(t, 1, r.Pending("agent-c"), "unsubscribed agent receives nothing new")
}

func TestMailboxFIFOCap(t *testing.T) {
	r, _ := newRouter(t, Config{Cap: 3})

	for i := 0; i < 5; i++ {
		require.NoError(t, r.Route(&types.Message{From: "a", To: "b", Payload: string(rune('a' + i))}))
	}

	msgs, _, err := r.Poll("b", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3, "cap must drop oldest entries")
	assert.Equal(t, "c", msgs[0].Message.Payload)
	assert.Equal(t, "e", msgs[2].Message.Payload)
}

func TestMailboxTTLEviction(t *testing.T) {
	r, _ := newRouter(t, Config{TTL: time.Millisecond})

	old := &types.Message{From: "a", To: "b", Payload: "stale", Timestamp: types.NowMillis() - 10_000}
	require.NoError(t, r.Route(old))

	msgs, _, err := r.Poll("b", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs, "expired entries are evicted on poll")
	assert.Equal(t, 0, r.Pending("b"))
}

func TestSequencesSurviveRestart(t *testing.T) {
	dir := t.TempDir()

	store, err := storage.Open(dir)
	require.NoError(t, err)
	r, err := New(store, presence.NewCache(), Config{})
	require.NoError(t, err)
	require.NoError(t, r.Route(&types.Message{From: "a", To: "b", Payload: "one"}))
	require.NoError(t, store.Close())

	store, err = storage.Open(dir)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	r, err = New(store, presence.NewCache(), Config{})
	require.NoError(t, err)

	require.NoError(t, r.Route(&types.Message{From: "a", To: "b", Payload: "two"}))

	msgs, maxSeq, err := r.Poll("b", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, uint64(2), maxSeq, "sequence numbering continues after restart")
}
