package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcom/agentcom/pkg/config"
	"github.com/agentcom/agentcom/pkg/hub"
	"github.com/agentcom/agentcom/pkg/log"
	"github.com/agentcom/agentcom/pkg/queue"
	"github.com/agentcom/agentcom/pkg/types"
)

const testAdminToken = "test-admin-token"

func testServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.BackupDir = cfg.DataDir + "/backups"
	cfg.ProposalsDir = cfg.DataDir + "/proposals"
	cfg.AdminToken = testAdminToken
	// Generous limits so tests never trip the limiter.
	cfg.RateLimitTiers = map[string]config.RateTier{
		"default":   {Rate: 1000, Burst: 1000},
		"messaging": {Rate: 1000, Burst: 1000},
		"admin":     {Rate: 1000, Burst: 1000},
	}

	h, err := hub.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { h.Store.Close() })

	return NewServer(h, cfg)
}

func doJSON(s *Server, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func TestSubmitAndGetTask(t *testing.T) {
	s := testServer(t)

	w := doJSON(s, http.MethodPost, "/tasks", map[string]interface{}{
		"description": "write the report",
		"priority":    "high",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	var task types.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &task))
	assert.Equal(t, types.TaskQueued, task.Status)
	assert.Equal(t, types.PriorityHigh, task.Priority)

	w = doJSON(s, http.MethodGet, "/tasks/"+task.ID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(s, http.MethodGet, "/tasks/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubmitTaskValidation(t *testing.T) {
	s := testServer(t)

	w := doJSON(s, http.MethodPost, "/tasks", map[string]interface{}{
		"priority": "high",
	}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = doJSON(s, http.MethodPost, "/tasks", map[string]interface{}{
		"description": "x",
		"priority":    "mega-urgent",
	}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestListTasksFilters(t *testing.T) {
	s := testServer(t)

	for i := 0; i < 3; i++ {
		w := doJSON(s, http.MethodPost, "/tasks", map[string]interface{}{
			"description": fmt.Sprintf("task %d", i),
		}, nil)
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := doJSON(s, http.MethodGet, "/tasks?status=queued", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Count)

	w = doJSON(s, http.MethodGet, "/tasks?status=completed", nil, nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Count)
}

func TestDeadLetterRetryEndpoint(t *testing.T) {
	s := testServer(t)

	task, err := s.hub.Queue.Submit(queue.SubmitRequest{Description: "doomed", MaxRetries: 1})
	require.NoError(t, err)

	// Drive it to dead letter directly through the queue.
	stamped, err := s.hub.Queue.Assign(task.ID, "agent-1")
	require.NoError(t, err)
	require.NoError(t, s.hub.Queue.Fail(task.ID, stamped.Generation, "boom"))
	stamped, err = s.hub.Queue.Assign(task.ID, "agent-1")
	require.NoError(t, err)
	require.NoError(t, s.hub.Queue.Fail(task.ID, stamped.Generation, "boom again"))

	got, err := s.hub.Queue.Get(task.ID)
	require.NoError(t, err)
	require.Equal(t, types.TaskDeadLetter, got.Status)

	w := doJSON(s, http.MethodPost, "/tasks/"+task.ID+"/retry", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	got, err = s.hub.Queue.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskQueued, got.Status)

	w = doJSON(s, http.MethodPost, "/tasks/ghost/retry", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTokenAdminRequiresAuth(t *testing.T) {
	s := testServer(t)

	w := doJSON(s, http.MethodPost, "/admin/tokens", map[string]string{"agent_id": "a1"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(s, http.MethodPost, "/admin/tokens", map[string]string{"agent_id": "a1"},
		map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	auth := map[string]string{"Authorization": "Bearer " + testAdminToken}
	w = doJSON(s, http.MethodPost, "/admin/tokens", map[string]string{"agent_id": "a1"}, auth)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Token, 64)

	// Duplicate issuance is rejected; rotation goes through revoke.
	w = doJSON(s, http.MethodPost, "/admin/tokens", map[string]string{"agent_id": "a1"}, auth)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = doJSON(s, http.MethodDelete, "/admin/tokens/a1", nil, auth)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(s, http.MethodPost, "/admin/tokens", map[string]string{"agent_id": "a1"}, auth)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestSchemasEndpoint(t *testing.T) {
	s := testServer(t)

	w := doJSON(s, http.MethodGet, "/schemas", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "identify")
	assert.Contains(t, w.Body.String(), "task_accepted")
}

func TestHubStateAndPause(t *testing.T) {
	s := testServer(t)

	w := doJSON(s, http.MethodGet, "/hub/state", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "resting")

	w = doJSON(s, http.MethodPost, "/hub/pause", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, s.hub.FSM.Paused())

	w = doJSON(s, http.MethodPost, "/hub/resume", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, s.hub.FSM.Paused())
}

func TestAgentEndpoints(t *testing.T) {
	s := testServer(t)

	w := doJSON(s, http.MethodGet, "/agents", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(s, http.MethodGet, "/agents/ghost/state", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(s, http.MethodPost, "/agents/ghost/restart", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMailboxRequiresAgentToken(t *testing.T) {
	s := testServer(t)

	w := doJSON(s, http.MethodGet, "/mailbox", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := s.hub.Tokens.Generate("agent-1")
	require.NoError(t, err)

	require.NoError(t, s.hub.Router.Route(&types.Message{
		From: "agent-2", To: "agent-1", Payload: "hello",
	}))

	w = doJSON(s, http.MethodGet, "/mailbox", nil,
		map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "hello")
}

// nextFrame pops the next queued outbound frame without a write pump.
func nextFrame(t *testing.T, sess *AgentSession) frame {
	t.Helper()
	select {
	case f := <-sess.sendCh:
		return f
	case <-time.After(time.Second):
		t.Fatal("no frame queued")
		return nil
	}
}

func TestReconcileResumesSurvivingTask(t *testing.T) {
	s := testServer(t)

	task, err := s.hub.Queue.Submit(queue.SubmitRequest{Description: "long migration"})
	require.NoError(t, err)
	stamped, err := s.hub.Queue.Assign(task.ID, "agent-1")
	require.NoError(t, err)
	require.NoError(t, s.hub.Queue.MarkWorking(task.ID, "agent-1", stamped.Generation))
	before, err := s.hub.Queue.Get(task.ID)
	require.NoError(t, err)

	sess := newAgentSession("agent-1", nil, s)
	s.sessions.add(sess)
	s.hub.Supervisor.Start("agent-1", "agent-1", nil, sess)
	t.Cleanup(func() { s.hub.Supervisor.Stop("agent-1") })

	time.Sleep(5 * time.Millisecond)
	sess.reconcile(frame{
		"active_task_id": task.ID,
		"generation":     float64(before.Generation),
		"status":         "working",
	}, log.WithAgentID("agent-1"))

	ack := nextFrame(t, sess)
	assert.Equal(t, "state_report_ack", ack["type"])
	assert.Equal(t, "continue", ack["decision"])
	cont := nextFrame(t, sess)
	assert.Equal(t, "task_continue", cont["type"])

	// The machine is back on the task, so the scheduler sees a busy
	// agent instead of an idle one it would double-assign.
	snap, ok := s.hub.Presence.Get("agent-1")
	require.True(t, ok)
	assert.Equal(t, types.AgentWorking, snap.State)
	assert.Equal(t, task.ID, snap.CurrentTaskID)

	// And the queue stamp moved, keeping the task out of the stuck sweep.
	after, err := s.hub.Queue.Get(task.ID)
	require.NoError(t, err)
	assert.Greater(t, after.UpdatedAt, before.UpdatedAt)
}

func TestReconcileAbortsOnStaleGeneration(t *testing.T) {
	s := testServer(t)

	task, err := s.hub.Queue.Submit(queue.SubmitRequest{Description: "contested"})
	require.NoError(t, err)
	stamped, err := s.hub.Queue.Assign(task.ID, "agent-1")
	require.NoError(t, err)

	sess := newAgentSession("agent-1", nil, s)
	s.sessions.add(sess)
	s.hub.Supervisor.Start("agent-1", "agent-1", nil, sess)
	t.Cleanup(func() { s.hub.Supervisor.Stop("agent-1") })

	sess.reconcile(frame{
		"active_task_id": task.ID,
		"generation":     float64(stamped.Generation + 1),
		"status":         "working",
	}, log.WithAgentID("agent-1"))

	ack := nextFrame(t, sess)
	assert.Equal(t, "state_report_ack", ack["type"])
	assert.Equal(t, "abort", ack["decision"])
	re := nextFrame(t, sess)
	assert.Equal(t, "task_reassign", re["type"])

	snap, ok := s.hub.Presence.Get("agent-1")
	require.True(t, ok)
	assert.Equal(t, types.AgentIdle, snap.State)
}

func TestSubscribeFrameJoinsChannel(t *testing.T) {
	s := testServer(t)
	logger := log.WithAgentID("agent-1")

	sess := newAgentSession("agent-1", nil, s)
	s.sessions.add(sess)

	sess.dispatch("subscribe", frame{"channel": "deploys"}, logger)
	require.NoError(t, s.hub.Router.Route(&types.Message{
		From: "agent-2", Channel: "deploys", Payload: "rollout done",
	}))

	f := nextFrame(t, sess)
	assert.Equal(t, "message", f["type"])
	assert.Equal(t, "deploys", f["channel"])
	assert.Equal(t, "rollout done", f["payload"])

	sess.dispatch("unsubscribe", frame{"channel": "deploys"}, logger)
	require.NoError(t, s.hub.Router.Route(&types.Message{
		From: "agent-2", Channel: "deploys", Payload: "second rollout",
	}))
	assert.Empty(t, sess.sendCh)
}

func TestStaleSessionRemovalKeepsReplacement(t *testing.T) {
	s := testServer(t)

	old := newAgentSession("agent-1", nil, s)
	s.sessions.add(old)
	replacement := newAgentSession("agent-1", nil, s)
	s.sessions.add(replacement)

	// The replaced session's teardown must not claim the agent's slot.
	assert.False(t, s.sessions.remove(old))
	got, ok := s.sessions.Lookup("agent-1")
	require.True(t, ok)
	assert.Same(t, replacement, got)

	assert.True(t, s.sessions.remove(replacement))
	_, ok = s.sessions.Lookup("agent-1")
	assert.False(t, ok)
}
