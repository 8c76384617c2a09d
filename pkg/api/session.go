package api

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/agentcom/agentcom/pkg/log"
	"github.com/agentcom/agentcom/pkg/queue"
	"github.com/agentcom/agentcom/pkg/ratelimit"
	"github.com/agentcom/agentcom/pkg/types"
)

const (
	// identifyDeadline bounds how long a fresh connection may stall
	// before sending identify.
	identifyDeadline = 10 * time.Second

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxFrameSize = 128 * 1024

	sendBuffer = 64
)

// SessionManager tracks live agent sessions and implements the
// router's Sender so direct and broadcast messages reach connected
// agents.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*AgentSession
}

// NewSessionManager creates an empty session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{sessions: make(map[string]*AgentSession)}
}

// SendMessage implements router.Sender.
func (m *SessionManager) SendMessage(agentID string, msg *types.Message) bool {
	m.mu.Lock()
	s := m.sessions[agentID]
	m.mu.Unlock()
	if s == nil {
		return false
	}
	return s.send(frame{
		"type":      "message",
		"from":      msg.From,
		"channel":   msg.Channel,
		"payload":   msg.Payload,
		"thread_id": msg.ThreadID,
		"timestamp": msg.Timestamp,
	})
}

// Lookup returns a live session.
func (m *SessionManager) Lookup(agentID string) (*AgentSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[agentID]
	return s, ok
}

func (m *SessionManager) add(s *AgentSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.agentID] = s
}

// remove drops the session if it is still the agent's current one.
// Returns false when a newer session has already replaced it, so
// teardown for the old session must not touch the agent's shared state.
func (m *SessionManager) remove(s *AgentSession) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.agentID] == s {
		delete(m.sessions, s.agentID)
		return true
	}
	return false
}

type frame map[string]interface{}

// AgentSession is one authenticated websocket connection. It implements
// the agent state machine's Session: pushed tasks go out through the
// write pump and Done closes when the connection dies for any reason.
type AgentSession struct {
	agentID string
	conn    *websocket.Conn
	server  *Server

	sendCh   chan frame
	done     chan struct{}
	doneOnce sync.Once

	// lastTaskID/lastGen mirror the most recent push for
	// defense-in-depth generation checks; the queue remains the
	// authority.
	mu         sync.Mutex
	lastTaskID string
	lastGen    int
}

func newAgentSession(agentID string, conn *websocket.Conn, server *Server) *AgentSession {
	return &AgentSession{
		agentID: agentID,
		conn:    conn,
		server:  server,
		sendCh:  make(chan frame, sendBuffer),
		done:    make(chan struct{}),
	}
}

// PushTask implements agent.Session.
func (s *AgentSession) PushTask(task *types.Task) bool {
	s.mu.Lock()
	s.lastTaskID = task.ID
	s.lastGen = task.Generation
	s.mu.Unlock()

	return s.send(frame{
		"type":                "push_task",
		"task_id":             task.ID,
		"description":         task.Description,
		"generation":          task.Generation,
		"metadata":            task.Metadata,
		"needed_capabilities": task.NeededCapabilities,
		"verification_steps":  task.VerificationSteps,
	})
}

// Done implements agent.Session.
func (s *AgentSession) Done() <-chan struct{} { return s.done }

// send queues a frame for the write pump. False means the session is
// closing or its buffer is full; callers treat both as a dead session.
func (s *AgentSession) send(f frame) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.sendCh <- f:
		return true
	case <-s.done:
		return false
	default:
		return false
	}
}

func (s *AgentSession) close() {
	s.doneOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// writePump serializes all writes to the connection and keeps the ping
// cadence.
func (s *AgentSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer s.close()

	for {
		select {
		case f := <-s.sendCh:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// readLoop validates and dispatches inbound frames until the connection
// dies.
func (s *AgentSession) readLoop() {
	defer s.close()
	logger := log.WithAgentID(s.agentID)

	s.conn.SetReadLimit(maxFrameSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug().Err(err).Msg("session read error")
			}
			return
		}

		if err := s.server.hub.Limiter.Allow(s.agentID, "messaging"); err != nil {
			s.sendError("rate_limited", err.Error())
			if errors.Is(err, ratelimit.ErrCoolingDown) {
				return
			}
			continue
		}

		var f map[string]interface{}
		if err := json.Unmarshal(data, &f); err != nil {
			s.sendError("malformed_frame", "frame is not a JSON object")
			continue
		}
		frameType, verr := ratelimit.ValidateFrame(f)
		if verr != nil {
			s.sendError("invalid_frame", verr.Error())
			continue
		}

		s.dispatch(frameType, f, logger)
	}
}

func (s *AgentSession) sendError(code, details string) {
	s.send(frame{"type": "error", "code": code, "details": details})
}

// dispatch applies one validated frame. Stale generations are discarded
// silently per the error contract: log at info, change nothing.
func (s *AgentSession) dispatch(frameType string, f frame, logger zerolog.Logger) {
	h := s.server.hub

	switch frameType {
	case "task_accepted":
		taskID, gen := str(f, "task_id"), intval(f, "generation")
		if !s.generationCurrent(taskID, gen) {
			logger.Info().Str("task_id", taskID).Int("generation", gen).Msg("discarding stale task_accepted")
			return
		}
		if err := h.Queue.MarkWorking(taskID, s.agentID, gen); err != nil {
			if errors.Is(err, queue.ErrStaleGeneration) {
				logger.Info().Str("task_id", taskID).Msg("discarding stale task_accepted")
				return
			}
			s.sendError("task_accepted_rejected", err.Error())
			return
		}
		if m, ok := h.Supervisor.Lookup(s.agentID); ok {
			m.Accepted(taskID)
		}

	case "task_complete":
		taskID, gen := str(f, "task_id"), intval(f, "generation")
		if err := h.Queue.Complete(taskID, gen, str(f, "result")); err != nil {
			if errors.Is(err, queue.ErrStaleGeneration) {
				logger.Info().Str("task_id", taskID).Msg("discarding stale task_complete")
				return
			}
			s.sendError("task_complete_rejected", err.Error())
			return
		}
		if m, ok := h.Supervisor.Lookup(s.agentID); ok {
			m.TaskFinished(taskID)
		}

	case "task_failed":
		taskID, gen := str(f, "task_id"), intval(f, "generation")
		if err := h.Queue.Fail(taskID, gen, str(f, "reason")); err != nil {
			if errors.Is(err, queue.ErrStaleGeneration) {
				logger.Info().Str("task_id", taskID).Msg("discarding stale task_failed")
				return
			}
			s.sendError("task_failed_rejected", err.Error())
			return
		}
		m, ok := h.Supervisor.Lookup(s.agentID)
		if !ok {
			return
		}
		// Exhausted retries park the agent; a retryable failure frees it.
		if task, err := h.Queue.Get(taskID); err == nil && task.Status == types.TaskDeadLetter {
			m.TaskBlocked(taskID)
		} else {
			m.TaskFinished(taskID)
		}

	case "state_report":
		s.reconcile(f, logger)

	case "heartbeat":
		// Application-level liveness: push the read deadline the same
		// way a pong would.
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		logger.Debug().Msg("heartbeat")

	case "wake_result":
		if !boolval(f, "success") {
			logger.Warn().
				Str("task_id", str(f, "task_id")).
				Str("error", str(f, "error")).
				Msg("agent wake failed")
		}

	case "subscribe":
		h.Router.Subscribe(s.agentID, str(f, "channel"))

	case "unsubscribe":
		h.Router.Unsubscribe(s.agentID, str(f, "channel"))

	case "message":
		msg := &types.Message{
			From:      s.agentID,
			To:        str(f, "to"),
			Channel:   str(f, "channel"),
			Payload:   str(f, "payload"),
			ThreadID:  str(f, "thread_id"),
			Timestamp: types.NowMillis(),
		}
		if err := h.Router.Route(msg); err != nil {
			s.sendError("routing_failed", err.Error())
		}
	}
}

// reconcile answers a state_report, typically after a reconnect. The
// agent may continue only if the queue still shows its task assigned to
// it under the same generation; anything else aborts the agent's local
// work.
func (s *AgentSession) reconcile(f frame, logger zerolog.Logger) {
	taskID := str(f, "active_task_id")
	gen := intval(f, "generation")

	decision := "abort"
	if taskID != "" {
		task, err := s.server.hub.Queue.Get(taskID)
		if err == nil &&
			task.AssignedTo == s.agentID &&
			task.Generation == gen &&
			(task.Status == types.TaskAssigned || task.Status == types.TaskWorking) {
			decision = "continue"
			s.mu.Lock()
			s.lastTaskID = taskID
			s.lastGen = gen
			s.mu.Unlock()

			// Resume the machine onto the task and refresh the queue
			// stamp, or the scheduler would double-assign the agent and
			// the stuck sweep would reclaim the task mid-flight.
			if err := s.server.hub.Queue.Touch(taskID); err != nil {
				logger.Warn().Str("task_id", taskID).Err(err).Msg("failed to touch resumed task")
			}
			if m, ok := s.server.hub.Supervisor.Lookup(s.agentID); ok {
				if err := m.Resume(task); err != nil {
					logger.Warn().Str("task_id", taskID).Err(err).Msg("failed to resume agent machine")
				}
			}
		}
	} else if str(f, "status") == "idle" {
		decision = "continue"
	}

	logger.Info().
		Str("task_id", taskID).
		Str("decision", decision).
		Msg("state report reconciled")
	s.send(frame{"type": "state_report_ack", "decision": decision})

	if decision == "abort" {
		s.send(frame{"type": "task_reassign", "task_id": taskID})
	} else if taskID != "" {
		s.send(frame{"type": "task_continue", "task_id": taskID})
	}
}

// generationCurrent is the session-local defense-in-depth check against
// acks for pushes this session never made.
func (s *AgentSession) generationCurrent(taskID string, gen int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastTaskID == "" {
		// Nothing pushed on this session (e.g. fresh reconnect); defer
		// to the queue's authoritative check.
		return true
	}
	return s.lastTaskID == taskID && s.lastGen == gen
}

func str(f frame, key string) string {
	v, _ := f[key].(string)
	return v
}

func intval(f frame, key string) int {
	v, _ := f[key].(float64)
	return int(v)
}

func boolval(f frame, key string) bool {
	v, _ := f[key].(bool)
	return v
}
