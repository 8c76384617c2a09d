package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/agentcom/agentcom/pkg/goal"
	"github.com/agentcom/agentcom/pkg/queue"
	"github.com/agentcom/agentcom/pkg/ratelimit"
	"github.com/agentcom/agentcom/pkg/types"
)

type submitTaskRequest struct {
	Description        string            `json:"description"`
	Priority           string            `json:"priority"`
	SubmittedBy        string            `json:"submitted_by"`
	NeededCapabilities []string          `json:"needed_capabilities"`
	MaxRetries         int               `json:"max_retries"`
	Metadata           map[string]string `json:"metadata"`
	DependsOn          []string          `json:"depends_on"`
}

func (s *Server) handleSubmitTask(c *gin.Context) {
	var req submitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "malformed request body"})
		return
	}

	submittedBy := req.SubmittedBy
	if submittedBy == "" {
		submittedBy = "api"
	}
	task, err := s.hub.Queue.Submit(queue.SubmitRequest{
		Description:        req.Description,
		Priority:           types.Priority(req.Priority),
		SubmittedBy:        submittedBy,
		NeededCapabilities: req.NeededCapabilities,
		MaxRetries:         req.MaxRetries,
		Metadata:           req.Metadata,
		DependsOn:          req.DependsOn,
	})
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (s *Server) handleListTasks(c *gin.Context) {
	tasks := s.hub.Queue.List(queue.Filter{
		Status:     types.TaskStatus(c.Query("status")),
		Priority:   types.Priority(c.Query("priority")),
		AssignedTo: c.Query("assigned_to"),
		GoalID:     c.Query("goal_id"),
	})
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleGetTask(c *gin.Context) {
	task, err := s.hub.Queue.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, task)
}

// handleRetryTask requeues a dead-lettered task with a reset retry
// budget.
func (s *Server) handleRetryTask(c *gin.Context) {
	err := s.hub.Queue.DeadLetterRetry(c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "queued"})
	case errors.Is(err, queue.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
	default:
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	}
}

func (s *Server) handleListAgents(c *gin.Context) {
	agents := s.hub.Presence.List()
	c.JSON(http.StatusOK, gin.H{"agents": agents, "count": len(agents)})
}

func (s *Server) handleAgentState(c *gin.Context) {
	snap, ok := s.hub.Presence.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not connected"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// handleRestartAgent drops the agent's session. Its task is reclaimed
// on the way down and the agent reconnects fresh.
func (s *Server) handleRestartAgent(c *gin.Context) {
	agentID := c.Param("id")
	if _, ok := s.hub.Supervisor.Lookup(agentID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not connected"})
		return
	}
	if session, ok := s.sessions.Lookup(agentID); ok {
		session.close()
	}
	s.hub.Supervisor.Stop(agentID)
	c.JSON(http.StatusOK, gin.H{"status": "restarting"})
}

func (s *Server) handleSubmitGoal(c *gin.Context) {
	var req goal.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "malformed request body"})
		return
	}
	g, err := s.hub.Goals.Submit(req)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, g)
}

func (s *Server) handleListGoals(c *gin.Context) {
	goals := s.hub.Goals.List()
	c.JSON(http.StatusOK, gin.H{"goals": goals, "count": len(goals)})
}

func (s *Server) handleGetGoal(c *gin.Context) {
	g, err := s.hub.Goals.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "goal not found"})
		return
	}
	c.JSON(http.StatusOK, g)
}

func (s *Server) handleHubState(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"state":   s.hub.FSM.State(),
		"paused":  s.hub.FSM.Paused(),
		"history": s.hub.FSM.History(),
	})
}

func (s *Server) handlePause(paused bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.hub.FSM.SetPaused(paused)
		c.JSON(http.StatusOK, gin.H{"paused": paused})
	}
}

func (s *Server) handleHealingHistory(c *gin.Context) {
	records := s.hub.HealingHistory()
	c.JSON(http.StatusOK, gin.H{"healing": records, "count": len(records)})
}

func (s *Server) handleLedger(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ledger": s.hub.Ledger.Snapshot()})
}

func (s *Server) handleHealth(c *gin.Context) {
	report := s.hub.Health.Last()
	if report == nil {
		report = s.hub.Health.Run(context.Background())
	}
	status := http.StatusOK
	if report.Signal == "critical" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

func (s *Server) handleSchemas(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"schemas": ratelimit.Schemas()})
}

// handleMailbox returns the calling agent's queued messages since the
// given sequence.
func (s *Server) handleMailbox(c *gin.Context) {
	agentID := c.GetString("agent_id")

	var since uint64
	if raw := c.Query("since_seq"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "since_seq must be an unsigned integer"})
			return
		}
		since = v
	}

	entries, maxSeq, err := s.hub.Router.Poll(agentID, since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "mailbox unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": entries, "max_seq": maxSeq})
}

type tokenRequest struct {
	AgentID string `json:"agent_id"`
}

func (s *Server) handleGenerateToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.AgentID == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "agent_id is required"})
		return
	}
	token, err := s.hub.Tokens.Generate(req.AgentID)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"agent_id": req.AgentID, "token": token})
}

func (s *Server) handleListTokens(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tokens": s.hub.Tokens.List()})
}

func (s *Server) handleRevokeToken(c *gin.Context) {
	if err := s.hub.Tokens.Revoke(c.Param("agent_id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}
