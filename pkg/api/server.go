package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/agentcom/agentcom/pkg/config"
	"github.com/agentcom/agentcom/pkg/hub"
	"github.com/agentcom/agentcom/pkg/log"
	"github.com/agentcom/agentcom/pkg/metrics"
	"github.com/agentcom/agentcom/pkg/ratelimit"
	"github.com/agentcom/agentcom/pkg/types"
)

// Server is the hub's external surface: the HTTP control routes and the
// agent websocket endpoint, on one listener.
type Server struct {
	hub        *hub.Hub
	cfg        *config.Config
	sessions   *SessionManager
	engine     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// NewServer wires the routes. The session manager is attached to the
// router so direct messages reach live sessions.
func NewServer(h *hub.Hub, cfg *config.Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	s := &Server{
		hub:      h,
		cfg:      cfg,
		sessions: NewSessionManager(),
		engine:   engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	h.Router.SetSender(s.sessions)

	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: engine,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.engine.Use(s.countRequests())

	// Agent channel; auth happens inside via the identify frame.
	s.engine.GET("/ws/agent", s.handleAgentSocket)

	s.engine.GET("/metrics", gin.WrapH(metrics.Handler()))
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/schemas", s.handleSchemas)

	api := s.engine.Group("/", s.rateLimit("default"))
	{
		api.POST("/tasks", s.handleSubmitTask)
		api.GET("/tasks", s.handleListTasks)
		api.GET("/tasks/:id", s.handleGetTask)
		api.POST("/tasks/:id/retry", s.handleRetryTask)

		api.GET("/agents", s.handleListAgents)
		api.GET("/agents/:id/state", s.handleAgentState)
		api.POST("/agents/:id/restart", s.handleRestartAgent)

		api.POST("/goals", s.handleSubmitGoal)
		api.GET("/goals", s.handleListGoals)
		api.GET("/goals/:id", s.handleGetGoal)

		api.GET("/hub/state", s.handleHubState)
		api.POST("/hub/pause", s.handlePause(true))
		api.POST("/hub/resume", s.handlePause(false))
		api.GET("/healing-history", s.handleHealingHistory)
		api.GET("/ledger", s.handleLedger)

		api.GET("/mailbox", s.agentAuth(), s.handleMailbox)
	}

	admin := s.engine.Group("/admin", s.rateLimit("admin"), s.adminAuth())
	{
		admin.POST("/tokens", s.handleGenerateToken)
		admin.GET("/tokens", s.handleListTokens)
		admin.DELETE("/tokens/:agent_id", s.handleRevokeToken)
	}
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	logger := log.WithComponent("api")
	logger.Info().Str("addr", s.cfg.ListenAddr).Msg("control surface listening")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) countRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		metrics.APIRequestsTotal.
			WithLabelValues(c.Request.Method, strconv.Itoa(c.Writer.Status())).
			Inc()
	}
}

// rateLimit admits requests per client IP under the named tier. Denials
// answer 429 with a retry hint.
func (s *Server) rateLimit(tier string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.hub.Limiter.Allow(c.ClientIP(), tier); err != nil {
			c.Header("Retry-After", retryAfterSeconds(err))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

func retryAfterSeconds(err error) string {
	if errors.Is(err, ratelimit.ErrCoolingDown) {
		return "30"
	}
	return "1"
}

// adminAuth gates the token-administration endpoints with the
// configured admin token. An empty configured token rejects everything.
func (s *Server) adminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if s.cfg.AdminToken == "" || token == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// agentAuth resolves an agent bearer token and stores the agent id in
// the request context.
func (s *Server) agentAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		agentID, ok := s.hub.Tokens.Verify(bearerToken(c))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set("agent_id", agentID)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	const prefix = "Bearer "
	auth := c.GetHeader("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

// handleAgentSocket upgrades the connection, authenticates the identify
// frame, and hands the session to the supervisor.
func (s *Server) handleAgentSocket(c *gin.Context) {
	logger := log.WithComponent("api")

	if err := s.hub.Limiter.Allow(c.ClientIP(), "default"); err != nil {
		c.Header("Retry-After", retryAfterSeconds(err))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	agentID, name, caps, ok := s.identify(conn)
	if !ok {
		conn.Close()
		return
	}

	session := newAgentSession(agentID, conn, s)
	s.sessions.add(session)
	s.hub.Supervisor.Start(agentID, name, caps, session)

	session.send(frame{"type": "identified", "agent_id": agentID})
	go session.writePump()
	session.readLoop()

	// readLoop returned: the connection is gone. Only the agent's
	// current session may strip its channel subscriptions; a reconnect
	// may already have replaced this one.
	session.close()
	if s.sessions.remove(session) {
		s.hub.Router.UnsubscribeAll(agentID)
	}
}

// identify reads and authenticates the first frame. Auth failures never
// reveal which part of the credential failed.
func (s *Server) identify(conn *websocket.Conn) (agentID, name string, caps []string, ok bool) {
	conn.SetReadDeadline(time.Now().Add(identifyDeadline))
	defer conn.SetReadDeadline(time.Time{})

	var f map[string]interface{}
	if err := conn.ReadJSON(&f); err != nil {
		return "", "", nil, false
	}
	frameType, verr := ratelimit.ValidateFrame(f)
	if verr != nil || frameType != "identify" {
		conn.WriteJSON(frame{"type": "error", "code": "invalid_frame", "details": "expected identify"})
		return "", "", nil, false
	}

	claimed, _ := f["agent_id"].(string)
	token, _ := f["token"].(string)
	owner, valid := s.hub.Tokens.Verify(token)
	if !valid || owner != claimed {
		conn.WriteJSON(frame{"type": "error", "code": "unauthorized", "details": "authentication failed"})
		return "", "", nil, false
	}

	name, _ = f["name"].(string)
	if rawCaps, present := f["capabilities"].([]interface{}); present {
		caps = types.NormalizeCapabilities(rawCaps)
	}
	return claimed, name, caps, true
}
