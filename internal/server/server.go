// Package server exposes the HTTP surface: liveness endpoints, Prometheus
// metrics, the websocket chat upgrade, and a small REST API over the
// evolution pipeline.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"botflow/internal/async"
	"botflow/internal/evolution"
	"botflow/internal/history"
	"botflow/internal/logging"
	"botflow/internal/scheduler"
	"botflow/internal/session"
	"botflow/internal/vcs"
)

const (
	appName = "botflow"
	version = "0.3.0"
)

// RouteRegistrar lets a transport mount its own handlers on the shared
// engine before the server starts.
type RouteRegistrar interface {
	RegisterRoutes(engine *gin.Engine)
}

// Server wires the gin engine and http.Server around the core components.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server

	sched     *scheduler.Scheduler
	sessions  *session.Manager
	store     *history.Store
	evolution *evolution.Controller
	logger    logging.Logger

	startTime time.Time
}

// New builds the server and registers all routes. evolution and store may
// be nil; the corresponding endpoints then answer 503.
func New(host string, port int, sched *scheduler.Scheduler, sessions *session.Manager, store *history.Store, ctrl *evolution.Controller, logger logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	s := &Server{
		engine:    engine,
		sched:     sched,
		sessions:  sessions,
		store:     store,
		evolution: ctrl,
		logger:    logging.OrNop(logger),
		startTime: time.Now(),
	}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.registerRoutes()
	return s
}

// Mount lets transports (the websocket channel) add their routes.
func (s *Server) Mount(r RouteRegistrar) {
	r.RegisterRoutes(s.engine)
}

// Handler exposes the route tree for in-process serving and tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) registerRoutes() {
	s.engine.GET("/", s.handleRoot)
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.engine.Group("/api")
	{
		api.GET("/messages", s.handleMessages)
		api.GET("/audit", s.handleAudit)

		api.POST("/proposals", s.handlePropose)
		api.GET("/proposals", s.handleListProposals)
		api.GET("/proposals/:id", s.handleGetProposal)
		api.GET("/proposals/:id/diff", s.handleProposalDiff)
		api.POST("/proposals/:id/decision", s.handleDecide)
		api.POST("/proposals/:id/apply", s.handleApply)
		api.POST("/rollback", s.handleRollback)
	}
}

// Start begins serving in the background and returns immediately.
func (s *Server) Start() {
	async.Go(s.logger, "http-server", func() {
		s.logger.Info("http server listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server: %v", err)
		}
	})
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    appName,
		"version": version,
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := gin.H{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
	}
	if s.sched != nil {
		resp["pending_tasks"] = s.sched.PendingCount()
		resp["in_flight_tasks"] = s.sched.InFlightCount()
	}
	if s.sessions != nil {
		resp["sessions"] = s.sessions.Len()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleMessages(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history store disabled"})
		return
	}
	msgs, err := s.store.RecentMessages(c.Request.Context(), queryLimit(c, 50))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (s *Server) handleAudit(c *gin.Context) {
	if s.evolution == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "evolution disabled"})
		return
	}
	records, err := s.evolution.AuditTrail(c.Request.Context(), queryLimit(c, 100))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"audit": records})
}

type proposeRequest struct {
	Actor   string           `json:"actor"`
	Changes []vcs.CodeChange `json:"changes" binding:"required"`
}

func (s *Server) handlePropose(c *gin.Context) {
	if s.evolution == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "evolution disabled"})
		return
	}
	var req proposeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := s.evolution.Propose(c.Request.Context(), actorOrDefault(req.Actor), req.Changes...)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"proposal_id": id})
}

func (s *Server) handleListProposals(c *gin.Context) {
	if s.evolution == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "evolution disabled"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposals": s.evolution.List()})
}

func (s *Server) handleGetProposal(c *gin.Context) {
	if s.evolution == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "evolution disabled"})
		return
	}
	p, ok := s.evolution.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown proposal"})
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleProposalDiff(c *gin.Context) {
	if s.evolution == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "evolution disabled"})
		return
	}
	text, err := s.evolution.DiffOf(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.String(http.StatusOK, text)
}

type decisionRequest struct {
	Accept bool   `json:"accept"`
	Actor  string `json:"actor"`
}

func (s *Server) handleDecide(c *gin.Context) {
	if s.evolution == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "evolution disabled"})
		return
	}
	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.evolution.Decide(c.Request.Context(), c.Param("id"), req.Accept, actorOrDefault(req.Actor)); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "decided"})
}

type applyRequest struct {
	Actor string `json:"actor"`
}

func (s *Server) handleApply(c *gin.Context) {
	if s.evolution == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "evolution disabled"})
		return
	}
	var req applyRequest
	_ = c.ShouldBindJSON(&req)

	result, err := s.evolution.Apply(c.Request.Context(), c.Param("id"), actorOrDefault(req.Actor))
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

type rollbackRequest struct {
	CommitID string `json:"commit_id" binding:"required"`
	Actor    string `json:"actor"`
}

func (s *Server) handleRollback(c *gin.Context) {
	if s.evolution == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "evolution disabled"})
		return
	}
	var req rollbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.evolution.Rollback(c.Request.Context(), req.CommitID, actorOrDefault(req.Actor)); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "rolled_back"})
}

func actorOrDefault(actor string) string {
	if actor == "" {
		return "api"
	}
	return actor
}

func queryLimit(c *gin.Context, def int) int {
	var limit int
	if _, err := fmt.Sscanf(c.Query("limit"), "%d", &limit); err != nil || limit <= 0 {
		return def
	}
	return limit
}
