package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"switchboard/internal/app/scheduler"
)

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", s.routeMetrics())

	api := s.engine.Group("/api")

	sessions := api.Group("/sessions")
	{
		sessions.POST("", s.handleCreateSession)
		sessions.GET("", s.handleListSessions)
		sessions.GET("/:id", s.handleGetSession)
		sessions.DELETE("/:id", s.handleKillSession)
		sessions.POST("/:id/fork", s.handleForkSession)
		sessions.POST("/:id/continue", s.handleContinueSession)
	}

	api.POST("/commands", s.handleExecuteCommand)

	runs := api.Group("/runs")
	{
		runs.GET("", s.handleListRuns)
		runs.GET("/:id", s.handleGetRun)
		runs.GET("/:id/logs", s.handleRunLogs)
		runs.POST("/:id/retry", s.handleRetryRun)
		runs.POST("/:id/cancel", s.handleCancelRun)
	}

	api.POST("/batches/commit-messages", s.handleCommitMessages)
	api.POST("/summaries", s.handleExecutiveSummary)

	ws := api.Group("/ws")
	{
		ws.GET("/sessions/:id/output", s.handleSessionOutputStream)
		ws.GET("/runs/:id/progress", s.handleRunProgressStream)
		ws.GET("/batches/:id/progress", s.handleBatchProgressStream)
	}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string           `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
	Uptime    string           `json:"uptime"`
	Sessions  int              `json:"sessions"`
	Scheduler *scheduler.Stats `json:"scheduler,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Sessions:  len(s.coordinator.ListSessions()),
	}
	if s.stats != nil {
		stats := s.stats()
		resp.Scheduler = &stats
	}
	c.JSON(http.StatusOK, resp)
}
