package http

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"switchboard/internal/domain/run"
	"switchboard/internal/shared/logging"
)

const (
	defaultRunPageSize = 50
	maxRunPageSize     = 500
)

type runListResponse struct {
	Runs   []*run.AgentRun `json:"runs"`
	Total  int             `json:"total"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

func (s *Server) handleListRuns(c *gin.Context) {
	filter := run.ListFilter{
		SessionID: c.Query("session_id"),
		BatchID:   c.Query("batch_id"),
		Limit:     defaultRunPageSize,
	}
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		status := run.Status(strings.ToUpper(raw))
		if !status.Valid() {
			s.writeError(c, badRequest("unknown status %q", raw))
			return
		}
		filter.Status = status
	}
	var err error
	if filter.Limit, err = queryInt(c, "limit", defaultRunPageSize); err != nil {
		s.writeError(c, err)
		return
	}
	switch {
	case filter.Limit == 0:
		filter.Limit = defaultRunPageSize
	case filter.Limit > maxRunPageSize:
		filter.Limit = maxRunPageSize
	}
	if filter.Offset, err = queryInt(c, "offset", 0); err != nil {
		s.writeError(c, err)
		return
	}

	runs, total, err := s.coordinator.ListRuns(c.Request.Context(), filter)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if runs == nil {
		runs = []*run.AgentRun{}
	}
	c.JSON(http.StatusOK, runListResponse{Runs: runs, Total: total, Limit: filter.Limit, Offset: filter.Offset})
}

func queryInt(c *gin.Context, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, badRequest("%s must be a non-negative integer", key)
	}
	return value, nil
}

func (s *Server) handleGetRun(c *gin.Context) {
	record, err := s.coordinator.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (s *Server) handleRunLogs(c *gin.Context) {
	runID := c.Param("id")
	if _, err := s.coordinator.GetRun(c.Request.Context(), runID); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, logging.FetchLogBundle(runID, logging.LogFetchOptions{}))
}

func (s *Server) handleRetryRun(c *gin.Context) {
	retry, err := s.coordinator.RetryAgentRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, retry)
}

func (s *Server) handleCancelRun(c *gin.Context) {
	cancelled, err := s.coordinator.CancelRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
}
