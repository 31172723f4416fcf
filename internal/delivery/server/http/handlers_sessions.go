package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"switchboard/internal/app/coordinator"
)

type createSessionRequest struct {
	WorkingDirectory string            `json:"working_directory"`
	Context          map[string]string `json:"context"`
}

type executeCommandRequest struct {
	Prompt           string            `json:"prompt"`
	SessionID        string            `json:"session_id"`
	WorkingDirectory string            `json:"working_directory"`
	Context          map[string]string `json:"context"`
	Model            string            `json:"model"`
	Flags            []string          `json:"flags"`
	TimeoutSeconds   int               `json:"timeout_seconds"`
	// Async returns 202 with the session and run ids instead of waiting.
	Async bool `json:"async"`
}

type continueSessionRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.writeError(c, badRequest("invalid request: %v", err))
			return
		}
	}
	sess, err := s.coordinator.CreateSession(req.WorkingDirectory, req.Context)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (s *Server) handleListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.coordinator.ListSessions()})
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.coordinator.GetSession(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleKillSession(c *gin.Context) {
	killed := s.coordinator.KillSession(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"killed": killed})
}

func (s *Server) handleForkSession(c *gin.Context) {
	fork, err := s.coordinator.ForkSession(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, fork)
}

func (s *Server) handleExecuteCommand(c *gin.Context) {
	var req executeCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, badRequest("invalid request: %v", err))
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		s.writeError(c, badRequest("prompt is required"))
		return
	}
	cmd := coordinator.CommandRequest{
		Prompt:           req.Prompt,
		SessionID:        req.SessionID,
		WorkingDirectory: req.WorkingDirectory,
		Context:          req.Context,
		Model:            req.Model,
		Flags:            req.Flags,
		Timeout:          time.Duration(req.TimeoutSeconds) * time.Second,
	}
	if req.Async {
		resp, err := s.coordinator.StartCommand(c.Request.Context(), cmd)
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, resp)
		return
	}
	resp, err := s.coordinator.ExecuteCommand(c.Request.Context(), cmd)
	s.writeCommandResponse(c, resp, err)
}

func (s *Server) handleContinueSession(c *gin.Context) {
	var req continueSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, badRequest("invalid request: %v", err))
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		s.writeError(c, badRequest("prompt is required"))
		return
	}
	resp, err := s.coordinator.ContinueSession(c.Request.Context(), c.Param("id"), req.Prompt)
	s.writeCommandResponse(c, resp, err)
}

func (s *Server) writeCommandResponse(c *gin.Context, resp *coordinator.CommandResponse, err error) {
	switch {
	case err == nil:
		c.JSON(http.StatusOK, resp)
	case resp != nil:
		s.writePartial(c, resp, err)
	default:
		s.writeError(c, err)
	}
}
