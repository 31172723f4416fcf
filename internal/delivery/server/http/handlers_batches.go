package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"switchboard/internal/app/batch"
)

type commitMessagesRequest struct {
	BatchID        string                    `json:"batch_id"`
	Items          []batch.RepoCommitRequest `json:"items"`
	Model          string                    `json:"model"`
	Temperature    float64                   `json:"temperature"`
	TimeoutSeconds int                       `json:"timeout_seconds"`
	// Async returns 202 with the batch and run ids instead of waiting.
	Async bool `json:"async"`
}

type batchAccepted struct {
	BatchID string   `json:"batch_id"`
	RunIDs  []string `json:"run_ids"`
}

type summaryRequest struct {
	CommitMessages []batch.CommitMessage `json:"commit_messages"`
	BatchID        string                `json:"batch_id"`
	Model          string                `json:"model"`
	TimeoutSeconds int                   `json:"timeout_seconds"`
}

func (s *Server) handleCommitMessages(c *gin.Context) {
	var req commitMessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, badRequest("invalid request: %v", err))
		return
	}
	in := batch.Input{
		BatchID:     req.BatchID,
		Items:       req.Items,
		Model:       req.Model,
		Temperature: req.Temperature,
		Timeout:     time.Duration(req.TimeoutSeconds) * time.Second,
	}
	if req.Async {
		b, err := s.coordinator.StartCommitMessages(c.Request.Context(), in)
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, batchAccepted{BatchID: b.ID, RunIDs: b.RunIDs})
		return
	}
	res, err := s.coordinator.GenerateCommitMessages(c.Request.Context(), in)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleExecutiveSummary(c *gin.Context) {
	var req summaryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, badRequest("invalid request: %v", err))
		return
	}
	summary, err := s.coordinator.GenerateExecutiveSummary(c.Request.Context(), batch.SummaryInput{
		CommitMessages: req.CommitMessages,
		BatchID:        req.BatchID,
		Model:          req.Model,
		Timeout:        time.Duration(req.TimeoutSeconds) * time.Second,
	})
	switch {
	case err == nil:
		c.JSON(http.StatusOK, summary)
	case summary != nil:
		s.writePartial(c, summary, err)
	default:
		s.writeError(c, err)
	}
}
