// Package session defines conversation sessions with the external CLI.
package session

import "time"

// Status represents the lifecycle state of a session.
type Status string

const (
	StatusActive     Status = "ACTIVE"
	StatusProcessing Status = "PROCESSING"
	StatusIdle       Status = "IDLE"
	StatusError      Status = "ERROR"
	StatusTerminated Status = "TERMINATED"
)

// Mode decides how the next prompt carries prior context.
type Mode string

const (
	// ModeNew has no prior completed exchange; the prompt is sent as is.
	ModeNew Mode = "NEW"
	// ModeContinuable holds a continuation token from its own last call.
	ModeContinuable Mode = "CONTINUABLE"
	// ModeNeedsReplay has history but no usable token; history is folded
	// into the prompt.
	ModeNeedsReplay Mode = "NEEDS_REPLAY"
)

// Exchange is one prompt/response pair.
type Exchange struct {
	Timestamp         time.Time `json:"timestamp"`
	Prompt            string    `json:"prompt"`
	Response          *string   `json:"response"`
	ExecutionTimeMs   int64     `json:"execution_time_ms"`
	Success           bool      `json:"success"`
	ContinuationToken string    `json:"continuation_token,omitempty"`
	Error             string    `json:"error,omitempty"`
}

// Completed reports whether the exchange finished successfully with a response.
func (e Exchange) Completed() bool {
	return e.Success && e.Response != nil
}

// TokenUsage accumulates usage across a session.
type TokenUsage struct {
	Input         int     `json:"input"`
	Output        int     `json:"output"`
	EstimatedCost float64 `json:"estimated_cost"`
}

// Metadata carries model and continuation state.
type Metadata struct {
	Model             string     `json:"model,omitempty"`
	TokenUsage        TokenUsage `json:"token_usage"`
	ContinuationToken string     `json:"continuation_token,omitempty"`
}

// Session is a snapshot of a conversation.
type Session struct {
	ID               string            `json:"id"`
	Status           Status            `json:"status"`
	Mode             Mode              `json:"mode"`
	CreatedAt        time.Time         `json:"created_at"`
	LastActivity     time.Time         `json:"last_activity"`
	WorkingDirectory string            `json:"working_directory"`
	History          []Exchange        `json:"history"`
	Metadata         Metadata          `json:"metadata"`
	Context          map[string]string `json:"context,omitempty"`
	ForkedFrom       string            `json:"forked_from,omitempty"`
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	cp.History = make([]Exchange, len(s.History))
	for i, ex := range s.History {
		if ex.Response != nil {
			r := *ex.Response
			ex.Response = &r
		}
		cp.History[i] = ex
	}
	if s.Context != nil {
		cp.Context = make(map[string]string, len(s.Context))
		for k, v := range s.Context {
			cp.Context[k] = v
		}
	}
	return &cp
}

// CompletedExchanges returns the successful exchanges in order.
func (s *Session) CompletedExchanges() []Exchange {
	var out []Exchange
	for _, ex := range s.History {
		if ex.Completed() {
			out = append(out, ex)
		}
	}
	return out
}

// ChunkKind tags a piece of live output.
type ChunkKind string

const (
	ChunkStdout ChunkKind = "STDOUT"
	ChunkStderr ChunkKind = "STDERR"
	ChunkFinal  ChunkKind = "FINAL"
)

// OutputChunk is one event on a session's output stream. The FINAL chunk
// carries the response text or the error and ends the current execution.
type OutputChunk struct {
	SessionID string    `json:"session_id"`
	RunID     string    `json:"run_id,omitempty"`
	Kind      ChunkKind `json:"kind"`
	Data      string    `json:"data"`
	Success   bool      `json:"success,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// IsFinal reports whether the chunk ends an execution.
func (c OutputChunk) IsFinal() bool { return c.Kind == ChunkFinal }
