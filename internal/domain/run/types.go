// Package run defines the AgentRun record and the run store port.
//
// An AgentRun is one scheduled, trackable invocation. Records are persisted at
// every status transition and removed only by the retention job.
package run

import (
	"context"
	"time"
)

// Status represents the lifecycle state of a run.
type Status string

const (
	StatusQueued  Status = "QUEUED"
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSuccess, StatusFailed:
		return true
	default:
		return false
	}
}

// Input is everything needed to replay a run.
type Input struct {
	Prompt        string  `json:"prompt"`
	Diff          string  `json:"diff,omitempty"`
	RecentHistory string  `json:"recent_history,omitempty"`
	Model         string  `json:"model,omitempty"`
	Temperature   float64 `json:"temperature,omitempty"`
	// WorkingDirectory, Flags and TimeoutMs record how the run was invoked
	// so a retry replays it the same way.
	WorkingDirectory string   `json:"working_directory,omitempty"`
	Flags            []string `json:"flags,omitempty"`
	TimeoutMs        int64    `json:"timeout_ms,omitempty"`
}

// Output is the decoded result of a successful run.
type Output struct {
	Message     string  `json:"message"`
	Confidence  float64 `json:"confidence"`
	RawResponse string  `json:"raw_response,omitempty"`
	TokensUsed  int     `json:"tokens_used"`
}

// Error is the failure recorded on a run.
type Error struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// AgentRun is the persisted run record.
type AgentRun struct {
	ID         string `json:"id"`
	SessionID  string `json:"session_id,omitempty"`
	BatchID    string `json:"batch_id,omitempty"`
	Repository string `json:"repository,omitempty"`

	Status      Status     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  *int64     `json:"duration_ms,omitempty"`

	Input  Input   `json:"input"`
	Output *Output `json:"output,omitempty"`
	Error  *Error  `json:"error,omitempty"`

	RetryCount int    `json:"retry_count"`
	RetryOf    string `json:"retry_of,omitempty"`
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (r *AgentRun) Clone() *AgentRun {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Input.Flags != nil {
		cp.Input.Flags = append([]string(nil), r.Input.Flags...)
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	if r.DurationMs != nil {
		d := *r.DurationMs
		cp.DurationMs = &d
	}
	if r.Output != nil {
		o := *r.Output
		cp.Output = &o
	}
	if r.Error != nil {
		e := *r.Error
		cp.Error = &e
	}
	return &cp
}

// NewRun describes a run to create.
type NewRun struct {
	SessionID  string
	BatchID    string
	Repository string
	Input      Input
	RetryCount int
	RetryOf    string
}

// ListFilter narrows ListRuns. Zero values match everything; Limit <= 0 means
// no limit.
type ListFilter struct {
	Status    Status
	SessionID string
	BatchID   string
	Limit     int
	Offset    int
}

// UpdateParams holds optional fields for an UpdateStatus call.
type UpdateParams struct {
	Error     *Error
	Output    *Output
	SessionID *string
}

// UpdateOption customises an UpdateStatus call.
type UpdateOption func(*UpdateParams)

// WithError records the failure alongside the status.
func WithError(err *Error) UpdateOption {
	return func(p *UpdateParams) { p.Error = err }
}

// WithOutput records the result alongside the status.
func WithOutput(out *Output) UpdateOption {
	return func(p *UpdateParams) { p.Output = out }
}

// WithSessionID binds the run to the session that executed it.
func WithSessionID(id string) UpdateOption {
	return func(p *UpdateParams) { p.SessionID = &id }
}

// ApplyUpdateOptions collects all options into UpdateParams.
func ApplyUpdateOptions(opts []UpdateOption) UpdateParams {
	var p UpdateParams
	for _, fn := range opts {
		if fn != nil {
			fn(&p)
		}
	}
	return p
}

// CleanupResult summarises one retention pass.
type CleanupResult struct {
	Deleted  []string
	Archived []string
}

// Store is the run persistence port.
type Store interface {
	// CreateRun persists a new QUEUED run.
	CreateRun(ctx context.Context, in NewRun) (*AgentRun, error)

	// UpdateStatus transitions a run and persists the full record.
	UpdateStatus(ctx context.Context, id string, status Status, opts ...UpdateOption) (*AgentRun, error)

	// SaveRun overwrites the full record.
	SaveRun(ctx context.Context, run *AgentRun) error

	// GetRun retrieves a run by id.
	GetRun(ctx context.Context, id string) (*AgentRun, error)

	// ListRuns returns matching runs newest first plus the unpaginated total.
	ListRuns(ctx context.Context, filter ListFilter) ([]*AgentRun, int, error)

	// RetryRun creates a fresh QUEUED run with the original's input.
	RetryRun(ctx context.Context, id string) (*AgentRun, error)

	// Cleanup removes runs completed before now minus the retention age.
	Cleanup(ctx context.Context, now time.Time) (CleanupResult, error)
}
