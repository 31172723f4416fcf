// Package coordinator exposes the orchestration operations consumed by the
// transport layer.
package coordinator

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"switchboard/internal/app/batch"
	"switchboard/internal/app/progress"
	"switchboard/internal/app/pubsub"
	"switchboard/internal/app/runner"
	"switchboard/internal/app/runstore"
	"switchboard/internal/app/session"
	progressdomain "switchboard/internal/domain/progress"
	"switchboard/internal/domain/run"
	sessiondomain "switchboard/internal/domain/session"
	"switchboard/internal/infra/observability"
	"switchboard/internal/shared/async"
	serrors "switchboard/internal/shared/errors"
	"switchboard/internal/shared/logging"
)

// CommandRequest is an executeCommand call.
type CommandRequest struct {
	Prompt           string            `json:"prompt"`
	SessionID        string            `json:"session_id,omitempty"`
	WorkingDirectory string            `json:"working_directory,omitempty"`
	Context          map[string]string `json:"context,omitempty"`
	Model            string            `json:"model,omitempty"`
	Flags            []string          `json:"flags,omitempty"`
	Timeout          time.Duration     `json:"-"`
}

// CommandResponse is the outcome of executeCommand and continueSession.
type CommandResponse struct {
	SessionID       string     `json:"session_id"`
	RunID           string     `json:"run_id,omitempty"`
	Success         bool       `json:"success"`
	Error           *run.Error `json:"error,omitempty"`
	InitialResponse string     `json:"initial_response,omitempty"`
	// Pending is set when the command was accepted but is still executing.
	Pending bool `json:"pending,omitempty"`
}

// Coordinator composes the session store, run store, tracker and batch
// orchestrator behind one API.
type Coordinator struct {
	sessions *session.Store
	runs     run.Store
	tracker  *progress.Tracker
	runner   *runner.Runner
	batches  *batch.Orchestrator
	tracer   *observability.TracerProvider
	logger   logging.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger overrides the component logger.
func WithLogger(logger logging.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTracer records a span around batch operations.
func WithTracer(tp *observability.TracerProvider) Option {
	return func(c *Coordinator) { c.tracer = tp }
}

// New wires a coordinator.
func New(sessions *session.Store, runs run.Store, tracker *progress.Tracker, r *runner.Runner, batches *batch.Orchestrator, opts ...Option) *Coordinator {
	c := &Coordinator{
		sessions: sessions,
		runs:     runs,
		tracker:  tracker,
		runner:   r,
		batches:  batches,
		logger:   logging.NewComponentLogger("Coordinator"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// ExecuteCommand runs a prompt as a tracked run, on req.SessionID when it is
// known and on a new session otherwise. Invocation errors are recorded on
// the run and also returned.
func (c *Coordinator) ExecuteCommand(ctx context.Context, req CommandRequest) (*CommandResponse, error) {
	record, opts, err := c.prepareCommand(ctx, req)
	if err != nil {
		return nil, err
	}

	outcome, execErr := c.runner.Execute(ctx, record, opts)
	resp := &CommandResponse{RunID: record.ID}
	if outcome != nil {
		if outcome.Result != nil {
			resp.SessionID = outcome.Result.SessionID
		}
		if outcome.Run != nil {
			if resp.SessionID == "" {
				resp.SessionID = outcome.Run.SessionID
			}
			resp.Error = outcome.Run.Error
		}
	}
	if execErr != nil {
		if resp.Error == nil {
			resp.Error = runstore.ErrorFor(execErr)
		}
		return resp, execErr
	}
	resp.Success = true
	resp.InitialResponse = outcome.Run.Output.Message
	return resp, nil
}

// StartCommand registers the run and returns its ids without waiting; the
// prompt executes in the background. A session is allocated up front when
// req.SessionID is empty or unknown, so its output can be subscribed to
// before the first chunk arrives.
func (c *Coordinator) StartCommand(ctx context.Context, req CommandRequest) (*CommandResponse, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, serrors.New(serrors.KindValidation, "prompt is required")
	}
	if !c.sessions.Exists(req.SessionID) {
		sess, err := c.sessions.CreateSession(req.WorkingDirectory, req.Context)
		if err != nil {
			return nil, err
		}
		req.SessionID = sess.ID
	}
	record, opts, err := c.prepareCommand(ctx, req)
	if err != nil {
		return nil, err
	}

	runCtx := context.WithoutCancel(ctx)
	async.Go(c.logger, "coordinator.command", func() {
		if _, err := c.runner.Execute(runCtx, record, opts); err != nil {
			c.logger.Warn("Command run %s failed: %v", record.ID, err)
		}
	})
	return &CommandResponse{SessionID: req.SessionID, RunID: record.ID, Pending: true}, nil
}

// prepareCommand persists the run for req, recording how it is invoked so a
// retry replays it in the same directory with the same flags.
func (c *Coordinator) prepareCommand(ctx context.Context, req CommandRequest) (*run.AgentRun, runner.ExecuteOptions, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, runner.ExecuteOptions{}, serrors.New(serrors.KindValidation, "prompt is required")
	}
	workingDir := req.WorkingDirectory
	if workingDir == "" && req.SessionID != "" {
		if sess, err := c.sessions.GetSession(req.SessionID); err == nil {
			workingDir = sess.WorkingDirectory
		}
	}
	record, err := c.runner.Create(ctx, run.NewRun{
		SessionID: req.SessionID,
		Input: run.Input{
			Prompt:           req.Prompt,
			Model:            req.Model,
			WorkingDirectory: workingDir,
			Flags:            append([]string(nil), req.Flags...),
			TimeoutMs:        req.Timeout.Milliseconds(),
		},
	})
	if err != nil {
		return nil, runner.ExecuteOptions{}, err
	}
	return record, runner.ExecuteOptions{
		SessionID:        req.SessionID,
		WorkingDirectory: req.WorkingDirectory,
		Context:          req.Context,
		Flags:            req.Flags,
		Timeout:          req.Timeout,
	}, nil
}

// ContinueSession runs prompt on an existing session.
func (c *Coordinator) ContinueSession(ctx context.Context, sessionID, prompt string) (*CommandResponse, error) {
	if !c.sessions.Exists(sessionID) {
		return nil, serrors.NotFound("session", sessionID)
	}
	return c.ExecuteCommand(ctx, CommandRequest{Prompt: prompt, SessionID: sessionID})
}

// CreateSession allocates an empty session.
func (c *Coordinator) CreateSession(workingDirectory string, sessionContext map[string]string) (*sessiondomain.Session, error) {
	return c.sessions.CreateSession(workingDirectory, sessionContext)
}

// KillSession terminates a session and its running process.
func (c *Coordinator) KillSession(sessionID string) bool {
	return c.sessions.KillSession(sessionID)
}

// ForkSession copies a session into a new one that replays its history.
func (c *Coordinator) ForkSession(sessionID string) (*sessiondomain.Session, error) {
	return c.sessions.ForkSession(sessionID)
}

// GetSession returns a session snapshot.
func (c *Coordinator) GetSession(sessionID string) (*sessiondomain.Session, error) {
	return c.sessions.GetSession(sessionID)
}

// ListSessions returns every live session.
func (c *Coordinator) ListSessions() []*sessiondomain.Session {
	return c.sessions.ListSessions()
}

// GetRun returns a run record.
func (c *Coordinator) GetRun(ctx context.Context, runID string) (*run.AgentRun, error) {
	return c.runs.GetRun(ctx, runID)
}

// ListRuns lists run records newest first.
func (c *Coordinator) ListRuns(ctx context.Context, filter run.ListFilter) ([]*run.AgentRun, int, error) {
	return c.runs.ListRuns(ctx, filter)
}

// RetryAgentRun creates a fresh QUEUED run with the original input and
// dispatches it in the background on a one-shot session. Runs that failed
// validation are not retried.
func (c *Coordinator) RetryAgentRun(ctx context.Context, runID string) (*run.AgentRun, error) {
	original, err := c.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if original.Error != nil && original.Error.Code == string(serrors.KindValidation) {
		return nil, serrors.New(serrors.KindValidation, "run %s failed validation and cannot be retried", runID)
	}
	retry, err := c.runs.RetryRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if _, err := c.tracker.TrackRun(retry.ID, retry.BatchID); err != nil {
		return nil, err
	}

	decode := runner.PlainOutput
	if strings.TrimSpace(retry.Input.Diff) != "" {
		decode = batch.DecodeCommitMessage
	}
	record := retry.Clone()
	async.Go(c.logger, "coordinator.retry", func() {
		if _, err := c.runner.Execute(context.Background(), record, runner.ExecuteOptions{OneShot: true, Decode: decode}); err != nil {
			c.logger.Warn("Retry %s of run %s failed: %v", record.ID, runID, err)
		}
	})
	c.logger.Info("Retrying run %s as %s (attempt %d)", runID, retry.ID, retry.RetryCount)
	return retry, nil
}

// CancelRun stops a run. A run executing here is cancelled through its
// session; a run stuck before execution is failed as cancelled. It reports
// false for a run that already finished.
func (c *Coordinator) CancelRun(ctx context.Context, runID string) (bool, error) {
	record, err := c.runs.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	if record.Status.IsTerminal() {
		return false, nil
	}
	if c.runner.Cancel(runID) {
		return true, nil
	}
	c.runner.Fail(record, serrors.New(serrors.KindCancelled, "run %s cancelled", runID))
	return true, nil
}

// GenerateCommitMessages runs a commit-message batch and waits for it.
func (c *Coordinator) GenerateCommitMessages(ctx context.Context, in batch.Input) (*batch.Result, error) {
	ctx, span := c.tracer.StartSpan(ctx, observability.SpanBatch, attribute.Int("switchboard.batch.size", len(in.Items)))
	defer span.End()
	res, err := c.batches.GenerateCommitMessages(ctx, in)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String(observability.AttrBatchID, res.BatchID),
		attribute.Int("switchboard.batch.success", res.SuccessCount),
	)
	return res, nil
}

// StartCommitMessages registers a commit-message batch and returns while its
// items execute. The batch outlives ctx.
func (c *Coordinator) StartCommitMessages(ctx context.Context, in batch.Input) (*batch.Batch, error) {
	ctx, span := c.tracer.StartSpan(context.WithoutCancel(ctx), observability.SpanBatch, attribute.Int("switchboard.batch.size", len(in.Items)))
	b, err := c.batches.StartCommitMessages(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.End()
		return nil, err
	}
	span.SetAttributes(attribute.String(observability.AttrBatchID, b.ID))
	async.Go(c.logger, "coordinator.batch", func() {
		defer span.End()
		if res := b.Wait(); res != nil {
			span.SetAttributes(attribute.Int("switchboard.batch.success", res.SuccessCount))
		}
	})
	return b, nil
}

// GenerateExecutiveSummary synthesises a summary from commit messages.
func (c *Coordinator) GenerateExecutiveSummary(ctx context.Context, in batch.SummaryInput) (*batch.Summary, error) {
	return c.batches.GenerateExecutiveSummary(ctx, in)
}

// SubscribeCommandOutput streams a session's output chunks.
func (c *Coordinator) SubscribeCommandOutput(sessionID string) (*pubsub.Subscription[sessiondomain.OutputChunk], error) {
	return c.sessions.Subscribe(sessionID)
}

// SubscribeRunProgress streams a run's progress events.
func (c *Coordinator) SubscribeRunProgress(runID string) (*pubsub.Subscription[progressdomain.Event], error) {
	return c.tracker.SubscribeRun(runID)
}

// SubscribeBatchProgress streams a batch's aggregates.
func (c *Coordinator) SubscribeBatchProgress(batchID string) (*pubsub.Subscription[progressdomain.BatchProgress], error) {
	return c.tracker.SubscribeBatch(batchID)
}

// RunProgress returns the latest progress of a run.
func (c *Coordinator) RunProgress(runID string) (progressdomain.Event, bool) {
	return c.tracker.RunProgress(runID)
}

// BatchProgress returns the current aggregate of a batch.
func (c *Coordinator) BatchProgress(batchID string) (progressdomain.BatchProgress, bool) {
	return c.tracker.BatchProgress(batchID)
}
