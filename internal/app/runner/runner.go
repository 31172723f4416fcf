// Package runner drives one AgentRun through its lifecycle: persist, track,
// execute on a session, record the outcome and emit the terminal progress
// event on every exit path.
package runner

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"switchboard/internal/app/progress"
	"switchboard/internal/app/runstore"
	"switchboard/internal/app/session"
	progressdomain "switchboard/internal/domain/progress"
	"switchboard/internal/domain/run"
	"switchboard/internal/infra/observability"
	serrors "switchboard/internal/shared/errors"
	"switchboard/internal/shared/logging"
)

// Sessions is the subset of the session store a run needs.
type Sessions interface {
	ExecuteCommand(ctx context.Context, prompt string, opts session.ExecuteOptions) (*session.ExecuteResult, error)
	KillSession(sessionID string) bool
}

// Decoder turns a successful invocation into the output stored on the run.
// A returned error fails the run.
type Decoder func(res *session.ExecuteResult) (*run.Output, error)

// ExecuteOptions tunes one Execute call.
type ExecuteOptions struct {
	// SessionID continues an existing session; empty creates one.
	SessionID        string
	WorkingDirectory string
	Context          map[string]string
	Flags            []string
	Timeout          time.Duration
	// OneShot kills the session once the run finishes.
	OneShot bool
	Decode  Decoder
}

// Outcome is the result of Execute.
type Outcome struct {
	Run    *run.AgentRun
	Result *session.ExecuteResult
}

// Runner executes runs. It is safe for concurrent use.
type Runner struct {
	sessions Sessions
	runs     run.Store
	tracker  *progress.Tracker
	tracer   *observability.TracerProvider
	logger   logging.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger overrides the component logger.
func WithLogger(logger logging.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithTracer records one span per execution.
func WithTracer(tp *observability.TracerProvider) Option {
	return func(r *Runner) { r.tracer = tp }
}

// New wires a runner.
func New(sessions Sessions, runs run.Store, tracker *progress.Tracker, opts ...Option) *Runner {
	r := &Runner{
		sessions: sessions,
		runs:     runs,
		tracker:  tracker,
		logger:   logging.NewComponentLogger("Runner"),
		active:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Create persists a QUEUED run and registers it with the tracker.
func (r *Runner) Create(ctx context.Context, in run.NewRun) (*run.AgentRun, error) {
	record, err := r.runs.CreateRun(ctx, in)
	if err != nil {
		return nil, err
	}
	if _, err := r.tracker.TrackRun(record.ID, record.BatchID); err != nil {
		return nil, err
	}
	return record, nil
}

// Execute runs record's prompt on a session and records the outcome. The
// returned error is the invocation error, already stored on the run.
func (r *Runner) Execute(ctx context.Context, record *run.AgentRun, opts ExecuteOptions) (*Outcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := logging.WithLogID(r.logger, record.ID)
	runCtx, cancel := context.WithCancel(ctx)
	r.register(record.ID, cancel)
	defer func() {
		r.unregister(record.ID)
		cancel()
	}()

	runCtx, span := r.tracer.StartSpan(runCtx, observability.SpanInvoke,
		attribute.String(observability.AttrRunID, record.ID),
		attribute.String(observability.AttrBatchID, record.BatchID))
	defer span.End()

	current, err := r.runs.UpdateStatus(ctx, record.ID, run.StatusRunning)
	if err != nil {
		// A run cancelled while waiting for a slot is already final; its
		// recorded error stands.
		if stored, getErr := r.runs.GetRun(context.WithoutCancel(ctx), record.ID); getErr == nil && stored.Status.IsTerminal() {
			logger.Info("Run %s already %s, skipping execution", record.ID, stored.Status)
			return &Outcome{Run: stored}, StoredError(stored)
		}
		return &Outcome{Run: r.fail(record.ID, "", err)}, err
	}

	workingDir := opts.WorkingDirectory
	if workingDir == "" {
		workingDir = current.Input.WorkingDirectory
	}
	flags := opts.Flags
	if len(flags) == 0 {
		flags = current.Input.Flags
	}
	timeout := opts.Timeout
	if timeout <= 0 && current.Input.TimeoutMs > 0 {
		timeout = time.Duration(current.Input.TimeoutMs) * time.Millisecond
	}

	sessionID := opts.SessionID
	res, execErr := r.sessions.ExecuteCommand(runCtx, current.Input.Prompt, session.ExecuteOptions{
		SessionID:        opts.SessionID,
		WorkingDirectory: workingDir,
		Context:          opts.Context,
		Model:            current.Input.Model,
		Flags:            flags,
		Timeout:          timeout,
		RunID:            record.ID,
		OnSession:        func(id string) { sessionID = id },
		OnStage: func(stage progressdomain.Stage, message string) {
			if _, err := r.tracker.UpdateRunProgress(record.ID, stage, message); err != nil {
				logger.Debug("Progress update ignored: %v", err)
			}
		},
	})
	if opts.OneShot && sessionID != "" {
		defer r.sessions.KillSession(sessionID)
	}

	var output *run.Output
	if execErr == nil {
		decode := opts.Decode
		if decode == nil {
			decode = PlainOutput
		}
		output, execErr = decode(res)
	}

	span.SetAttributes(attribute.String(observability.AttrSessionID, sessionID))
	if execErr != nil {
		span.RecordError(execErr)
		span.SetStatus(codes.Error, execErr.Error())
		span.SetAttributes(attribute.String(observability.AttrErrorKind, string(serrors.KindOf(execErr))))
		failed := r.fail(record.ID, sessionID, execErr)
		logger.Warn("Run %s failed (%s): %v", record.ID, serrors.KindOf(execErr), execErr)
		return &Outcome{Run: failed, Result: res}, execErr
	}

	done, err := r.runs.UpdateStatus(context.WithoutCancel(ctx), record.ID, run.StatusSuccess,
		run.WithOutput(output), run.WithSessionID(sessionID))
	if err != nil {
		r.tracker.MarkRunFailed(record.ID, err.Error())
		return &Outcome{Run: current, Result: res}, err
	}
	if _, err := r.tracker.UpdateRunProgress(record.ID, progressdomain.StageCompleted, ""); err != nil {
		logger.Debug("Completion event ignored: %v", err)
	}
	span.SetStatus(codes.Ok, "")
	logger.Info("Run %s succeeded on session %s", record.ID, sessionID)
	return &Outcome{Run: done, Result: res}, nil
}

// Fail records err on a run that never reached the invoker.
func (r *Runner) Fail(record *run.AgentRun, err error) *run.AgentRun {
	return r.fail(record.ID, record.SessionID, err)
}

func (r *Runner) fail(runID, sessionID string, cause error) *run.AgentRun {
	opts := []run.UpdateOption{run.WithError(runstore.ErrorFor(cause))}
	if sessionID != "" {
		opts = append(opts, run.WithSessionID(sessionID))
	}
	failed, err := r.runs.UpdateStatus(context.Background(), runID, run.StatusFailed, opts...)
	if err != nil {
		r.logger.Error("Failed to record failure of run %s: %v", runID, err)
	}
	if serrors.IsKind(cause, serrors.KindCancelled) {
		r.tracker.MarkRunCancelled(runID, cause.Error())
	} else {
		r.tracker.MarkRunFailed(runID, cause.Error())
	}
	return failed
}

// StoredError rebuilds the typed error recorded on a finished run. It returns
// nil for runs without an error.
func StoredError(record *run.AgentRun) error {
	if record == nil || record.Error == nil {
		return nil
	}
	kind := serrors.Kind(record.Error.Code)
	if kind == "" {
		kind = serrors.KindInternal
	}
	return (&serrors.Error{Kind: kind, Message: record.Error.Message}).WithRecoverable(record.Error.Recoverable)
}

// Cancel stops a run executing in this process. It reports whether the run
// was active.
func (r *Runner) Cancel(runID string) bool {
	r.mu.Lock()
	cancel, ok := r.active[runID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Active returns the number of runs currently executing.
func (r *Runner) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

func (r *Runner) register(runID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[runID] = cancel
}

func (r *Runner) unregister(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, runID)
}

// PlainOutput stores the response text verbatim.
func PlainOutput(res *session.ExecuteResult) (*run.Output, error) {
	if res == nil || strings.TrimSpace(res.Output) == "" {
		return nil, serrors.New(serrors.KindParseFailure, "empty response")
	}
	confidence := 1.0
	if res.ParseFailed {
		confidence = 0.5
	}
	return &run.Output{
		Message:     res.Output,
		Confidence:  confidence,
		RawResponse: res.Output,
		TokensUsed:  res.Usage.Total(),
	}, nil
}
