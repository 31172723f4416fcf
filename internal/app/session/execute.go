package session

import (
	"context"
	"strings"
	"sync/atomic"

	"switchboard/internal/app/scheduler"
	progressdomain "switchboard/internal/domain/progress"
	sessiondomain "switchboard/internal/domain/session"
	"switchboard/internal/infra/external/claudecode"
	serrors "switchboard/internal/shared/errors"
	"switchboard/internal/shared/logging"
)

// ExecuteCommand runs prompt against a session, creating the session when
// opts.SessionID is absent or unknown. The pending exchange is appended
// before dispatch so history shows in-flight work. Commands on one session
// run strictly one at a time in submission order.
func (s *Store) ExecuteCommand(ctx context.Context, prompt string, opts ExecuteOptions) (*ExecuteResult, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, serrors.New(serrors.KindValidation, "prompt is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	sessionID, index, err := s.admit(prompt, opts)
	if err != nil {
		return nil, err
	}
	if opts.OnSession != nil {
		opts.OnSession(sessionID)
	}
	logger := logging.WithLogID(s.logger, opts.RunID)

	if err := s.invoker.Available(); err != nil {
		logger.Error("Executable unavailable for session %s: %v", sessionID, err)
		s.finishFailure(sessionID, index, 0, err)
		s.publishFinal(sessionID, opts.RunID, false, err.Error())
		return &ExecuteResult{SessionID: sessionID}, err
	}

	var started atomic.Bool
	future, err := s.scheduler.Submit(ctx, scheduler.Task{
		Key:   sessionID,
		Name:  "execute-command",
		RunID: opts.RunID,
		Fn: func(taskCtx context.Context) (any, error) {
			started.Store(true)
			return s.run(taskCtx, sessionID, index, prompt, opts)
		},
	})
	if err != nil {
		s.finishFailure(sessionID, index, 0, err)
		s.publishFinal(sessionID, opts.RunID, false, err.Error())
		return &ExecuteResult{SessionID: sessionID}, err
	}

	// Cancelling ctx cancels the task itself, so waiting for the future
	// always terminates and the exchange is settled exactly once.
	res, err := scheduler.Await[*ExecuteResult](context.Background(), future)
	if err != nil && !started.Load() {
		s.finishFailure(sessionID, index, 0, err)
		s.publishFinal(sessionID, opts.RunID, false, err.Error())
	}
	if res == nil {
		res = &ExecuteResult{SessionID: sessionID}
	}
	return res, err
}

// admit resolves or creates the session and appends the pending exchange.
func (s *Store) admit(prompt string, opts ExecuteOptions) (string, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", 0, serrors.New(serrors.KindUnavailable, "session store is shut down")
	}

	e, ok := s.sessions[strings.TrimSpace(opts.SessionID)]
	if !ok {
		sess := s.newSessionLocked(opts.WorkingDirectory, opts.Context, opts.Model)
		e = s.sessions[sess.ID]
		if opts.SessionID != "" {
			s.logger.Info("Session %s unknown, created %s", opts.SessionID, sess.ID)
		}
	}

	e.session.History = append(e.session.History, sessiondomain.Exchange{
		Timestamp: s.now(),
		Prompt:    prompt,
	})
	e.pending++
	e.session.LastActivity = s.now()
	return e.session.ID, len(e.session.History) - 1, nil
}

func (s *Store) run(ctx context.Context, sessionID string, index int, prompt string, opts ExecuteOptions) (*ExecuteResult, error) {
	stage := func(st progressdomain.Stage, msg string) {
		if opts.OnStage != nil {
			opts.OnStage(st, msg)
		}
	}
	logger := logging.WithLogID(s.logger, opts.RunID)
	stage(progressdomain.StageInitializing, "admitted")

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	e, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return nil, serrors.New(serrors.KindCancelled, "session %s was terminated", sessionID)
	}
	e.nextID++
	execID := e.nextID
	e.execID = execID
	e.cancel = cancel
	e.session.Status = sessiondomain.StatusProcessing
	e.session.LastActivity = s.now()
	snapshot := e.session.Clone()
	s.mu.Unlock()

	defer s.releaseCancel(sessionID, execID)

	text, token := BuildPrompt(snapshot, prompt)
	model := opts.Model
	if model == "" {
		model = snapshot.Metadata.Model
	}
	stage(progressdomain.StageLoadingContext, string(snapshot.Mode))
	logger.Info("Executing on session %s (mode=%s, history=%d)", sessionID, snapshot.Mode, len(snapshot.CompletedExchanges()))

	workingDir := opts.WorkingDirectory
	if workingDir == "" {
		workingDir = snapshot.WorkingDirectory
	}

	started := s.now()
	result, err := s.invoker.Invoke(execCtx, claudecode.Request{
		Prompt:            text,
		WorkingDirectory:  workingDir,
		ContinuationToken: token,
		Model:             model,
		Flags:             opts.Flags,
		Timeout:           opts.Timeout,
		LogID:             opts.RunID,
		OnStart:           func() { stage(progressdomain.StageProcessing, "process started") },
		OnChunk: func(stream claudecode.Stream, data []byte) {
			kind := sessiondomain.ChunkStdout
			if stream == claudecode.StreamStderr {
				kind = sessiondomain.ChunkStderr
			}
			s.publish(sessiondomain.OutputChunk{
				SessionID: sessionID,
				RunID:     opts.RunID,
				Kind:      kind,
				Data:      string(data),
				Timestamp: s.now(),
			})
		},
	})
	elapsed := s.now().Sub(started).Milliseconds()

	if err != nil {
		s.finishFailure(sessionID, index, elapsed, err)
		s.publishFinal(sessionID, opts.RunID, false, err.Error())
		return &ExecuteResult{SessionID: sessionID, ExecutionTimeMs: elapsed}, err
	}

	stage(progressdomain.StageParsingResponse, "process exited")
	stage(progressdomain.StageSavingResults, "updating history")
	out := &ExecuteResult{
		SessionID:         sessionID,
		Output:            result.Text,
		ContinuationToken: result.ContinuationToken,
		ExecutionTimeMs:   elapsed,
		Usage:             result.Usage,
		CostUSD:           result.CostUSD,
		ParseFailed:       result.ParseFailed,
	}
	s.finishSuccess(sessionID, index, out)
	s.publishFinal(sessionID, opts.RunID, true, result.Text)
	return out, nil
}

func (s *Store) releaseCancel(sessionID string, execID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.sessions[sessionID]; ok && e.execID == execID {
		e.cancel = nil
	}
}

func (s *Store) finishSuccess(sessionID string, index int, res *ExecuteResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	e.pending--
	sess := e.session
	if index < len(sess.History) {
		response := res.Output
		ex := &sess.History[index]
		ex.Response = &response
		ex.Success = true
		ex.ExecutionTimeMs = res.ExecutionTimeMs
		ex.ContinuationToken = res.ContinuationToken
		ex.Error = ""
	}
	sess.Metadata.TokenUsage.Input += res.Usage.InputTokens
	sess.Metadata.TokenUsage.Output += res.Usage.OutputTokens
	sess.Metadata.TokenUsage.EstimatedCost += res.CostUSD
	sess.Metadata.ContinuationToken = res.ContinuationToken
	sess.Mode = nextMode(res.ContinuationToken)
	sess.Status = sessiondomain.StatusIdle
	sess.LastActivity = s.now()
}

// finishFailure marks the exchange unsuccessful with its diagnostic. The mode
// is left untouched so the next call retries with the same context strategy.
func (s *Store) finishFailure(sessionID string, index int, elapsed int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	e.pending--
	sess := e.session
	if index < len(sess.History) {
		ex := &sess.History[index]
		ex.Success = false
		ex.ExecutionTimeMs = elapsed
		ex.Error = diagnostic(err)
	}
	if serrors.IsKind(err, serrors.KindCancelled) {
		sess.Status = sessiondomain.StatusIdle
	} else {
		sess.Status = sessiondomain.StatusError
	}
	sess.LastActivity = s.now()
}

func diagnostic(err error) string {
	var typed *serrors.Error
	if serrors.As(err, &typed) && strings.TrimSpace(typed.Stderr) != "" {
		return strings.TrimSpace(typed.Stderr)
	}
	return err.Error()
}
