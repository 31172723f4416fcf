package runner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/app/progress"
	"switchboard/internal/app/pubsub"
	"switchboard/internal/app/runstore"
	"switchboard/internal/app/session"
	progressdomain "switchboard/internal/domain/progress"
	"switchboard/internal/domain/run"
	serrors "switchboard/internal/shared/errors"
)

type fakeSessions struct {
	mu      sync.Mutex
	killed  []string
	prompts []string
	exec    func(ctx context.Context, prompt string, opts session.ExecuteOptions) (*session.ExecuteResult, error)
}

func (f *fakeSessions) ExecuteCommand(ctx context.Context, prompt string, opts session.ExecuteOptions) (*session.ExecuteResult, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = "session-new"
	}
	if opts.OnSession != nil {
		opts.OnSession(sessionID)
	}
	for _, stage := range []progressdomain.Stage{
		progressdomain.StageInitializing,
		progressdomain.StageLoadingContext,
		progressdomain.StageProcessing,
	} {
		opts.OnStage(stage, "")
	}
	if f.exec != nil {
		return f.exec(ctx, prompt, opts)
	}
	opts.OnStage(progressdomain.StageParsingResponse, "")
	opts.OnStage(progressdomain.StageSavingResults, "")
	return &session.ExecuteResult{SessionID: sessionID, Output: "done: " + prompt}, nil
}

func (f *fakeSessions) KillSession(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, sessionID)
	return true
}

type fixture struct {
	runner   *Runner
	runs     *runstore.Store
	tracker  *progress.Tracker
	sessions *fakeSessions
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	runs, err := runstore.New(t.TempDir())
	require.NoError(t, err)
	tracker := progress.NewTracker()
	t.Cleanup(tracker.Close)
	sessions := &fakeSessions{}
	return &fixture{runner: New(sessions, runs, tracker), runs: runs, tracker: tracker, sessions: sessions}
}

func collectStages(t *testing.T, sub *pubsub.Subscription[progressdomain.Event]) []progressdomain.Stage {
	t.Helper()
	var out []progressdomain.Stage
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return out
			}
			out = append(out, ev.Stage)
		case <-timeout:
			t.Fatal("progress stream did not end")
		}
	}
}

func TestExecuteSuccessRecordsOutput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	record, err := f.runner.Create(ctx, run.NewRun{Input: run.Input{Prompt: "list files"}})
	require.NoError(t, err)

	sub, err := f.tracker.SubscribeRun(record.ID)
	require.NoError(t, err)

	outcome, err := f.runner.Execute(ctx, record, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, run.StatusSuccess, outcome.Run.Status)
	assert.Equal(t, "session-new", outcome.Run.SessionID)
	assert.Equal(t, "done: list files", outcome.Run.Output.Message)
	assert.Empty(t, f.sessions.killed)

	assert.Equal(t, []progressdomain.Stage{
		progressdomain.StageInitializing,
		progressdomain.StageLoadingContext,
		progressdomain.StageProcessing,
		progressdomain.StageParsingResponse,
		progressdomain.StageSavingResults,
		progressdomain.StageCompleted,
	}, collectStages(t, sub))
	assert.Equal(t, 0, f.runner.Active())
}

func TestExecuteTimeoutFailsRecoverably(t *testing.T) {
	f := newFixture(t)
	f.sessions.exec = func(ctx context.Context, prompt string, opts session.ExecuteOptions) (*session.ExecuteResult, error) {
		return &session.ExecuteResult{SessionID: "session-new"}, serrors.New(serrors.KindTimeout, "claude timed out after %s", "30m0s")
	}
	ctx := context.Background()
	record, err := f.runner.Create(ctx, run.NewRun{Input: run.Input{Prompt: "analyse monorepo"}})
	require.NoError(t, err)

	outcome, err := f.runner.Execute(ctx, record, ExecuteOptions{OneShot: true})
	require.Error(t, err)
	require.NotNil(t, outcome.Run)
	assert.Equal(t, run.StatusFailed, outcome.Run.Status)
	require.NotNil(t, outcome.Run.Error)
	assert.Equal(t, "TIMEOUT", outcome.Run.Error.Code)
	assert.True(t, outcome.Run.Error.Recoverable)
	assert.True(t, f.runs.IsRecoverable(err))
	assert.Equal(t, []string{"session-new"}, f.sessions.killed)

	ev, ok := f.tracker.RunProgress(record.ID)
	require.True(t, ok)
	assert.Equal(t, progressdomain.StageFailed, ev.Stage)
	assert.True(t, ev.IsComplete)
}

func TestCancelStopsActiveRun(t *testing.T) {
	f := newFixture(t)
	entered := make(chan struct{})
	f.sessions.exec = func(ctx context.Context, prompt string, opts session.ExecuteOptions) (*session.ExecuteResult, error) {
		close(entered)
		<-ctx.Done()
		return nil, serrors.Wrap(serrors.KindCancelled, ctx.Err(), "claude invocation cancelled")
	}
	ctx := context.Background()
	record, err := f.runner.Create(ctx, run.NewRun{Input: run.Input{Prompt: "slow"}})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := f.runner.Execute(ctx, record, ExecuteOptions{})
		done <- err
	}()
	<-entered
	assert.True(t, f.runner.Cancel(record.ID))

	require.True(t, serrors.IsKind(<-done, serrors.KindCancelled))
	assert.False(t, f.runner.Cancel(record.ID))

	stored, err := f.runs.GetRun(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, stored.Status)
	assert.Equal(t, "CANCELLED", stored.Error.Code)
	ev, _ := f.tracker.RunProgress(record.ID)
	assert.Equal(t, progressdomain.StageCancelled, ev.Stage)
}

func TestDecoderErrorFailsRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	record, err := f.runner.Create(ctx, run.NewRun{Input: run.Input{Prompt: "x"}})
	require.NoError(t, err)

	_, err = f.runner.Execute(ctx, record, ExecuteOptions{Decode: func(*session.ExecuteResult) (*run.Output, error) {
		return nil, serrors.New(serrors.KindParseFailure, "no message")
	}})
	require.Error(t, err)
	stored, err := f.runs.GetRun(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, "PARSE_FAILURE", stored.Error.Code)
	assert.False(t, stored.Error.Recoverable)
}

func TestFailWithoutInvocation(t *testing.T) {
	f := newFixture(t)
	record, err := f.runner.Create(context.Background(), run.NewRun{Input: run.Input{Prompt: "x"}})
	require.NoError(t, err)
	failed := f.runner.Fail(record, serrors.New(serrors.KindValidation, "diff is required"))
	require.NotNil(t, failed)
	assert.Equal(t, "VALIDATION", failed.Error.Code)
	assert.Empty(t, f.sessions.prompts)
}

func TestExecuteSkipsRunCancelledWhileQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	record, err := f.runner.Create(ctx, run.NewRun{Input: run.Input{Prompt: "x"}})
	require.NoError(t, err)
	f.runner.Fail(record, serrors.New(serrors.KindCancelled, "run %s cancelled", record.ID))

	outcome, err := f.runner.Execute(ctx, record, ExecuteOptions{})
	require.Error(t, err)
	assert.True(t, serrors.IsKind(err, serrors.KindCancelled))
	assert.True(t, serrors.IsRecoverable(err))
	require.NotNil(t, outcome.Run)
	assert.Equal(t, "CANCELLED", outcome.Run.Error.Code)
	assert.Empty(t, f.sessions.prompts)

	stored, err := f.runs.GetRun(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, "CANCELLED", stored.Error.Code)
	assert.True(t, stored.Error.Recoverable)
	ev, ok := f.tracker.RunProgress(record.ID)
	require.True(t, ok)
	assert.Equal(t, progressdomain.StageCancelled, ev.Stage)
}

func TestExecuteFallsBackToRecordedInvocation(t *testing.T) {
	f := newFixture(t)
	var got session.ExecuteOptions
	f.sessions.exec = func(_ context.Context, prompt string, opts session.ExecuteOptions) (*session.ExecuteResult, error) {
		got = opts
		return &session.ExecuteResult{SessionID: "session-new", Output: "ok"}, nil
	}
	ctx := context.Background()
	record, err := f.runner.Create(ctx, run.NewRun{Input: run.Input{
		Prompt:           "x",
		WorkingDirectory: "/srv/app",
		Flags:            []string{"--max-turns", "2"},
		TimeoutMs:        90000,
	}})
	require.NoError(t, err)

	_, err = f.runner.Execute(ctx, record, ExecuteOptions{OneShot: true})
	require.NoError(t, err)
	assert.Equal(t, "/srv/app", got.WorkingDirectory)
	assert.Equal(t, []string{"--max-turns", "2"}, got.Flags)
	assert.Equal(t, 90*time.Second, got.Timeout)
}

func TestStoredErrorRebuildsKind(t *testing.T) {
	assert.NoError(t, StoredError(&run.AgentRun{}))
	err := StoredError(&run.AgentRun{Error: &run.Error{Code: "TIMEOUT", Message: "slow", Recoverable: true}})
	assert.True(t, serrors.IsKind(err, serrors.KindTimeout))
	assert.True(t, serrors.IsRecoverable(err))
	assert.EqualError(t, err, "slow")
}

func TestPlainOutput(t *testing.T) {
	out, err := PlainOutput(&session.ExecuteResult{Output: "hi", ParseFailed: true})
	require.NoError(t, err)
	assert.Equal(t, 0.5, out.Confidence)
	_, err = PlainOutput(&session.ExecuteResult{})
	assert.True(t, serrors.IsKind(err, serrors.KindParseFailure))
}
