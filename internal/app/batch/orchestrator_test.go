package batch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/app/progress"
	"switchboard/internal/app/runner"
	"switchboard/internal/app/runstore"
	"switchboard/internal/app/session"
	"switchboard/internal/domain/run"
	"switchboard/internal/infra/external/claudecode"
	serrors "switchboard/internal/shared/errors"
)

type scriptedSessions struct {
	mu       sync.Mutex
	killed   map[string]bool
	next     atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	respond  func(prompt string) (string, error)
}

func (s *scriptedSessions) ExecuteCommand(ctx context.Context, prompt string, opts session.ExecuteOptions) (*session.ExecuteResult, error) {
	sessionID := fmt.Sprintf("session-%d", s.next.Add(1))
	if opts.OnSession != nil {
		opts.OnSession(sessionID)
	}
	cur := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		seen := s.maxSeen.Load()
		if cur <= seen || s.maxSeen.CompareAndSwap(seen, cur) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)

	text, err := s.respond(prompt)
	if err != nil {
		return &session.ExecuteResult{SessionID: sessionID}, err
	}
	return &session.ExecuteResult{
		SessionID: sessionID,
		Output:    text,
		Usage:     claudecode.Usage{InputTokens: 100, OutputTokens: 20},
	}, nil
}

func (s *scriptedSessions) KillSession(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.killed == nil {
		s.killed = map[string]bool{}
	}
	s.killed[sessionID] = true
	return true
}

type fixture struct {
	orch     *Orchestrator
	runs     *runstore.Store
	tracker  *progress.Tracker
	sessions *scriptedSessions
}

func newFixture(t *testing.T, respond func(prompt string) (string, error), opts ...Option) *fixture {
	t.Helper()
	runs, err := runstore.New(t.TempDir())
	require.NoError(t, err)
	tracker := progress.NewTracker()
	t.Cleanup(tracker.Close)
	sessions := &scriptedSessions{respond: respond}
	r := runner.New(sessions, runs, tracker)
	return &fixture{orch: New(r, tracker, opts...), runs: runs, tracker: tracker, sessions: sessions}
}

func TestGenerateCommitMessagesContinuesOnError(t *testing.T) {
	f := newFixture(t, func(prompt string) (string, error) {
		if strings.Contains(prompt, "Repository: broken") {
			return "", &serrors.Error{Kind: serrors.KindProcessFailure, Message: "claude exited: exit status 1", ExitCode: 1, Stderr: "fatal: bad diff"}
		}
		return "```json\n{\"message\": \"feat: update handlers\", \"confidence\": 0.92}\n```", nil
	})

	in := Input{Items: []RepoCommitRequest{
		{Repository: "api", Diff: "diff --git a/a b/a"},
		{Repository: "web", Diff: "diff --git a/b b/b"},
		{Repository: "empty", Diff: "   "},
		{Repository: "broken", Diff: "diff --git a/c b/c"},
		{Repository: "docs", Diff: "diff --git a/d b/d", RecentHistory: "docs: fix typo"},
	}}
	res, err := f.orch.GenerateCommitMessages(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, 5, res.TotalRepositories)
	assert.Equal(t, 3, res.SuccessCount)
	require.Len(t, res.Results, 5)
	failures := 0
	for _, r := range res.Results {
		if !r.Success {
			failures++
			require.NotNil(t, r.Error, r.Repository)
		}
	}
	assert.Equal(t, res.TotalRepositories, res.SuccessCount+failures)

	assert.Equal(t, "feat: update handlers", res.Results[0].Message)
	assert.InDelta(t, 0.92, res.Results[0].Confidence, 0.0001)
	assert.Equal(t, "VALIDATION", res.Results[2].Error.Code)
	assert.False(t, res.Results[2].Error.Recoverable)
	assert.Equal(t, "PROCESS_FAILURE", res.Results[3].Error.Code)
	assert.Equal(t, 3*120, res.TotalTokenUsage)

	runs, total, err := f.runs.ListRuns(context.Background(), run.ListFilter{BatchID: res.BatchID})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	for _, r := range runs {
		assert.True(t, r.Status.IsTerminal())
	}

	bp, ok := f.tracker.BatchProgress(res.BatchID)
	require.True(t, ok)
	assert.True(t, bp.IsComplete)
	assert.Equal(t, 3, bp.CompletedOperations)
	assert.Equal(t, 2, bp.FailedOperations)

	// Every executed item ran on its own session, torn down afterwards.
	assert.Len(t, f.sessions.killed, 4)
}

func TestGenerateCommitMessagesRespectsFanout(t *testing.T) {
	f := newFixture(t, func(string) (string, error) {
		return `{"message":"chore: bump"}`, nil
	}, WithMaxFanout(2))
	items := make([]RepoCommitRequest, 6)
	for i := range items {
		items[i] = RepoCommitRequest{Repository: fmt.Sprintf("repo-%d", i), Diff: "diff"}
	}
	res, err := f.orch.GenerateCommitMessages(context.Background(), Input{Items: items})
	require.NoError(t, err)
	assert.Equal(t, 6, res.SuccessCount)
	assert.LessOrEqual(t, f.sessions.maxSeen.Load(), int32(2))
	assert.Equal(t, defaultConfidence, res.Results[0].Confidence)
}

func TestStartCommitMessagesRegistersBeforeExecuting(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, func(string) (string, error) {
		<-release
		return `{"message":"fix: handle nil"}`, nil
	})
	in := Input{
		BatchID: "batch-nightly",
		Timeout: time.Minute,
		Items: []RepoCommitRequest{
			{Repository: "api", WorkingDirectory: "/srv/api", Diff: "diff --git a/a b/a"},
			{Repository: "web", WorkingDirectory: "/srv/web", Diff: "diff --git a/b b/b"},
		},
	}
	b, err := f.orch.StartCommitMessages(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "batch-nightly", b.ID)
	require.Len(t, b.RunIDs, 2)

	bp, ok := f.tracker.BatchProgress("batch-nightly")
	require.True(t, ok)
	assert.False(t, bp.IsComplete)
	assert.Equal(t, 2, bp.TotalOperations)

	stored, err := f.runs.GetRun(context.Background(), b.RunIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "/srv/api", stored.Input.WorkingDirectory)
	assert.Equal(t, int64(60000), stored.Input.TimeoutMs)

	_, err = f.orch.StartCommitMessages(context.Background(), in)
	assert.True(t, serrors.IsKind(err, serrors.KindValidation))

	close(release)
	select {
	case <-b.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not finish")
	}
	res := b.Wait()
	require.NotNil(t, res)
	assert.Equal(t, "batch-nightly", res.BatchID)
	assert.Equal(t, 2, res.SuccessCount)
}

func TestGenerateCommitMessagesRejectsEmptyBatch(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.orch.GenerateCommitMessages(context.Background(), Input{})
	assert.True(t, serrors.IsKind(err, serrors.KindValidation))
}

func TestDecodeCommitMessageFallsBackToText(t *testing.T) {
	out, err := DecodeCommitMessage(&session.ExecuteResult{Output: "fix: handle nil pointer in parser"})
	require.NoError(t, err)
	assert.Equal(t, "fix: handle nil pointer in parser", out.Message)
	assert.Equal(t, defaultConfidence, out.Confidence)

	out, err = DecodeCommitMessage(&session.ExecuteResult{Output: `Here you go: {"message": "feat: x", "confidence": 3,}`})
	require.NoError(t, err)
	assert.Equal(t, "feat: x", out.Message)
	assert.Equal(t, 1.0, out.Confidence)

	_, err = DecodeCommitMessage(&session.ExecuteResult{Output: "  "})
	assert.True(t, serrors.IsKind(err, serrors.KindParseFailure))
}

func TestGenerateExecutiveSummary(t *testing.T) {
	var prompt string
	f := newFixture(t, func(p string) (string, error) {
		prompt = p
		return `{"summary":"Mostly refactors.","themes":["refactor"," ","api"],"riskLevel":"CRITICAL","suggestedActions":["review api"]}`, nil
	})
	sum, err := f.orch.GenerateExecutiveSummary(context.Background(), SummaryInput{CommitMessages: []CommitMessage{
		{Repository: "api", Message: "refactor: split handlers"},
		{Repository: "web", Message: ""},
	}})
	require.NoError(t, err)
	assert.True(t, sum.Success)
	assert.NotEmpty(t, sum.RunID)
	assert.Equal(t, "Mostly refactors.", sum.Summary)
	assert.Equal(t, []string{"refactor", "api"}, sum.Themes)
	assert.Equal(t, RiskHigh, sum.RiskLevel)
	assert.Equal(t, []string{"review api"}, sum.SuggestedActions)
	assert.Contains(t, prompt, "- [api] refactor: split handlers")
	assert.NotContains(t, prompt, "[web]")

	stored, err := f.runs.GetRun(context.Background(), sum.RunID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusSuccess, stored.Status)
}

func TestGenerateExecutiveSummaryFailure(t *testing.T) {
	f := newFixture(t, func(string) (string, error) {
		return "", serrors.New(serrors.KindTimeout, "claude timed out after 30m0s")
	})
	sum, err := f.orch.GenerateExecutiveSummary(context.Background(), SummaryInput{CommitMessages: []CommitMessage{{Repository: "a", Message: "m"}}})
	require.Error(t, err)
	assert.False(t, sum.Success)
	require.NotNil(t, sum.Error)
	assert.True(t, sum.Error.Recoverable)

	_, err = f.orch.GenerateExecutiveSummary(context.Background(), SummaryInput{})
	assert.True(t, serrors.IsKind(err, serrors.KindValidation))
}

func TestNormalizeRiskLevel(t *testing.T) {
	cases := map[string]string{"Low": RiskLow, "none": RiskLow, "HIGH": RiskHigh, "severe": RiskHigh, "moderate": RiskMedium, "": RiskMedium}
	for raw, want := range cases {
		assert.Equal(t, want, NormalizeRiskLevel(raw), raw)
	}
}

func TestDecodeSummaryPlainText(t *testing.T) {
	sum, err := decodeSummary("Nothing risky here.")
	require.NoError(t, err)
	assert.Equal(t, "Nothing risky here.", sum.Summary)
	assert.Equal(t, RiskMedium, sum.RiskLevel)
	assert.Empty(t, sum.Themes)
}
