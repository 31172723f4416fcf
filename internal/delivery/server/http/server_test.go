package http

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/app/batch"
	"switchboard/internal/app/coordinator"
	"switchboard/internal/app/progress"
	"switchboard/internal/app/runner"
	"switchboard/internal/app/runstore"
	"switchboard/internal/app/scheduler"
	"switchboard/internal/app/session"
	progressdomain "switchboard/internal/domain/progress"
	"switchboard/internal/domain/run"
	"switchboard/internal/infra/external/claudecode"
	"switchboard/internal/infra/observability"
	serrors "switchboard/internal/shared/errors"
	jsonx "switchboard/internal/shared/json"
)

type stubInvoker struct {
	mu      sync.Mutex
	calls   int
	respond func(req claudecode.Request) (*claudecode.Result, error)
}

func (s *stubInvoker) Available() error { return nil }

func (s *stubInvoker) Invoke(_ context.Context, req claudecode.Request) (*claudecode.Result, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.respond != nil {
		return s.respond(req)
	}
	return &claudecode.Result{Text: "done: " + req.Prompt, ContinuationToken: "tok"}, nil
}

type testEnv struct {
	server  *httptest.Server
	invoker *stubInvoker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	inv := &stubInvoker{}
	sched := scheduler.New(scheduler.Config{MaxConcurrent: 2})
	sessions := session.NewStore(inv, sched)
	runs, err := runstore.New(t.TempDir())
	require.NoError(t, err)
	tracker := progress.NewTracker()
	r := runner.New(sessions, runs, tracker)
	coord := coordinator.New(sessions, runs, tracker, r, batch.New(r, tracker))

	reg := prometheus.NewRegistry()
	srv := NewServer(coord, Config{Host: "127.0.0.1", Port: 0},
		WithMetrics(observability.MustNewMetrics(reg), reg),
		WithSchedulerStats(sched.Stats),
	)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sessions.Shutdown(ctx)
		_ = sched.Close(ctx)
		tracker.Close()
	})
	return &testEnv{server: ts, invoker: inv}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := jsonx.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	status, body := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, status)

	var health HealthResponse
	require.NoError(t, jsonx.Unmarshal(body, &health))
	assert.Equal(t, "ok", health.Status)
	require.NotNil(t, health.Scheduler)
	assert.Equal(t, 2, health.Scheduler.MaxConcurrent)
}

func TestExecuteCommandAndFetchRun(t *testing.T) {
	env := newTestEnv(t)
	status, body := env.do(t, http.MethodPost, "/api/commands", map[string]any{"prompt": "list files"})
	require.Equal(t, http.StatusOK, status, string(body))

	var resp coordinator.CommandResponse
	require.NoError(t, jsonx.Unmarshal(body, &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "done: list files", resp.InitialResponse)
	require.NotEmpty(t, resp.SessionID)

	status, body = env.do(t, http.MethodGet, "/api/runs/"+resp.RunID, nil)
	require.Equal(t, http.StatusOK, status)
	var record run.AgentRun
	require.NoError(t, jsonx.Unmarshal(body, &record))
	assert.Equal(t, run.StatusSuccess, record.Status)

	status, body = env.do(t, http.MethodGet, "/api/runs?status=success", nil)
	require.Equal(t, http.StatusOK, status)
	var list runListResponse
	require.NoError(t, jsonx.Unmarshal(body, &list))
	assert.Equal(t, 1, list.Total)

	status, _ = env.do(t, http.MethodPost, "/api/sessions/"+resp.SessionID+"/continue", map[string]any{"prompt": "next"})
	assert.Equal(t, http.StatusOK, status)
}

func TestErrorMapping(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, http.MethodPost, "/api/commands", map[string]any{"prompt": "  "})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, string(body), `"code":"VALIDATION"`)

	status, _ = env.do(t, http.MethodGet, "/api/sessions/session-missing", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = env.do(t, http.MethodPost, "/api/sessions/session-missing/continue", map[string]any{"prompt": "x"})
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = env.do(t, http.MethodGet, "/api/runs?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.do(t, http.MethodGet, "/api/runs?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestTimeoutReturnsRecordedRun(t *testing.T) {
	env := newTestEnv(t)
	env.invoker.respond = func(claudecode.Request) (*claudecode.Result, error) {
		return nil, serrors.New(serrors.KindTimeout, "claude timed out")
	}

	status, body := env.do(t, http.MethodPost, "/api/commands", map[string]any{"prompt": "slow"})
	require.Equal(t, http.StatusGatewayTimeout, status)

	var resp struct {
		Success bool                        `json:"success"`
		Data    coordinator.CommandResponse `json:"data"`
		Error   APIError                    `json:"error"`
	}
	require.NoError(t, jsonx.Unmarshal(body, &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "TIMEOUT", resp.Error.Code)
	assert.True(t, resp.Error.Recoverable)
	require.NotEmpty(t, resp.Data.RunID)

	status, body = env.do(t, http.MethodPost, "/api/runs/"+resp.Data.RunID+"/cancel", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"cancelled":false`)
}

func TestSessionLifecycleRoutes(t *testing.T) {
	env := newTestEnv(t)
	status, body := env.do(t, http.MethodPost, "/api/sessions", map[string]any{"working_directory": "/tmp"})
	require.Equal(t, http.StatusCreated, status)
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, jsonx.Unmarshal(body, &created))

	status, _ = env.do(t, http.MethodPost, "/api/sessions/"+created.ID+"/fork", nil)
	assert.Equal(t, http.StatusCreated, status)

	status, body = env.do(t, http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 2, strings.Count(string(body), `"status":`))

	status, body = env.do(t, http.MethodDelete, "/api/sessions/"+created.ID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"killed":true`)
}

func TestRunProgressStreamReplaysFinalEvent(t *testing.T) {
	env := newTestEnv(t)
	_, body := env.do(t, http.MethodPost, "/api/commands", map[string]any{"prompt": "hello"})
	var resp coordinator.CommandResponse
	require.NoError(t, jsonx.Unmarshal(body, &resp))

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/ws/runs/" + resp.RunID + "/progress"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var ev progressdomain.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, progressdomain.StageCompleted, ev.Stage)
	assert.True(t, ev.IsComplete)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
}

func TestAsyncBatchStreamsLiveProgress(t *testing.T) {
	env := newTestEnv(t)
	release := make(chan struct{})
	var once sync.Once
	t.Cleanup(func() { once.Do(func() { close(release) }) })
	env.invoker.respond = func(claudecode.Request) (*claudecode.Result, error) {
		<-release
		return &claudecode.Result{Text: `{"message":"feat: add pagination","confidence":0.9}`}, nil
	}

	status, body := env.do(t, http.MethodPost, "/api/batches/commit-messages", map[string]any{
		"batch_id": "batch-weekly",
		"async":    true,
		"items": []map[string]any{
			{"repository": "api", "diff": "diff --git a/a b/a"},
			{"repository": "web", "diff": "diff --git a/b b/b"},
		},
	})
	require.Equal(t, http.StatusAccepted, status, string(body))
	var accepted batchAccepted
	require.NoError(t, jsonx.Unmarshal(body, &accepted))
	assert.Equal(t, "batch-weekly", accepted.BatchID)
	assert.Len(t, accepted.RunIDs, 2)

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/ws/batches/" + accepted.BatchID + "/progress"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	once.Do(func() { close(release) })

	var first progressdomain.BatchProgress
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "batch-weekly", first.BatchID)
	assert.False(t, first.IsComplete)
	assert.Equal(t, 2, first.TotalOperations)

	last := first
	for !last.IsComplete {
		require.NoError(t, conn.ReadJSON(&last))
	}
	assert.Equal(t, 2, last.CompletedOperations)
	assert.Equal(t, 0, last.FailedOperations)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)

	status, _ = env.do(t, http.MethodPost, "/api/batches/commit-messages", map[string]any{
		"batch_id": "batch-weekly",
		"async":    true,
		"items":    []map[string]any{{"repository": "api", "diff": "diff"}},
	})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAsyncCommandIsAccepted(t *testing.T) {
	env := newTestEnv(t)
	release := make(chan struct{})
	var once sync.Once
	t.Cleanup(func() { once.Do(func() { close(release) }) })
	env.invoker.respond = func(req claudecode.Request) (*claudecode.Result, error) {
		<-release
		return &claudecode.Result{Text: "done: " + req.Prompt}, nil
	}

	status, body := env.do(t, http.MethodPost, "/api/commands", map[string]any{"prompt": "build", "async": true})
	require.Equal(t, http.StatusAccepted, status, string(body))
	var resp coordinator.CommandResponse
	require.NoError(t, jsonx.Unmarshal(body, &resp))
	assert.True(t, resp.Pending)
	require.NotEmpty(t, resp.RunID)
	require.NotEmpty(t, resp.SessionID)

	status, body = env.do(t, http.MethodGet, "/api/runs/"+resp.RunID, nil)
	require.Equal(t, http.StatusOK, status)
	var record run.AgentRun
	require.NoError(t, jsonx.Unmarshal(body, &record))
	assert.False(t, record.Status.IsTerminal())

	once.Do(func() { close(release) })
	require.Eventually(t, func() bool {
		status, body := env.do(t, http.MethodGet, "/api/runs/"+resp.RunID, nil)
		if status != http.StatusOK {
			return false
		}
		var r run.AgentRun
		return jsonx.Unmarshal(body, &r) == nil && r.Status == run.StatusSuccess
	}, 5*time.Second, 20*time.Millisecond)
}

func TestListRunsZeroLimitUsesDefaultPage(t *testing.T) {
	env := newTestEnv(t)
	status, body := env.do(t, http.MethodGet, "/api/runs?limit=0", nil)
	require.Equal(t, http.StatusOK, status)
	var list runListResponse
	require.NoError(t, jsonx.Unmarshal(body, &list))
	assert.Equal(t, defaultRunPageSize, list.Limit)

	status, body = env.do(t, http.MethodGet, "/api/runs?limit=9000", nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, jsonx.Unmarshal(body, &list))
	assert.Equal(t, maxRunPageSize, list.Limit)
}

func TestStreamUnknownRunIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	status, _ := env.do(t, http.MethodGet, "/api/ws/runs/run-missing/progress", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodGet, "/health", nil)
	status, body := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `route="/health"`)
}
