package claudecode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"switchboard/internal/infra/external/subprocess"
	serrors "switchboard/internal/shared/errors"
	"switchboard/internal/shared/logging"
)

const (
	defaultBinary      = "claude"
	defaultTimeout     = 30 * time.Minute
	defaultGracePeriod = 5 * time.Second
)

// Stream tags a chunk of live process output.
type Stream string

const (
	StreamStdout Stream = "STDOUT"
	StreamStderr Stream = "STDERR"
)

// Config configures the Claude CLI invoker.
type Config struct {
	BinaryPath   string
	APIKey       string
	DefaultModel string
	// ExtraArgs are appended to every invocation before per-request flags.
	ExtraArgs   []string
	Timeout     time.Duration
	GracePeriod time.Duration
	Env         map[string]string
}

// Request is a single one-shot invocation.
type Request struct {
	Prompt            string
	WorkingDirectory  string
	ContinuationToken string
	Model             string
	Flags             []string
	Env               map[string]string
	// Timeout overrides the configured ceiling when positive.
	Timeout time.Duration
	// OnStart runs once the process has been spawned.
	OnStart func()
	// OnChunk receives output as it is produced. Calls are serialized.
	OnChunk func(stream Stream, data []byte)
	// LogID tags log lines for this invocation, usually the run id.
	LogID string
}

// Usage reports token counts from the result envelope.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// Result is the decoded outcome of a successful invocation.
type Result struct {
	Text              string
	ContinuationToken string
	CostUSD           float64
	Usage             Usage
	NumTurns          int
	DurationMs        int64
	Raw               string
	// ParseFailed is set when stdout was not a JSON envelope and Text holds
	// the raw output.
	ParseFailed bool
}

// Invoker runs the Claude CLI once per call with the prompt as an argument.
type Invoker struct {
	cfg               Config
	logger            logging.Logger
	lookPath          func(string) (string, error)
	subprocessFactory func(subprocess.Config) subprocessRunner
	now               func() time.Time
}

type subprocessRunner interface {
	Start(ctx context.Context) error
	StderrTail() string
	Wait() error
	Stop() error
	ExitCode() int
}

func New(cfg Config) *Invoker {
	if strings.TrimSpace(cfg.BinaryPath) == "" {
		cfg.BinaryPath = defaultBinary
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	return &Invoker{
		cfg:               cfg,
		logger:            logging.NewProcessLogger("ClaudeInvoker"),
		lookPath:          exec.LookPath,
		subprocessFactory: func(cfg subprocess.Config) subprocessRunner { return subprocess.New(cfg) },
		now:               time.Now,
	}
}

// Available reports whether the configured binary can be resolved.
func (e *Invoker) Available() error {
	if _, err := e.lookPath(e.cfg.BinaryPath); err != nil {
		return serrors.Wrap(serrors.KindUnavailable, err, fmt.Sprintf("claude executable %q is not available", e.cfg.BinaryPath))
	}
	return nil
}

// BuildArgs returns the argv (without the binary) for req.
func (e *Invoker) BuildArgs(req Request) []string {
	args := []string{"-p", "--output-format", "json"}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = e.cfg.DefaultModel
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if token := strings.TrimSpace(req.ContinuationToken); token != "" {
		args = append(args, "--resume", token)
	}
	args = append(args, e.cfg.ExtraArgs...)
	args = append(args, req.Flags...)
	return append(args, "--", req.Prompt)
}

func (e *Invoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, serrors.New(serrors.KindValidation, "prompt is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	logger := logging.WithLogID(e.logger, req.LogID)

	timeout := e.cfg.Timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	env := cloneStringMap(e.cfg.Env)
	for k, v := range req.Env {
		if env == nil {
			env = make(map[string]string, len(req.Env))
		}
		env[k] = v
	}
	if e.cfg.APIKey != "" {
		if env == nil {
			env = make(map[string]string, 1)
		}
		env["ANTHROPIC_API_KEY"] = e.cfg.APIKey
	}

	var stdout bytes.Buffer
	var chunkMu sync.Mutex
	proc := e.subprocessFactory(subprocess.Config{
		Command:     e.cfg.BinaryPath,
		Args:        e.BuildArgs(req),
		Env:         env,
		WorkingDir:  req.WorkingDirectory,
		GracePeriod: e.cfg.GracePeriod,
		Stdout:      &chunkWriter{stream: StreamStdout, mu: &chunkMu, buf: &stdout, onChunk: req.OnChunk},
		Stderr:      &chunkWriter{stream: StreamStderr, mu: &chunkMu, onChunk: req.OnChunk},
	})

	started := e.now()
	logger.Info("Invoking %s (resume=%t, dir=%s, timeout=%s)", e.cfg.BinaryPath, req.ContinuationToken != "", req.WorkingDirectory, timeout)
	if err := proc.Start(runCtx); err != nil {
		logger.Error("Spawn failed: %v", err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, serrors.Wrap(serrors.KindCancelled, ctxErr, "claude invocation cancelled before start")
		}
		return nil, serrors.Wrap(serrors.KindUnavailable, err, "spawn claude")
	}
	defer func() { _ = proc.Stop() }()
	if req.OnStart != nil {
		req.OnStart()
	}

	waitErr := proc.Wait()
	elapsed := e.now().Sub(started)

	chunkMu.Lock()
	raw := stdout.String()
	chunkMu.Unlock()

	if runCtx.Err() != nil {
		if ctx.Err() != nil {
			logger.Warn("Invocation cancelled after %s", elapsed)
			return nil, serrors.Wrap(serrors.KindCancelled, ctx.Err(), "claude invocation cancelled")
		}
		logger.Warn("Invocation timed out after %s", timeout)
		return nil, &serrors.Error{
			Kind:     serrors.KindTimeout,
			Message:  fmt.Sprintf("claude timed out after %s", timeout),
			Err:      context.DeadlineExceeded,
			ExitCode: proc.ExitCode(),
			Stderr:   proc.StderrTail(),
		}
	}
	if waitErr != nil {
		tail := proc.StderrTail()
		msg := maybeAppendClaudeAuthHint(formatProcessError("claude", waitErr, tail), tail)
		logger.Error("Invocation failed after %s: %s", elapsed, msg)
		return nil, &serrors.Error{
			Kind:     serrors.KindProcessFailure,
			Message:  msg,
			Err:      waitErr,
			ExitCode: proc.ExitCode(),
			Stderr:   tail,
		}
	}

	result, err := parseResult(raw)
	if err != nil {
		logger.Error("Unusable output after %s: %v", elapsed, err)
		return nil, err
	}
	if result.DurationMs == 0 {
		result.DurationMs = elapsed.Milliseconds()
	}
	logger.Info("Invocation finished in %s (tokens=%d, cost=%.4f, parse_failed=%t)", elapsed, result.Usage.Total(), result.CostUSD, result.ParseFailed)
	return result, nil
}

type chunkWriter struct {
	stream  Stream
	mu      *sync.Mutex
	buf     *bytes.Buffer
	onChunk func(Stream, []byte)
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf != nil {
		w.buf.Write(p)
	}
	if w.onChunk != nil && len(p) > 0 {
		chunk := make([]byte, len(p))
		copy(chunk, p)
		w.onChunk(w.stream, chunk)
	}
	return len(p), nil
}

func cloneStringMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func formatProcessError(agentName string, err error, stderrTail string) string {
	name := strings.TrimSpace(agentName)
	if name == "" {
		name = "external agent"
	}
	msg := fmt.Sprintf("%s exited: %v", name, err)
	if detail := exitDetail(err); detail != "" {
		msg = fmt.Sprintf("%s (%s)", msg, detail)
	}
	if tail := compactTail(stderrTail, 400); tail != "" {
		msg = fmt.Sprintf("%s | stderr tail: %s", msg, tail)
	}
	return msg
}

func maybeAppendClaudeAuthHint(msg string, stderrTail string) string {
	if !containsAny(stderrTail, []string{"not logged", "unauthorized", "invalid api key"}) {
		return msg
	}
	return fmt.Sprintf("%s Hint: ensure the Claude CLI is logged in (e.g. run `claude login`).", msg)
}

func containsAny(input string, needles []string) bool {
	lower := strings.ToLower(input)
	for _, needle := range needles {
		if needle == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(needle)) {
			return true
		}
	}
	return false
}

func compactTail(tail string, limit int) string {
	trimmed := strings.TrimSpace(tail)
	if trimmed == "" {
		return ""
	}
	compact := strings.Join(strings.Fields(trimmed), " ")
	if limit > 0 && len(compact) > limit {
		return compact[len(compact)-limit:]
	}
	return compact
}

type exitCoder interface {
	ExitCode() int
}

func exitDetail(err error) string {
	if err == nil {
		return ""
	}
	detail := ""
	var exitErr exitCoder
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			detail = fmt.Sprintf("exit=%d", code)
		}
	}
	if execErr := new(exec.ExitError); errors.As(err, &execErr) {
		if status, ok := execErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			if detail == "" {
				detail = fmt.Sprintf("signal=%s", status.Signal())
			} else {
				detail = fmt.Sprintf("%s signal=%s", detail, status.Signal())
			}
		}
	}
	return detail
}
