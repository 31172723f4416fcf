// Package batch fans commit-message generation out over many repositories
// and synthesises executive summaries from the results.
package batch

import (
	"context"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"switchboard/internal/app/runner"
	"switchboard/internal/app/runstore"
	"switchboard/internal/app/session"
	progressdomain "switchboard/internal/domain/progress"
	"switchboard/internal/domain/run"
	"switchboard/internal/shared/async"
	serrors "switchboard/internal/shared/errors"
	"switchboard/internal/shared/logging"
	id "switchboard/internal/shared/utils/id"
)

const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"

	defaultMaxFanout  = 8
	defaultConfidence = 0.5
)

// Runner executes tracked runs; *runner.Runner implements it.
type Runner interface {
	Create(ctx context.Context, in run.NewRun) (*run.AgentRun, error)
	Execute(ctx context.Context, record *run.AgentRun, opts runner.ExecuteOptions) (*runner.Outcome, error)
	Fail(record *run.AgentRun, err error) *run.AgentRun
}

// Tracker registers batches; *progress.Tracker implements it.
type Tracker interface {
	StartBatch(batchID string, runIDs []string) (progressdomain.BatchProgress, error)
	BatchProgress(batchID string) (progressdomain.BatchProgress, bool)
}

// RepoCommitRequest is one repository of a commit-message batch.
type RepoCommitRequest struct {
	Repository       string `json:"repository"`
	WorkingDirectory string `json:"working_directory,omitempty"`
	Diff             string `json:"diff"`
	RecentHistory    string `json:"recent_history,omitempty"`
}

// Input is a commit-message batch.
type Input struct {
	// BatchID names the batch; empty generates one.
	BatchID     string              `json:"batch_id,omitempty"`
	Items       []RepoCommitRequest `json:"items"`
	Model       string              `json:"model,omitempty"`
	Temperature float64             `json:"temperature,omitempty"`
	Timeout     time.Duration       `json:"-"`
}

// CommitResult is the outcome for one repository.
type CommitResult struct {
	Repository string     `json:"repository"`
	RunID      string     `json:"run_id,omitempty"`
	Success    bool       `json:"success"`
	Message    string     `json:"message,omitempty"`
	Confidence float64    `json:"confidence"`
	TokensUsed int        `json:"tokens_used"`
	Error      *run.Error `json:"error,omitempty"`
}

// Result aggregates a batch. Results keep the order of the input items.
type Result struct {
	BatchID           string         `json:"batch_id"`
	TotalRepositories int            `json:"total_repositories"`
	SuccessCount      int            `json:"success_count"`
	Results           []CommitResult `json:"results"`
	TotalTokenUsage   int            `json:"total_token_usage"`
	ExecutionTimeMs   int64          `json:"execution_time_ms"`
}

// CommitMessage is a message from a prior batch fed into a summary.
type CommitMessage struct {
	Repository string `json:"repository"`
	Message    string `json:"message"`
}

// SummaryInput requests an executive summary.
type SummaryInput struct {
	CommitMessages []CommitMessage `json:"commit_messages"`
	BatchID        string          `json:"batch_id,omitempty"`
	Model          string          `json:"model,omitempty"`
	Timeout        time.Duration   `json:"-"`
}

// Summary is the executive summary of a batch.
type Summary struct {
	RunID            string     `json:"run_id,omitempty"`
	Success          bool       `json:"success"`
	Summary          string     `json:"summary,omitempty"`
	Themes           []string   `json:"themes"`
	RiskLevel        string     `json:"risk_level,omitempty"`
	SuggestedActions []string   `json:"suggested_actions"`
	Error            *run.Error `json:"error,omitempty"`
}

// Orchestrator runs batches.
type Orchestrator struct {
	runner       Runner
	tracker      Tracker
	maxFanout    int
	defaultModel string
	temperature  float64
	logger       logging.Logger
	now          func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMaxFanout bounds the items executed concurrently by one batch.
func WithMaxFanout(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxFanout = n
		}
	}
}

// WithDefaults sets the model and temperature used when a request has none.
func WithDefaults(model string, temperature float64) Option {
	return func(o *Orchestrator) {
		o.defaultModel = strings.TrimSpace(model)
		o.temperature = temperature
	}
}

// WithLogger overrides the component logger.
func WithLogger(logger logging.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New wires an orchestrator.
func New(r Runner, tracker Tracker, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		runner:    r,
		tracker:   tracker,
		maxFanout: defaultMaxFanout,
		logger:    logging.NewComponentLogger("BatchOrchestrator"),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Batch is a commit-message batch whose runs are registered and executing.
type Batch struct {
	ID     string
	RunIDs []string

	done   chan struct{}
	result *Result
}

// Done is closed once every item has finished.
func (b *Batch) Done() <-chan struct{} { return b.done }

// Wait blocks until the batch finishes and returns its aggregate, or nil if
// the batch aborted.
func (b *Batch) Wait() *Result {
	<-b.done
	return b.result
}

// GenerateCommitMessages runs one commit-message run per item, each on its
// own one-shot session, and waits for all of them. A failing item never
// aborts its siblings.
func (o *Orchestrator) GenerateCommitMessages(ctx context.Context, in Input) (*Result, error) {
	b, err := o.StartCommitMessages(ctx, in)
	if err != nil {
		return nil, err
	}
	res := b.Wait()
	if res == nil {
		return nil, serrors.New(serrors.KindInternal, "batch %s aborted", b.ID)
	}
	return res, nil
}

// StartCommitMessages registers the batch and its runs, then executes the
// items in the background. Batch progress can be subscribed to as soon as it
// returns. Cancelling ctx cancels the items still executing.
func (o *Orchestrator) StartCommitMessages(ctx context.Context, in Input) (*Batch, error) {
	if len(in.Items) == 0 {
		return nil, serrors.New(serrors.KindValidation, "batch has no repositories")
	}
	batchID := strings.TrimSpace(in.BatchID)
	if batchID == "" {
		batchID = id.NewBatchID()
	} else if _, exists := o.tracker.BatchProgress(batchID); exists {
		return nil, serrors.New(serrors.KindValidation, "batch %s already exists", batchID)
	}
	start := o.now()
	logger := logging.WithLogID(o.logger, batchID)

	model := firstNonEmpty(in.Model, o.defaultModel)
	temperature := in.Temperature
	if temperature == 0 {
		temperature = o.temperature
	}

	results := make([]CommitResult, len(in.Items))
	records := make([]*run.AgentRun, len(in.Items))
	runIDs := make([]string, 0, len(in.Items))
	for i, item := range in.Items {
		results[i] = CommitResult{Repository: item.Repository}
		record, err := o.runner.Create(ctx, run.NewRun{
			BatchID:    batchID,
			Repository: item.Repository,
			Input: run.Input{
				Prompt:           commitPrompt(item),
				Diff:             item.Diff,
				RecentHistory:    item.RecentHistory,
				Model:            model,
				Temperature:      temperature,
				WorkingDirectory: item.WorkingDirectory,
				TimeoutMs:        in.Timeout.Milliseconds(),
			},
		})
		if err != nil {
			results[i].Error = runstore.ErrorFor(err)
			continue
		}
		records[i] = record
		results[i].RunID = record.ID
		runIDs = append(runIDs, record.ID)
	}
	if _, err := o.tracker.StartBatch(batchID, runIDs); err != nil {
		logger.Warn("Batch progress unavailable: %v", err)
	}
	logger.Info("Generating commit messages for %d repositories", len(in.Items))

	b := &Batch{ID: batchID, RunIDs: runIDs, done: make(chan struct{})}
	async.Go(logger, "batch.commit-messages", func() {
		defer close(b.done)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.maxFanout)
		for i := range in.Items {
			record := records[i]
			if record == nil {
				continue
			}
			item := in.Items[i]
			result := &results[i]
			g.Go(func() error {
				o.runCommit(gctx, item, record, in.Timeout, result)
				return nil
			})
		}
		_ = g.Wait()

		out := &Result{
			BatchID:           batchID,
			TotalRepositories: len(in.Items),
			Results:           results,
			ExecutionTimeMs:   o.now().Sub(start).Milliseconds(),
		}
		for _, r := range results {
			if r.Success {
				out.SuccessCount++
			}
			out.TotalTokenUsage += r.TokensUsed
		}
		logger.Info("Batch %s finished: %d/%d succeeded in %dms", batchID, out.SuccessCount, out.TotalRepositories, out.ExecutionTimeMs)
		b.result = out
	})
	return b, nil
}

func (o *Orchestrator) runCommit(ctx context.Context, item RepoCommitRequest, record *run.AgentRun, timeout time.Duration, result *CommitResult) {
	if strings.TrimSpace(item.Diff) == "" {
		err := serrors.New(serrors.KindValidation, "diff is required for %s", item.Repository).WithRecoverable(false)
		o.runner.Fail(record, err)
		result.Error = runstore.ErrorFor(err)
		return
	}

	outcome, err := o.runner.Execute(ctx, record, runner.ExecuteOptions{
		WorkingDirectory: item.WorkingDirectory,
		Timeout:          timeout,
		OneShot:          true,
		Decode:           DecodeCommitMessage,
	})
	if err != nil {
		result.Error = runstore.ErrorFor(err)
		return
	}
	if outcome.Run != nil && outcome.Run.Output != nil {
		result.Success = true
		result.Message = outcome.Run.Output.Message
		result.Confidence = outcome.Run.Output.Confidence
		result.TokensUsed = outcome.Run.Output.TokensUsed
	}
}

type commitPayload struct {
	Message    string   `json:"message"`
	Confidence *float64 `json:"confidence"`
}

// DecodeCommitMessage extracts the message and confidence from a commit
// response, falling back to the raw text.
func DecodeCommitMessage(res *session.ExecuteResult) (*run.Output, error) {
	raw := strings.TrimSpace(res.Output)
	if raw == "" {
		return nil, serrors.New(serrors.KindParseFailure, "empty commit message response")
	}
	out := &run.Output{RawResponse: res.Output, TokensUsed: res.Usage.Total(), Confidence: defaultConfidence}

	var payload commitPayload
	if decodeLenient(raw, &payload) && strings.TrimSpace(payload.Message) != "" {
		out.Message = strings.TrimSpace(payload.Message)
		if payload.Confidence != nil {
			out.Confidence = clampConfidence(*payload.Confidence)
		}
		return out, nil
	}
	out.Message = stripFences(raw)
	return out, nil
}

// GenerateExecutiveSummary issues one run synthesising themes and risk from
// prior commit messages.
func (o *Orchestrator) GenerateExecutiveSummary(ctx context.Context, in SummaryInput) (*Summary, error) {
	messages := make([]CommitMessage, 0, len(in.CommitMessages))
	for _, msg := range in.CommitMessages {
		if strings.TrimSpace(msg.Message) != "" {
			messages = append(messages, msg)
		}
	}
	if len(messages) == 0 {
		return nil, serrors.New(serrors.KindValidation, "at least one commit message is required")
	}

	record, err := o.runner.Create(ctx, run.NewRun{
		BatchID: in.BatchID,
		Input: run.Input{
			Prompt: summaryPrompt(messages),
			Model:  firstNonEmpty(in.Model, o.defaultModel),
		},
	})
	if err != nil {
		return &Summary{Error: runstore.ErrorFor(err)}, err
	}

	var parsed Summary
	outcome, err := o.runner.Execute(ctx, record, runner.ExecuteOptions{
		Timeout: in.Timeout,
		OneShot: true,
		Decode: func(res *session.ExecuteResult) (*run.Output, error) {
			var decodeErr error
			parsed, decodeErr = decodeSummary(res.Output)
			if decodeErr != nil {
				return nil, decodeErr
			}
			return &run.Output{
				Message:     parsed.Summary,
				Confidence:  1,
				RawResponse: res.Output,
				TokensUsed:  res.Usage.Total(),
			}, nil
		},
	})
	if err != nil {
		return &Summary{RunID: record.ID, Error: runstore.ErrorFor(err), Themes: []string{}, SuggestedActions: []string{}}, err
	}
	parsed.RunID = outcome.Run.ID
	parsed.Success = true
	return &parsed, nil
}

type summaryPayload struct {
	Summary          string   `json:"summary"`
	Themes           []string `json:"themes"`
	RiskLevel        string   `json:"riskLevel"`
	SuggestedActions []string `json:"suggestedActions"`
}

func decodeSummary(raw string) (Summary, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return Summary{}, serrors.New(serrors.KindParseFailure, "empty summary response")
	}
	var payload summaryPayload
	if !decodeLenient(text, &payload) || strings.TrimSpace(payload.Summary) == "" {
		return Summary{
			Summary:          stripFences(text),
			Themes:           []string{},
			RiskLevel:        RiskMedium,
			SuggestedActions: []string{},
		}, nil
	}
	return Summary{
		Summary:          strings.TrimSpace(payload.Summary),
		Themes:           nonEmpty(payload.Themes),
		RiskLevel:        NormalizeRiskLevel(payload.RiskLevel),
		SuggestedActions: nonEmpty(payload.SuggestedActions),
	}, nil
}

func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
