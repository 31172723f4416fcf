// Package progress tracks per-run stages and aggregates them per batch.
// The tracker is the single writer of every run's stage, so subscribers
// observe events in stage order.
package progress

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"switchboard/internal/app/pubsub"
	progressdomain "switchboard/internal/domain/progress"
	"switchboard/internal/infra/filestore"
	serrors "switchboard/internal/shared/errors"
	"switchboard/internal/shared/logging"
)

const defaultRetention = time.Hour

// ErrInvalidTransition rejects backward moves and moves out of a terminal stage.
var ErrInvalidTransition = errors.New("invalid progress transition")

var defaultOperations = map[progressdomain.Stage]string{
	progressdomain.StageQueued:          "Waiting for a slot",
	progressdomain.StageInitializing:    "Preparing session",
	progressdomain.StageLoadingContext:  "Building prompt",
	progressdomain.StageProcessing:      "Running claude",
	progressdomain.StageParsingResponse: "Parsing response",
	progressdomain.StageSavingResults:   "Saving results",
	progressdomain.StageCompleted:       "Completed",
	progressdomain.StageFailed:          "Failed",
	progressdomain.StageCancelled:       "Cancelled",
}

type runState struct {
	last        progressdomain.Event
	batchID     string
	completedAt time.Time
}

type batchState struct {
	progress progressdomain.BatchProgress
	members  []string
}

// Tracker owns run and batch progress plus their event topics.
type Tracker struct {
	runTopics   *pubsub.Registry[progressdomain.Event]
	batchTopics *pubsub.Registry[progressdomain.BatchProgress]
	retention   time.Duration
	logger      logging.Logger
	now         func() time.Time

	mu      sync.Mutex
	runs    map[string]*runState
	batches map[string]*batchState
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithRetention sets how long finished entries survive a sweep.
func WithRetention(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.retention = d
		}
	}
}

// WithLogger overrides the component logger.
func WithLogger(logger logging.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTracker creates an empty tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		runTopics: pubsub.NewRegistry(pubsub.Options[progressdomain.Event]{
			Terminal: func(e progressdomain.Event) bool { return e.IsComplete },
			Retain:   true,
		}),
		batchTopics: pubsub.NewRegistry(pubsub.Options[progressdomain.BatchProgress]{
			Terminal: func(b progressdomain.BatchProgress) bool { return b.IsComplete },
			Retain:   true,
		}),
		retention: defaultRetention,
		logger:    logging.NewComponentLogger("ProgressTracker"),
		now:       time.Now,
		runs:      make(map[string]*runState),
		batches:   make(map[string]*batchState),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// TrackRun registers a run at QUEUED. Tracking an already known run is a no-op.
func (t *Tracker) TrackRun(runID, batchID string) (progressdomain.Event, error) {
	if strings.TrimSpace(runID) == "" {
		return progressdomain.Event{}, serrors.New(serrors.KindValidation, "run id is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.runs[runID]; ok {
		return st.last, nil
	}
	return t.trackLocked(runID, batchID), nil
}

func (t *Tracker) trackLocked(runID, batchID string) progressdomain.Event {
	ev := t.eventLocked(runID, batchID, progressdomain.StageQueued, "", "")
	t.runs[runID] = &runState{last: ev, batchID: batchID}
	t.runTopics.Topic(runID).Publish(ev)
	return ev
}

// StartBatch registers a batch and its member runs, all at QUEUED.
func (t *Tracker) StartBatch(batchID string, runIDs []string) (progressdomain.BatchProgress, error) {
	if strings.TrimSpace(batchID) == "" {
		return progressdomain.BatchProgress{}, serrors.New(serrors.KindValidation, "batch id is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.batches[batchID]; ok {
		return progressdomain.BatchProgress{}, serrors.New(serrors.KindValidation, "batch %s already started", batchID)
	}

	members := make([]string, 0, len(runIDs))
	seen := make(map[string]struct{}, len(runIDs))
	for _, runID := range runIDs {
		if _, dup := seen[runID]; dup || strings.TrimSpace(runID) == "" {
			continue
		}
		seen[runID] = struct{}{}
		members = append(members, runID)
		if st, ok := t.runs[runID]; ok {
			st.batchID = batchID
			continue
		}
		t.trackLocked(runID, batchID)
	}

	bs := &batchState{
		members: members,
		progress: progressdomain.BatchProgress{
			BatchID:         batchID,
			TotalOperations: len(members),
			StartTime:       t.now(),
		},
	}
	t.batches[batchID] = bs
	snapshot := t.recomputeLocked(bs)
	t.logger.Info("Started batch %s with %d runs", batchID, len(members))
	return snapshot, nil
}

// UpdateRunProgress advances a run to stage. Unknown runs are tracked first.
// Backward moves and moves out of a terminal stage return ErrInvalidTransition
// and emit nothing.
func (t *Tracker) UpdateRunProgress(runID string, stage progressdomain.Stage, message string) (progressdomain.Event, error) {
	if strings.TrimSpace(runID) == "" {
		return progressdomain.Event{}, serrors.New(serrors.KindValidation, "run id is required")
	}
	if !stage.Valid() {
		return progressdomain.Event{}, serrors.New(serrors.KindValidation, "unknown stage %q", stage)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.runs[runID]
	if !ok {
		t.trackLocked(runID, "")
		st = t.runs[runID]
	}
	if stage == progressdomain.StageQueued && st.last.Stage == progressdomain.StageQueued {
		return st.last, nil
	}
	if !progressdomain.CanAdvance(st.last.Stage, stage) {
		return st.last, fmt.Errorf("%w: run %s %s -> %s", ErrInvalidTransition, runID, st.last.Stage, stage)
	}
	errMsg := ""
	if stage == progressdomain.StageFailed || stage == progressdomain.StageCancelled {
		errMsg = message
	}
	return t.applyLocked(st, runID, stage, message, errMsg), nil
}

// MarkRunFailed moves a run to FAILED from any non-terminal stage. A run
// already in a terminal stage is left unchanged.
func (t *Tracker) MarkRunFailed(runID, errorMessage string) progressdomain.Event {
	return t.finish(runID, progressdomain.StageFailed, errorMessage)
}

// MarkRunCancelled moves a run to CANCELLED from any non-terminal stage.
func (t *Tracker) MarkRunCancelled(runID, reason string) progressdomain.Event {
	return t.finish(runID, progressdomain.StageCancelled, reason)
}

func (t *Tracker) finish(runID string, stage progressdomain.Stage, message string) progressdomain.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.runs[runID]
	if !ok {
		t.trackLocked(runID, "")
		st = t.runs[runID]
	}
	if st.last.Stage.IsTerminal() {
		return st.last
	}
	if strings.TrimSpace(message) == "" {
		message = defaultOperations[stage]
	}
	return t.applyLocked(st, runID, stage, message, message)
}

func (t *Tracker) applyLocked(st *runState, runID string, stage progressdomain.Stage, message, errMsg string) progressdomain.Event {
	ev := t.eventLocked(runID, st.batchID, stage, message, errMsg)
	st.last = ev
	if ev.IsComplete {
		st.completedAt = ev.Timestamp
	}
	t.runTopics.Topic(runID).Publish(ev)
	if bs, ok := t.batches[st.batchID]; ok {
		t.recomputeLocked(bs)
	}
	return ev
}

func (t *Tracker) eventLocked(runID, batchID string, stage progressdomain.Stage, message, errMsg string) progressdomain.Event {
	if strings.TrimSpace(message) == "" {
		message = defaultOperations[stage]
	}
	return progressdomain.Event{
		RunID:            runID,
		BatchID:          batchID,
		Stage:            stage,
		Percentage:       stage.Percentage(),
		CurrentOperation: message,
		Timestamp:        t.now(),
		IsComplete:       stage.IsTerminal(),
		Error:            errMsg,
	}
}

// recomputeLocked rebuilds the batch aggregate from its members' latest
// events and publishes it.
func (t *Tracker) recomputeLocked(bs *batchState) progressdomain.BatchProgress {
	if bs.progress.IsComplete {
		return bs.progress.Clone()
	}
	p := &bs.progress
	p.RunProgress = p.RunProgress[:0]
	p.CompletedOperations, p.FailedOperations = 0, 0
	var sum float64
	terminal := 0
	for _, runID := range bs.members {
		st, ok := t.runs[runID]
		if !ok {
			continue
		}
		p.RunProgress = append(p.RunProgress, st.last)
		sum += st.last.Percentage
		switch st.last.Stage {
		case progressdomain.StageCompleted:
			p.CompletedOperations++
			terminal++
		case progressdomain.StageFailed, progressdomain.StageCancelled:
			p.FailedOperations++
			terminal++
		}
	}
	if n := len(bs.members); n > 0 {
		p.OverallPercentage = sum / float64(n)
	} else {
		p.OverallPercentage = 100
	}
	if terminal == len(bs.members) {
		now := t.now()
		p.IsComplete = true
		p.CompletedAt = &now
	}
	snapshot := p.Clone()
	t.batchTopics.Topic(p.BatchID).Publish(snapshot)
	return snapshot
}

// RunProgress returns the latest event of a run.
func (t *Tracker) RunProgress(runID string) (progressdomain.Event, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.runs[runID]
	if !ok {
		return progressdomain.Event{}, false
	}
	return st.last, true
}

// BatchProgress returns the current aggregate of a batch.
func (t *Tracker) BatchProgress(batchID string) (progressdomain.BatchProgress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	bs, ok := t.batches[batchID]
	if !ok {
		return progressdomain.BatchProgress{}, false
	}
	return bs.progress.Clone(), true
}

// SubscribeRun streams a run's events until its terminal event. A run that
// already finished yields its final event only.
func (t *Tracker) SubscribeRun(runID string) (*pubsub.Subscription[progressdomain.Event], error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.runs[runID]; !ok {
		return nil, serrors.NotFound("run progress", runID)
	}
	return t.runTopics.Topic(runID).Subscribe(), nil
}

// SubscribeBatch streams batch aggregates until the batch completes.
func (t *Tracker) SubscribeBatch(batchID string) (*pubsub.Subscription[progressdomain.BatchProgress], error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.batches[batchID]; !ok {
		return nil, serrors.NotFound("batch progress", batchID)
	}
	return t.batchTopics.Topic(batchID).Subscribe(), nil
}

// Sweep evicts batches completed longer than the retention window, together
// with their runs, and standalone runs finished that long ago. It returns the
// evicted batch ids.
func (t *Tracker) Sweep(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	evicted := filestore.EvictExpired(t.batches, now, t.retention, func(bs *batchState) (time.Time, bool) {
		if !bs.progress.IsComplete || bs.progress.CompletedAt == nil {
			return time.Time{}, false
		}
		return *bs.progress.CompletedAt, true
	})
	for _, batchID := range evicted {
		t.batchTopics.Remove(batchID)
	}

	runs := filestore.EvictExpired(t.runs, now, t.retention, func(st *runState) (time.Time, bool) {
		if !st.last.IsComplete {
			return time.Time{}, false
		}
		if _, live := t.batches[st.batchID]; live {
			return time.Time{}, false
		}
		return st.completedAt, true
	})
	for _, runID := range runs {
		t.runTopics.Remove(runID)
	}
	if len(evicted) > 0 || len(runs) > 0 {
		t.logger.Info("Swept %d batches and %d runs", len(evicted), len(runs))
	}
	return evicted
}

// Close ends every open subscription.
func (t *Tracker) Close() {
	t.runTopics.Close()
	t.batchTopics.Close()
}
