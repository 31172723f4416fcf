// Package runstore persists AgentRun records as one JSON document per run.
package runstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"switchboard/internal/domain/run"
	"switchboard/internal/infra/filestore"
	serrors "switchboard/internal/shared/errors"
	"switchboard/internal/shared/logging"
	id "switchboard/internal/shared/utils/id"
)

const (
	defaultRetention = 30 * 24 * time.Hour
	defaultCacheSize = 256

	ActionDeleted  = "deleted"
	ActionArchived = "archived"
)

// Recorder receives run store metrics; *observability.Metrics implements it.
type Recorder interface {
	RunTransition(status string)
	RunsRemoved(action string, n int)
}

// Store is the file-backed run.Store. Writes replace the whole record and
// decoded records are kept in a write-through LRU cache.
type Store struct {
	dir        *filestore.RecordDir[*run.AgentRun]
	archiveDir string
	retention  time.Duration
	cacheSize  int
	cache      *lru.Cache[string, *run.AgentRun]
	recorder   Recorder
	logger     logging.Logger
	now        func() time.Time

	mu sync.RWMutex
}

var _ run.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithArchiveDir moves expired records into dir instead of deleting them.
func WithArchiveDir(dir string) Option {
	return func(s *Store) { s.archiveDir = strings.TrimSpace(dir) }
}

// WithRetention sets the age after completion at which records expire.
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithCacheSize sets the number of decoded records kept in memory.
func WithCacheSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.cacheSize = n
		}
	}
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Store) { s.recorder = r }
}

// WithLogger overrides the component logger.
func WithLogger(logger logging.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New opens (creating if needed) the run directory at root.
func New(root string, opts ...Option) (*Store, error) {
	s := &Store{
		retention: defaultRetention,
		cacheSize: defaultCacheSize,
		logger:    logging.NewComponentLogger("RunStore"),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	dir, err := filestore.NewRecordDir[*run.AgentRun](filestore.ResolvePath(root, ""), 0o600)
	if err != nil {
		return nil, err
	}
	s.dir = dir
	if s.archiveDir != "" {
		s.archiveDir = filestore.ResolvePath(s.archiveDir, "")
	}
	cache, err := lru.New[string, *run.AgentRun](s.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create run cache: %w", err)
	}
	s.cache = cache
	return s, nil
}

// Root returns the directory holding live records.
func (s *Store) Root() string { return s.dir.Root() }

// Retention returns the configured expiry age.
func (s *Store) Retention() time.Duration { return s.retention }

// CreateRun persists a new QUEUED run.
func (s *Store) CreateRun(ctx context.Context, in run.NewRun) (*run.AgentRun, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Input.Prompt) == "" {
		return nil, serrors.New(serrors.KindValidation, "run input prompt is required")
	}
	now := s.now()
	record := &run.AgentRun{
		ID:         id.NewRunID(),
		SessionID:  in.SessionID,
		BatchID:    in.BatchID,
		Repository: in.Repository,
		Status:     run.StatusQueued,
		StartedAt:  now,
		UpdatedAt:  now,
		Input:      in.Input,
		RetryCount: in.RetryCount,
		RetryOf:    in.RetryOf,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeLocked(record); err != nil {
		return nil, err
	}
	s.observeTransition(record.Status)
	s.logger.Info("Created run %s (batch=%s, retry_of=%s)", record.ID, record.BatchID, record.RetryOf)
	return record.Clone(), nil
}

// UpdateStatus transitions a run and persists the full record. Terminal
// statuses stamp CompletedAt and DurationMs. A terminal run only accepts a
// repeat of its own status.
func (s *Store) UpdateStatus(ctx context.Context, runID string, status run.Status, opts ...run.UpdateOption) (*run.AgentRun, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	if !status.Valid() {
		return nil, serrors.New(serrors.KindValidation, "invalid run status %q", status)
	}
	params := run.ApplyUpdateOptions(opts)

	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.loadLocked(runID)
	if err != nil {
		return nil, err
	}
	if current.Status.IsTerminal() && current.Status != status {
		return nil, serrors.New(serrors.KindValidation, "run %s is already %s", runID, current.Status)
	}

	next := current.Clone()
	now := s.now()
	next.Status = status
	next.UpdatedAt = now
	if status.IsTerminal() && next.CompletedAt == nil {
		completed := now
		duration := now.Sub(next.StartedAt).Milliseconds()
		next.CompletedAt = &completed
		next.DurationMs = &duration
	}
	// The first recorded failure of a finished run wins.
	if params.Error != nil && !(current.Status.IsTerminal() && current.Error != nil) {
		e := *params.Error
		next.Error = &e
	}
	if params.Output != nil {
		o := *params.Output
		next.Output = &o
	}
	if params.SessionID != nil {
		next.SessionID = *params.SessionID
	}

	if err := s.writeLocked(next); err != nil {
		return nil, err
	}
	if current.Status != status {
		s.observeTransition(status)
		logging.WithLogID(s.logger, runID).Debug("Run %s %s -> %s", runID, current.Status, status)
	}
	return next.Clone(), nil
}

// SaveRun overwrites the full record.
func (s *Store) SaveRun(ctx context.Context, record *run.AgentRun) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	if record == nil || strings.TrimSpace(record.ID) == "" {
		return serrors.New(serrors.KindValidation, "run id is required")
	}
	if !record.Status.Valid() {
		return serrors.New(serrors.KindValidation, "invalid run status %q", record.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(record.Clone())
}

// GetRun returns the run with the given id.
func (s *Store) GetRun(ctx context.Context, runID string) (*run.AgentRun, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, err := s.loadLocked(runID)
	if err != nil {
		return nil, err
	}
	return record.Clone(), nil
}

// ListRuns returns matching runs newest first plus the unpaginated total.
// Unreadable records are skipped.
func (s *Store) ListRuns(ctx context.Context, filter run.ListFilter) ([]*run.AgentRun, int, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, 0, err
	}
	records, err := s.loadAll(ctx)
	if err != nil {
		return nil, 0, err
	}

	matched := make([]*run.AgentRun, 0, len(records))
	for _, record := range records {
		if filter.Status != "" && record.Status != filter.Status {
			continue
		}
		if filter.SessionID != "" && record.SessionID != filter.SessionID {
			continue
		}
		if filter.BatchID != "" && record.BatchID != filter.BatchID {
			continue
		}
		matched = append(matched, record.Clone())
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].StartedAt.Equal(matched[j].StartedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].StartedAt.After(matched[j].StartedAt)
	})

	total := len(matched)
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []*run.AgentRun{}, total, nil
	}
	end := total
	if filter.Limit > 0 && offset+filter.Limit < end {
		end = offset + filter.Limit
	}
	return matched[offset:end], total, nil
}

// RetryRun creates a QUEUED copy of the run's input with a fresh id. The
// original record is left untouched.
func (s *Store) RetryRun(ctx context.Context, runID string) (*run.AgentRun, error) {
	original, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return s.CreateRun(ctx, run.NewRun{
		Repository: original.Repository,
		Input:      original.Input,
		RetryCount: original.RetryCount + 1,
		RetryOf:    original.ID,
	})
}

// Cleanup removes runs whose CompletedAt is older than the retention age,
// archiving them when an archive directory is configured.
func (s *Store) Cleanup(ctx context.Context, now time.Time) (run.CleanupResult, error) {
	var result run.CleanupResult
	records, err := s.loadAll(ctx)
	if err != nil {
		return result, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	expired := filestore.EvictExpired(records, now, s.retention, func(r *run.AgentRun) (time.Time, bool) {
		if r.CompletedAt == nil {
			return time.Time{}, false
		}
		return *r.CompletedAt, true
	})

	var errs []error
	for _, runID := range expired {
		if s.archiveDir != "" {
			if err := s.dir.Move(runID, s.archiveDir); err != nil {
				errs = append(errs, fmt.Errorf("archive run %s: %w", runID, err))
				continue
			}
			result.Archived = append(result.Archived, runID)
		} else {
			if err := s.dir.Delete(runID); err != nil {
				errs = append(errs, fmt.Errorf("delete run %s: %w", runID, err))
				continue
			}
			result.Deleted = append(result.Deleted, runID)
		}
		s.cache.Remove(runID)
	}

	if s.recorder != nil {
		s.recorder.RunsRemoved(ActionDeleted, len(result.Deleted))
		s.recorder.RunsRemoved(ActionArchived, len(result.Archived))
	}
	if n := len(result.Deleted) + len(result.Archived); n > 0 {
		s.logger.Info("Retention removed %d runs (deleted=%d archived=%d)", n, len(result.Deleted), len(result.Archived))
	}
	if len(errs) > 0 {
		return result, fmt.Errorf("run cleanup: %w", errors.Join(errs...))
	}
	return result, nil
}

// IsRecoverable reports whether a run failing with err may be retried.
func (s *Store) IsRecoverable(err error) bool {
	return serrors.IsRecoverable(err)
}

// ErrorFor converts an invocation error into the record stored on a run.
func ErrorFor(err error) *run.Error {
	if err == nil {
		return nil
	}
	return &run.Error{
		Code:        string(serrors.KindOf(err)),
		Message:     err.Error(),
		Recoverable: serrors.IsRecoverable(err),
	}
}

func (s *Store) loadAll(ctx context.Context) (map[string]*run.AgentRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys, err := s.dir.Keys()
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	records := make(map[string]*run.AgentRun, len(keys))
	for _, key := range keys {
		if err := ctxErr(ctx); err != nil {
			return nil, err
		}
		record, err := s.loadLocked(key)
		if err != nil {
			s.logger.Warn("Skipping run %s: %v", key, err)
			continue
		}
		records[key] = record
	}
	return records, nil
}

func (s *Store) loadLocked(runID string) (*run.AgentRun, error) {
	if record, ok := s.cache.Get(runID); ok {
		return record, nil
	}
	if _, err := s.dir.Path(runID); err != nil {
		return nil, serrors.NotFound("run", runID)
	}
	record, ok, err := s.dir.Read(runID)
	if err != nil {
		return nil, fmt.Errorf("read run %s: %w", runID, err)
	}
	if !ok || record == nil {
		return nil, serrors.NotFound("run", runID)
	}
	s.cache.Add(runID, record)
	return record, nil
}

func (s *Store) writeLocked(record *run.AgentRun) error {
	if err := s.dir.Write(record.ID, record); err != nil {
		return fmt.Errorf("persist run %s: %w", record.ID, err)
	}
	s.cache.Add(record.ID, record)
	return nil
}

func (s *Store) observeTransition(status run.Status) {
	if s.recorder != nil {
		s.recorder.RunTransition(string(status))
	}
}

func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return serrors.Wrap(serrors.KindCancelled, err, "run store call cancelled")
	}
	return nil
}
