// Package session owns conversation sessions with the external CLI: their
// registry, history, continuation state and live output streams.
package session

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"switchboard/internal/app/pubsub"
	"switchboard/internal/app/scheduler"
	progressdomain "switchboard/internal/domain/progress"
	sessiondomain "switchboard/internal/domain/session"
	"switchboard/internal/infra/external/claudecode"
	"switchboard/internal/infra/filestore"
	serrors "switchboard/internal/shared/errors"
	"switchboard/internal/shared/logging"
	id "switchboard/internal/shared/utils/id"
)

const defaultIdleTTL = time.Hour

// Invoker runs one CLI call.
type Invoker interface {
	Available() error
	Invoke(ctx context.Context, req claudecode.Request) (*claudecode.Result, error)
}

// Submitter admits tasks; *scheduler.Scheduler implements it.
type Submitter interface {
	Submit(ctx context.Context, task scheduler.Task) (*scheduler.Future, error)
}

// ExecuteOptions tunes one ExecuteCommand call.
type ExecuteOptions struct {
	// SessionID selects the session; absent or unknown ids get a new session.
	SessionID        string
	WorkingDirectory string
	Context          map[string]string
	Model            string
	Flags            []string
	Timeout          time.Duration
	// RunID tags logs, chunks and the scheduler task.
	RunID string
	// OnSession is called with the resolved session id before dispatch.
	OnSession func(sessionID string)
	// OnStage receives stage transitions while the command runs.
	OnStage func(stage progressdomain.Stage, message string)
}

// ExecuteResult is the outcome of a successful ExecuteCommand.
type ExecuteResult struct {
	SessionID         string
	Output            string
	ContinuationToken string
	ExecutionTimeMs   int64
	Usage             claudecode.Usage
	CostUSD           float64
	ParseFailed       bool
}

// Store is the session arena. Sessions are addressed by id and only the
// executing task holds the cancel handle of a running process.
type Store struct {
	invoker   Invoker
	scheduler Submitter
	topics    *pubsub.Registry[sessiondomain.OutputChunk]
	logger    logging.Logger
	now       func() time.Time

	defaultModel string
	idleTTL      time.Duration

	mu       sync.Mutex
	sessions map[string]*entry
	closed   bool
}

type entry struct {
	session *sessiondomain.Session
	// pending counts submitted executions that have not finished.
	pending int
	cancel  context.CancelFunc
	execID  uint64
	nextID  uint64
}

// Option configures a Store.
type Option func(*Store)

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

// WithDefaultModel sets the model recorded on new sessions.
func WithDefaultModel(model string) Option {
	return func(s *Store) { s.defaultModel = strings.TrimSpace(model) }
}

// WithIdleTTL sets how long an idle session survives a sweep.
func WithIdleTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.idleTTL = ttl
		}
	}
}

// NewStore creates an empty store.
func NewStore(invoker Invoker, sched Submitter, opts ...Option) *Store {
	s := &Store{
		invoker:   invoker,
		scheduler: sched,
		topics: pubsub.NewRegistry(pubsub.Options[sessiondomain.OutputChunk]{
			Terminal: func(c sessiondomain.OutputChunk) bool { return c.IsFinal() },
		}),
		logger:   logging.NewComponentLogger("SessionStore"),
		now:      time.Now,
		idleTTL:  defaultIdleTTL,
		sessions: make(map[string]*entry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// CreateSession allocates an ACTIVE session with empty history.
func (s *Store) CreateSession(workingDirectory string, sessionContext map[string]string) (*sessiondomain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, serrors.New(serrors.KindUnavailable, "session store is shut down")
	}
	sess := s.newSessionLocked(workingDirectory, sessionContext, "")
	s.logger.Info("Created session %s (dir=%s)", sess.ID, sess.WorkingDirectory)
	return sess.Clone(), nil
}

func (s *Store) newSessionLocked(workingDirectory string, sessionContext map[string]string, model string) *sessiondomain.Session {
	now := s.now()
	if model == "" {
		model = s.defaultModel
	}
	sess := &sessiondomain.Session{
		ID:               id.NewSessionID(),
		Status:           sessiondomain.StatusActive,
		Mode:             sessiondomain.ModeNew,
		CreatedAt:        now,
		LastActivity:     now,
		WorkingDirectory: workingDirectory,
		History:          []sessiondomain.Exchange{},
		Metadata:         sessiondomain.Metadata{Model: model},
	}
	if len(sessionContext) > 0 {
		sess.Context = make(map[string]string, len(sessionContext))
		for k, v := range sessionContext {
			sess.Context[k] = v
		}
	}
	s.sessions[sess.ID] = &entry{session: sess}
	return sess
}

// GetSession returns a snapshot of the session.
func (s *Store) GetSession(sessionID string) (*sessiondomain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[sessionID]
	if !ok {
		return nil, serrors.NotFound("session", sessionID)
	}
	return e.session.Clone(), nil
}

// Exists reports whether sessionID is registered.
func (s *Store) Exists(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[sessionID]
	return ok
}

// ListSessions returns snapshots ordered by creation time.
func (s *Store) ListSessions() []*sessiondomain.Session {
	s.mu.Lock()
	out := make([]*sessiondomain.Session, 0, len(s.sessions))
	for _, e := range s.sessions {
		out = append(out, e.session.Clone())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ForkSession copies history, context and usage into a new session. The
// continuation token is never copied: it belongs to the source's process
// lineage, so the fork replays history instead.
func (s *Store) ForkSession(sessionID string) (*sessiondomain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, serrors.New(serrors.KindUnavailable, "session store is shut down")
	}
	src, ok := s.sessions[sessionID]
	if !ok {
		return nil, serrors.NotFound("session", sessionID)
	}

	copied := src.session.Clone()
	fork := s.newSessionLocked(copied.WorkingDirectory, copied.Context, copied.Metadata.Model)
	for _, ex := range copied.History {
		if ex.Response == nil && !ex.Success && ex.Error == "" {
			// In-flight exchanges of the source are not part of the fork.
			continue
		}
		fork.History = append(fork.History, ex)
	}
	fork.Metadata.TokenUsage = copied.Metadata.TokenUsage
	fork.ForkedFrom = sessionID
	if len(fork.CompletedExchanges()) > 0 {
		fork.Mode = sessiondomain.ModeNeedsReplay
	}
	s.logger.Info("Forked session %s from %s (%d exchanges)", fork.ID, sessionID, len(fork.History))
	return fork.Clone(), nil
}

// Subscribe opens a handle onto the session's output stream. The
// subscription ends after the next FINAL chunk or when the session is killed.
func (s *Store) Subscribe(sessionID string) (*pubsub.Subscription[sessiondomain.OutputChunk], error) {
	s.mu.Lock()
	_, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil, serrors.NotFound("session", sessionID)
	}
	return s.topics.Topic(sessionID).Subscribe(), nil
}

// KillSession terminates the session, asks any running process to stop and
// removes it from the registry. It reports whether the session existed.
func (s *Store) KillSession(sessionID string) bool {
	s.mu.Lock()
	e, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.sessions, sessionID)
	e.session.Status = sessiondomain.StatusTerminated
	e.session.LastActivity = s.now()
	cancel := e.cancel
	e.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.publishFinal(sessionID, "", false, "session terminated")
	s.topics.Remove(sessionID)
	s.logger.Info("Killed session %s (process running=%t)", sessionID, cancel != nil)
	return true
}

// Sweep removes sessions idle for longer than the idle TTL and returns their
// ids. Sessions with queued or running executions are kept.
func (s *Store) Sweep(now time.Time) []string {
	s.mu.Lock()
	evicted := filestore.EvictExpired(s.sessions, now, s.idleTTL, func(e *entry) (time.Time, bool) {
		idle := e.pending == 0 && e.session.Status != sessiondomain.StatusProcessing
		return e.session.LastActivity, idle
	})
	s.mu.Unlock()

	for _, sessionID := range evicted {
		s.topics.Remove(sessionID)
	}
	if len(evicted) > 0 {
		s.logger.Info("Swept %d idle sessions", len(evicted))
	}
	return evicted
}

// Shutdown cancels running executions and closes every output stream.
func (s *Store) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	var cancels []context.CancelFunc
	for _, e := range s.sessions {
		if e.cancel != nil {
			cancels = append(cancels, e.cancel)
			e.cancel = nil
		}
	}
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	s.topics.Close()
	s.logger.Info("Session store shut down (%d executions cancelled)", len(cancels))
	if ctx != nil {
		return ctx.Err()
	}
	return nil
}

// Len returns the number of registered sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Store) publish(chunk sessiondomain.OutputChunk) {
	topic, ok := s.topics.Lookup(chunk.SessionID)
	if !ok {
		return
	}
	topic.Publish(chunk)
}

func (s *Store) publishFinal(sessionID, runID string, success bool, data string) {
	chunk := sessiondomain.OutputChunk{
		SessionID: sessionID,
		RunID:     runID,
		Kind:      sessiondomain.ChunkFinal,
		Success:   success,
		Timestamp: s.now(),
	}
	if success {
		chunk.Data = data
	} else {
		chunk.Error = data
	}
	s.publish(chunk)
}
