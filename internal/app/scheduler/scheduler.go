// Package scheduler admits tasks under a global concurrency cap and a start
// rate limit while serializing tasks that share a key.
//
// Each key owns a lane: a FIFO queue drained by one goroutine, so two tasks
// with the same key never overlap. Lanes compete for slots on a FIFO
// weighted semaphore, which keeps admission fair across keys.
package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"switchboard/internal/shared/async"
	serrors "switchboard/internal/shared/errors"
	"switchboard/internal/shared/logging"
)

const defaultMaxConcurrent = 4

// ErrClosed is returned by Submit after Close.
var ErrClosed = fmt.Errorf("scheduler closed")

// Task is one unit of admitted work.
type Task struct {
	// Key serializes tasks; tasks sharing a key run one at a time in
	// submission order. An empty key never serializes.
	Key string
	// Name labels logs and spans.
	Name string
	// RunID links the task to a persisted run, when any.
	RunID string
	Fn    func(ctx context.Context) (any, error)
}

// TaskFunc executes a task. Middleware wraps it.
type TaskFunc func(ctx context.Context, task Task) (any, error)

// Middleware decorates task execution.
type Middleware func(next TaskFunc) TaskFunc

// Observer receives admission lifecycle events. *observability.Metrics
// implements it.
type Observer interface {
	TaskQueued()
	TaskAdmitted(wait time.Duration)
	TaskAbandoned()
	TaskFinished(status string, duration time.Duration)
}

// Config configures a Scheduler.
type Config struct {
	MaxConcurrent int
	// StartsPerSecond limits how fast tasks start; zero disables the limit.
	StartsPerSecond float64
	Burst           int
	Middleware      []Middleware
	Observer        Observer
	Logger          logging.Logger
}

// Stats is a point-in-time snapshot.
type Stats struct {
	Queued        int `json:"queued"`
	Running       int `json:"running"`
	Lanes         int `json:"lanes"`
	MaxConcurrent int `json:"max_concurrent"`
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	maxConcurrent int
	sem           *semaphore.Weighted
	limiter       *rate.Limiter
	handler       TaskFunc
	observer      Observer
	logger        logging.Logger

	baseCtx   context.Context
	cancelAll context.CancelFunc

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
	wg     sync.WaitGroup

	seq     atomic.Uint64
	queued  atomic.Int64
	running atomic.Int64
}

type lane struct {
	queue []*job
}

type job struct {
	task      Task
	ctx       context.Context
	cancel    context.CancelFunc
	stopAfter func() bool
	future    *Future
	submitted time.Time
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	var limiter *rate.Limiter
	if cfg.StartsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.StartsPerSecond), burst)
	}

	handler := TaskFunc(func(ctx context.Context, task Task) (any, error) {
		return task.Fn(ctx)
	})
	for i := len(cfg.Middleware) - 1; i >= 0; i-- {
		if cfg.Middleware[i] != nil {
			handler = cfg.Middleware[i](handler)
		}
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		maxConcurrent: cfg.MaxConcurrent,
		sem:           semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		limiter:       limiter,
		handler:       handler,
		observer:      cfg.Observer,
		logger:        logging.OrNop(cfg.Logger),
		baseCtx:       baseCtx,
		cancelAll:     cancel,
		lanes:         make(map[string]*lane),
	}
}

// Submit enqueues task and returns a Future that resolves when it finishes.
// Cancelling ctx abandons a queued task or cancels a running one.
func (s *Scheduler) Submit(ctx context.Context, task Task) (*Future, error) {
	if task.Fn == nil {
		return nil, serrors.New(serrors.KindValidation, "task function is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	jobCtx, cancel := context.WithCancel(ctx)
	j := &job{
		task:      task,
		ctx:       jobCtx,
		cancel:    cancel,
		stopAfter: context.AfterFunc(s.baseCtx, cancel),
		future:    newFuture(),
		submitted: time.Now(),
	}

	key := strings.TrimSpace(task.Key)
	if key == "" {
		key = "\x00task-" + strconv.FormatUint(s.seq.Add(1), 10)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		j.release()
		return nil, ErrClosed
	}
	l, exists := s.lanes[key]
	if !exists {
		l = &lane{}
		s.lanes[key] = l
	}
	l.queue = append(l.queue, j)
	s.queued.Add(1)
	if !exists {
		s.wg.Add(1)
		async.Go(s.logger, "scheduler-lane", func() { s.drain(key, l) })
	}
	s.mu.Unlock()

	if s.observer != nil {
		s.observer.TaskQueued()
	}
	return j.future, nil
}

// Do submits fn and waits for its result.
func (s *Scheduler) Do(ctx context.Context, task Task) (any, error) {
	future, err := s.Submit(ctx, task)
	if err != nil {
		return nil, err
	}
	return future.Wait(ctx)
}

func (s *Scheduler) drain(key string, l *lane) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if len(l.queue) == 0 {
			delete(s.lanes, key)
			s.mu.Unlock()
			return
		}
		j := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		s.mu.Unlock()

		s.run(j)
	}
}

func (s *Scheduler) run(j *job) {
	defer j.release()

	if err := s.sem.Acquire(j.ctx, 1); err != nil {
		s.abandon(j, err)
		return
	}
	defer s.sem.Release(1)

	if s.limiter != nil {
		if err := s.limiter.Wait(j.ctx); err != nil {
			s.abandon(j, err)
			return
		}
	}
	if err := j.ctx.Err(); err != nil {
		s.abandon(j, err)
		return
	}

	s.queued.Add(-1)
	s.running.Add(1)
	admitted := time.Now()
	if s.observer != nil {
		s.observer.TaskAdmitted(admitted.Sub(j.submitted))
	}

	value, err := s.execute(j)

	s.running.Add(-1)
	if s.observer != nil {
		s.observer.TaskFinished(statusLabel(err), time.Since(admitted))
	}
	j.future.resolve(value, err)
}

func (s *Scheduler) execute(j *job) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Task %s panicked: %v", j.task.Name, r)
			value, err = nil, serrors.New(serrors.KindInternal, "task %s panicked: %v", j.task.Name, r)
		}
	}()
	return s.handler(j.ctx, j.task)
}

func (s *Scheduler) abandon(j *job, cause error) {
	s.queued.Add(-1)
	if s.observer != nil {
		s.observer.TaskAbandoned()
	}
	s.logger.Debug("Task %s abandoned before admission: %v", j.task.Name, cause)
	j.future.resolve(nil, serrors.Wrap(serrors.KindCancelled, cause, "task cancelled before start"))
}

func (j *job) release() {
	if j.stopAfter != nil {
		j.stopAfter()
	}
	j.cancel()
}

func statusLabel(err error) string {
	if err == nil {
		return "success"
	}
	return strings.ToLower(string(serrors.KindOf(err)))
}

// Stats returns queue and slot usage.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	lanes := len(s.lanes)
	s.mu.Unlock()
	return Stats{
		Queued:        int(s.queued.Load()),
		Running:       int(s.running.Load()),
		Lanes:         lanes,
		MaxConcurrent: s.maxConcurrent,
	}
}

// Close stops admitting new tasks and waits for submitted ones to finish.
// When ctx ends first, remaining tasks are cancelled and ctx's error is
// returned once they have unwound.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancelAll()
		return nil
	case <-ctx.Done():
		s.cancelAll()
		<-done
		return ctx.Err()
	}
}
