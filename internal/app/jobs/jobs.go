// Package jobs runs the periodic maintenance passes: run retention, progress
// sweep and idle-session sweep.
package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"switchboard/internal/shared/async"
	"switchboard/internal/shared/logging"
)

const (
	JobRunRetention  = "runs.retention"
	JobProgressSweep = "progress.sweep"
	JobSessionSweep  = "sessions.sweep"
)

// Job is one periodic pass. Run receives the tick time.
type Job struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context, now time.Time) error
}

// Runner owns a cron instance with one entry per job.
type Runner struct {
	cron   *cron.Cron
	logger logging.Logger
	now    func() time.Time

	mu       sync.Mutex
	jobs     map[string]Job
	entryIDs map[string]cron.EntryID
	ctx      context.Context
	cancel   context.CancelFunc
	started  bool
	stopOnce sync.Once
	stopped  chan struct{}
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock overrides the tick clock.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// New creates a stopped Runner.
func New(opts ...Option) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		logger:   logging.NewComponentLogger("Jobs"),
		now:      time.Now,
		jobs:     make(map[string]Job),
		entryIDs: make(map[string]cron.EntryID),
		ctx:      ctx,
		cancel:   cancel,
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.cron = cron.New(
		cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	return r
}

// Register adds a job. Jobs with a non-positive interval are skipped.
func (r *Runner) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job requires a name and a run function")
	}
	if job.Every <= 0 {
		r.logger.Info("Job %s disabled (interval %s)", job.Name, job.Every)
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entryIDs[job.Name]; exists {
		return fmt.Errorf("job %q already registered", job.Name)
	}
	j := job
	entryID, err := r.cron.AddFunc("@every "+j.Every.String(), func() {
		_ = r.execute(j)
	})
	if err != nil {
		return fmt.Errorf("schedule job %q: %w", j.Name, err)
	}
	r.jobs[j.Name] = j
	r.entryIDs[j.Name] = entryID
	r.logger.Info("Registered job %s (every %s)", j.Name, j.Every)
	return nil
}

// Jobs returns the registered job names, sorted.
func (r *Runner) Jobs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunNow executes a registered job synchronously.
func (r *Runner) RunNow(name string) error {
	r.mu.Lock()
	job, ok := r.jobs[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %q not registered", name)
	}
	return r.execute(job)
}

// execute runs one pass. A panicking pass is logged and reported as an error
// so neither a tick nor RunNow takes the process down.
func (r *Runner) execute(job Job) error {
	started := r.now()
	var err error
	finished := false
	async.Guard(r.logger, "job "+job.Name, func() {
		err = job.Run(r.ctx, started)
		finished = true
	})()
	if !finished {
		err = fmt.Errorf("job %s panicked", job.Name)
	}
	elapsed := time.Since(started)
	if err != nil {
		r.logger.Warn("Job %s failed after %s: %v", job.Name, elapsed, err)
		return err
	}
	r.logger.Debug("Job %s finished in %s", job.Name, elapsed)
	return nil
}

// Start begins ticking. ctx cancellation stops the runner.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	count := len(r.entryIDs)
	r.mu.Unlock()

	r.cron.Start()
	r.logger.Info("Job runner started with %d jobs", count)
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				r.Stop()
			case <-r.stopped:
			}
		}()
	}
}

// Stop cancels running passes and waits for them to return. Safe to call
// multiple times.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		r.cancel()
		<-r.cron.Stop().Done()
		close(r.stopped)
		r.logger.Info("Job runner stopped")
	})
}

// Done is closed once the runner has stopped.
func (r *Runner) Done() <-chan struct{} {
	return r.stopped
}
