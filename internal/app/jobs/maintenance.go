package jobs

import (
	"context"
	"time"

	"switchboard/internal/domain/run"
	"switchboard/internal/shared/logging"
)

// RunCleaner applies the run retention policy.
type RunCleaner interface {
	Cleanup(ctx context.Context, now time.Time) (run.CleanupResult, error)
}

// Sweeper evicts expired in-memory state and returns the evicted ids.
type Sweeper interface {
	Sweep(now time.Time) []string
}

// RunRetention removes or archives expired run records.
func RunRetention(cleaner RunCleaner, every time.Duration, logger logging.Logger) Job {
	logger = logging.OrNop(logger)
	return Job{
		Name:  JobRunRetention,
		Every: every,
		Run: func(ctx context.Context, now time.Time) error {
			result, err := cleaner.Cleanup(ctx, now)
			if n := len(result.Deleted) + len(result.Archived); n > 0 {
				logger.Info("Run retention: deleted=%d archived=%d", len(result.Deleted), len(result.Archived))
			}
			return err
		},
	}
}

// ProgressSweep drops finished progress state.
func ProgressSweep(sweeper Sweeper, every time.Duration, logger logging.Logger) Job {
	return sweepJob(JobProgressSweep, "progress entries", sweeper, every, logger)
}

// SessionSweep evicts idle sessions.
func SessionSweep(sweeper Sweeper, every time.Duration, logger logging.Logger) Job {
	return sweepJob(JobSessionSweep, "idle sessions", sweeper, every, logger)
}

func sweepJob(name, what string, sweeper Sweeper, every time.Duration, logger logging.Logger) Job {
	logger = logging.OrNop(logger)
	return Job{
		Name:  name,
		Every: every,
		Run: func(_ context.Context, now time.Time) error {
			if evicted := sweeper.Sweep(now); len(evicted) > 0 {
				logger.Info("Swept %d %s", len(evicted), what)
			}
			return nil
		},
	}
}
