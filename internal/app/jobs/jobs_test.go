package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/domain/run"
)

type fakeCleaner struct {
	calls  atomic.Int32
	result run.CleanupResult
	err    error
	lastAt time.Time
}

func (f *fakeCleaner) Cleanup(_ context.Context, now time.Time) (run.CleanupResult, error) {
	f.calls.Add(1)
	f.lastAt = now
	return f.result, f.err
}

type fakeSweeper struct {
	calls atomic.Int32
}

func (f *fakeSweeper) Sweep(time.Time) []string {
	f.calls.Add(1)
	return []string{"a"}
}

func TestRegisterAndRunNow(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := New(WithClock(func() time.Time { return fixed }))
	cleaner := &fakeCleaner{result: run.CleanupResult{Deleted: []string{"run-1"}}}
	sessions := &fakeSweeper{}

	require.NoError(t, r.Register(RunRetention(cleaner, time.Hour, nil)))
	require.NoError(t, r.Register(SessionSweep(sessions, time.Hour, nil)))
	require.NoError(t, r.Register(ProgressSweep(&fakeSweeper{}, 0, nil)))

	assert.Equal(t, []string{JobRunRetention, JobSessionSweep}, r.Jobs())

	require.NoError(t, r.RunNow(JobRunRetention))
	assert.Equal(t, int32(1), cleaner.calls.Load())
	assert.Equal(t, fixed, cleaner.lastAt)

	require.NoError(t, r.RunNow(JobSessionSweep))
	assert.Equal(t, int32(1), sessions.calls.Load())

	assert.Error(t, r.RunNow(JobProgressSweep))
}

func TestRegisterRejectsDuplicatesAndIncompleteJobs(t *testing.T) {
	r := New()
	job := SessionSweep(&fakeSweeper{}, time.Minute, nil)
	require.NoError(t, r.Register(job))
	assert.Error(t, r.Register(job))
	assert.Error(t, r.Register(Job{Name: "empty", Every: time.Minute}))
}

func TestRunNowReturnsJobError(t *testing.T) {
	r := New()
	cleaner := &fakeCleaner{err: errors.New("disk full")}
	require.NoError(t, r.Register(RunRetention(cleaner, time.Hour, nil)))
	assert.EqualError(t, r.RunNow(JobRunRetention), "disk full")
}

func TestStartTicksAndStops(t *testing.T) {
	r := New()
	sweeper := &fakeSweeper{}
	require.NoError(t, r.Register(SessionSweep(sweeper, time.Second, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	require.Eventually(t, func() bool { return sweeper.calls.Load() > 0 }, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
	r.Stop()
}

func TestPanickingJobIsContained(t *testing.T) {
	r := New()
	var calls atomic.Int32
	require.NoError(t, r.Register(Job{
		Name:  "explodes",
		Every: time.Second,
		Run: func(context.Context, time.Time) error {
			calls.Add(1)
			panic("corrupt index")
		},
	}))

	err := r.RunNow("explodes")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, 5*time.Second, 50*time.Millisecond)
	r.Stop()
}
