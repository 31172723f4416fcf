package subprocess

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSubprocess_CapturesStdoutAndStderr(t *testing.T) {
	var stdout, stderr syncBuffer
	s := New(Config{
		Command: "sh",
		Args:    []string{"-c", `echo "out $GREETING"; echo "problem" 1>&2`},
		Env:     map[string]string{"GREETING": "hello"},
		Stdout:  &stdout,
		Stderr:  &stderr,
	})

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Wait())

	assert.Equal(t, "out hello\n", stdout.String())
	assert.Equal(t, "problem\n", stderr.String())
	assert.Equal(t, "problem\n", s.StderrTail())
	assert.Equal(t, 0, s.ExitCode())
	assert.NoError(t, s.Stop())
}

func TestSubprocess_NonZeroExit(t *testing.T) {
	s := New(Config{Command: "sh", Args: []string{"-c", "echo boom 1>&2; exit 3"}})

	require.NoError(t, s.Start(context.Background()))
	err := s.Wait()
	require.Error(t, err)
	assert.Equal(t, 3, s.ExitCode())
	assert.Contains(t, s.StderrTail(), "boom")
}

func TestSubprocess_StartFailsForMissingBinary(t *testing.T) {
	s := New(Config{Command: "/nonexistent/definitely-missing"})
	err := s.Start(context.Background())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "start subprocess"))
}

func TestSubprocess_StartTwiceFails(t *testing.T) {
	s := New(Config{Command: "true"})
	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))
	_ = s.Wait()
}

func TestSubprocess_ContextCancelTerminatesGroup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(Config{Command: "sh", Args: []string{"-c", "sleep 30"}, GracePeriod: 2 * time.Second})

	require.NoError(t, s.Start(ctx))
	start := time.Now()
	cancel()

	require.Error(t, s.Wait())
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, -1, s.ExitCode())
}

func TestSubprocess_StopEscalatesToKill(t *testing.T) {
	s := New(Config{
		Command:     "sh",
		Args:        []string{"-c", `trap "" TERM; while true; do sleep 0.1; done`},
		GracePeriod: 200 * time.Millisecond,
	})

	require.NoError(t, s.Start(context.Background()))
	// Give the shell time to install the trap.
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	require.NoError(t, s.Stop())
	require.Error(t, s.Wait())
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestTailBufferKeepsLastBytes(t *testing.T) {
	tail := newTailBuffer(4)
	_, _ = tail.Write([]byte("ab"))
	_, _ = tail.Write([]byte("cdef"))
	assert.Equal(t, "cdef", tail.String())
	_, _ = tail.Write([]byte("0123456789"))
	assert.Equal(t, "6789", tail.String())
}
