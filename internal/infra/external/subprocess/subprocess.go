package subprocess

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"
)

const (
	defaultGracePeriod = 5 * time.Second
	defaultStderrTail  = 8 * 1024
)

// Config defines how to spawn and manage a one-shot child process.
type Config struct {
	Command    string
	Args       []string
	Env        map[string]string
	WorkingDir string
	// GracePeriod is the wait between SIGTERM and SIGKILL on Stop.
	GracePeriod time.Duration
	// Stdout and Stderr receive output as it is produced. Either may be nil.
	Stdout io.Writer
	Stderr io.Writer
	// StderrTailBytes bounds the retained stderr tail.
	StderrTailBytes int
}

// Subprocess manages the lifecycle of a single child process running in its
// own process group. Cancelling the Start context terminates the group.
type Subprocess struct {
	cfg        Config
	cmd        *exec.Cmd
	stderrTail *tailBuffer
	done       chan struct{}
	err        error
	pgid       int
	stopOnce   sync.Once
	mu         sync.Mutex
}

// New creates a new Subprocess from the given config.
func New(cfg Config) *Subprocess {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	return &Subprocess{cfg: cfg, stderrTail: newTailBuffer(cfg.StderrTailBytes)}
}

func (s *Subprocess) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		return fmt.Errorf("subprocess already started")
	}

	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	if s.cfg.WorkingDir != "" {
		cmd.Dir = s.cfg.WorkingDir
	}
	if len(s.cfg.Env) > 0 {
		cmd.Env = mergeEnv(os.Environ(), s.cfg.Env)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if s.cfg.Stdout != nil {
		cmd.Stdout = s.cfg.Stdout
	} else {
		cmd.Stdout = io.Discard
	}
	if s.cfg.Stderr != nil {
		cmd.Stderr = io.MultiWriter(s.stderrTail, s.cfg.Stderr)
	} else {
		cmd.Stderr = s.stderrTail
	}
	// Grandchildren holding the output pipes open must not block Wait forever.
	cmd.WaitDelay = s.cfg.GracePeriod

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start subprocess: %w", err)
	}
	s.cmd = cmd
	s.done = make(chan struct{})
	if cmd.Process != nil {
		s.pgid, _ = syscall.Getpgid(cmd.Process.Pid)
	}

	done := s.done
	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		s.err = err
		close(done)
		s.mu.Unlock()
	}()

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Stop()
		case <-done:
		}
	}()

	return nil
}

func (s *Subprocess) StderrTail() string {
	return s.stderrTail.String()
}

// Wait blocks until the process exits and its output has been copied.
func (s *Subprocess) Wait() error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stop sends SIGTERM to the process group and escalates to SIGKILL when the
// process has not exited after the grace period. Safe to call repeatedly.
func (s *Subprocess) Stop() error {
	s.mu.Lock()
	cmd := s.cmd
	done := s.done
	pgid := s.pgid
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if pgid == 0 {
		pgid = cmd.Process.Pid
	}

	s.stopOnce.Do(func() {
		_ = syscall.Kill(-pgid, syscall.SIGTERM)

		timer := time.NewTimer(s.cfg.GracePeriod)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
		}
	})
	return nil
}

// ExitCode reports the exit code, -1 while running or when killed by a signal.
func (s *Subprocess) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.ProcessState == nil {
		return -1
	}
	return s.cmd.ProcessState.ExitCode()
}

func (s *Subprocess) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil && s.cmd.Process != nil {
		return s.cmd.Process.Pid
	}
	return 0
}

func mergeEnv(base []string, overrides map[string]string) []string {
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := append([]string{}, base...)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, overrides[k]))
	}
	return env
}

type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	if max <= 0 {
		max = defaultStderrTail
	}
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(p) >= t.max {
		t.buf = append(t.buf[:0], p[len(p)-t.max:]...)
		return len(p), nil
	}

	if len(t.buf)+len(p) > t.max {
		excess := len(t.buf) + len(p) - t.max
		t.buf = t.buf[excess:]
	}
	t.buf = append(t.buf, p...)
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.buf) == 0 {
		return ""
	}
	copyBuf := make([]byte, len(t.buf))
	copy(copyBuf, t.buf)
	return string(copyBuf)
}
