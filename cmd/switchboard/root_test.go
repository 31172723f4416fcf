package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/app/runstore"
	"switchboard/internal/domain/run"
	serrors "switchboard/internal/shared/errors"
	"switchboard/internal/shared/logging"
)

func writeConfig(t *testing.T) (path, runsRoot string) {
	t.Helper()
	dir := t.TempDir()
	runsRoot = filepath.Join(dir, "runs")
	path = filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf(`executable:
  path: %s
scheduler:
  max_concurrent: 3
runs:
  root: %s
log:
  dir: %s
`, filepath.Join(dir, "missing-claude"), runsRoot, filepath.Join(dir, "logs"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Cleanup(func() { logging.Configure(logging.Options{Disabled: true}) })
	return path, runsRoot
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append(args, "--no-color"))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestConfigCommandRendersEffectiveConfig(t *testing.T) {
	path, runsRoot := writeConfig(t)
	stdout, _, err := execute(t, "config", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, stdout, "# loaded from "+path)
	assert.Contains(t, stdout, "max_concurrent: 3")
	assert.Contains(t, stdout, runsRoot)
}

func TestRunsListAndGet(t *testing.T) {
	path, runsRoot := writeConfig(t)
	store, err := runstore.New(runsRoot)
	require.NoError(t, err)
	created, err := store.CreateRun(context.Background(), run.NewRun{Repository: "api", Input: run.Input{Prompt: "hi"}})
	require.NoError(t, err)

	stdout, stderr, err := execute(t, "runs", "list", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, stdout, created.ID)
	assert.Contains(t, stdout, "QUEUED")
	assert.Contains(t, stderr, "1 of 1 runs")

	stdout, _, err = execute(t, "runs", "get", created.ID, "--config", path)
	require.NoError(t, err)
	assert.Contains(t, stdout, `"repository": "api"`)

	_, _, err = execute(t, "runs", "get", "run-missing", "--config", path)
	require.Error(t, err)
	assert.Equal(t, 3, exitCode(err))

	_, _, err = execute(t, "runs", "list", "--status", "bogus", "--config", path)
	require.Error(t, err)
	assert.Equal(t, 2, exitCode(err))
}

func TestExitCodes(t *testing.T) {
	assert.Equal(t, 1, exitCode(fmt.Errorf("plain")))
	assert.Equal(t, 4, exitCode(serrors.New(serrors.KindUnavailable, "no claude")))
	assert.Equal(t, 5, exitCode(fmt.Errorf("wrapped: %w", serrors.New(serrors.KindTimeout, "slow"))))
}
