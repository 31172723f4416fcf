package bootstrap

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/shared/logging"
)

func TestRunStagesFailsOnRequired(t *testing.T) {
	degraded := NewDegradedComponents()
	stages := []Stage{
		{Name: "ok", Required: true, Init: func() error { return nil }},
		{Name: "fail", Required: true, Init: func() error { return fmt.Errorf("boom") }},
		{Name: "unreached", Required: true, Init: func() error {
			t.Fatal("should not be reached")
			return nil
		}},
	}

	err := RunStages(stages, degraded, logging.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"fail"`)
	assert.True(t, degraded.IsEmpty())
}

func TestRunStagesRecordsOptionalFailures(t *testing.T) {
	degraded := NewDegradedComponents()
	var reached bool
	stages := []Stage{
		{Name: "opt-b", Required: false, Init: func() error { return fmt.Errorf("fail-b") }},
		{Name: "opt-a", Required: false, Init: func() error { return fmt.Errorf("fail-a") }},
		{Name: "required", Required: true, Init: func() error { reached = true; return nil }},
	}

	require.NoError(t, RunStages(stages, degraded, nil))
	assert.True(t, reached)
	assert.Equal(t, []string{"opt-a", "opt-b"}, degraded.Names())
	assert.Equal(t, "fail-a", degraded.Map()["opt-a"])
}
