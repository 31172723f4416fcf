package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanAdvance(t *testing.T) {
	tests := []struct {
		from, to Stage
		want     bool
	}{
		{StageQueued, StageInitializing, true},
		{StageQueued, StageProcessing, true},
		{StageProcessing, StageProcessing, true},
		{StageProcessing, StageLoadingContext, false},
		{StageQueued, StageFailed, true},
		{StageSavingResults, StageCancelled, true},
		{StageSavingResults, StageCompleted, true},
		{StageCompleted, StageFailed, false},
		{StageFailed, StageFailed, false},
		{StageCancelled, StageCompleted, false},
		{Stage("BOGUS"), StageCompleted, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanAdvance(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestStagePercentagesAreMonotonic(t *testing.T) {
	linear := []Stage{StageQueued, StageInitializing, StageLoadingContext, StageProcessing, StageParsingResponse, StageSavingResults, StageCompleted}
	for i := 1; i < len(linear); i++ {
		assert.Greater(t, linear[i].Percentage(), linear[i-1].Percentage())
	}
	assert.Equal(t, 100.0, StageFailed.Percentage())
	assert.Equal(t, 100.0, StageCancelled.Percentage())
}
