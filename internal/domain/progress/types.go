// Package progress defines run stages and the events broadcast for them.
package progress

import "time"

// Stage is a named step in a run's lifecycle.
type Stage string

const (
	StageQueued          Stage = "QUEUED"
	StageInitializing    Stage = "INITIALIZING"
	StageLoadingContext  Stage = "LOADING_CONTEXT"
	StageProcessing      Stage = "PROCESSING"
	StageParsingResponse Stage = "PARSING_RESPONSE"
	StageSavingResults   Stage = "SAVING_RESULTS"
	StageCompleted       Stage = "COMPLETED"
	StageFailed          Stage = "FAILED"
	StageCancelled       Stage = "CANCELLED"
)

var stageOrder = map[Stage]int{
	StageQueued:          0,
	StageInitializing:    1,
	StageLoadingContext:  2,
	StageProcessing:      3,
	StageParsingResponse: 4,
	StageSavingResults:   5,
	StageCompleted:       6,
	StageFailed:          6,
	StageCancelled:       6,
}

var stagePercentage = map[Stage]float64{
	StageQueued:          0,
	StageInitializing:    10,
	StageLoadingContext:  25,
	StageProcessing:      50,
	StageParsingResponse: 75,
	StageSavingResults:   90,
	StageCompleted:       100,
	StageFailed:          100,
	StageCancelled:       100,
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	_, ok := stageOrder[s]
	return ok
}

// IsTerminal reports whether s is COMPLETED, FAILED or CANCELLED.
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageCancelled
}

// Percentage returns the fixed completion percentage for s.
func (s Stage) Percentage() float64 {
	return stagePercentage[s]
}

// CanAdvance reports whether a run at from may move to to. Staying on the
// same non-terminal stage is allowed; FAILED and CANCELLED are reachable from
// any non-terminal stage; nothing leaves a terminal stage.
func CanAdvance(from, to Stage) bool {
	if !from.Valid() || !to.Valid() || from.IsTerminal() {
		return false
	}
	if to == StageFailed || to == StageCancelled {
		return true
	}
	return stageOrder[to] >= stageOrder[from]
}

// Event is one progress update for a run.
type Event struct {
	RunID            string    `json:"run_id"`
	BatchID          string    `json:"batch_id,omitempty"`
	Stage            Stage     `json:"stage"`
	Percentage       float64   `json:"percentage"`
	CurrentOperation string    `json:"current_operation,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
	IsComplete       bool      `json:"is_complete"`
	Error            string    `json:"error,omitempty"`
}

// BatchProgress aggregates the latest events of a batch's runs.
type BatchProgress struct {
	BatchID             string     `json:"batch_id"`
	TotalOperations     int        `json:"total_operations"`
	CompletedOperations int        `json:"completed_operations"`
	FailedOperations    int        `json:"failed_operations"`
	OverallPercentage   float64    `json:"overall_percentage"`
	RunProgress         []Event    `json:"run_progress"`
	StartTime           time.Time  `json:"start_time"`
	IsComplete          bool       `json:"is_complete"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy.
func (b BatchProgress) Clone() BatchProgress {
	cp := b
	cp.RunProgress = append([]Event(nil), b.RunProgress...)
	if b.CompletedAt != nil {
		t := *b.CompletedAt
		cp.CompletedAt = &t
	}
	return cp
}
