package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobState is the lifecycle state of a ScanJob
type JobState string

const (
	StatePending   JobState = "Pending"
	StateRunning   JobState = "Running"
	StateSucceeded JobState = "Succeeded"
	StateFailed    JobState = "Failed"
	StateTimedOut  JobState = "TimedOut"
)

// Terminal reports whether no further transition is allowed
func (s JobState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateTimedOut
}

// ScanJob is one (target, tool) execution with lifecycle state.
// It is mutated only by the orchestrator goroutine that owns it.
type ScanJob struct {
	ID         string
	Target     Target
	Kind       ToolKind
	Attempts   int
	State      JobState
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// NewScanJob creates a Pending job
func NewScanJob(target Target, kind ToolKind) *ScanJob {
	return &ScanJob{
		ID:     uuid.NewString(),
		Target: target,
		Kind:   kind,
		State:  StatePending,
	}
}

// Start moves a Pending job to Running and counts the first attempt
func (j *ScanJob) Start() error {
	if j.State != StatePending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.State, StateRunning)
	}
	j.State = StateRunning
	j.Attempts = 1
	j.StartedAt = time.Now()
	return nil
}

// Retry counts another attempt of a Running job
func (j *ScanJob) Retry() error {
	if j.State != StateRunning {
		return fmt.Errorf("%w: retry in state %s", ErrInvalidTransition, j.State)
	}
	j.Attempts++
	return nil
}

// Finish moves a Running job into a terminal state
func (j *ScanJob) Finish(state JobState, err error) error {
	if j.State != StateRunning {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.State, state)
	}
	if !state.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, state)
	}
	j.State = state
	j.Err = err
	j.FinishedAt = time.Now()
	return nil
}

// Duration is the wall time between start and finish
func (j *ScanJob) Duration() time.Duration {
	if j.StartedAt.IsZero() || j.FinishedAt.IsZero() {
		return 0
	}
	return j.FinishedAt.Sub(j.StartedAt)
}
