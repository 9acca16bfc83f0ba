package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Outcome is the recorded result of one terminal job
type Outcome struct {
	JobID    string
	Kind     ToolKind
	TargetID string
	State    JobState
	Attempts int
	Findings int
	Duration time.Duration
	Err      error
}

// RunSummary collects job outcomes of a scan run. Safe for concurrent use.
type RunSummary struct {
	mu              sync.RWMutex
	outcomes        []Outcome
	discoveryErrors []error
	aborted         bool
}

// NewRunSummary creates an empty summary
func NewRunSummary() *RunSummary {
	return &RunSummary{outcomes: make([]Outcome, 0)}
}

// Record adds the outcome of a terminal job
func (s *RunSummary) Record(o Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, o)
}

// RecordJob is Record for a finished ScanJob
func (s *RunSummary) RecordJob(job *ScanJob, findings int, extra error) {
	err := job.Err
	if extra != nil {
		if err == nil {
			err = extra
		} else {
			err = fmt.Errorf("%w; %w", err, extra)
		}
	}
	if err != nil {
		err = &JobError{JobID: job.ID, Kind: job.Kind, TargetID: job.Target.ID, Err: err}
	}
	s.Record(Outcome{
		JobID:    job.ID,
		Kind:     job.Kind,
		TargetID: job.Target.ID,
		State:    job.State,
		Attempts: job.Attempts,
		Findings: findings,
		Duration: job.Duration(),
		Err:      err,
	})
}

// AddDiscoveryError notes a discovery failure. When abort is set the run
// is marked aborted.
func (s *RunSummary) AddDiscoveryError(err error, abort bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discoveryErrors = append(s.discoveryErrors, err)
	if abort {
		s.aborted = true
	}
}

// Aborted reports whether the run stopped before scanning
func (s *RunSummary) Aborted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.aborted
}

// DiscoveryErrors returns a copy of the discovery failures
func (s *RunSummary) DiscoveryErrors() []error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]error(nil), s.discoveryErrors...)
}

// Counts returns the number of jobs per terminal state. All terminal
// states are present.
func (s *RunSummary) Counts() map[JobState]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := map[JobState]int{StateSucceeded: 0, StateFailed: 0, StateTimedOut: 0}
	for _, o := range s.outcomes {
		counts[o.State]++
	}
	return counts
}

// Outcomes returns outcomes ordered by tool then target
func (s *RunSummary) Outcomes() []Outcome {
	s.mu.RLock()
	out := append([]Outcome(nil), s.outcomes...)
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].TargetID < out[j].TargetID
	})
	return out
}

// Errors returns the per-job errors in outcome order
func (s *RunSummary) Errors() []error {
	var errs []error
	for _, o := range s.Outcomes() {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return errs
}

// Render returns a text summary of the run
func (s *RunSummary) Render() string {
	counts := s.Counts()
	var sb strings.Builder
	if s.Aborted() {
		sb.WriteString("Run aborted during discovery\n")
		for _, err := range s.DiscoveryErrors() {
			sb.WriteString(fmt.Sprintf("  %v\n", err))
		}
		return sb.String()
	}
	sb.WriteString(fmt.Sprintf("Scan run: %d succeeded, %d failed, %d timed out\n",
		counts[StateSucceeded], counts[StateFailed], counts[StateTimedOut]))
	sb.WriteString("--------------------------------------------------\n")
	for _, o := range s.Outcomes() {
		sb.WriteString(fmt.Sprintf("[%s] %s on %s (attempts %d, findings %d)\n", o.State, o.Kind, o.TargetID, o.Attempts, o.Findings))
		if o.Err != nil {
			sb.WriteString(fmt.Sprintf("  Error: %v\n", o.Err))
		}
	}
	for _, err := range s.DiscoveryErrors() {
		sb.WriteString(fmt.Sprintf("Discovery warning: %v\n", err))
	}
	return sb.String()
}
