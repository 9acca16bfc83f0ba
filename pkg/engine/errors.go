package engine

import (
	"errors"
	"fmt"
)

// Error taxonomy. Infrastructure errors surface as job or run outcomes,
// parse anomalies are absorbed by the normalizer.
var (
	ErrDiscovery         = errors.New("discovery failed")
	ErrNoPortAvailable   = errors.New("no port available")
	ErrToolLaunch        = errors.New("tool launch failed")
	ErrToolTimeout       = errors.New("tool timed out")
	ErrParseAnomaly      = errors.New("parse anomaly")
	ErrStoreWrite        = errors.New("store write failed")
	ErrReportNotFound    = errors.New("report not found")
	ErrInvalidTransition = errors.New("invalid job state transition")
)

// LaunchError wraps err as a retryable tool launch failure
func LaunchError(format string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrToolLaunch, format, err)
}

// IsRetryable reports whether a job error may be retried by the orchestrator.
// Only launch failures are; timeouts and tool verdicts are final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrToolTimeout) {
		return false
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}
	return errors.Is(err, ErrToolLaunch)
}

// PermanentError marks a failure that retrying cannot fix (e.g. a target the
// tool cannot be applied to).
type PermanentError struct {
	Reason string
}

func (e *PermanentError) Error() string {
	return e.Reason
}

// JobError carries per-job failure detail for the run summary
type JobError struct {
	JobID    string
	Kind     ToolKind
	TargetID string
	Err      error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s (%s on %s): %v", e.JobID, e.Kind, e.TargetID, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}
