package engine

import (
	"time"
)

// RawResult is what an adapter captured from one tool execution
type RawResult struct {
	JobID      string
	ExitCode   int
	TimedOut   bool
	Stdout     []byte
	Stderr     []byte
	StartedAt  time.Time
	FinishedAt time.Time
}

// Combined returns stdout followed by stderr
func (r *RawResult) Combined() []byte {
	if r == nil {
		return nil
	}
	out := make([]byte, 0, len(r.Stdout)+len(r.Stderr)+1)
	out = append(out, r.Stdout...)
	if len(r.Stderr) > 0 {
		if len(out) > 0 && out[len(out)-1] != '\n' {
			out = append(out, '\n')
		}
		out = append(out, r.Stderr...)
	}
	return out
}

// Report is the persisted outcome for one (tool, target) pair
type Report struct {
	ToolKind   ToolKind  `json:"tool_kind"`
	TargetID   string    `json:"target_id"`
	Target     Target    `json:"target"`
	Status     JobState  `json:"status"`
	ExitCode   int       `json:"exit_code"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error,omitempty"`
	Findings   []Finding `json:"findings"`
	Raw        string    `json:"raw"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	SavedAt    time.Time `json:"saved_at"`
}

// NewReport builds the report for a finished job
func NewReport(job *ScanJob, raw *RawResult, findings []Finding) *Report {
	rep := &Report{
		ToolKind:   job.Kind,
		TargetID:   job.Target.ID,
		Target:     job.Target,
		Status:     job.State,
		Attempts:   job.Attempts,
		Findings:   findings,
		StartedAt:  job.StartedAt,
		FinishedAt: job.FinishedAt,
	}
	if rep.Findings == nil {
		rep.Findings = []Finding{}
	}
	if job.Err != nil {
		rep.Error = job.Err.Error()
	}
	if raw != nil {
		rep.ExitCode = raw.ExitCode
		rep.Raw = string(raw.Combined())
	}
	return rep
}

// Counts returns severity counts of the report's findings
func (r *Report) Counts() map[Severity]int {
	return SeverityCounts(r.Findings)
}
