package engine

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSeverity(t *testing.T) {
	cases := map[string]Severity{
		"CRITICAL":      SeverityCritical,
		"high":          SeverityHigh,
		" Medium ":      SeverityMedium,
		"moderate":      SeverityMedium,
		"negligible":    SeverityLow,
		"Informational": SeverityInfo,
		"":              SeverityUnknown,
		"bogus":         SeverityUnknown,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseSeverity(in), in)
	}
	assert.Greater(t, SeverityCritical.Rank(), SeverityHigh.Rank())
	assert.Equal(t, 0, SeverityUnknown.Rank())
}

func TestParseToolKind(t *testing.T) {
	k, err := ParseToolKind(" Network_Map ")
	require.NoError(t, err)
	assert.Equal(t, KindNetworkMap, k)

	_, err = ParseToolKind("docker_bench")
	assert.Error(t, err)
}

func TestSeverityCountsIncludesAllKeys(t *testing.T) {
	counts := SeverityCounts([]Finding{
		{Severity: SeverityHigh},
		{Severity: SeverityHigh},
		{Severity: "weird"},
	})
	assert.Len(t, counts, len(Severities()))
	assert.Equal(t, 2, counts[SeverityHigh])
	assert.Equal(t, 1, counts[SeverityUnknown])
	assert.Equal(t, 0, counts[SeverityCritical])
}

func TestTargetIdentity(t *testing.T) {
	a := NewTarget("web", "nginx:1.25", "10.0.0.5", 80)
	b := NewTarget("other-name", "httpd:2", "10.0.0.5", 80)
	c := NewTarget("web", "nginx:1.25", "10.0.0.5", 443)

	assert.Equal(t, a.Key(), b.Key())
	assert.Equal(t, a.ID, b.ID)
	assert.NotEqual(t, a.Key(), c.Key())
	assert.Equal(t, "http://10.0.0.5:80", a.URL())
	assert.Equal(t, "https://10.0.0.5:443", c.URL())

	v6 := NewTarget("web", "", "::1", 8080)
	assert.Equal(t, "[::1]:8080", v6.ID)
}

func TestScanJobStateMachine(t *testing.T) {
	job := NewScanJob(NewTarget("web", "nginx", "h", 80), KindNetworkMap)
	require.Equal(t, StatePending, job.State)
	require.NotEmpty(t, job.ID)

	// 1. Finish before start is rejected
	err := job.Finish(StateSucceeded, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// 2. Normal path
	require.NoError(t, job.Start())
	assert.Equal(t, 1, job.Attempts)
	require.NoError(t, job.Retry())
	assert.Equal(t, 2, job.Attempts)
	assert.ErrorIs(t, job.Finish(StateRunning, nil), ErrInvalidTransition)
	require.NoError(t, job.Finish(StateTimedOut, ErrToolTimeout))

	// 3. Terminal states are final
	assert.ErrorIs(t, job.Start(), ErrInvalidTransition)
	assert.ErrorIs(t, job.Retry(), ErrInvalidTransition)
	assert.ErrorIs(t, job.Finish(StateSucceeded, nil), ErrInvalidTransition)
	assert.Equal(t, StateTimedOut, job.State)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(LaunchError("pull nginx", errors.New("registry down"))))
	assert.True(t, IsRetryable(fmt.Errorf("wrapped: %w", ErrToolLaunch)))
	assert.False(t, IsRetryable(ErrToolTimeout))
	assert.False(t, IsRetryable(fmt.Errorf("%w: %w", ErrToolLaunch, &PermanentError{Reason: "no image"})))
	assert.False(t, IsRetryable(errors.New("boom")))
	assert.False(t, IsRetryable(nil))
}

func TestRawResultCombined(t *testing.T) {
	r := &RawResult{Stdout: []byte("out"), Stderr: []byte("err")}
	assert.Equal(t, "out\nerr", string(r.Combined()))
	assert.Nil(t, (*RawResult)(nil).Combined())
}

func TestNewReportFromFailedJob(t *testing.T) {
	job := NewScanJob(NewTarget("web", "nginx", "h", 80), KindVulnerability)
	require.NoError(t, job.Start())
	require.NoError(t, job.Finish(StateFailed, errors.New("launch failed")))

	rep := NewReport(job, nil, nil)
	assert.Equal(t, StateFailed, rep.Status)
	assert.Equal(t, "launch failed", rep.Error)
	assert.NotNil(t, rep.Findings)
	assert.Empty(t, rep.Raw)
}

func TestRunSummaryConcurrentRecord(t *testing.T) {
	s := NewRunSummary()
	var wg sync.WaitGroup
	states := []JobState{StateSucceeded, StateFailed, StateTimedOut}
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Record(Outcome{Kind: KindNetworkMap, TargetID: fmt.Sprintf("t%02d", i), State: states[i%3]})
		}(i)
	}
	wg.Wait()

	counts := s.Counts()
	assert.Equal(t, 10, counts[StateSucceeded])
	assert.Equal(t, 10, counts[StateFailed])
	assert.Equal(t, 10, counts[StateTimedOut])

	out := s.Outcomes()
	require.Len(t, out, 30)
	assert.Equal(t, "t00", out[0].TargetID)
}

func TestRunSummaryEmptyAndAborted(t *testing.T) {
	s := NewRunSummary()
	assert.Equal(t, map[JobState]int{StateSucceeded: 0, StateFailed: 0, StateTimedOut: 0}, s.Counts())

	s.AddDiscoveryError(fmt.Errorf("%w: connection refused", ErrDiscovery), true)
	assert.True(t, s.Aborted())
	assert.True(t, strings.Contains(s.Render(), "aborted"))
}

func TestRecordJobWrapsJobError(t *testing.T) {
	job := NewScanJob(NewTarget("web", "nginx", "h", 80), KindActiveWeb)
	require.NoError(t, job.Start())
	require.NoError(t, job.Finish(StateSucceeded, nil))

	s := NewRunSummary()
	s.RecordJob(job, 3, fmt.Errorf("%w: disk full", ErrStoreWrite))

	errs := s.Errors()
	require.Len(t, errs, 1)
	var jobErr *JobError
	require.ErrorAs(t, errs[0], &jobErr)
	assert.Equal(t, job.ID, jobErr.JobID)
	assert.ErrorIs(t, errs[0], ErrStoreWrite)
	assert.Equal(t, StateSucceeded, s.Outcomes()[0].State)
}
