package dashboard

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/gosec-scan/pkg/engine"
	"github.com/user/gosec-scan/pkg/logger"
	"github.com/user/gosec-scan/pkg/store"
)

func seededServer(t *testing.T) *Server {
	t.Helper()
	st, err := store.New(t.TempDir(), logger.Discard())
	require.NoError(t, err)

	web := engine.NewTarget("shop", "nginx:1.25", "127.0.0.1", 8080)
	job := engine.NewScanJob(web, engine.KindVulnerability)
	require.NoError(t, job.Start())
	require.NoError(t, job.Finish(engine.StateSucceeded, nil))
	findings := []engine.Finding{
		{ToolKind: engine.KindVulnerability, TargetID: web.ID, Severity: engine.SeverityHigh, Category: "vulnerability", Message: "CVE-1"},
		{ToolKind: engine.KindVulnerability, TargetID: web.ID, Severity: engine.SeverityHigh, Category: "vulnerability", Message: "CVE-2"},
		{ToolKind: engine.KindVulnerability, TargetID: web.ID, Severity: engine.SeverityCritical, Category: "vulnerability", Message: "CVE-3"},
	}
	require.NoError(t, st.Save(engine.NewReport(job, &engine.RawResult{Stdout: []byte("raw")}, findings)))

	nm := engine.NewScanJob(web, engine.KindNetworkMap)
	require.NoError(t, nm.Start())
	require.NoError(t, nm.Finish(engine.StateTimedOut, engine.ErrToolTimeout))
	require.NoError(t, st.Save(engine.NewReport(nm, nil, nil)))

	return New(st, logger.Discard())
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	w := get(t, seededServer(t), "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestListReports(t *testing.T) {
	s := seededServer(t)

	w := get(t, s, "/api/reports")
	require.Equal(t, http.StatusOK, w.Code)
	var all []ReportHeader
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &all))
	assert.Len(t, all, 2)

	w = get(t, s, "/api/reports?tool=network_map")
	var filtered []ReportHeader
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &filtered))
	require.Len(t, filtered, 1)
	assert.Equal(t, engine.StateTimedOut, filtered[0].Status)
	assert.NotEmpty(t, filtered[0].Error)
}

func TestGetReportAndSummary(t *testing.T) {
	s := seededServer(t)
	target := url.PathEscape("127.0.0.1:8080")

	w := get(t, s, "/api/reports/vulnerability/"+target)
	require.Equal(t, http.StatusOK, w.Code)
	var rep engine.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rep))
	assert.Len(t, rep.Findings, 3)
	assert.Equal(t, "shop", rep.Target.DisplayName)

	w = get(t, s, "/api/reports/vulnerability/"+target+"/summary")
	require.Equal(t, http.StatusOK, w.Code)
	var sum SummaryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sum))
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 2, sum.Counts[engine.SeverityHigh])
	assert.Equal(t, 1, sum.Counts[engine.SeverityCritical])
}

func TestErrorsMapToStatus(t *testing.T) {
	s := seededServer(t)

	assert.Equal(t, http.StatusNotFound, get(t, s, "/api/reports/active_web/127.0.0.1:8080").Code)
	assert.Equal(t, http.StatusNotFound, get(t, s, "/api/reports/active_web/127.0.0.1:8080/summary").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, s, "/api/reports/gitleaks/127.0.0.1:8080").Code)
}

type brokenReports struct{}

func (brokenReports) List() ([]*engine.Report, error) { return nil, errors.New("disk gone") }
func (brokenReports) Load(engine.ToolKind, string) (*engine.Report, error) {
	return nil, errors.New("disk gone")
}
func (brokenReports) Summary(engine.ToolKind, string) (map[engine.Severity]int, error) {
	return nil, errors.New("disk gone")
}

func TestStoreFailureIsInternalError(t *testing.T) {
	s := New(brokenReports{}, logger.Discard())
	w := get(t, s, "/api/reports")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "disk gone")
}
