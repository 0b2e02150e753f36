package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threathunter/internal/config"
	"threathunter/internal/hunter"
	"threathunter/internal/metrics"
	"threathunter/internal/types"
)

type fakeHunter struct {
	snapshot  hunter.Snapshot
	triggered int
	ignored   []string
	logs      map[string]types.LogRecord
	answer    string
}

func (f *fakeHunter) Snapshot() hunter.Snapshot { return f.snapshot }
func (f *fakeHunter) TriggerNow()               { f.triggered++ }

func (f *fakeHunter) IgnoreIssue(id string) error {
	f.ignored = append(f.ignored, id)
	return nil
}

func (f *fakeHunter) GetLog(digest string) (types.LogRecord, bool) {
	rec, ok := f.logs[digest]
	return rec, ok
}

func (f *fakeHunter) Chat(_ context.Context, _ string) (string, error) {
	return f.answer, nil
}

func (f *fakeHunter) QueryIssue(_ context.Context, id, _ string) (string, error) {
	for _, issue := range f.snapshot.Issues {
		if issue.ID == id {
			return f.answer, nil
		}
	}
	return "", hunter.ErrUnknownIssue
}

func newTestServer(t *testing.T) (*Server, *fakeHunter) {
	t.Helper()
	fh := &fakeHunter{
		snapshot: hunter.Snapshot{
			State:          types.StateIdle,
			OverallSummary: "all quiet",
			Issues: []types.Issue{
				{ID: "abc123", Severity: types.SeverityHigh, Title: "brute force"},
			},
		},
		logs:   map[string]types.LogRecord{"deadbeef": {"id": "1"}},
		answer: "nothing suspicious",
	}
	settings := config.NewSettingsStore(filepath.Join(t.TempDir(), "settings.json"), zerolog.Nop())
	settings.Load()
	srv := New(fh, settings, metrics.NewCollector(), zerolog.Nop())
	return srv, fh
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestDashboard(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv, http.MethodGet, "/api/dashboard", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap hunter.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, types.StateIdle, snap.State)
	assert.Equal(t, "all quiet", snap.OverallSummary)
}

func TestIssuesList(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv, http.MethodGet, "/api/issues", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var issues []types.Issue
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &issues))
	require.Len(t, issues, 1)
	assert.Equal(t, "abc123", issues[0].ID)
}

func TestIgnoreIssue(t *testing.T) {
	srv, fh := newTestServer(t)
	rec := do(t, srv, http.MethodPost, "/api/issues/abc123/ignore", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"abc123"}, fh.ignored)
}

func TestTriggerCycle(t *testing.T) {
	srv, fh := newTestServer(t)
	rec := do(t, srv, http.MethodPost, "/api/cycle/trigger", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, fh.triggered)
}

func TestGetLog(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv, http.MethodGet, "/api/logs/deadbeef", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"1"`)

	rec = do(t, srv, http.MethodGet, "/api/logs/unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSettingsRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv, http.MethodGet, "/api/settings", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got config.Settings
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, config.DefaultSettings(), got)

	rec = do(t, srv, http.MethodPut, "/api/settings", `{"processing_interval": 60, "max_issues": -5}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 60, got.ProcessingIntervalSec)
	// Out-of-range values are clamped to defaults.
	assert.Equal(t, 1000, got.MaxIssues)
}

func TestQueryIssue(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv, http.MethodPost, "/api/issues/abc123/query", `{"question": "which host?"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "nothing suspicious")

	rec = do(t, srv, http.MethodPost, "/api/issues/missing/query", `{"question": "which host?"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/issues/abc123/query", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSettingsPartialUpdateKeepsOverrides(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv, http.MethodPut, "/api/settings", `{"processing_interval": 60}`)
	require.Equal(t, http.StatusOK, rec.Code)

	// A later partial document must not reset keys it does not mention.
	rec = do(t, srv, http.MethodPut, "/api/settings", `{"max_issues": 50}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var got config.Settings
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 60, got.ProcessingIntervalSec)
	assert.Equal(t, 50, got.MaxIssues)
}

func TestChat(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv, http.MethodPost, "/api/chat", `{"question": "anything odd?"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "nothing suspicious")

	rec = do(t, srv, http.MethodPost, "/api/chat", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "worker_cycle_seconds")
}
