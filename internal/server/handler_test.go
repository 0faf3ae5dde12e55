package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/leadbase/issuewatch/internal/extract"
	"github.com/leadbase/issuewatch/internal/logsource"
	"github.com/leadbase/issuewatch/internal/pattern"
	"github.com/leadbase/issuewatch/internal/reconcile"
	"github.com/leadbase/issuewatch/internal/scanner"
	"github.com/leadbase/issuewatch/internal/store"
	"github.com/leadbase/issuewatch/pkg/models"
)

var testBase = time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

type testHarness struct {
	mem     *store.Memory
	handler *Handler
	mux     *http.ServeMux
}

func newHarness(t *testing.T, entries []models.LogEntry) *testHarness {
	t.Helper()
	reg, err := pattern.Default()
	if err != nil {
		t.Fatal(err)
	}
	logger := zap.NewNop()
	ex := extract.New(reg, logger)
	mem := store.NewMemory()
	src := logsource.NewBufferSource(entries)

	sc := scanner.New(src, ex, mem, mem, scanner.DefaultConfig(), logger)
	rec := reconcile.New(src, ex, reg, mem, mem, reconcile.DefaultConfig(), logger)

	h := NewHandler(sc, rec, ex, mem, logger)
	h.now = func() time.Time { return testBase.Add(time.Hour) }

	mux := http.NewServeMux()
	h.Register(mux)
	return &testHarness{mem: mem, handler: h, mux: mux}
}

func (h *testHarness) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	h.mux.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("decoding response %q: %v", w.Body.String(), err)
	}
}

func TestAnalyzeRecentByRunID(t *testing.T) {
	end := testBase.Add(5 * time.Minute)
	entries := []models.LogEntry{
		{Timestamp: testBase, Message: "run 260115-100000 starting"},
		{Timestamp: testBase.Add(time.Minute), Message: "Error: upload failed for rec0000000000000A"},
	}
	h := newHarness(t, entries)
	h.mem.PutJob(models.JobRecord{RunID: "260115-100000", StartTime: testBase, EndTime: &end})

	w := h.do(t, http.MethodPost, "/analyze-logs/recent", map[string]string{"runId": "260115-100000"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp analyzeRecentResponse
	decode(t, w, &resp)
	if resp.IssuesFound != 1 || resp.CreatedRecords != 1 {
		t.Errorf("response = %+v, want 1 issue created", resp)
	}
	if !resp.CoverageComplete {
		t.Error("CoverageComplete = false, want true")
	}
	if resp.WatermarkAdvancedTo == nil {
		t.Error("WatermarkAdvancedTo missing")
	}
	if !strings.Contains(resp.Summary, "job-window") {
		t.Errorf("Summary = %q, want job-window mode", resp.Summary)
	}
}

func TestAnalyzeRecentUnknownRun(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(t, http.MethodPost, "/analyze-logs/recent", map[string]string{"runId": "999999-999999"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	var resp map[string]string
	decode(t, w, &resp)
	if resp["error"] != "job_not_found" {
		t.Errorf("error code = %q, want job_not_found", resp["error"])
	}
}

func TestAnalyzeRecentByMinutes(t *testing.T) {
	entries := []models.LogEntry{
		{Timestamp: testBase.Add(30 * time.Minute), Message: "Error: continuous failure"},
	}
	h := newHarness(t, entries)

	w := h.do(t, http.MethodPost, "/analyze-logs/recent", map[string]int{"minutes": 90})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp analyzeRecentResponse
	decode(t, w, &resp)
	if resp.IssuesFound != 1 {
		t.Errorf("IssuesFound = %d, want 1", resp.IssuesFound)
	}
	if !strings.Contains(resp.Summary, "continuous") {
		t.Errorf("Summary = %q, want continuous mode", resp.Summary)
	}
}

func TestAnalyzeRecentExplicitWindow(t *testing.T) {
	entries := []models.LogEntry{
		{Timestamp: testBase.Add(time.Minute), Message: "Error: inside"},
		{Timestamp: testBase.Add(20 * time.Minute), Message: "Error: outside"},
	}
	h := newHarness(t, entries)

	w := h.do(t, http.MethodPost, "/analyze-logs/recent", map[string]string{
		"startTime": testBase.Format(time.RFC3339),
		"endTime":   testBase.Add(10 * time.Minute).Format(time.RFC3339),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp analyzeRecentResponse
	decode(t, w, &resp)
	if resp.IssuesFound != 1 {
		t.Errorf("IssuesFound = %d, want only the in-window issue", resp.IssuesFound)
	}
}

func TestAnalyzeRecentValidation(t *testing.T) {
	h := newHarness(t, nil)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"bad json", "{not json", http.StatusBadRequest},
		{"bad startTime", `{"startTime": "yesterday"}`, http.StatusBadRequest},
		{"bad endTime", `{"startTime": "2026-01-15T10:00:00Z", "endTime": "later"}`, http.StatusBadRequest},
		{"endTime without startTime", `{"endTime": "2026-01-15T10:00:00Z"}`, http.StatusBadRequest},
		{"endTime with only minutes", `{"minutes": 30, "endTime": "2026-01-15T10:00:00Z"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/analyze-logs/recent", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			h.mux.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}

	if w := h.do(t, http.MethodGet, "/analyze-logs/recent", nil); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", w.Code)
	}
}

func TestAnalyzeText(t *testing.T) {
	h := newHarness(t, nil)

	logText := "run 260115-100000 starting\nError: upload failed for rec0000000000000A\nError: upload failed for rec0000000000000B\n"
	w := h.do(t, http.MethodPost, "/analyze-logs/text", map[string]string{"logText": logText})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		IssuesFound    int            `json:"issuesFound"`
		CreatedRecords int            `json:"createdRecords"`
		LinesScanned   int            `json:"linesScanned"`
		Issues         []models.Issue `json:"issues"`
	}
	decode(t, w, &resp)
	if resp.LinesScanned != 3 {
		t.Errorf("LinesScanned = %d, want 3", resp.LinesScanned)
	}
	if resp.IssuesFound != 1 || resp.CreatedRecords != 1 {
		t.Errorf("IssuesFound/Created = %d/%d, want 1/1 (lines collapse)", resp.IssuesFound, resp.CreatedRecords)
	}
	if len(resp.Issues) != 1 {
		t.Fatalf("got %d issues in body, want 1", len(resp.Issues))
	}
	if resp.Issues[0].Occurrences != 2 {
		t.Errorf("Occurrences = %d, want 2", resp.Issues[0].Occurrences)
	}
	if resp.Issues[0].RunID != "260115-100000" {
		t.Errorf("RunID = %q, want parsed from context", resp.Issues[0].RunID)
	}

	// Persisted, not just reported.
	stored, err := h.mem.Query(context.Background(), store.IssueQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 {
		t.Errorf("store holds %d issues, want 1", len(stored))
	}
}

func TestAnalyzeTextValidation(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(t, http.MethodPost, "/analyze-logs/text", map[string]string{"logText": ""})
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty logText status = %d, want 400", w.Code)
	}
}

func TestAnalyzeIssues(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	issues := []models.Issue{
		{
			NormalizedKey: "ERROR broke", Severity: models.SeverityError, PatternName: "generic-error",
			RepresentativeMessage: "Error: broke", FirstSeen: testBase, LastSeen: testBase,
			Occurrences: 3, RunID: "260115-100000",
		},
		{
			NormalizedKey: "WARNING slow", Severity: models.SeverityWarning, PatternName: "slow-operation",
			RepresentativeMessage: "slow query detected", FirstSeen: testBase, LastSeen: testBase.Add(time.Minute),
			Occurrences: 1, RunID: scanner.ContinuousRunID,
		},
	}
	for _, is := range issues {
		if _, err := h.mem.Upsert(ctx, is); err != nil {
			t.Fatal(err)
		}
	}

	w := h.do(t, http.MethodGet, "/analyze-issues", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		Total            int            `json:"total"`
		TotalOccurrences int64          `json:"totalOccurrences"`
		Issues           []issueSummary `json:"issues"`
		ExampleRuns      []string       `json:"exampleRuns"`
	}
	decode(t, w, &resp)
	if resp.Total != 2 || resp.TotalOccurrences != 4 {
		t.Errorf("Total/TotalOccurrences = %d/%d, want 2/4", resp.Total, resp.TotalOccurrences)
	}
	if len(resp.ExampleRuns) != 1 || resp.ExampleRuns[0] != "260115-100000" {
		t.Errorf("ExampleRuns = %v, want the real run only", resp.ExampleRuns)
	}
	for _, s := range resp.Issues {
		if s.ID == "" {
			t.Error("issue summary missing ID")
		}
		if s.Occurrences == 3 && s.Percent != 75.0 {
			t.Errorf("Percent = %v, want 75", s.Percent)
		}
	}

	// Severity filter narrows the result.
	w = h.do(t, http.MethodGet, "/analyze-issues?severity=WARNING", nil)
	decode(t, w, &resp)
	if resp.Total != 1 {
		t.Errorf("filtered Total = %d, want 1", resp.Total)
	}

	// Bad days is rejected.
	if w := h.do(t, http.MethodGet, "/analyze-issues?days=soon", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad days status = %d, want 400", w.Code)
	}
}

func TestMarkIssueFixed(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	res, err := h.mem.Upsert(ctx, models.Issue{
		NormalizedKey: "ERROR broke", Severity: models.SeverityError, PatternName: "generic-error",
		RepresentativeMessage: "Error: upload failed", FirstSeen: testBase, LastSeen: testBase,
		Occurrences: 1, RunID: "260115-100000",
	})
	if err != nil {
		t.Fatal(err)
	}

	w := h.do(t, http.MethodPost, "/mark-issue-fixed", map[string]interface{}{
		"issueIds":   []string{res.IssueID},
		"commitHash": "abc1234",
		"fixNotes":   "tightened the retry loop",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		Updated    int64  `json:"updated"`
		CommitHash string `json:"commitHash"`
	}
	decode(t, w, &resp)
	if resp.Updated != 1 || resp.CommitHash != "abc1234" {
		t.Errorf("response = %+v", resp)
	}

	fixed, _ := h.mem.Query(ctx, store.IssueQuery{Status: models.StatusFixed})
	if len(fixed) != 1 {
		t.Fatalf("got %d FIXED rows, want 1", len(fixed))
	}
	if fixed[0].FixNotes != "tightened the retry loop" {
		t.Errorf("FixNotes = %q", fixed[0].FixNotes)
	}
}

func TestMarkIssueFixedByPattern(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.mem.Upsert(ctx, models.Issue{
		NormalizedKey: "ERROR broke", Severity: models.SeverityError, PatternName: "generic-error",
		RepresentativeMessage: "Error: upload failed for batch", FirstSeen: testBase, LastSeen: testBase,
		Occurrences: 1, RunID: "260115-100000",
	}); err != nil {
		t.Fatal(err)
	}

	w := h.do(t, http.MethodPost, "/mark-issue-fixed", map[string]string{
		"pattern":    "upload failed",
		"commitHash": "abc1234",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestMarkIssueFixedValidation(t *testing.T) {
	h := newHarness(t, nil)

	tests := []struct {
		name string
		body map[string]interface{}
	}{
		{
			name: "neither selector",
			body: map[string]interface{}{"commitHash": "abc1234"},
		},
		{
			name: "both selectors",
			body: map[string]interface{}{
				"pattern": "x", "issueIds": []string{"1"}, "commitHash": "abc1234",
			},
		},
		{
			name: "missing commit",
			body: map[string]interface{}{"pattern": "x"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.do(t, http.MethodPost, "/mark-issue-fixed", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestReconcileErrorsEndpoint(t *testing.T) {
	end := testBase.Add(5 * time.Minute)
	entries := []models.LogEntry{
		{Timestamp: testBase, Message: "run 260115-100000 starting"},
		{Timestamp: testBase.Add(time.Minute), Message: "Error: upload failed"},
	}
	h := newHarness(t, entries)
	h.mem.PutJob(models.JobRecord{RunID: "260115-100000", StartTime: testBase, EndTime: &end})

	// Scan first so reconciliation sees full capture.
	if w := h.do(t, http.MethodPost, "/analyze-logs/recent", map[string]string{"runId": "260115-100000"}); w.Code != http.StatusOK {
		t.Fatalf("scan status = %d", w.Code)
	}

	w := h.do(t, http.MethodPost, "/reconcile-errors", map[string]string{"runId": "260115-100000"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var report models.ReconcileReport
	decode(t, w, &report)
	if report.CaptureRate != 1.0 {
		t.Errorf("CaptureRate = %v, want 1.0", report.CaptureRate)
	}
	if len(report.Matched) != 1 {
		t.Errorf("Matched = %v, want 1 key", report.Matched)
	}
}

func TestReconcileErrorsValidation(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(t, http.MethodPost, "/reconcile-errors", map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing runId status = %d, want 400", w.Code)
	}

	w = h.do(t, http.MethodPost, "/reconcile-errors", map[string]string{
		"runId": "260115-100000", "startTime": "not-a-time",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad startTime status = %d, want 400", w.Code)
	}

	// Unknown run with no explicit start has no window to reconcile.
	w = h.do(t, http.MethodPost, "/reconcile-errors", map[string]string{"runId": "999999-999999"})
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown run status = %d, want 404", w.Code)
	}
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(t, http.MethodGet, "/v1/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp map[string]string
	decode(t, w, &resp)
	if resp["status"] != "healthy" {
		t.Errorf("status body = %v", resp)
	}
}

func TestAuthMiddleware(t *testing.T) {
	h := newHarness(t, nil)
	wrapped := AuthMiddleware("secret-token", zap.NewNop())(h.mux)

	tests := []struct {
		name   string
		header string
		path   string
		want   int
	}{
		{"missing token", "", "/analyze-issues", http.StatusUnauthorized},
		{"wrong token", "Bearer wrong", "/analyze-issues", http.StatusUnauthorized},
		{"right token", "Bearer secret-token", "/analyze-issues", http.StatusOK},
		{"health is open", "", "/v1/health", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			wrapped.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}

	// An empty configured token disables auth entirely.
	open := AuthMiddleware("", zap.NewNop())(h.mux)
	req := httptest.NewRequest(http.MethodGet, "/analyze-issues", nil)
	w := httptest.NewRecorder()
	open.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("no-auth status = %d, want 200", w.Code)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	panicky := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})
	wrapped := RecoveryMiddleware(zap.NewNop())(panicky)

	req := httptest.NewRequest(http.MethodGet, "/analyze-issues", nil)
	w := httptest.NewRecorder()
	wrapped.ServeHTTP(w, req)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if !strings.Contains(w.Body.String(), "error") {
		t.Errorf("body = %q, want structured error", w.Body.String())
	}
}
