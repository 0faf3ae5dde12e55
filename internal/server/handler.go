package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/leadbase/issuewatch/internal/dedupe"
	"github.com/leadbase/issuewatch/internal/extract"
	"github.com/leadbase/issuewatch/internal/logsource"
	"github.com/leadbase/issuewatch/internal/reconcile"
	"github.com/leadbase/issuewatch/internal/scanner"
	"github.com/leadbase/issuewatch/internal/store"
	"github.com/leadbase/issuewatch/pkg/models"
	"go.uber.org/zap"
)

const defaultRecentMinutes = 60

// IssueStore is the store surface the handlers need.
type IssueStore interface {
	Upsert(ctx context.Context, issue models.Issue) (store.UpsertResult, error)
	Query(ctx context.Context, q store.IssueQuery) ([]models.Issue, error)
	Transition(ctx context.Context, sel store.TransitionSelector, target models.Status, upd store.TransitionUpdate) (int64, error)
}

// Handler exposes the pipeline over HTTP.
type Handler struct {
	scanner    *scanner.Scanner
	reconciler *reconcile.Reconciler
	extractor  *extract.Extractor
	issues     IssueStore
	logger     *zap.Logger
	now        func() time.Time
}

// NewHandler creates the HTTP handler set.
func NewHandler(sc *scanner.Scanner, rec *reconcile.Reconciler, ex *extract.Extractor, issues IssueStore, logger *zap.Logger) *Handler {
	return &Handler{
		scanner:    sc,
		reconciler: rec,
		extractor:  ex,
		issues:     issues,
		logger:     logger,
		now:        time.Now,
	}
}

// Register wires the endpoints onto the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/analyze-logs/recent", h.AnalyzeRecent)
	mux.HandleFunc("/analyze-logs/text", h.AnalyzeText)
	mux.HandleFunc("/analyze-issues", h.AnalyzeIssues)
	mux.HandleFunc("/mark-issue-fixed", h.MarkIssueFixed)
	mux.HandleFunc("/reconcile-errors", h.ReconcileErrors)
	mux.HandleFunc("/v1/health", h.Health)
}

type analyzeRecentRequest struct {
	Minutes   int    `json:"minutes,omitempty"`
	RunID     string `json:"runId,omitempty"`
	StartTime string `json:"startTime,omitempty"`
	EndTime   string `json:"endTime,omitempty"`
}

type analyzeRecentResponse struct {
	Summary             string           `json:"summary"`
	IssuesFound         int              `json:"issuesFound"`
	CreatedRecords      int              `json:"createdRecords"`
	MergedRecords       int              `json:"mergedRecords"`
	CoverageComplete    bool             `json:"coverageComplete"`
	TimeRange           models.TimeRange `json:"timeRange"`
	WatermarkAdvancedTo *time.Time       `json:"watermarkAdvancedTo,omitempty"`
}

// AnalyzeRecent runs a scan pass: the job-window driver when runId is
// given, otherwise the continuous driver over the requested window.
func (h *Handler) AnalyzeRecent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}

	var req analyzeRecentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	defer r.Body.Close()

	// endTime only bounds an explicit window; on its own it would be
	// silently ignored, so reject it.
	if req.EndTime != "" && req.StartTime == "" {
		writeError(w, http.StatusBadRequest, "validation", "endTime requires startTime")
		return
	}

	var result *models.PassResult
	var err error

	switch {
	case req.RunID != "":
		result, err = h.scanner.ScanJob(r.Context(), req.RunID)
	case req.StartTime != "":
		start, perr := time.Parse(time.RFC3339, req.StartTime)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "validation", fmt.Sprintf("invalid startTime: %v", perr))
			return
		}
		end := h.now().UTC()
		if req.EndTime != "" {
			end, perr = time.Parse(time.RFC3339, req.EndTime)
			if perr != nil {
				writeError(w, http.StatusBadRequest, "validation", fmt.Sprintf("invalid endTime: %v", perr))
				return
			}
		}
		result, err = h.scanner.ScanRange(r.Context(), start, end)
	default:
		minutes := req.Minutes
		if minutes <= 0 {
			minutes = defaultRecentMinutes
		}
		from := h.now().UTC().Add(-time.Duration(minutes) * time.Minute)
		result, err = h.scanner.ScanFrom(r.Context(), from, "")
	}

	if err != nil {
		h.writeScanError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, analyzeRecentResponse{
		Summary: fmt.Sprintf("%s pass: %d entries, %d issues (%d new, %d merged)",
			result.Mode, result.EntriesScanned, result.IssuesFound, result.Created, result.Merged),
		IssuesFound:         result.IssuesFound,
		CreatedRecords:      result.Created,
		MergedRecords:       result.Merged,
		CoverageComplete:    result.CoverageComplete,
		TimeRange:           result.TimeRange,
		WatermarkAdvancedTo: result.WatermarkAdvancedTo,
	})
}

type analyzeTextRequest struct {
	LogText string `json:"logText"`
}

// AnalyzeText runs the extraction pipeline over an inline text blob.
// Offline triage: someone pastes a chunk of log output and gets the same
// dedup and persistence the scanner applies.
func (h *Handler) AnalyzeText(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}

	var req analyzeTextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	defer r.Body.Close()

	if req.LogText == "" {
		writeError(w, http.StatusBadRequest, "validation", "logText is required")
		return
	}

	entries := logsource.EntriesFromText(req.LogText, h.now().UTC())
	raws := h.extractor.Extract(entries)

	agg := dedupe.NewAggregator()
	for _, raw := range raws {
		agg.Add(raw)
	}

	created, merged := 0, 0
	issues := agg.Issues()
	for _, issue := range issues {
		res, err := h.issues.Upsert(r.Context(), issue)
		if err != nil {
			h.writeScanError(w, err)
			return
		}
		if res.Created {
			created++
		} else {
			merged++
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"issuesFound":    len(issues),
		"createdRecords": created,
		"mergedRecords":  merged,
		"linesScanned":   len(entries),
		"issues":         issues,
	})
}

type issueSummary struct {
	ID          string          `json:"id"`
	Severity    models.Severity `json:"severity"`
	PatternName string          `json:"patternName"`
	Message     string          `json:"message"`
	Status      models.Status   `json:"status"`
	Occurrences int64           `json:"occurrences"`
	Percent     float64         `json:"percent"`
	RunID       string          `json:"runId,omitempty"`
	TenantID    string          `json:"tenantId,omitempty"`
	JobKind     string          `json:"jobKind,omitempty"`
	FirstSeen   time.Time       `json:"firstSeen"`
	LastSeen    time.Time       `json:"lastSeen"`
}

// AnalyzeIssues queries the issue store with optional status, severity,
// runId and days filters.
func (h *Handler) AnalyzeIssues(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET required")
		return
	}

	q := store.IssueQuery{
		Status:   models.Status(r.URL.Query().Get("status")),
		Severity: models.Severity(r.URL.Query().Get("severity")),
		RunID:    r.URL.Query().Get("runId"),
	}
	if days := r.URL.Query().Get("days"); days != "" {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "validation", "days must be a non-negative integer")
			return
		}
		q.Since = h.now().UTC().AddDate(0, 0, -n)
	}

	issues, err := h.issues.Query(r.Context(), q)
	if err != nil {
		h.writeScanError(w, err)
		return
	}

	var totalOccurrences int64
	exampleRuns := make(map[string]bool)
	for _, issue := range issues {
		totalOccurrences += issue.Occurrences
		if issue.RunID != "" && issue.RunID != scanner.ContinuousRunID {
			exampleRuns[issue.RunID] = true
		}
	}

	summaries := make([]issueSummary, len(issues))
	for i, issue := range issues {
		percent := 0.0
		if totalOccurrences > 0 {
			percent = 100 * float64(issue.Occurrences) / float64(totalOccurrences)
		}
		summaries[i] = issueSummary{
			ID:          issue.ID,
			Severity:    issue.Severity,
			PatternName: issue.PatternName,
			Message:     issue.RepresentativeMessage,
			Status:      issue.Status,
			Occurrences: issue.Occurrences,
			Percent:     percent,
			RunID:       issue.RunID,
			TenantID:    issue.TenantID,
			JobKind:     issue.JobKind,
			FirstSeen:   issue.FirstSeen,
			LastSeen:    issue.LastSeen,
		}
	}

	runs := make([]string, 0, len(exampleRuns))
	for run := range exampleRuns {
		runs = append(runs, run)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":            len(issues),
		"totalOccurrences": totalOccurrences,
		"issues":           summaries,
		"exampleRuns":      runs,
	})
}

type markFixedRequest struct {
	Pattern    string   `json:"pattern,omitempty"`
	IssueIDs   []string `json:"issueIds,omitempty"`
	CommitHash string   `json:"commitHash"`
	FixNotes   string   `json:"fixNotes"`
}

// MarkIssueFixed transitions matching non-terminal issues to FIXED.
// Exactly one of pattern or issueIds selects the rows.
func (h *Handler) MarkIssueFixed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}

	var req markFixedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	defer r.Body.Close()

	if (req.Pattern == "") == (len(req.IssueIDs) == 0) {
		writeError(w, http.StatusBadRequest, "validation", "exactly one of pattern or issueIds must be provided")
		return
	}
	if req.CommitHash == "" {
		writeError(w, http.StatusBadRequest, "validation", "commitHash is required")
		return
	}

	modified, err := h.issues.Transition(r.Context(),
		store.TransitionSelector{IssueIDs: req.IssueIDs, MessagePattern: req.Pattern},
		models.StatusFixed,
		store.TransitionUpdate{FixCommit: req.CommitHash, FixNotes: req.FixNotes})
	if err != nil {
		h.writeScanError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"updated":    modified,
		"commitHash": req.CommitHash,
	})
}

type reconcileRequest struct {
	RunID     string `json:"runId"`
	StartTime string `json:"startTime"`
}

// ReconcileErrors re-scans a run's window and reports capture against the
// store. The caller supplies a UTC start; the end comes from the job
// record when it has one, else the heuristic window.
func (h *Handler) ReconcileErrors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}

	var req reconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	defer r.Body.Close()

	if req.RunID == "" {
		writeError(w, http.StatusBadRequest, "validation", "runId is required")
		return
	}

	var start time.Time
	if req.StartTime != "" {
		var err error
		start, err = time.Parse(time.RFC3339, req.StartTime)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation", fmt.Sprintf("invalid startTime: %v", err))
			return
		}
	}

	report, err := h.reconciler.Reconcile(r.Context(), req.RunID, start, time.Time{})
	if err != nil {
		h.writeScanError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// Health handles health check requests.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// writeScanError maps pipeline errors onto status codes and the
// structured {error, detail} body.
func (h *Handler) writeScanError(w http.ResponseWriter, err error) {
	var wmErr *store.WatermarkRegressError
	var permErr *logsource.PermanentError

	switch {
	case errors.Is(err, store.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job_not_found", err.Error())
	case errors.As(err, &permErr):
		writeError(w, http.StatusBadGateway, "log_source", err.Error())
	case errors.As(err, &wmErr):
		writeError(w, http.StatusInternalServerError, "watermark_regression", err.Error())
	case errors.Is(err, store.ErrStoreConflict):
		writeError(w, http.StatusConflict, "store_conflict", err.Error())
	default:
		h.logger.Error("Request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, map[string]string{"error": code, "detail": detail})
}
