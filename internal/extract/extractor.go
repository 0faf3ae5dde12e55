// Package extract turns a contiguous buffer of log entries into raw issue
// records: the classified line, its surrounding context, any stack trace
// that follows, and whatever run metadata the context yields.
package extract

import (
	"regexp"
	"strings"
	"time"

	"github.com/leadbase/issuewatch/internal/pattern"
	"github.com/leadbase/issuewatch/pkg/models"
	"go.uber.org/zap"
)

// DefaultContextLines is how far context reaches on each side of a match.
const DefaultContextLines = 25

var (
	bracketTimestampRe = regexp.MustCompile(`^\[(\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?)\]`)

	// Run IDs look like 251012-085512, optionally suffixed with a client
	// identifier (251012-085512-Guy-Wilson). The suffix must start with a
	// letter so the base's own digit groups never bleed into it.
	runIDRe = regexp.MustCompile(`\b(\d{6}-\d{6})(-[A-Za-z][A-Za-z0-9-]*)?\b`)

	tenantRe = regexp.MustCompile(`(?i)\bclient[:\s]\s*([A-Za-z0-9][A-Za-z0-9_-]*)`)

	// Stack frame shapes: "    at symbol (file:1:2)", "  File "x", line 3",
	// and bare indented frame counters like "  #2 0x...".
	frameRe = regexp.MustCompile(`^\s+(?:at\s+\S|File "|#\d+\s)`)

	symbolRe = regexp.MustCompile(`\bat\s+([\w$.<>\[\]]+)\s*\(`)
)

// jobKindKeywords maps context keywords onto the fixed set of job kinds.
// Scanned in order; first hit wins.
var jobKindKeywords = []struct {
	kind     string
	keywords []string
}{
	{"smart-resume", []string{"smart-resume", "smart resume"}},
	{"batch-score", []string{"batch-score", "batch score", "batch scoring"}},
	{"apify-webhook", []string{"apify-webhook", "apify webhook", "apify"}},
	{"api-endpoint", []string{"api-endpoint", "api endpoint"}},
}

// Extractor classifies entries and assembles RawIssue records. It is
// purely string-driven: run IDs come from the log text itself, never from
// a registry lookup.
type Extractor struct {
	registry     *pattern.Registry
	contextLines int
	logger       *zap.Logger
}

// New creates an extractor with the default context depth.
func New(registry *pattern.Registry, logger *zap.Logger) *Extractor {
	return &Extractor{
		registry:     registry,
		contextLines: DefaultContextLines,
		logger:       logger,
	}
}

// Extract runs the full buffer through the classifier.
func (e *Extractor) Extract(entries []models.LogEntry) []models.RawIssue {
	return e.ExtractFrom(entries, 0)
}

// ExtractFrom classifies only entries at index >= from, while still using
// the earlier entries as context. The tailer uses this to carry context
// across flush batches without double-emitting.
func (e *Extractor) ExtractFrom(entries []models.LogEntry, from int) []models.RawIssue {
	var raws []models.RawIssue

	for i := from; i < len(entries); i++ {
		cls := e.registry.Classify(entries[i].Message)
		if cls == nil {
			continue
		}

		raw := models.RawIssue{
			MatchedLine: entries[i].Message,
			Severity:    cls.Severity,
			PatternName: cls.PatternName,
			Timestamp:   e.entryTimestamp(entries[i]),
		}

		lo := i - e.contextLines
		if lo < 0 {
			lo = 0
		}
		hi := i + 1 + e.contextLines
		if hi > len(entries) {
			hi = len(entries)
		}
		raw.ContextBefore = messages(entries[lo:i])
		raw.ContextAfter = messages(entries[i+1 : hi])
		raw.StackTrace = stackTracePrefix(raw.ContextAfter)

		// Metadata is parsed from the whole context window in
		// chronological order, not just the matched line.
		window := make([]string, 0, len(raw.ContextBefore)+1+len(raw.ContextAfter))
		window = append(window, raw.ContextBefore...)
		window = append(window, raw.MatchedLine)
		window = append(window, raw.ContextAfter...)

		raw.RunID = parseRunID(window)
		raw.TenantID = parseTenantID(window)
		raw.JobKind = parseJobKind(window)
		raw.ServiceSymbol = parseServiceSymbol(raw.StackTrace, raw.ContextAfter)

		raws = append(raws, raw)
	}

	if len(raws) > 0 {
		e.logger.Debug("Extracted raw issues",
			zap.Int("entries", len(entries)-from),
			zap.Int("raw_issues", len(raws)))
	}
	return raws
}

// entryTimestamp prefers a bracketed ISO-8601 timestamp at the start of
// the message over the entry's own timestamp.
func (e *Extractor) entryTimestamp(entry models.LogEntry) time.Time {
	if m := bracketTimestampRe.FindStringSubmatch(entry.Message); m != nil {
		if ts, err := parseISO(m[1]); err == nil {
			return ts
		}
	}
	return entry.Timestamp.UTC()
}

func parseISO(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
	} {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func messages(entries []models.LogEntry) []string {
	if len(entries) == 0 {
		return nil
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message
	}
	return out
}

// stackTracePrefix returns the maximal prefix of the following lines whose
// shape is a stack frame, joined with newlines.
func stackTracePrefix(after []string) string {
	var frames []string
	for _, line := range after {
		if !frameRe.MatchString(line) {
			break
		}
		frames = append(frames, line)
	}
	return strings.Join(frames, "\n")
}

// parseRunID returns the first run-ID-shaped token in the window with any
// client suffix stripped, or "" when none is present.
func parseRunID(window []string) string {
	for _, line := range window {
		if m := runIDRe.FindStringSubmatch(line); m != nil {
			return m[1]
		}
	}
	return ""
}

func parseTenantID(window []string) string {
	for _, line := range window {
		if m := tenantRe.FindStringSubmatch(line); m != nil {
			return m[1]
		}
	}
	return ""
}

func parseJobKind(window []string) string {
	for _, line := range window {
		lower := strings.ToLower(line)
		for _, k := range jobKindKeywords {
			for _, kw := range k.keywords {
				if strings.Contains(lower, kw) {
					return k.kind
				}
			}
		}
	}
	return ""
}

// parseServiceSymbol captures the symbol from the first "at symbol(...)"
// frame, looking in the stack trace first and the trailing context second.
func parseServiceSymbol(stackTrace string, after []string) string {
	if m := symbolRe.FindStringSubmatch(stackTrace); m != nil {
		return m[1]
	}
	for _, line := range after {
		if m := symbolRe.FindStringSubmatch(line); m != nil {
			return m[1]
		}
	}
	return ""
}

// StripRunSuffix reduces a possibly-suffixed run ID to its base form for
// registry lookups. Inputs that do not look like run IDs pass through.
func StripRunSuffix(runID string) string {
	if m := runIDRe.FindStringSubmatch(runID); m != nil {
		return m[1]
	}
	return runID
}
