// Package dedupe collapses raw issues from one scan pass into canonical
// issues keyed by a normalized form of the matched line.
package dedupe

import (
	"regexp"
	"strings"

	"github.com/leadbase/issuewatch/pkg/models"
)

// Replacement order matters: timestamps, UUIDs and record IDs must go
// before the bare digit-run rule or their digits get eaten first.
var (
	timestampRe  = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?`)
	uuidRe       = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	recordIDRe   = regexp.MustCompile(`\brec[A-Za-z0-9]{14}\b`)
	digitsRe     = regexp.MustCompile(`\d+`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// NormalizeKey derives the dedup key for a matched line: volatile tokens
// become placeholders, whitespace collapses, and the severity is prefixed
// so the same text at different severities stays distinct.
func NormalizeKey(severity models.Severity, line string) string {
	s := timestampRe.ReplaceAllString(line, "[TIMESTAMP]")
	s = uuidRe.ReplaceAllString(s, "[UUID]")
	s = recordIDRe.ReplaceAllString(s, "[RECORD_ID]")
	s = digitsRe.ReplaceAllString(s, "[NUM]")
	s = whitespaceRe.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	return string(severity) + " " + s
}

// Aggregator accumulates raw issues for one pass. Raw issues sharing a
// normalized key and run ID collapse into one canonical issue; counts add,
// first/last seen take min/max, and every other attribute comes from the
// earliest occurrence. Merging is commutative, so double-processing the
// same window is harmless.
type Aggregator struct {
	order []string
	byKey map[string]*models.Issue
}

// NewAggregator returns an empty per-pass aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{byKey: make(map[string]*models.Issue)}
}

// Add folds one raw issue in.
func (a *Aggregator) Add(raw models.RawIssue) {
	key := NormalizeKey(raw.Severity, raw.MatchedLine)
	// Canonical issues are per-run: the same normalized key under two runs
	// must land in two store rows.
	mapKey := key + "\x00" + raw.RunID

	existing, ok := a.byKey[mapKey]
	if !ok {
		a.order = append(a.order, mapKey)
		a.byKey[mapKey] = &models.Issue{
			NormalizedKey:         key,
			Severity:              raw.Severity,
			PatternName:           raw.PatternName,
			RepresentativeMessage: raw.MatchedLine,
			FirstSeen:             raw.Timestamp,
			LastSeen:              raw.Timestamp,
			Occurrences:           1,
			StackTrace:            raw.StackTrace,
			RunID:                 raw.RunID,
			TenantID:              raw.TenantID,
			JobKind:               raw.JobKind,
			ServiceSymbol:         raw.ServiceSymbol,
		}
		return
	}

	existing.Occurrences++
	// Raw issues arrive in timestamp order within a pass, so the stored
	// attributes already belong to the earliest occurrence. Guard anyway
	// for out-of-order additions.
	if raw.Timestamp.Before(existing.FirstSeen) {
		existing.FirstSeen = raw.Timestamp
		existing.RepresentativeMessage = raw.MatchedLine
		existing.StackTrace = raw.StackTrace
	}
	if raw.Timestamp.After(existing.LastSeen) {
		existing.LastSeen = raw.Timestamp
	}
}

// Issues returns the canonical issues in first-insertion order.
func (a *Aggregator) Issues() []models.Issue {
	out := make([]models.Issue, 0, len(a.byKey))
	for _, k := range a.order {
		out = append(out, *a.byKey[k])
	}
	return out
}

// Len returns the number of distinct canonical issues so far.
func (a *Aggregator) Len() int {
	return len(a.byKey)
}
