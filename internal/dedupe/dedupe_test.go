package dedupe

import (
	"testing"
	"time"

	"github.com/leadbase/issuewatch/pkg/models"
)

func TestNormalizeKey(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{
			name: "timestamp and digits",
			line: "2026-01-15T10:30:00.123Z upload of 42 items took 900ms",
			want: "ERROR [TIMESTAMP] upload of [NUM] items took [NUM]ms",
		},
		{
			name: "uuid",
			line: "pass 550e8400-e29b-41d4-a716-446655440000 aborted",
			want: "ERROR pass [UUID] aborted",
		},
		{
			name: "record id",
			line: "cannot update recA1b2C3d4E5f6G7: gone",
			want: "ERROR cannot update [RECORD_ID]: gone",
		},
		{
			name: "whitespace collapse and trim",
			line: "  too   many\tspaces  ",
			want: "ERROR too many spaces",
		},
		{
			name: "short rec prefix stays digits",
			line: "rec123 not found",
			want: "ERROR rec[NUM] not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeKey(models.SeverityError, tt.line); got != tt.want {
				t.Errorf("NormalizeKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNormalizeKeySeverityPrefix(t *testing.T) {
	line := "upstream timeout"
	errKey := NormalizeKey(models.SeverityError, line)
	warnKey := NormalizeKey(models.SeverityWarning, line)
	if errKey == warnKey {
		t.Errorf("keys should differ by severity: %q", errKey)
	}
}

func raw(msg string, ts time.Time) models.RawIssue {
	return models.RawIssue{
		MatchedLine: msg,
		Severity:    models.SeverityError,
		PatternName: "generic-error",
		Timestamp:   ts,
	}
}

func TestAggregatorCollapses(t *testing.T) {
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

	agg := NewAggregator()
	agg.Add(raw("Error: upload failed for rec0000000000000A", base))
	agg.Add(raw("Error: upload failed for rec0000000000000B", base.Add(time.Minute)))
	agg.Add(raw("Error: upload failed for rec0000000000000C", base.Add(2*time.Minute)))

	issues := agg.Issues()
	if len(issues) != 1 {
		t.Fatalf("got %d issues, want 1", len(issues))
	}

	got := issues[0]
	if got.Occurrences != 3 {
		t.Errorf("Occurrences = %d, want 3", got.Occurrences)
	}
	if !got.FirstSeen.Equal(base) {
		t.Errorf("FirstSeen = %v, want %v", got.FirstSeen, base)
	}
	if !got.LastSeen.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("LastSeen = %v, want %v", got.LastSeen, base.Add(2*time.Minute))
	}
	if got.RepresentativeMessage != "Error: upload failed for rec0000000000000A" {
		t.Errorf("RepresentativeMessage = %q, want earliest line", got.RepresentativeMessage)
	}
}

func TestAggregatorOutOfOrder(t *testing.T) {
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

	agg := NewAggregator()
	agg.Add(raw("Error: sync failed at row 7", base.Add(time.Hour)))
	agg.Add(raw("Error: sync failed at row 2", base))

	issues := agg.Issues()
	if len(issues) != 1 {
		t.Fatalf("got %d issues, want 1", len(issues))
	}
	got := issues[0]
	if !got.FirstSeen.Equal(base) {
		t.Errorf("FirstSeen = %v, want %v", got.FirstSeen, base)
	}
	if got.RepresentativeMessage != "Error: sync failed at row 2" {
		t.Errorf("RepresentativeMessage = %q, want earliest line", got.RepresentativeMessage)
	}
	if !got.LastSeen.Equal(base.Add(time.Hour)) {
		t.Errorf("LastSeen = %v, want %v", got.LastSeen, base.Add(time.Hour))
	}
}

func TestAggregatorSplitsByRun(t *testing.T) {
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

	a := raw("Error: webhook delivery failed", base)
	a.RunID = "260115-100000"
	b := raw("Error: webhook delivery failed", base.Add(time.Minute))
	b.RunID = "260115-110000"

	agg := NewAggregator()
	agg.Add(a)
	agg.Add(b)

	issues := agg.Issues()
	if len(issues) != 2 {
		t.Fatalf("got %d issues, want 2 (one per run)", len(issues))
	}
	if issues[0].NormalizedKey != issues[1].NormalizedKey {
		t.Errorf("normalized keys should match across runs: %q vs %q",
			issues[0].NormalizedKey, issues[1].NormalizedKey)
	}
	if issues[0].RunID == issues[1].RunID {
		t.Error("run IDs should differ")
	}
	for _, is := range issues {
		if is.Occurrences != 1 {
			t.Errorf("run %s Occurrences = %d, want 1", is.RunID, is.Occurrences)
		}
	}
}

func TestAggregatorInsertionOrder(t *testing.T) {
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

	agg := NewAggregator()
	agg.Add(raw("Error: first thing broke", base))
	agg.Add(raw("Error: second thing broke", base.Add(time.Second)))
	agg.Add(raw("Error: first thing broke", base.Add(2*time.Second)))

	issues := agg.Issues()
	if len(issues) != 2 {
		t.Fatalf("got %d issues, want 2", len(issues))
	}
	if issues[0].RepresentativeMessage != "Error: first thing broke" {
		t.Errorf("issues[0] = %q, want first-seen key first", issues[0].RepresentativeMessage)
	}
	if agg.Len() != 2 {
		t.Errorf("Len() = %d, want 2", agg.Len())
	}
}
