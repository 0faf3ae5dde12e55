package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leadbase/issuewatch/pkg/models"
)

func testIssue(key, runID string, ts time.Time) models.Issue {
	return models.Issue{
		NormalizedKey:         key,
		Severity:              models.SeverityError,
		PatternName:           "generic-error",
		RepresentativeMessage: "Error: something broke",
		FirstSeen:             ts,
		LastSeen:              ts,
		Occurrences:           1,
		RunID:                 runID,
	}
}

func TestMemoryUpsertCreateThenMerge(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

	res, err := m.Upsert(ctx, testIssue("ERROR broke", "260115-100000", base))
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if !res.Created || res.IssueID == "" {
		t.Fatalf("first Upsert() = %+v, want created with ID", res)
	}

	second := testIssue("ERROR broke", "260115-100000", base.Add(time.Minute))
	second.Occurrences = 4
	res2, err := m.Upsert(ctx, second)
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if res2.Created {
		t.Error("second Upsert() created a new row, want merge")
	}
	if res2.IssueID != res.IssueID {
		t.Errorf("merge returned ID %s, want %s", res2.IssueID, res.IssueID)
	}

	got, err := m.Query(ctx, IssueQuery{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d rows, want 1", len(got))
	}
	if got[0].Occurrences != 5 {
		t.Errorf("Occurrences = %d, want 5", got[0].Occurrences)
	}
	if !got[0].FirstSeen.Equal(base) {
		t.Errorf("FirstSeen = %v, want %v", got[0].FirstSeen, base)
	}
	if !got[0].LastSeen.Equal(base.Add(time.Minute)) {
		t.Errorf("LastSeen = %v, want %v", got[0].LastSeen, base.Add(time.Minute))
	}
	if got[0].Status != models.StatusNew {
		t.Errorf("Status = %s, want NEW", got[0].Status)
	}
}

func TestMemoryUpsertSplitsByRun(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

	if _, err := m.Upsert(ctx, testIssue("ERROR broke", "260115-100000", base)); err != nil {
		t.Fatal(err)
	}
	res, err := m.Upsert(ctx, testIssue("ERROR broke", "260115-110000", base))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Created {
		t.Error("same key under a different run should create a new row")
	}
}

func TestMemoryUpsertAfterTerminalCreatesNewRow(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

	res, err := m.Upsert(ctx, testIssue("ERROR broke", "260115-100000", base))
	if err != nil {
		t.Fatal(err)
	}

	n, err := m.Transition(ctx, TransitionSelector{IssueIDs: []string{res.IssueID}},
		models.StatusFixed, TransitionUpdate{FixCommit: "abc1234"})
	if err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("Transition() modified %d, want 1", n)
	}

	// A recurrence after the fix is a fresh regression, not a merge into
	// the fixed row.
	res2, err := m.Upsert(ctx, testIssue("ERROR broke", "260115-100000", base.Add(time.Hour)))
	if err != nil {
		t.Fatal(err)
	}
	if !res2.Created {
		t.Error("upsert after FIXED merged into the terminal row")
	}
	if res2.IssueID == res.IssueID {
		t.Error("new row reused the terminal row's ID")
	}

	fixed, err := m.Query(ctx, IssueQuery{Status: models.StatusFixed})
	if err != nil {
		t.Fatal(err)
	}
	if len(fixed) != 1 {
		t.Fatalf("got %d FIXED rows, want 1", len(fixed))
	}
	if fixed[0].Occurrences != 1 {
		t.Errorf("terminal row Occurrences = %d, want untouched 1", fixed[0].Occurrences)
	}
	if fixed[0].FixCommit != "abc1234" {
		t.Errorf("FixCommit = %q, want abc1234", fixed[0].FixCommit)
	}
	if fixed[0].FixedAt == nil {
		t.Error("FixedAt not stamped")
	}
}

func TestMemoryTransitionRules(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

	seed := func(t *testing.T) (*Memory, string) {
		t.Helper()
		m := NewMemory()
		res, err := m.Upsert(ctx, testIssue("ERROR broke", "r", base))
		if err != nil {
			t.Fatal(err)
		}
		return m, res.IssueID
	}

	t.Run("new to investigating", func(t *testing.T) {
		m, id := seed(t)
		n, err := m.Transition(ctx, TransitionSelector{IssueIDs: []string{id}},
			models.StatusInvestigating, TransitionUpdate{})
		if err != nil || n != 1 {
			t.Fatalf("Transition() = %d, %v, want 1, nil", n, err)
		}
	})

	t.Run("investigating to fixed", func(t *testing.T) {
		m, id := seed(t)
		if _, err := m.Transition(ctx, TransitionSelector{IssueIDs: []string{id}},
			models.StatusInvestigating, TransitionUpdate{}); err != nil {
			t.Fatal(err)
		}
		n, err := m.Transition(ctx, TransitionSelector{IssueIDs: []string{id}},
			models.StatusFixed, TransitionUpdate{FixCommit: "deadbee"})
		if err != nil || n != 1 {
			t.Fatalf("Transition() = %d, %v, want 1, nil", n, err)
		}
	})

	t.Run("fixed is absorbing", func(t *testing.T) {
		m, id := seed(t)
		if _, err := m.Transition(ctx, TransitionSelector{IssueIDs: []string{id}},
			models.StatusFixed, TransitionUpdate{FixCommit: "deadbee"}); err != nil {
			t.Fatal(err)
		}
		n, err := m.Transition(ctx, TransitionSelector{IssueIDs: []string{id}},
			models.StatusInvestigating, TransitionUpdate{})
		if err != nil {
			t.Fatal(err)
		}
		if n != 0 {
			t.Errorf("transition out of FIXED modified %d rows, want 0", n)
		}
	})

	t.Run("repeat fix is a no-op", func(t *testing.T) {
		m, id := seed(t)
		if _, err := m.Transition(ctx, TransitionSelector{IssueIDs: []string{id}},
			models.StatusFixed, TransitionUpdate{FixCommit: "deadbee"}); err != nil {
			t.Fatal(err)
		}
		n, err := m.Transition(ctx, TransitionSelector{IssueIDs: []string{id}},
			models.StatusFixed, TransitionUpdate{FixCommit: "other"})
		if err != nil {
			t.Fatal(err)
		}
		if n != 0 {
			t.Errorf("second fix modified %d rows, want 0", n)
		}
		got, _ := m.Query(ctx, IssueQuery{})
		if got[0].FixCommit != "deadbee" {
			t.Errorf("FixCommit = %q, want original deadbee", got[0].FixCommit)
		}
	})

	t.Run("invalid target", func(t *testing.T) {
		m, id := seed(t)
		if _, err := m.Transition(ctx, TransitionSelector{IssueIDs: []string{id}},
			models.StatusNew, TransitionUpdate{}); err == nil {
			t.Error("transition to NEW should be rejected")
		}
	})

	t.Run("empty selector", func(t *testing.T) {
		m, _ := seed(t)
		if _, err := m.Transition(ctx, TransitionSelector{},
			models.StatusFixed, TransitionUpdate{}); err == nil {
			t.Error("empty selector should be rejected")
		}
	})
}

func TestMemoryTransitionByMessagePattern(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

	a := testIssue("ERROR upload broke", "r", base)
	a.RepresentativeMessage = "Error: upload failed for batch 3"
	b := testIssue("ERROR sync broke", "r", base)
	b.RepresentativeMessage = "Error: sync timed out"
	for _, is := range []models.Issue{a, b} {
		if _, err := m.Upsert(ctx, is); err != nil {
			t.Fatal(err)
		}
	}

	n, err := m.Transition(ctx, TransitionSelector{MessagePattern: `upload failed`},
		models.StatusFixed, TransitionUpdate{FixCommit: "abc1234"})
	if err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if n != 1 {
		t.Errorf("modified %d rows, want 1", n)
	}

	if _, err := m.Transition(ctx, TransitionSelector{MessagePattern: `([`},
		models.StatusFixed, TransitionUpdate{}); err == nil {
		t.Error("invalid regex should be rejected")
	}
}

func TestMemoryQueryFilters(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

	warn := testIssue("WARNING slow", "260115-100000", base)
	warn.Severity = models.SeverityWarning
	warn.PatternName = "slow-operation"
	errIssue := testIssue("ERROR broke", "260115-110000", base.Add(time.Hour))

	for _, is := range []models.Issue{warn, errIssue} {
		if _, err := m.Upsert(ctx, is); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name string
		q    IssueQuery
		want int
	}{
		{"all", IssueQuery{}, 2},
		{"by severity", IssueQuery{Severity: models.SeverityWarning}, 1},
		{"by run", IssueQuery{RunID: "260115-110000"}, 1},
		{"by pattern", IssueQuery{PatternName: "slow-operation"}, 1},
		{"by since", IssueQuery{Since: base.Add(30 * time.Minute)}, 1},
		{"by status", IssueQuery{Status: models.StatusNew}, 2},
		{"limit", IssueQuery{Limit: 1}, 1},
		{"no match", IssueQuery{RunID: "nope"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.Query(ctx, tt.q)
			if err != nil {
				t.Fatalf("Query() error = %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d rows, want %d", len(got), tt.want)
			}
		})
	}

	// Ordering is last-seen descending.
	all, _ := m.Query(ctx, IssueQuery{})
	if !all[0].LastSeen.After(all[1].LastSeen) {
		t.Error("results not ordered by last-seen descending")
	}
}

func TestMemoryWatermark(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

	m.PutJob(models.JobRecord{RunID: "260115-100000", StartTime: base})

	wm, err := m.GetWatermark(ctx, "260115-100000")
	if err != nil {
		t.Fatalf("GetWatermark() error = %v", err)
	}
	if wm != nil {
		t.Errorf("fresh job watermark = %v, want nil", wm)
	}

	if err := m.SetWatermark(ctx, "260115-100000", base.Add(5*time.Minute)); err != nil {
		t.Fatalf("SetWatermark() error = %v", err)
	}
	wm, _ = m.GetWatermark(ctx, "260115-100000")
	if wm == nil || !wm.Equal(base.Add(5*time.Minute)) {
		t.Errorf("watermark = %v, want %v", wm, base.Add(5*time.Minute))
	}

	// Same timestamp again is fine; going backwards is not.
	if err := m.SetWatermark(ctx, "260115-100000", base.Add(5*time.Minute)); err != nil {
		t.Errorf("equal watermark rewrite error = %v, want nil", err)
	}
	err = m.SetWatermark(ctx, "260115-100000", base.Add(time.Minute))
	var regress *WatermarkRegressError
	if !errors.As(err, &regress) {
		t.Fatalf("regression error = %v, want WatermarkRegressError", err)
	}
	if regress.RunID != "260115-100000" {
		t.Errorf("regress.RunID = %q", regress.RunID)
	}

	wm, _ = m.GetWatermark(ctx, "260115-100000")
	if wm == nil || !wm.Equal(base.Add(5*time.Minute)) {
		t.Errorf("watermark moved after rejected regression: %v", wm)
	}
}

func TestMemoryWatermarkConcurrentAdvance(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

	// Racing writers, including on a run with no job row yet: every
	// rejected write must surface as a regression, and the surviving
	// value must be the highest attempted.
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := m.SetWatermark(ctx, "260115-100000", base.Add(time.Duration(i)*time.Minute))
			var regress *WatermarkRegressError
			if err != nil && !errors.As(err, &regress) {
				t.Errorf("SetWatermark() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	wm, err := m.GetWatermark(ctx, "260115-100000")
	if err != nil {
		t.Fatal(err)
	}
	if wm == nil || !wm.Equal(base.Add(19*time.Minute)) {
		t.Errorf("watermark = %v, want the highest attempted %v", wm, base.Add(19*time.Minute))
	}
}

func TestMemoryWatermarkWithoutJob(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

	// The continuous checkpoint has no job record; the first advance
	// creates a watermark-only row.
	if err := m.SetWatermark(ctx, "continuous", base); err != nil {
		t.Fatalf("SetWatermark() error = %v", err)
	}
	wm, err := m.GetWatermark(ctx, "continuous")
	if err != nil {
		t.Fatalf("GetWatermark() error = %v", err)
	}
	if wm == nil || !wm.Equal(base) {
		t.Errorf("watermark = %v, want %v", wm, base)
	}
}

func TestMemoryGetJob(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.GetJob(ctx, "missing")
	if !errors.Is(err, ErrJobNotFound) {
		t.Errorf("GetJob() error = %v, want ErrJobNotFound", err)
	}

	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	m.PutJob(models.JobRecord{RunID: "260115-100000", StartTime: base, Stream: "prod"})
	job, err := m.GetJob(ctx, "260115-100000")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if job.Stream != "prod" || !job.StartTime.Equal(base) {
		t.Errorf("GetJob() = %+v", job)
	}
}
