package audit

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeTestLog creates a temp audit log with known entries for testing.
func writeTestLog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test-audit.jsonl")
	log, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()

	base := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	at := func(sec int) string { return base.Add(time.Duration(sec) * time.Second).Format(TimestampFormat) }

	entries := []Entry{
		{Timestamp: at(0), RunID: "run-a", Call: Call{Kind: "tool", Name: "lookup_customer", Step: 0}, Outcome: OutcomeExecuted},
		{Timestamp: at(2), RunID: "run-a", Call: Call{Kind: "tool", Name: "issue_refund", Step: 1}, Category: "unclassified", Outcome: OutcomeSuspended, TicketID: "apr-1"},
		{Timestamp: at(4), RunID: "run-b", Call: Call{Kind: "tool", Name: "curl", Step: 0}, Outcome: OutcomeExecuted},
		{Timestamp: at(6), RunID: "run-a", Call: Call{Kind: "tool", Name: "issue_refund", Step: 1}, Outcome: OutcomeResumed, TicketID: "apr-1"},
		{Timestamp: at(8), RunID: "run-a", Call: Call{Kind: "tool", Name: "delete_file", Step: 2}, Category: "destructive", Outcome: OutcomeBlocked, Kind: "policy_violation"},
		{Timestamp: at(10), RunID: "run-a", Call: Call{Kind: "model", Name: "chat", Step: 3}, Outcome: OutcomeBlocked, Kind: "circuit_break"},
	}
	for _, e := range entries {
		if err := log.Record(e); err != nil {
			t.Fatal(err)
		}
	}
	return path
}

func TestReplayFiltersByRunID(t *testing.T) {
	path := writeTestLog(t)

	result, err := Replay(path, ReplayFilter{RunID: "run-a"})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Entries) != 5 {
		t.Errorf("expected 5 entries for run-a, got %d", len(result.Entries))
	}
	for _, e := range result.Entries {
		if e.RunID != "run-a" {
			t.Errorf("unexpected run ID: %s", e.RunID)
		}
	}
}

func TestReplayEmptyRunIDMatchesAll(t *testing.T) {
	path := writeTestLog(t)

	result, err := Replay(path, ReplayFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Summary.Total != 6 {
		t.Errorf("expected 6 entries, got %d", result.Summary.Total)
	}
}

func TestReplayTimeRange(t *testing.T) {
	path := writeTestLog(t)
	base := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		from, to time.Time
		want     int
	}{
		{"from", base.Add(5 * time.Second), time.Time{}, 3},
		{"to", time.Time{}, base.Add(3 * time.Second), 2},
		{"both", base.Add(1 * time.Second), base.Add(7 * time.Second), 2},
	}
	for _, tt := range tests {
		result, err := Replay(path, ReplayFilter{RunID: "run-a", From: tt.from, To: tt.to})
		if err != nil {
			t.Fatal(err)
		}
		if len(result.Entries) != tt.want {
			t.Errorf("%s: expected %d entries, got %d", tt.name, tt.want, len(result.Entries))
		}
	}
}

func TestReplaySummaryCountsCorrect(t *testing.T) {
	path := writeTestLog(t)

	result, err := Replay(path, ReplayFilter{RunID: "run-a"})
	if err != nil {
		t.Fatal(err)
	}
	s := result.Summary
	if s.ExecutedCount != 1 || s.SuspendedCount != 1 || s.ResumedCount != 1 || s.BlockedCount != 2 {
		t.Errorf("unexpected summary %+v", s)
	}
	if s.FirstTimestamp != "2026-03-01T14:00:00.000Z" || s.LastTimestamp != "2026-03-01T14:00:10.000Z" {
		t.Errorf("unexpected bounds %s..%s", s.FirstTimestamp, s.LastTimestamp)
	}
}

func TestReplayUnknownRun(t *testing.T) {
	path := writeTestLog(t)

	result, err := Replay(path, ReplayFilter{RunID: "run-none"})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Entries) != 0 {
		t.Errorf("expected 0 entries, got %d", len(result.Entries))
	}
	if !strings.Contains(FormatTimeline(result), "No entries found") {
		t.Error("expected empty timeline marker")
	}
}

func TestFormatTimeline(t *testing.T) {
	path := writeTestLog(t)
	result, err := Replay(path, ReplayFilter{RunID: "run-a"})
	if err != nil {
		t.Fatal(err)
	}

	out := FormatTimeline(result)
	for _, want := range []string{"Run: run-a", "SUSPENDED", "apr-1", "policy_violation", "Summary: 5 entries"} {
		if !strings.Contains(out, want) {
			t.Errorf("timeline missing %q:\n%s", want, out)
		}
	}

	js, err := FormatJSON(result)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(js, `"run_id": "run-a"`) {
		t.Errorf("json missing run id: %s", js)
	}
}
