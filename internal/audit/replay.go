package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TimestampFormat is the layout used in audit entry timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

const separator = "──────────────────────────────────────────────────────────────────"

// ReplayFilter selects the entries of one run.
type ReplayFilter struct {
	RunID string
	From  time.Time // zero value = no lower bound
	To    time.Time // zero value = no upper bound
}

// ReplaySummary counts outcomes for a replayed run.
type ReplaySummary struct {
	Total          int    `json:"total"`
	ExecutedCount  int    `json:"executed_count"`
	BlockedCount   int    `json:"blocked_count"`
	SuspendedCount int    `json:"suspended_count"`
	ResumedCount   int    `json:"resumed_count"`
	FailedCount    int    `json:"failed_count"`
	FirstTimestamp string `json:"first_timestamp"`
	LastTimestamp  string `json:"last_timestamp"`
}

// ReplayResult holds filtered entries and summary for a run.
type ReplayResult struct {
	RunID   string        `json:"run_id"`
	Entries []Entry       `json:"entries"`
	Summary ReplaySummary `json:"summary"`
}

// Replay reads the audit log and returns entries matching the filter.
// An empty RunID matches every run. Malformed lines are skipped.
func Replay(path string, filter ReplayFilter) (*ReplayResult, error) {
	result := &ReplayResult{RunID: filter.RunID}
	err := walk(path, func(_ int, line []byte) error {
		var e Entry
		if json.Unmarshal(line, &e) != nil || !filter.match(e) {
			return nil
		}
		result.Entries = append(result.Entries, e)
		updateSummary(&result.Summary, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	return result, nil
}

func (f ReplayFilter) match(e Entry) bool {
	if f.RunID != "" && e.RunID != f.RunID {
		return false
	}
	if f.From.IsZero() && f.To.IsZero() {
		return true
	}
	ts, err := time.Parse(TimestampFormat, e.Timestamp)
	if err != nil {
		return false
	}
	if !f.From.IsZero() && ts.Before(f.From) {
		return false
	}
	return f.To.IsZero() || !ts.After(f.To)
}

func updateSummary(s *ReplaySummary, entry Entry) {
	s.Total++
	switch entry.Outcome {
	case OutcomeExecuted:
		s.ExecutedCount++
	case OutcomeBlocked:
		s.BlockedCount++
	case OutcomeSuspended:
		s.SuspendedCount++
	case OutcomeResumed:
		s.ResumedCount++
	case OutcomeFailed:
		s.FailedCount++
	}
	if s.FirstTimestamp == "" {
		s.FirstTimestamp = entry.Timestamp
	}
	s.LastTimestamp = entry.Timestamp
}

// FormatTimeline renders a ReplayResult as a human-readable text timeline.
func FormatTimeline(result *ReplayResult) string {
	label := result.RunID
	if label == "" {
		label = "all runs"
	}
	if len(result.Entries) == 0 {
		return fmt.Sprintf("Run: %s | No entries found.\n", label)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Run: %s | %s–%s UTC\n", label,
		formatTime(result.Summary.FirstTimestamp, "2006-01-02 15:04:05"),
		formatTime(result.Summary.LastTimestamp, "15:04:05"))
	b.WriteString(separator + "\n")

	for _, e := range result.Entries {
		detail := e.Kind
		if e.TicketID != "" {
			detail = e.TicketID
		}
		fmt.Fprintf(&b, "%-10s #%-3d %-10s %-22s %-18s %s\n",
			formatTime(e.Timestamp, "15:04:05"), e.Call.Step,
			strings.ToUpper(e.Outcome), truncate(e.Call.Name, 22), truncate(e.Category, 18), detail)
	}

	b.WriteString(separator + "\n")
	b.WriteString(formatSummary(result.Summary))
	return b.String()
}

// FormatJSON renders a ReplayResult as indented JSON.
func FormatJSON(result *ReplayResult) (string, error) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal replay result: %w", err)
	}
	return string(data), nil
}

func formatTime(ts, layout string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format(layout)
}

func formatSummary(s ReplaySummary) string {
	var parts []string
	add := func(n int, label string) {
		if n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, label))
		}
	}
	add(s.ExecutedCount, "executed")
	add(s.BlockedCount, "blocked")
	add(s.SuspendedCount, "suspended")
	add(s.ResumedCount, "resumed")
	add(s.FailedCount, "failed")
	return fmt.Sprintf("Summary: %d entries (%s)\n", s.Total, strings.Join(parts, ", "))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
