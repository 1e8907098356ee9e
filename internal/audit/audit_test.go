package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func openLog(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "decisions.jsonl")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return l, path
}

func decisionEntry(runID, name, outcome string) Entry {
	return Entry{
		RunID:       runID,
		Call:        Call{Kind: "tool", Name: name, Step: 1},
		ContextHash: "sha256:" + name,
		Decision:    "allow",
		Outcome:     outcome,
	}
}

func record(t *testing.T, l *Log, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := l.Record(decisionEntry("run-1", "lookup_order", OutcomeExecuted)); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func writeLines(t *testing.T, path string, lines []string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestRecordChainsEntries(t *testing.T) {
	l, path := openLog(t)
	record(t, l, 4)
	l.Close()

	lines := readLines(t, path)
	want := GenesisHash
	for i, line := range lines {
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("line %d: %v", i+1, err)
		}
		if e.PrevHash != want {
			t.Fatalf("line %d: prev_hash %s, want %s", i+1, e.PrevHash, want)
		}
		if e.Timestamp == "" {
			t.Fatalf("line %d: timestamp not stamped", i+1)
		}
		want = HashLine([]byte(line))
	}

	if r := Verify(path); !r.Valid || r.Lines != 4 {
		t.Fatalf("verify = %+v, want valid with 4 lines", r)
	}
}

func TestRecordKeepsCallerTimestamp(t *testing.T) {
	l, path := openLog(t)
	e := decisionEntry("run-1", "issue_refund", OutcomeSuspended)
	e.Timestamp = "2026-03-01T10:00:00.000Z"
	if err := l.Record(e); err != nil {
		t.Fatal(err)
	}
	l.Close()

	if !strings.Contains(readLines(t, path)[0], `"ts":"2026-03-01T10:00:00.000Z"`) {
		t.Fatal("caller timestamp was overwritten")
	}
}

func TestVerifyDetectsBrokenChain(t *testing.T) {
	forged := decisionEntry("run-1", "delete_file", OutcomeExecuted)
	forged.PrevHash = "sha256:forged"
	forgedLine, _ := json.Marshal(forged)

	tests := []struct {
		name     string
		edit     func([]string) []string
		wantLine int
	}{
		{
			name: "edited outcome",
			edit: func(l []string) []string {
				l[1] = strings.Replace(l[1], `"executed"`, `"blocked"`, 1)
				return l
			},
			wantLine: 3,
		},
		{
			name:     "deleted entry",
			edit:     func(l []string) []string { return []string{l[0], l[2]} },
			wantLine: 2,
		},
		{
			name:     "inserted entry",
			edit:     func(l []string) []string { return []string{l[0], string(forgedLine), l[1], l[2]} },
			wantLine: 2,
		},
		{
			name:     "truncated head",
			edit:     func(l []string) []string { return l[1:] },
			wantLine: 1,
		},
		{
			name:     "garbage line",
			edit:     func(l []string) []string { return append(l, "not json") },
			wantLine: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, path := openLog(t)
			record(t, l, 3)
			l.Close()

			writeLines(t, path, tt.edit(readLines(t, path)))

			r := Verify(path)
			if r.Valid {
				t.Fatal("expected broken chain")
			}
			if r.ErrorLine != tt.wantLine {
				t.Fatalf("error line = %d (%s), want %d", r.ErrorLine, r.Error, tt.wantLine)
			}
		})
	}
}

func TestVerifyEmptyAndMissing(t *testing.T) {
	empty := filepath.Join(t.TempDir(), "empty.jsonl")
	if err := os.WriteFile(empty, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if r := Verify(empty); !r.Valid || r.Lines != 0 {
		t.Fatalf("empty log: %+v", r)
	}

	r := Verify(filepath.Join(t.TempDir(), "missing.jsonl"))
	if r.Valid || r.Error == "" {
		t.Fatalf("missing log: %+v", r)
	}
}

func TestOpenContinuesExistingChain(t *testing.T) {
	l, path := openLog(t)
	record(t, l, 3)
	l.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := reopened.Record(decisionEntry("run-2", "delete_file", OutcomeBlocked)); err != nil {
		t.Fatal(err)
	}
	reopened.Close()

	if r := Verify(path); !r.Valid || r.Lines != 4 {
		t.Fatalf("verify after reopen = %+v", r)
	}
}

func TestConcurrentRecordsStayChained(t *testing.T) {
	l, path := openLog(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Record(decisionEntry("run-1", "lookup_order", OutcomeExecuted)); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	l.Close()

	if r := Verify(path); !r.Valid || r.Lines != 50 {
		t.Fatalf("verify = %+v", r)
	}
}

func TestHashLine(t *testing.T) {
	a := HashLine([]byte(`{"outcome":"executed"}`))
	if a != HashLine([]byte(`{"outcome":"executed"}`)) {
		t.Fatal("hash is not deterministic")
	}
	if a == HashLine([]byte(`{"outcome":"blocked"}`)) {
		t.Fatal("different lines share a hash")
	}
	if !strings.HasPrefix(a, "sha256:") || len(a) != len(GenesisHash) {
		t.Fatalf("unexpected hash shape %q", a)
	}
}
