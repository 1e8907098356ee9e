package scenario

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
)

// Report summarizes a set of scenario runs.
type Report struct {
	Scenarios       int          `json:"scenarios"`
	FailedScenarios int          `json:"failed_scenarios"`
	Cases           int          `json:"cases"`
	Passed          int          `json:"passed"`
	Failed          int          `json:"failed"`
	Results         []*RunResult `json:"results"`
}

// Summarize totals results.
func Summarize(results []*RunResult) Report {
	rep := Report{Scenarios: len(results), Results: results}
	for _, r := range results {
		rep.Cases += r.Total
		rep.Passed += r.Passed
		rep.Failed += r.Failed
		if r.Failed > 0 {
			rep.FailedScenarios++
		}
	}
	return rep
}

// FormatText renders one table per scenario. Every case is listed with
// its decision and category; a failed assertion shows what was expected.
func FormatText(results []*RunResult) string {
	rep := Summarize(results)

	var b strings.Builder
	for _, r := range rep.Results {
		verdict := "PASS"
		if r.Failed > 0 {
			verdict = "FAIL"
		}
		fmt.Fprintf(&b, "%s  %s (%d/%d)", verdict, r.Name, r.Passed, r.Total)
		if r.File != "" {
			fmt.Fprintf(&b, "  %s", r.File)
		}
		b.WriteString("\n")

		tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "  #\tTOOL\tDECISION\tCATEGORY\tPOLICY\t")
		for _, c := range r.Cases {
			mark := "ok"
			if !c.Passed {
				mark = "FAIL"
			}
			fmt.Fprintf(tw, "  %d\t%s\t%s\t%s\t%s\t%s\n",
				c.Index, c.Tool,
				assertion(c.Actual, c.Expected),
				assertion(c.Category, c.ExpectedCategory),
				dash(c.PolicyID), mark)
		}
		tw.Flush()
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "%d of %d cases passed.", rep.Passed, rep.Cases)
	if rep.FailedScenarios > 0 {
		fmt.Fprintf(&b, " %d of %d scenarios failed.", rep.FailedScenarios, rep.Scenarios)
	}
	b.WriteString("\n")
	return b.String()
}

// assertion shows got, with the expectation appended when it differs.
// An empty expectation asserts nothing.
func assertion(got, want string) string {
	if want == "" || want == got {
		return dash(got)
	}
	return fmt.Sprintf("%s (want %s)", dash(got), want)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// FormatJSON renders the report as JSON.
func FormatJSON(results []*RunResult) (string, error) {
	data, err := json.MarshalIndent(Summarize(results), "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal results: %w", err)
	}
	return string(data), nil
}
