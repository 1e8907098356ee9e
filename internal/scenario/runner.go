package scenario

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/approvalgate/internal/classify"
	"github.com/ppiankov/approvalgate/internal/decision"
	"github.com/ppiankov/approvalgate/internal/model"
)

// Run classifies and previews every case. Cases are independent; nothing
// is executed, no approval is registered and no breaker is involved. A
// matcher error fails the case with actual "error".
func Run(ctx context.Context, s *Scenario, c *classify.Classifier, m decision.Matcher) *RunResult {
	result := &RunResult{
		Name:  s.Name,
		Total: len(s.Cases),
	}

	for i, tc := range s.Cases {
		runID := tc.RunID
		if runID == "" {
			runID = fmt.Sprintf("scenario-%d", i)
		}
		args := model.ArgsFromMap(tc.Call.Args)
		d := model.NewToolCall(runID, i, tc.Call.Tool, args)
		if strings.EqualFold(tc.Call.Kind, string(model.KindModel)) {
			d = model.NewModelCall(runID, i, tc.Call.Tool, args)
		}

		tag := c.Classify(d)
		cr := CaseResult{
			Index:            i + 1,
			Tool:             tc.Call.Tool,
			Expected:         strings.ToLower(tc.Expect),
			ExpectedCategory: strings.ToLower(tc.Category),
			Category:         string(tag.Category),
		}

		v, err := m.Match(ctx, d, tag)
		if err != nil {
			cr.Actual = "error"
			cr.Reason = err.Error()
		} else {
			cr.Actual = string(v.Decision)
			cr.Reason = v.Reason
			cr.PolicyID = v.PolicyID
		}

		cr.Passed = cr.Actual == cr.Expected &&
			(cr.ExpectedCategory == "" || cr.ExpectedCategory == cr.Category)
		if cr.Passed {
			result.Passed++
		} else {
			result.Failed++
		}
		result.Cases = append(result.Cases, cr)
	}

	return result
}

// Load parses a scenario YAML file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario %s: %w", path, err)
	}

	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	return &s, nil
}

// LoadAndRun loads a scenario file and runs it against the given classifier
// and engine rules. An empty path means the built-in defaults.
func LoadAndRun(ctx context.Context, path, rulesPath, classifierPath string) (*RunResult, error) {
	s, err := Load(path)
	if err != nil {
		return nil, err
	}

	ccfg, err := classify.LoadConfig(classifierPath)
	if err != nil {
		return nil, fmt.Errorf("load classifier: %w", err)
	}
	ecfg, err := decision.LoadEngineConfig(rulesPath)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	engine, err := decision.NewLocalEngine(ecfg, decision.NewApprovalService(""), nil)
	if err != nil {
		return nil, fmt.Errorf("compile rules: %w", err)
	}

	result := Run(ctx, s, classify.New(ccfg), engine)
	result.File = path

	return result, nil
}
