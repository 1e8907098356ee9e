package scenario

// CallSpec describes the call under test.
type CallSpec struct {
	Kind string         `yaml:"kind,omitempty"`
	Tool string         `yaml:"tool"`
	Args map[string]any `yaml:"args,omitempty"`
}

// Case is one test case within a scenario. Category is optional; when
// set, the classifier's category is asserted too.
type Case struct {
	Call     CallSpec `yaml:"call"`
	Expect   string   `yaml:"expect"`
	Category string   `yaml:"category,omitempty"`
	RunID    string   `yaml:"run_id,omitempty"`
}

// Scenario is a named collection of rule test cases.
type Scenario struct {
	Name  string `yaml:"name"`
	Cases []Case `yaml:"cases"`
}

// CaseResult is the outcome of evaluating one test case.
type CaseResult struct {
	Index            int    `json:"index"`
	Passed           bool   `json:"passed"`
	Tool             string `json:"tool"`
	Expected         string `json:"expected"`
	Actual           string `json:"actual"`
	ExpectedCategory string `json:"expected_category,omitempty"`
	Category         string `json:"category"`
	PolicyID         string `json:"policy_id,omitempty"`
	Reason           string `json:"reason"`
}

// RunResult is the outcome of running all cases in one scenario file.
type RunResult struct {
	File   string       `json:"file"`
	Name   string       `json:"name"`
	Total  int          `json:"total"`
	Passed int          `json:"passed"`
	Failed int          `json:"failed"`
	Cases  []CaseResult `json:"cases"`
}
