package audit

// Call is the flattened governed call recorded in each entry.
type Call struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
	Step int    `json:"step"`
}

// Entry is one line in the hash-chained JSONL audit log.
// All fields are structs (no map[string]any) so json.Marshal field order
// is deterministic and hashes are reproducible.
type Entry struct {
	Timestamp   string `json:"ts"`
	RunID       string `json:"run_id"`
	Call        Call   `json:"call"`
	ContextHash string `json:"context_hash"`
	Category    string `json:"category,omitempty"`
	Decision    string `json:"decision,omitempty"`
	Outcome     string `json:"outcome"`
	Kind        string `json:"kind,omitempty"`
	Reason      string `json:"reason,omitempty"`
	PolicyID    string `json:"policy_id,omitempty"`
	TicketID    string `json:"ticket_id,omitempty"`
	PrevHash    string `json:"prev_hash"`
}

// Outcomes recorded in Entry.Outcome.
const (
	OutcomeExecuted  = "executed"
	OutcomeBlocked   = "blocked"
	OutcomeSuspended = "suspended"
	OutcomeResumed   = "resumed"
	OutcomeFailed    = "failed"
)

// Recorder accepts audit entries.
type Recorder interface {
	Record(entry Entry) error
}
