package notify

// Config defines a webhook notification destination.
type Config struct {
	URL     string            `yaml:"url"     json:"url" validate:"required,url"`
	Format  string            `yaml:"format"  json:"format" validate:"omitempty,oneof=generic slack"`
	Events  []string          `yaml:"events"  json:"events"` // ["approval_required", "policy_violation", ...]
	Headers map[string]string `yaml:"headers" json:"headers"`
}

// Event types.
const (
	EventApprovalRequired = "approval_required"
	EventPolicyViolation  = "policy_violation"
	EventCircuitBreak     = "circuit_break"
	EventApprovalResolved = "approval_resolved"
)

// Event is the payload sent to webhook endpoints.
type Event struct {
	Type        string `json:"type"`
	Timestamp   string `json:"timestamp"`
	RunID       string `json:"run_id"`
	Call        string `json:"call"`
	Category    string `json:"category,omitempty"`
	Reason      string `json:"reason"`
	TicketID    string `json:"ticket_id,omitempty"`
	Status      string `json:"status,omitempty"`
	Actor       string `json:"actor,omitempty"`
	ContextHash string `json:"context_hash,omitempty"`
}
