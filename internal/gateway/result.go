package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/ppiankov/approvalgate/internal/approval"
	"github.com/ppiankov/approvalgate/internal/breaker"
	"github.com/ppiankov/approvalgate/internal/model"
)

// Output is what an underlying call produces. Tokens, when positive, are
// charged to the run's token budget.
type Output struct {
	Value  any
	Tokens int64
}

// CallFunc performs the underlying tool or model call.
type CallFunc func(ctx context.Context) (Output, error)

// Outcome tags a Result.
type Outcome string

const (
	OutcomeExecuted  Outcome = "executed"
	OutcomeBlocked   Outcome = "blocked"
	OutcomeSuspended Outcome = "suspended"
)

// BlockKind says why a call was blocked.
type BlockKind string

const (
	BlockPolicyViolation     BlockKind = "policy_violation"
	BlockCircuitBreak        BlockKind = "circuit_break"
	BlockApprovalDenied      BlockKind = "approval_denied"
	BlockApprovalExpired     BlockKind = "approval_expired"
	BlockApprovalUnavailable BlockKind = "approval_unavailable"
)

// Result is the outcome of one governed call: exactly one of executed,
// blocked or suspended.
type Result struct {
	Outcome Outcome
	Value   any

	Reason string
	Kind   BlockKind

	Ticket *approval.Ticket
	Breach *breaker.Admission

	Call    model.CallDescriptor
	Risk    model.RiskTag
	Verdict model.Verdict
}

// Executed wraps the value returned by the underlying call.
func Executed(value any) Result {
	return Result{Outcome: OutcomeExecuted, Value: value}
}

// Blocked reports a call that did not and will not run.
func Blocked(reason string, kind BlockKind) Result {
	return Result{Outcome: OutcomeBlocked, Reason: reason, Kind: kind}
}

// Suspended reports a call waiting on a human decision.
func Suspended(t approval.Ticket) Result {
	return Result{Outcome: OutcomeSuspended, Ticket: &t, Reason: t.Reason}
}

func (r Result) IsExecuted() bool  { return r.Outcome == OutcomeExecuted }
func (r Result) IsBlocked() bool   { return r.Outcome == OutcomeBlocked }
func (r Result) IsSuspended() bool { return r.Outcome == OutcomeSuspended }

func (r Result) String() string {
	switch r.Outcome {
	case OutcomeExecuted:
		return "executed"
	case OutcomeSuspended:
		return fmt.Sprintf("suspended on %s", r.Ticket.ID)
	default:
		return fmt.Sprintf("blocked (%s): %s", r.Kind, r.Reason)
	}
}

// Err converts the result into the error taxonomy for callers that cannot
// hold a suspension. Executed results return nil.
func (r Result) Err() error {
	switch r.Outcome {
	case OutcomeExecuted:
		return nil
	case OutcomeSuspended:
		return newApprovalRequired(*r.Ticket)
	}
	if r.Kind == BlockCircuitBreak {
		e := &CircuitBreakError{RunID: r.Call.RunID, Reason: r.Reason}
		if r.Breach != nil {
			e.Dimension = r.Breach.Dimension
			e.Threshold = r.Breach.Threshold
			e.Observed = r.Breach.Observed
		}
		return e
	}
	return &PolicyViolationError{Kind: r.Kind, Reason: r.Reason, PolicyID: r.Verdict.PolicyID, Call: r.Call.String()}
}

// ApprovalRequiredError signals a suspended call.
type ApprovalRequiredError struct {
	ApprovalID       string          `json:"approval_id"`
	ToolName         string          `json:"tool_name"`
	ToolArgs         model.Arguments `json:"tool_args"`
	Reason           string          `json:"reason"`
	ExpiresAt        time.Time       `json:"expires_at,omitempty"`
	DecisionEndpoint string          `json:"decision_endpoint"`
	ContextHash      string          `json:"context_hash"`
}

func newApprovalRequired(t approval.Ticket) *ApprovalRequiredError {
	return &ApprovalRequiredError{
		ApprovalID:       t.ID,
		ToolName:         t.Call.Name,
		ToolArgs:         t.Call.Args.Clone(),
		Reason:           t.Reason,
		ExpiresAt:        t.ExpiresAt,
		DecisionEndpoint: t.DecisionEndpoint,
		ContextHash:      t.ContextHash,
	}
}

func (e *ApprovalRequiredError) Error() string {
	return fmt.Sprintf("approval required for %s (ticket %s): %s", e.ToolName, e.ApprovalID, e.Reason)
}

// PolicyViolationError is a hard block. Kind distinguishes a policy deny
// from a denied, expired or unavailable approval.
type PolicyViolationError struct {
	Kind     BlockKind
	Reason   string
	PolicyID string
	Call     string
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("%s blocked (%s): %s", e.Call, e.Kind, e.Reason)
}

// CircuitBreakError reports an exhausted run budget. Callers should abort
// the run.
type CircuitBreakError struct {
	RunID     string
	Dimension breaker.Dimension
	Threshold int64
	Observed  int64
	Reason    string
}

func (e *CircuitBreakError) Error() string {
	return fmt.Sprintf("circuit break on run %s: %s", e.RunID, e.Reason)
}
