package approvalgate

import (
	"github.com/ppiankov/approvalgate/internal/approval"
	"github.com/ppiankov/approvalgate/internal/breaker"
	"github.com/ppiankov/approvalgate/internal/decision"
	"github.com/ppiankov/approvalgate/internal/gateway"
	"github.com/ppiankov/approvalgate/internal/model"
)

// Error taxonomy returned by wrapped functions.
type (
	ApprovalRequiredError = gateway.ApprovalRequiredError
	PolicyViolationError  = gateway.PolicyViolationError
	CircuitBreakError     = gateway.CircuitBreakError
)

type (
	Arguments  = model.Arguments
	Thresholds = breaker.Thresholds
	Rule       = decision.Rule
	Evaluator  = decision.Evaluator
	Ticket     = approval.Ticket
	Status     = approval.Status
	BlockKind  = gateway.BlockKind
)

const (
	StatusPending  = approval.StatusPending
	StatusApproved = approval.StatusApproved
	StatusDenied   = approval.StatusDenied
	StatusExpired  = approval.StatusExpired
)

// Args builds Arguments from alternating key/value pairs.
func Args(kv ...any) Arguments { return model.Args(kv...) }

// Call describes one tool invocation. Step is the position of the call
// in its run.
type Call struct {
	RunID string
	Tool  string
	Args  Arguments
	Step  int
}

func (c Call) descriptor() model.CallDescriptor {
	return model.NewToolCall(c.RunID, c.Step, c.Tool, c.Args)
}
