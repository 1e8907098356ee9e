package approvalgate

import (
	"context"

	"github.com/ppiankov/approvalgate/internal/gateway"
)

// ToolFunc is the function signature that Wrap governs.
type ToolFunc func(ctx context.Context, call Call) (any, error)

// Wrap returns a ToolFunc that governs every invocation of fn. fn runs
// only on an Allow verdict or an approved ticket. Otherwise the wrapper
// returns *PolicyViolationError, *CircuitBreakError or
// *ApprovalRequiredError without calling fn.
func (g *Governor) Wrap(fn ToolFunc, opts ...WrapOption) ToolFunc {
	wcfg := wrapConfig{wait: g.wait}
	for _, o := range opts {
		o(&wcfg)
	}

	return func(ctx context.Context, call Call) (any, error) {
		d := call.descriptor()
		exec := func(ctx context.Context) (gateway.Output, error) {
			v, err := fn(ctx, call)
			return gateway.Output{Value: v}, err
		}

		res, err := g.st.Gateway.Intercept(ctx, d, exec)
		if err != nil {
			return nil, err
		}
		if res.IsSuspended() {
			if res, err = g.settle(ctx, d, *res.Ticket, wcfg.wait, exec); err != nil {
				return nil, err
			}
		}
		if res.IsExecuted() {
			return res.Value, nil
		}
		return nil, res.Err()
	}
}
