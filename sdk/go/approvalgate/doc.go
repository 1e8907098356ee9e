// Package approvalgate provides in-process governance for Go agent
// runtimes. It wraps tool functions so that every call passes the run's
// circuit breaker and the policy decision engine before it executes, and
// calls that need a human decision are suspended on an approval ticket
// instead of failing.
//
// Usage:
//
//	gov, err := approvalgate.New(approvalgate.WithConfigFile("approvalgate.yaml"))
//	defer gov.Close()
//	refund := gov.Wrap(issueRefund)
//	out, err := refund(ctx, approvalgate.Call{
//	    RunID: runID,
//	    Tool:  "issue_refund",
//	    Args:  approvalgate.Args("amount", 750),
//	})
//	var pending *approvalgate.ApprovalRequiredError
//	if errors.As(err, &pending) {
//	    // show pending.DecisionEndpoint to an approver, then retry the call
//	}
//
// A retried call with the same run, tool and arguments collapses onto the
// same ticket; once that ticket is approved the retry executes exactly once.
package approvalgate
