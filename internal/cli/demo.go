package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"

	"github.com/ppiankov/approvalgate/internal/approval"
	"github.com/ppiankov/approvalgate/internal/checkpoint"
	"github.com/ppiankov/approvalgate/internal/config"
	"github.com/ppiankov/approvalgate/internal/gateway"
	"github.com/ppiankov/approvalgate/internal/model"
	"github.com/ppiankov/approvalgate/internal/stack"
	"github.com/ppiankov/approvalgate/internal/workflow"
)

const demoMaxCalls = 10

var demoAuditLog string

func init() {
	rootCmd.AddCommand(demoCmd)
	demoCmd.Flags().StringVar(&demoAuditLog, "audit-log", "", "Write the demo's audit trail to this JSONL file")
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run the refund, cleanup and runaway-loop scenarios",
	Long: "Runs three agent runs concurrently against an in-process engine:\n" +
		"  refund   a $750 refund suspends, an approver grants it, the refund runs once\n" +
		"  cleanup  delete_file is denied by policy\n" +
		"  runaway  a lookup loop trips the circuit breaker\n\n" +
		"Exit code 0 if every scenario behaves as expected.",
	RunE: runDemoCmd,
}

func runDemoCmd(cmd *cobra.Command, args []string) error {
	cfg := demoConfig()
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	cfg.AuditLog = demoAuditLog

	st, cleanup, err := bootstrap(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "=== approvalgate demo ===")
	fmt.Fprintln(out)

	results, err := runDemo(cmd.Context(), st)
	if err != nil {
		return err
	}
	if !writeDemo(out, results) {
		return errors.New("demo scenarios did not behave as expected")
	}
	return nil
}

// demoConfig is the in-process configuration the scenarios assume.
func demoConfig() config.Config {
	cfg := config.Default()
	cfg.LogLevel = "warn"
	cfg.Breaker.MaxCalls = demoMaxCalls
	cfg.Poll.Interval = 20 * time.Millisecond
	return cfg
}

type demoResult struct {
	Name   string
	Status workflow.Status
	Detail string
	Passed bool
}

// runDemo drives the scenarios concurrently. st must use the local
// transport so the demo approver can decide.
func runDemo(ctx context.Context, st *stack.Stack) ([]demoResult, error) {
	if st.Approvals == nil {
		return nil, errors.New("demo requires the local decision transport")
	}
	p := pool.NewWithResults[demoResult]().WithContext(ctx)
	p.Go(func(ctx context.Context) (demoResult, error) { return demoRefund(ctx, st) })
	p.Go(func(ctx context.Context) (demoResult, error) { return demoCleanup(ctx, st) })
	p.Go(func(ctx context.Context) (demoResult, error) { return demoRunaway(ctx, st) })

	results, err := p.Wait()
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return results, err
}

func writeDemo(out io.Writer, results []demoResult) bool {
	ok := true
	for _, r := range results {
		icon := "✓"
		if !r.Passed {
			icon = "✗"
			ok = false
		}
		fmt.Fprintf(out, "  %s %-8s → %-9s %s\n", icon, r.Name, r.Status, r.Detail)
	}
	fmt.Fprintln(out)
	if ok {
		fmt.Fprintln(out, "PASS: approvals gated, policy enforced, runaway loop stopped.")
	} else {
		fmt.Fprintln(out, "FAIL: at least one scenario escaped the gate.")
	}
	return ok
}

type refundState struct {
	OrderID  string `json:"order_id"`
	Amount   int    `json:"amount"`
	Customer string `json:"customer,omitempty"`
	RefundID string `json:"refund_id,omitempty"`
	Receipt  bool   `json:"receipt"`
}

func refundWorkflow(refunds *atomic.Int32) workflow.Workflow[refundState] {
	return workflow.Workflow[refundState]{
		Name: "refund",
		Steps: []workflow.Step[refundState]{
			{
				Name: "lookup",
				Tool: "lookup_order",
				Args: func(s *refundState) model.Arguments { return model.Args("order_id", s.OrderID) },
				Do: func(context.Context, *refundState) (gateway.Output, error) {
					return gateway.Output{Value: "cust-42"}, nil
				},
				Apply: func(s *refundState, v any) { s.Customer, _ = v.(string) },
			},
			{
				Name: "refund",
				Tool: "issue_refund",
				Args: func(s *refundState) model.Arguments {
					return model.Args("order_id", s.OrderID, "amount", s.Amount)
				},
				Do: func(_ context.Context, s *refundState) (gateway.Output, error) {
					n := refunds.Add(1)
					return gateway.Output{Value: fmt.Sprintf("rf-%s-%d", s.OrderID, n)}, nil
				},
				Apply: func(s *refundState, v any) { s.RefundID, _ = v.(string) },
			},
			{
				Name: "receipt",
				Tool: "send_receipt",
				Args: func(s *refundState) model.Arguments { return model.Args("customer", s.Customer) },
				Do: func(context.Context, *refundState) (gateway.Output, error) {
					return gateway.Output{}, nil
				},
				Apply: func(s *refundState, _ any) { s.Receipt = true },
			},
		},
	}
}

func demoRefund(ctx context.Context, st *stack.Stack) (demoResult, error) {
	var refunds atomic.Int32
	runner := workflow.NewRunner[refundState](st.Gateway, st.Coordinator, st.Poller, st.Checkpoints, st.Logger)
	wf := refundWorkflow(&refunds)
	res := demoResult{Name: "refund"}

	out, err := runner.Start(ctx, "demo-refund", wf, refundState{OrderID: "A-1001", Amount: 750})
	if err != nil {
		return res, err
	}
	if out.Status != workflow.StatusSuspended {
		res.Status, res.Detail = out.Status, "expected the refund to wait for approval"
		return res, nil
	}

	if _, err := st.Approvals.Decide(out.Ticket.ID, approval.StatusApproved, "demo-approver", "order verified"); err != nil {
		return res, err
	}
	out, err = runner.Continue(ctx, "demo-refund", wf, 5*time.Second)
	if err != nil {
		return res, err
	}

	// A second resume of the same run must not refund again.
	_, again := runner.Continue(ctx, "demo-refund", wf, time.Second)

	res.Status = out.Status
	res.Detail = fmt.Sprintf("refund %s issued %d time(s)", out.State.RefundID, refunds.Load())
	res.Passed = out.Status == workflow.StatusCompleted && refunds.Load() == 1 && out.State.Receipt &&
		errors.Is(again, checkpoint.ErrNotFound)
	return res, nil
}

type cleanupState struct {
	Path string `json:"path"`
}

func demoCleanup(ctx context.Context, st *stack.Stack) (demoResult, error) {
	var deleted atomic.Bool
	runner := workflow.NewRunner[cleanupState](st.Gateway, st.Coordinator, st.Poller, st.Checkpoints, st.Logger)
	wf := workflow.Workflow[cleanupState]{
		Name: "cleanup",
		Steps: []workflow.Step[cleanupState]{{
			Name: "delete",
			Tool: "delete_file",
			Args: func(s *cleanupState) model.Arguments { return model.Args("path", s.Path) },
			Do: func(context.Context, *cleanupState) (gateway.Output, error) {
				deleted.Store(true)
				return gateway.Output{}, nil
			},
		}},
	}
	res := demoResult{Name: "cleanup"}

	out, err := runner.Start(ctx, "demo-cleanup", wf, cleanupState{Path: "/var/lib/orders.db"})
	if err != nil {
		return res, err
	}
	res.Status = out.Status
	if out.Blocked != nil {
		res.Detail = fmt.Sprintf("%s: %s", out.Blocked.Kind, out.Blocked.Reason)
		res.Passed = out.Blocked.Kind == gateway.BlockPolicyViolation && !deleted.Load()
	}
	return res, nil
}

type loopState struct {
	Lookups int `json:"lookups"`
}

func demoRunaway(ctx context.Context, st *stack.Stack) (demoResult, error) {
	steps := make([]workflow.Step[loopState], 3*demoMaxCalls)
	for i := range steps {
		steps[i] = workflow.Step[loopState]{
			Name: fmt.Sprintf("lookup-%d", i),
			Tool: "lookup_order",
			Args: func(*loopState) model.Arguments { return model.Args("order_id", "A-1001") },
			Do: func(context.Context, *loopState) (gateway.Output, error) {
				return gateway.Output{Tokens: 120}, nil
			},
			Apply: func(s *loopState, _ any) { s.Lookups++ },
		}
	}
	runner := workflow.NewRunner[loopState](st.Gateway, st.Coordinator, st.Poller, st.Checkpoints, st.Logger)
	res := demoResult{Name: "runaway"}

	out, err := runner.Start(ctx, "demo-runaway", workflow.Workflow[loopState]{Name: "runaway", Steps: steps}, loopState{})
	if err != nil {
		return res, err
	}
	res.Status = out.Status
	if out.Blocked != nil {
		res.Detail = fmt.Sprintf("%s after %d lookups: %s", out.Blocked.Kind, out.State.Lookups, out.Blocked.Reason)
		res.Passed = out.Blocked.Kind == gateway.BlockCircuitBreak && out.State.Lookups == demoMaxCalls
	}
	return res, nil
}
