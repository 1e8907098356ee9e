package approvalgate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ppiankov/approvalgate/internal/breaker"
	"github.com/ppiankov/approvalgate/internal/checkpoint"
	"github.com/ppiankov/approvalgate/internal/config"
	"github.com/ppiankov/approvalgate/internal/gateway"
	"github.com/ppiankov/approvalgate/internal/model"
	"github.com/ppiankov/approvalgate/internal/stack"
)

// ErrRemoteApprovals is returned by Decide when approvals live on a
// remote decision engine.
var ErrRemoteApprovals = errors.New("approvalgate: approvals are decided on the remote engine")

// Governor is an explicit governance context: one breaker, one decision
// client and one ticket store. Governors share nothing, so a process may
// hold one per tenant. Safe for concurrent use.
type Governor struct {
	st   *stack.Stack
	wait time.Duration
}

// New builds a Governor. Without options it uses the built-in classifier
// lists, breaker limits and local rule engine with in-memory tickets.
func New(opts ...Option) (*Governor, error) {
	gc := governorConfig{logger: zap.NewNop()}
	for _, o := range opts {
		o(&gc)
	}

	cfg := config.Default()
	if gc.path != "" {
		var err error
		if cfg, err = config.Load(gc.path); err != nil {
			return nil, fmt.Errorf("approvalgate: %w", err)
		}
	}
	for _, m := range gc.mutate {
		m(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("approvalgate: %w", err)
	}

	sopts := []stack.Option{stack.WithLogger(gc.logger)}
	if gc.evaluator != nil {
		sopts = append(sopts, stack.WithEvaluator(gc.evaluator))
	}
	st, err := stack.Build(context.Background(), cfg, sopts...)
	if err != nil {
		return nil, fmt.Errorf("approvalgate: %w", err)
	}
	return &Governor{st: st, wait: gc.wait}, nil
}

// NewRunID returns a fresh run identifier.
func (g *Governor) NewRunID() string {
	return "run_" + uuid.NewString()
}

// Ticket returns the local ticket with id.
func (g *Governor) Ticket(ctx context.Context, id string) (Ticket, error) {
	return g.st.Store.Get(ctx, id)
}

// Await waits up to timeout for the ticket to be decided and returns its
// latest state. A still-pending ticket is not an error.
func (g *Governor) Await(ctx context.Context, id string, timeout time.Duration) (Ticket, error) {
	t, err := g.st.Store.Get(ctx, id)
	if err != nil {
		return Ticket{}, err
	}
	polled, err := g.st.Poller.Poll(ctx, t, timeout)
	if err != nil {
		return Ticket{}, err
	}
	if polled.Resolved {
		g.st.Gateway.Resolved(polled.Ticket)
	}
	return polled.Ticket, nil
}

// Decide records an approver's decision on the built-in approval service.
func (g *Governor) Decide(id string, status Status, actor, reason string) error {
	if g.st.Approvals == nil {
		return ErrRemoteApprovals
	}
	_, err := g.st.Approvals.Decide(id, status, actor, reason)
	return err
}

// Snapshot returns the breaker counters for runID.
func (g *Governor) Snapshot(runID string) breaker.Snapshot {
	return g.st.Breaker.Snapshot(runID)
}

// Teardown forgets everything held for runID.
func (g *Governor) Teardown(ctx context.Context, runID string) error {
	g.st.Coordinator.Forget(runID)
	return g.st.Gateway.TeardownRun(ctx, runID)
}

// Close releases storage and waits for pending notifications.
func (g *Governor) Close() error {
	return g.st.Close()
}

// settle turns a suspension into a final result when the ticket is
// already decided, or gets decided within wait. A zero wait checks the
// approval resource once.
func (g *Governor) settle(ctx context.Context, d model.CallDescriptor, t Ticket, wait time.Duration, call gateway.CallFunc) (gateway.Result, error) {
	if t.Status == StatusPending {
		cur, err := g.refresh(ctx, t, wait)
		if err != nil {
			if ctx.Err() != nil {
				return gateway.Result{}, ctx.Err()
			}
			g.st.Logger.Warn("approval status check failed, call stays suspended",
				zap.String("ticket_id", t.ID),
				zap.String("run_id", d.RunID),
				zap.Error(err),
			)
			cur = t
		}
		if cur.Status.Terminal() {
			g.st.Gateway.Resolved(cur)
		}
		t = cur
	}

	switch t.Status {
	case StatusPending:
		res := gateway.Suspended(t)
		res.Call = d
		return res, nil
	case StatusApproved:
		var err error
		if t, err = g.st.Store.MarkGranted(ctx, t.ID); err != nil {
			return gateway.Result{}, err
		}
	}

	cp := checkpoint.Checkpoint{RunID: d.RunID, StepIndex: t.Call.StepIndex, TicketID: t.ID}
	return g.st.Coordinator.Resume(ctx, d.RunID, cp, t, call)
}

func (g *Governor) refresh(ctx context.Context, t Ticket, wait time.Duration) (Ticket, error) {
	if wait <= 0 {
		return g.st.Poller.Check(ctx, t)
	}
	polled, err := g.st.Poller.Poll(ctx, t, wait)
	if err != nil {
		return Ticket{}, err
	}
	return polled.Ticket, nil
}
