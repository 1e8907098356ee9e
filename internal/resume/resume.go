// Package resume re-enters a suspended run after its approval resolves.
package resume

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ppiankov/approvalgate/internal/approval"
	"github.com/ppiankov/approvalgate/internal/audit"
	"github.com/ppiankov/approvalgate/internal/breaker"
	"github.com/ppiankov/approvalgate/internal/checkpoint"
	"github.com/ppiankov/approvalgate/internal/gateway"
	"github.com/ppiankov/approvalgate/internal/telemetry"
)

var (
	ErrNotGranted         = approval.ErrNotGranted
	ErrTicketPending      = errors.New("approval ticket is still pending")
	ErrCheckpointMismatch = errors.New("checkpoint does not match ticket")
	// ErrAlreadyConsumed means the gated call already ran in an earlier
	// process; its result is not available here.
	ErrAlreadyConsumed = errors.New("approval ticket already consumed")
)

// execution is one in-flight or finished resumed call.
type execution struct {
	done   chan struct{}
	result gateway.Result
	err    error
}

// Coordinator executes approved calls exactly once per ticket. Retries
// and concurrent resumes of the same ticket share the first execution's
// result.
type Coordinator struct {
	store   *approval.Store
	breaker *breaker.Breaker

	mu    sync.Mutex
	execs map[string]*execution

	tel    *telemetry.Telemetry
	logger *zap.Logger
	audit  audit.Recorder
	now    func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(c *Coordinator) { c.tel = t }
}

func WithAudit(r audit.Recorder) Option {
	return func(c *Coordinator) { c.audit = r }
}

// WithBreaker charges resumed token usage to the run budget.
func WithBreaker(b *breaker.Breaker) Option {
	return func(c *Coordinator) { c.breaker = b }
}

func NewCoordinator(store *approval.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:  store,
		execs:  make(map[string]*execution),
		tel:    telemetry.Nop(),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resume runs the call gated by ticket for the step recorded in cp,
// bypassing policy evaluation. The ticket is reloaded from the store;
// only an approved and granted ticket executes. Denied or expired tickets
// return Blocked without touching call. The checkpoint is only read.
func (c *Coordinator) Resume(ctx context.Context, runID string, cp checkpoint.Checkpoint, ticket approval.Ticket, call gateway.CallFunc) (gateway.Result, error) {
	ctx, span := c.tel.Tracer.Start(ctx, "resume.resume", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.String("ticket_id", ticket.ID),
		attribute.Int("step", cp.StepIndex),
	))
	defer span.End()

	res, err := c.resume(ctx, runID, cp, ticket, call)
	outcome := string(res.Outcome)
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	c.tel.Resumes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	return res, err
}

func (c *Coordinator) resume(ctx context.Context, runID string, cp checkpoint.Checkpoint, ticket approval.Ticket, call gateway.CallFunc) (gateway.Result, error) {
	if err := matchCheckpoint(runID, cp, ticket); err != nil {
		return gateway.Result{}, err
	}
	t, err := c.store.Get(ctx, ticket.ID)
	if err != nil {
		return gateway.Result{}, fmt.Errorf("failed to load ticket %s: %w", ticket.ID, err)
	}
	if t.ContextHash != ticket.ContextHash || t.RunID() != runID {
		return gateway.Result{}, fmt.Errorf("%w: stored ticket %s differs", ErrCheckpointMismatch, t.ID)
	}

	switch t.Status {
	case approval.StatusPending:
		return gateway.Result{}, fmt.Errorf("ticket %s: %w", t.ID, ErrTicketPending)
	case approval.StatusDenied:
		res := blocked(t, gateway.BlockApprovalDenied)
		c.record(t, res, audit.OutcomeBlocked)
		return res, nil
	case approval.StatusExpired:
		res := blocked(t, gateway.BlockApprovalExpired)
		c.record(t, res, audit.OutcomeBlocked)
		return res, nil
	case approval.StatusApproved:
	default:
		return gateway.Result{}, fmt.Errorf("ticket %s has unknown status %q", t.ID, t.Status)
	}
	if !t.Granted {
		return gateway.Result{}, fmt.Errorf("ticket %s: %w", t.ID, ErrNotGranted)
	}

	c.mu.Lock()
	if ex, ok := c.execs[t.ID]; ok {
		c.mu.Unlock()
		select {
		case <-ex.done:
			return ex.result, ex.err
		case <-ctx.Done():
			return gateway.Result{}, ctx.Err()
		}
	}
	if t.Consumed {
		c.mu.Unlock()
		return gateway.Result{}, fmt.Errorf("ticket %s: %w", t.ID, ErrAlreadyConsumed)
	}
	ex := &execution{done: make(chan struct{})}
	c.execs[t.ID] = ex
	c.mu.Unlock()

	ex.result, ex.err = c.execute(ctx, t, call)
	close(ex.done)
	return ex.result, ex.err
}

// execute invokes call once. The ticket is consumed whether or not the
// call succeeds, so a failed side effect is never retried under the same
// approval.
func (c *Coordinator) execute(ctx context.Context, t approval.Ticket, call gateway.CallFunc) (gateway.Result, error) {
	c.logger.Info("resuming approved call",
		zap.String("run_id", t.RunID()),
		zap.String("call", t.Call.String()),
		zap.String("ticket_id", t.ID),
		zap.String("context_hash", t.ContextHash),
	)

	out, callErr := call(ctx)
	if c.breaker != nil && out.Tokens > 0 {
		c.breaker.Record(t.RunID(), breaker.TokenBudget, out.Tokens)
	}
	if _, err := c.store.MarkConsumed(context.WithoutCancel(ctx), t.ID); err != nil {
		c.logger.Error("failed to mark ticket consumed", zap.String("ticket_id", t.ID), zap.Error(err))
	}

	res := gateway.Result{Call: t.Call, Ticket: &t}
	if callErr != nil {
		c.record(t, res, audit.OutcomeFailed)
		return res, callErr
	}
	res.Outcome = gateway.OutcomeExecuted
	res.Value = out.Value
	c.record(t, res, audit.OutcomeResumed)
	return res, nil
}

// Forget drops cached results for runID.
func (c *Coordinator) Forget(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ex := range c.execs {
		select {
		case <-ex.done:
		default:
			continue
		}
		if ex.result.Call.RunID == runID {
			delete(c.execs, id)
		}
	}
}

func matchCheckpoint(runID string, cp checkpoint.Checkpoint, t approval.Ticket) error {
	switch {
	case cp.RunID != runID:
		return fmt.Errorf("%w: checkpoint belongs to run %s, not %s", ErrCheckpointMismatch, cp.RunID, runID)
	case t.RunID() != runID:
		return fmt.Errorf("%w: ticket %s belongs to run %s", ErrCheckpointMismatch, t.ID, t.RunID())
	case cp.TicketID != "" && cp.TicketID != t.ID:
		return fmt.Errorf("%w: checkpoint waits on %s, not %s", ErrCheckpointMismatch, cp.TicketID, t.ID)
	case cp.StepIndex != t.Call.StepIndex:
		return fmt.Errorf("%w: checkpoint at step %d, ticket gates step %d", ErrCheckpointMismatch, cp.StepIndex, t.Call.StepIndex)
	}
	return nil
}

func blocked(t approval.Ticket, kind gateway.BlockKind) gateway.Result {
	reason := fmt.Sprintf("approval %s", t.Status)
	if r := t.Resolution; r != nil {
		if r.Actor != "" {
			reason += " by " + r.Actor
		}
		if r.Reason != "" {
			reason += ": " + r.Reason
		}
	}
	res := gateway.Blocked(reason, kind)
	res.Call = t.Call
	res.Ticket = &t
	return res
}

func (c *Coordinator) record(t approval.Ticket, res gateway.Result, outcome string) {
	if c.audit == nil {
		return
	}
	gateway.Record(c.audit, c.logger, c.now(), t.Call, res, outcome, "")
}
