// Package gateway sequences the breaker, classifier, decision engine and
// ticket store in front of every governed call.
package gateway

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ppiankov/approvalgate/internal/approval"
	"github.com/ppiankov/approvalgate/internal/audit"
	"github.com/ppiankov/approvalgate/internal/breaker"
	"github.com/ppiankov/approvalgate/internal/classify"
	"github.com/ppiankov/approvalgate/internal/decision"
	"github.com/ppiankov/approvalgate/internal/model"
	"github.com/ppiankov/approvalgate/internal/notify"
	"github.com/ppiankov/approvalgate/internal/telemetry"
)

// Gateway intercepts governed calls. The underlying call runs at most
// once per Intercept and only on an Allow verdict.
type Gateway struct {
	breaker    *breaker.Breaker
	classifier *classify.Classifier
	evaluator  decision.Evaluator
	store      *approval.Store

	tel      *telemetry.Telemetry
	logger   *zap.Logger
	audit    audit.Recorder
	notifier notify.Notifier
	now      func() time.Time
}

// Option configures a Gateway.
type Option func(*Gateway)

func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(g *Gateway) { g.tel = t }
}

// WithAudit appends every outcome to r.
func WithAudit(r audit.Recorder) Option {
	return func(g *Gateway) { g.audit = r }
}

// WithNotifier dispatches blocks, suspensions and resolutions to n.
func WithNotifier(n notify.Notifier) Option {
	return func(g *Gateway) { g.notifier = n }
}

// WithoutApprovals turns RequireApproval into a terminal block for
// deployments with no approval workflow.
func WithoutApprovals() Option {
	return func(g *Gateway) { g.store = nil }
}

func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// New builds a Gateway. An evaluator that is not already fail-closed is
// wrapped with a Deny fallback.
func New(b *breaker.Breaker, c *classify.Classifier, ev decision.Evaluator, store *approval.Store, opts ...Option) *Gateway {
	g := &Gateway{
		breaker:    b,
		classifier: c,
		evaluator:  ev,
		store:      store,
		tel:        telemetry.Nop(),
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if _, ok := g.evaluator.(*decision.FailClosedEvaluator); !ok {
		g.evaluator = decision.FailClosed(g.evaluator, model.Deny, g.logger)
	}
	return g
}

// Breaker returns the gateway's circuit breaker.
func (g *Gateway) Breaker() *breaker.Breaker { return g.breaker }

// Store returns the ticket store, nil when approvals are disabled.
func (g *Gateway) Store() *approval.Store { return g.store }

// Intercept governs one call: admit, classify, evaluate, then execute,
// block or suspend. An error is returned only for invalid descriptors,
// a cancelled context, or a failing underlying call.
func (g *Gateway) Intercept(ctx context.Context, d model.CallDescriptor, call CallFunc) (Result, error) {
	if err := d.Validate(); err != nil {
		return Result{}, fmt.Errorf("invalid call descriptor: %w", err)
	}
	ctx, span := g.tel.Tracer.Start(ctx, "gateway.intercept", trace.WithAttributes(
		attribute.String("run_id", d.RunID),
		attribute.String("call", d.String()),
		attribute.Int("step", d.StepIndex),
	))
	defer span.End()

	res, err := g.intercept(ctx, d, call)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.record(d, res, audit.OutcomeFailed, err.Error())
		return res, err
	}
	span.SetAttributes(
		attribute.String("outcome", string(res.Outcome)),
		attribute.String("risk", string(res.Risk.Category)),
	)
	g.record(d, res, string(res.Outcome), "")
	return res, nil
}

func (g *Gateway) intercept(ctx context.Context, d model.CallDescriptor, call CallFunc) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	if adm := g.breaker.AdmitCall(d.RunID); adm.Tripped {
		g.tel.BreakerTrips.Add(ctx, 1, metric.WithAttributes(attribute.String("dimension", string(adm.Dimension))))
		res := Blocked(adm.Reason, BlockCircuitBreak)
		res.Call = d
		res.Breach = &adm
		g.logger.Warn("governed call blocked by circuit breaker",
			zap.String("run_id", d.RunID),
			zap.String("call", d.String()),
			zap.String("dimension", string(adm.Dimension)),
			zap.Int64("observed", adm.Observed),
			zap.Int64("threshold", adm.Threshold),
		)
		g.notify(notify.EventCircuitBreak, d, res)
		return res, nil
	}

	tag := g.classifier.Classify(d)
	v, err := g.evaluator.Evaluate(ctx, d, tag)
	if err != nil {
		return Result{Call: d, Risk: tag}, err
	}
	g.tel.Verdicts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("decision", string(v.Decision)),
		attribute.String("category", string(tag.Category)),
	))

	fields := []zap.Field{
		zap.String("run_id", d.RunID),
		zap.String("call", d.String()),
		zap.String("category", string(tag.Category)),
		zap.String("verdict", string(v.Decision)),
		zap.String("policy_id", v.PolicyID),
	}

	switch v.Decision {
	case model.Allow:
		g.logger.Debug("governed call allowed", fields...)
		out, err := call(ctx)
		if out.Tokens > 0 {
			g.breaker.Record(d.RunID, breaker.TokenBudget, out.Tokens)
		}
		if err != nil {
			return Result{Call: d, Risk: tag, Verdict: v}, err
		}
		res := Executed(out.Value)
		res.Call, res.Risk, res.Verdict = d, tag, v
		return res, nil

	case model.RequireApproval:
		res := g.suspend(ctx, d, v)
		res.Call, res.Risk, res.Verdict = d, tag, v
		if res.IsBlocked() {
			g.logger.Warn("approval unavailable, call blocked", append(fields, zap.String("reason", res.Reason))...)
			g.notify(notify.EventPolicyViolation, d, res)
		}
		return res, nil

	default:
		reason := v.Reason
		if reason == "" {
			reason = "denied by policy"
		}
		res := Blocked(reason, BlockPolicyViolation)
		res.Call, res.Risk, res.Verdict = d, tag, v
		g.logger.Info("governed call denied", append(fields, zap.String("reason", reason))...)
		g.notify(notify.EventPolicyViolation, d, res)
		return res, nil
	}
}

// suspend opens (or reuses) the ticket behind a RequireApproval verdict.
// Anything that prevents waiting on a server ticket blocks the call.
func (g *Gateway) suspend(ctx context.Context, d model.CallDescriptor, v model.Verdict) Result {
	if g.store == nil {
		return Blocked(fmt.Sprintf("approval required but no approval workflow is configured: %s", v.Reason), BlockApprovalUnavailable)
	}
	if v.ApprovalID == "" {
		return Blocked(fmt.Sprintf("approval required but no ticket was issued: %s", v.Reason), BlockApprovalUnavailable)
	}
	t, created, err := g.store.Open(ctx, d, v)
	if err != nil {
		return Blocked(fmt.Sprintf("failed to open approval ticket: %v", err), BlockApprovalUnavailable)
	}
	g.logger.Info("governed call suspended",
		zap.String("run_id", d.RunID),
		zap.String("call", d.String()),
		zap.String("ticket_id", t.ID),
		zap.String("context_hash", t.ContextHash),
		zap.Bool("created", created),
	)
	res := Suspended(t)
	if created {
		g.notify(notify.EventApprovalRequired, d, res)
	}
	return res
}

// Resolved reports a ticket decision observed by a poller or webhook.
func (g *Gateway) Resolved(t approval.Ticket) {
	if g.notifier == nil || t.Resolution == nil {
		return
	}
	g.notifier.Notify(notify.Event{
		Type:        notify.EventApprovalResolved,
		Timestamp:   g.now().UTC().Format(audit.TimestampFormat),
		RunID:       t.RunID(),
		Call:        t.Call.String(),
		Reason:      t.Resolution.Reason,
		TicketID:    t.ID,
		Status:      string(t.Status),
		Actor:       t.Resolution.Actor,
		ContextHash: t.ContextHash,
	})
}

// TeardownRun forgets a run's breaker counters and local tickets.
func (g *Gateway) TeardownRun(ctx context.Context, runID string) error {
	g.breaker.Teardown(runID)
	if g.store == nil {
		return nil
	}
	return g.store.TeardownRun(ctx, runID)
}

func (g *Gateway) notify(event string, d model.CallDescriptor, res Result) {
	if g.notifier == nil {
		return
	}
	e := notify.Event{
		Type:      event,
		Timestamp: g.now().UTC().Format(audit.TimestampFormat),
		RunID:     d.RunID,
		Call:      d.String(),
		Category:  string(res.Risk.Category),
		Reason:    res.Reason,
	}
	if res.Ticket != nil {
		e.TicketID = res.Ticket.ID
		e.ContextHash = res.Ticket.ContextHash
	}
	g.notifier.Notify(e)
}

func (g *Gateway) record(d model.CallDescriptor, res Result, outcome, errMsg string) {
	if g.audit == nil {
		return
	}
	Record(g.audit, g.logger, g.now(), d, res, outcome, errMsg)
}

// Record appends one outcome to r. Audit failures are logged, never
// surfaced to the governed call.
func Record(r audit.Recorder, logger *zap.Logger, now time.Time, d model.CallDescriptor, res Result, outcome, errMsg string) {
	hash, _ := model.ContextHash(d)
	e := audit.Entry{
		Timestamp:   now.UTC().Format(audit.TimestampFormat),
		RunID:       d.RunID,
		Call:        audit.Call{Kind: string(d.Kind), Name: d.Name, Step: d.StepIndex},
		ContextHash: hash,
		Category:    string(res.Risk.Category),
		Decision:    string(res.Verdict.Decision),
		Outcome:     outcome,
		Kind:        string(res.Kind),
		Reason:      res.Reason,
		PolicyID:    res.Verdict.PolicyID,
	}
	if errMsg != "" {
		e.Reason = errMsg
	}
	if res.Ticket != nil {
		e.TicketID = res.Ticket.ID
	}
	if err := r.Record(e); err != nil {
		logger.Error("failed to append audit entry", zap.String("run_id", d.RunID), zap.Error(err))
	}
}
