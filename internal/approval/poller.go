package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ppiankov/approvalgate/internal/telemetry"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultMaxAttempts  = 5
)

// TransportError means the approval resource could not be reached. It is
// never a denial; the ticket keeps its status.
type TransportError struct {
	TicketID string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("approval resource unreachable for ticket %s after %d attempts: %v", e.TicketID, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// PollResult is either Resolved with the final ticket, or unresolved when
// the caller's timeout elapsed first.
type PollResult struct {
	Resolved bool
	Ticket   Ticket
	Polls    int
}

// Resolution returns the ticket's resolution, nil when unresolved.
func (r PollResult) Resolution() *Resolution {
	if !r.Resolved {
		return nil
	}
	return r.Ticket.Resolution
}

// PollOutcome is delivered by Await.
type PollOutcome struct {
	Result PollResult
	Err    error
}

// Poller waits for tickets to resolve by querying the approval resource
// at a fixed interval.
type Poller struct {
	store       *Store
	resource    Resource
	interval    time.Duration
	maxAttempts int
	logger      *zap.Logger
	tel         *telemetry.Telemetry
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithInterval sets the poll interval.
func WithInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithMaxAttempts bounds consecutive transport failures per query.
func WithMaxAttempts(n int) PollerOption {
	return func(p *Poller) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithPollerLogger sets the logger.
func WithPollerLogger(l *zap.Logger) PollerOption {
	return func(p *Poller) { p.logger = l }
}

// WithPollerTelemetry sets tracing and metrics.
func WithPollerTelemetry(t *telemetry.Telemetry) PollerOption {
	return func(p *Poller) { p.tel = t }
}

// NewPoller creates a Poller applying results to store.
func NewPoller(store *Store, resource Resource, opts ...PollerOption) *Poller {
	p := &Poller{
		store:       store,
		resource:    resource,
		interval:    DefaultPollInterval,
		maxAttempts: DefaultMaxAttempts,
		logger:      zap.NewNop(),
		tel:         telemetry.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Interval returns the configured poll interval.
func (p *Poller) Interval() time.Duration { return p.interval }

// Poll blocks until the ticket resolves, timeout elapses, or ctx ends.
// A zero timeout waits until ctx ends. On timeout the result is unresolved
// and the ticket is untouched. A resolution applied by someone else
// (webhook) ends the wait early.
func (p *Poller) Poll(ctx context.Context, t Ticket, timeout time.Duration) (PollResult, error) {
	ctx, span := p.tel.Tracer.Start(ctx, "approval.poll", trace.WithAttributes(
		attribute.String("ticket_id", t.ID),
		attribute.String("run_id", t.RunID()),
	))
	defer span.End()

	res, err := p.poll(ctx, t, timeout)
	span.SetAttributes(
		attribute.Bool("resolved", res.Resolved),
		attribute.Int("polls", res.Polls),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (p *Poller) poll(ctx context.Context, t Ticket, timeout time.Duration) (PollResult, error) {
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	woken, unsubscribe, err := p.store.Subscribe(ctx, t.ID)
	if err != nil {
		return PollResult{}, err
	}
	defer unsubscribe()

	result := PollResult{}
	for {
		cur, err := p.store.Get(ctx, t.ID)
		if err != nil {
			return result, err
		}
		if cur.Status.Terminal() {
			result.Resolved = true
			result.Ticket = cur
			return result, nil
		}

		rs, err := p.fetch(waitCtx, cur)
		result.Polls++
		p.tel.Polls.Add(ctx, 1, metric.WithAttributes(attribute.Bool("error", err != nil)))
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			if waitCtx.Err() != nil {
				result.Ticket = cur
				return result, nil
			}
			return result, err
		}

		if rs.Status != StatusPending {
			resolved, err := p.store.Resolve(ctx, cur.ID, rs.Resolution(p.store.Now()))
			if err != nil {
				return result, err
			}
			result.Resolved = true
			result.Ticket = resolved
			return result, nil
		}

		p.logger.Debug("approval still pending",
			zap.String("ticket_id", cur.ID),
			zap.Int("polls", result.Polls),
		)

		timer := time.NewTimer(p.interval)
		select {
		case <-waitCtx.Done():
			timer.Stop()
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			result.Ticket = cur
			return result, nil
		case <-woken:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Check queries the resource once, without waiting, and applies a
// terminal status. It returns the ticket's current state.
func (p *Poller) Check(ctx context.Context, t Ticket) (Ticket, error) {
	cur, err := p.store.Get(ctx, t.ID)
	if err != nil {
		return Ticket{}, err
	}
	if cur.Status.Terminal() {
		return cur, nil
	}
	rs, err := p.fetch(ctx, cur)
	p.tel.Polls.Add(ctx, 1, metric.WithAttributes(attribute.Bool("error", err != nil)))
	if err != nil {
		return cur, err
	}
	if rs.Status == StatusPending {
		return cur, nil
	}
	return p.store.Resolve(ctx, cur.ID, rs.Resolution(p.store.Now()))
}

// fetch queries the resource once, retrying transport failures at the poll
// interval up to maxAttempts consecutive tries.
func (p *Poller) fetch(ctx context.Context, t Ticket) (RemoteStatus, error) {
	attempts := 0
	rs, err := backoff.Retry(ctx, func() (RemoteStatus, error) {
		attempts++
		return p.resource.Fetch(ctx, t)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(p.interval)),
		backoff.WithMaxTries(uint(p.maxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.logger.Warn("approval resource fetch failed, retrying",
				zap.String("ticket_id", t.ID),
				zap.Duration("next", next),
				zap.Error(err),
			)
		}),
	)
	if err == nil {
		return rs, nil
	}
	if ctx.Err() != nil {
		return RemoteStatus{}, ctx.Err()
	}
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	return RemoteStatus{}, &TransportError{TicketID: t.ID, Attempts: attempts, Err: err}
}

// Await runs Poll in its own goroutine and delivers the outcome on the
// returned channel, which is closed afterwards.
func (p *Poller) Await(ctx context.Context, t Ticket, timeout time.Duration) <-chan PollOutcome {
	out := make(chan PollOutcome, 1)
	go func() {
		defer close(out)
		res, err := p.Poll(ctx, t, timeout)
		out <- PollOutcome{Result: res, Err: err}
	}()
	return out
}
