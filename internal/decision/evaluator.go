package decision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/approvalgate/internal/model"
)

// Evaluator asks a decision engine for a verdict on one call.
type Evaluator interface {
	Evaluate(ctx context.Context, d model.CallDescriptor, tag model.RiskTag) (model.Verdict, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, d model.CallDescriptor, tag model.RiskTag) (model.Verdict, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, d model.CallDescriptor, tag model.RiskTag) (model.Verdict, error) {
	return f(ctx, d, tag)
}

// Matcher previews the verdict an engine would return without side
// effects. A RequireApproval preview registers no approval and carries no
// approval id.
type Matcher interface {
	Match(ctx context.Context, d model.CallDescriptor, tag model.RiskTag) (model.Verdict, error)
}

// MatcherFunc adapts a function to Matcher.
type MatcherFunc func(ctx context.Context, d model.CallDescriptor, tag model.RiskTag) (model.Verdict, error)

func (f MatcherFunc) Match(ctx context.Context, d model.CallDescriptor, tag model.RiskTag) (model.Verdict, error) {
	return f(ctx, d, tag)
}

// ErrNoDryRun is returned when an evaluator cannot preview verdicts.
var ErrNoDryRun = errors.New("decision engine does not support dry-run evaluation")

// Preview runs a dry-run evaluation on ev if it implements Matcher.
func Preview(ctx context.Context, ev Evaluator, d model.CallDescriptor, tag model.RiskTag) (model.Verdict, error) {
	m, ok := ev.(Matcher)
	if !ok {
		return model.Verdict{}, ErrNoDryRun
	}
	return m.Match(ctx, d, tag)
}

// Fail-closed policy ids.
const (
	PolicyUnreachable    = "failclosed.unreachable"
	PolicyInvalidVerdict = "failclosed.invalid_verdict"
)

// FailClosedEvaluator never lets an engine failure turn into Allow.
type FailClosedEvaluator struct {
	next     Evaluator
	fallback model.Decision
	timeout  time.Duration
	logger   *zap.Logger
}

// FailClosed wraps next. Engine errors and unusable verdicts become the
// fallback decision: Deny, or RequireApproval. A RequireApproval fallback
// carries no approval id, so callers treat it as "approval unavailable".
// Any fallback other than RequireApproval is Deny.
func FailClosed(next Evaluator, fallback model.Decision, logger *zap.Logger) *FailClosedEvaluator {
	if fallback != model.RequireApproval {
		fallback = model.Deny
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FailClosedEvaluator{next: next, fallback: fallback, timeout: 5 * time.Second, logger: logger}
}

// Fallback returns the decision used when the engine cannot decide.
func (f *FailClosedEvaluator) Fallback() model.Decision { return f.fallback }

func (f *FailClosedEvaluator) Evaluate(ctx context.Context, d model.CallDescriptor, tag model.RiskTag) (model.Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	v, err := f.next.Evaluate(ctx, d, tag)
	if err != nil {
		f.logger.Warn("policy evaluation failed, failing closed",
			zap.String("call", d.String()),
			zap.String("fallback", string(f.fallback)),
			zap.Error(err),
		)
		return f.verdict(fmt.Sprintf("policy engine unavailable: %v", err), PolicyUnreachable), nil
	}
	if err := v.Validate(); err != nil {
		f.logger.Warn("policy engine returned unusable verdict, failing closed",
			zap.String("call", d.String()),
			zap.Error(err),
		)
		return f.verdict(fmt.Sprintf("unusable verdict: %v", err), PolicyInvalidVerdict), nil
	}
	return v, nil
}

func (f *FailClosedEvaluator) verdict(reason, policyID string) model.Verdict {
	return model.Verdict{Decision: f.fallback, Reason: reason, PolicyID: policyID}
}

// Match previews the wrapped engine's verdict. Engine errors become the
// fallback verdict, as in Evaluate.
func (f *FailClosedEvaluator) Match(ctx context.Context, d model.CallDescriptor, tag model.RiskTag) (model.Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	v, err := Preview(ctx, f.next, d, tag)
	if err != nil {
		return f.verdict(fmt.Sprintf("policy engine unavailable: %v", err), PolicyUnreachable), nil
	}
	switch v.Decision {
	case model.Allow, model.Deny, model.RequireApproval:
	default:
		return f.verdict(fmt.Sprintf("unusable verdict: unknown decision %q", v.Decision), PolicyInvalidVerdict), nil
	}
	return v, nil
}
