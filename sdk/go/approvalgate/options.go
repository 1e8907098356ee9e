package approvalgate

import (
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/approvalgate/internal/config"
)

// Option configures a Governor at creation time.
type Option func(*governorConfig)

type governorConfig struct {
	path      string
	evaluator Evaluator
	logger    *zap.Logger
	wait      time.Duration
	mutate    []func(*config.Config)
}

// WithConfigFile loads YAML configuration from path, then applies
// APPROVALGATE_* environment overrides.
func WithConfigFile(path string) Option {
	return func(c *governorConfig) { c.path = path }
}

// WithThresholds sets the per-run circuit breaker limits.
func WithThresholds(t Thresholds) Option {
	return func(c *governorConfig) {
		c.mutate = append(c.mutate, func(cfg *config.Config) { cfg.Breaker = t })
	}
}

// WithRules replaces the local decision engine's rules. Calls no rule
// matches are allowed.
func WithRules(rules ...Rule) Option {
	return func(c *governorConfig) {
		c.mutate = append(c.mutate, func(cfg *config.Config) {
			cfg.Decision.Transport = "local"
			cfg.Engine.Rules = rules
		})
	}
}

// WithEngineURL evaluates calls against a remote decision engine over HTTP.
func WithEngineURL(url, apiKey string) Option {
	return func(c *governorConfig) {
		c.mutate = append(c.mutate, func(cfg *config.Config) {
			cfg.Decision.Transport = "http"
			cfg.Decision.Endpoint = url
			cfg.Decision.APIKey = apiKey
		})
	}
}

// WithEvaluator uses ev for policy decisions. Evaluation errors fall back
// to the configured fail-closed decision.
func WithEvaluator(ev Evaluator) Option {
	return func(c *governorConfig) { c.evaluator = ev }
}

// WithPollInterval sets how often pending tickets are re-checked.
func WithPollInterval(d time.Duration) Option {
	return func(c *governorConfig) {
		c.mutate = append(c.mutate, func(cfg *config.Config) { cfg.Poll.Interval = d })
	}
}

// WithWait makes wrapped calls block up to d for a pending approval
// before returning *ApprovalRequiredError. Zero returns immediately.
func WithWait(d time.Duration) Option {
	return func(c *governorConfig) { c.wait = d }
}

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *governorConfig) { c.logger = l }
}

// WrapOption configures a single Wrap call.
type WrapOption func(*wrapConfig)

type wrapConfig struct {
	wait time.Duration
}

// WrapWithWait overrides the Governor's wait for this function.
func WrapWithWait(d time.Duration) WrapOption {
	return func(w *wrapConfig) { w.wait = d }
}
