// Package stack assembles the governed-call runtime from a Config.
package stack

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ppiankov/approvalgate/internal/approval"
	"github.com/ppiankov/approvalgate/internal/audit"
	"github.com/ppiankov/approvalgate/internal/breaker"
	"github.com/ppiankov/approvalgate/internal/checkpoint"
	"github.com/ppiankov/approvalgate/internal/classify"
	"github.com/ppiankov/approvalgate/internal/config"
	"github.com/ppiankov/approvalgate/internal/decision"
	"github.com/ppiankov/approvalgate/internal/gateway"
	"github.com/ppiankov/approvalgate/internal/notify"
	"github.com/ppiankov/approvalgate/internal/resume"
	"github.com/ppiankov/approvalgate/internal/telemetry"
	"github.com/ppiankov/approvalgate/internal/webhook"
)

// Stack holds one fully wired runtime. Nothing in it is package-level
// state; several stacks can live in one process.
type Stack struct {
	Config    config.Config
	Logger    *zap.Logger
	Telemetry *telemetry.Telemetry

	Classifier *classify.Classifier
	Breaker    *breaker.Breaker
	Evaluator  decision.Evaluator

	// Set only for the local transport.
	Approvals *decision.ApprovalService
	Engine    *decision.LocalEngine

	Store       *approval.Store
	Checkpoints checkpoint.Store
	Poller      *approval.Poller
	Gateway     *gateway.Gateway
	Coordinator *resume.Coordinator

	Audit    *audit.Log
	Notifier *notify.Dispatcher

	closers []func() error
}

type options struct {
	logger      *zap.Logger
	tel         *telemetry.Telemetry
	evaluator   decision.Evaluator
	resource    approval.Resource
	backend     approval.Backend
	checkpoints checkpoint.Store
	approvals   *decision.ApprovalService
}

// Option overrides a component Build would otherwise derive from config.
type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(o *options) { o.tel = t }
}

// WithEvaluator replaces the configured decision transport. It is still
// wrapped fail-closed.
func WithEvaluator(ev decision.Evaluator) Option {
	return func(o *options) { o.evaluator = ev }
}

// WithResource sets where pollers read ticket status.
func WithResource(r approval.Resource) Option {
	return func(o *options) { o.resource = r }
}

func WithBackend(b approval.Backend) Option {
	return func(o *options) { o.backend = b }
}

func WithCheckpoints(s checkpoint.Store) Option {
	return func(o *options) { o.checkpoints = s }
}

// WithApprovalService reuses svc as the local approval resource.
func WithApprovalService(svc *decision.ApprovalService) Option {
	return func(o *options) { o.approvals = svc }
}

// Build wires every component. The caller must Close the stack.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (s *Stack, err error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.tel == nil {
		o.tel = telemetry.Nop()
	}

	s = &Stack{Config: cfg, Logger: o.logger, Telemetry: o.tel}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	s.Classifier = classify.New(cfg.Classifier)
	s.Breaker = breaker.New(cfg.Breaker, breaker.WithLogger(o.logger))

	resource, err := s.buildEvaluator(cfg, o)
	if err != nil {
		return nil, err
	}
	if o.resource != nil {
		resource = o.resource
	}

	db, err := s.openDB(cfg.Storage)
	if err != nil {
		return nil, err
	}
	backend := o.backend
	if backend == nil {
		if backend, err = s.buildBackend(cfg.Storage, db); err != nil {
			return nil, err
		}
	}
	s.Store = approval.NewStore(backend, approval.WithStoreLogger(o.logger))

	s.Checkpoints = o.checkpoints
	if s.Checkpoints == nil {
		if s.Checkpoints, err = s.buildCheckpoints(ctx, cfg, db); err != nil {
			return nil, err
		}
	}

	if cfg.AuditLog != "" {
		if s.Audit, err = audit.Open(cfg.AuditLog); err != nil {
			return nil, err
		}
		s.closers = append(s.closers, s.Audit.Close)
	}
	s.Notifier = notify.NewDispatcher(cfg.Notify, o.logger)

	gwOpts := []gateway.Option{gateway.WithLogger(o.logger), gateway.WithTelemetry(o.tel)}
	coordOpts := []resume.Option{resume.WithLogger(o.logger), resume.WithTelemetry(o.tel), resume.WithBreaker(s.Breaker)}
	if s.Audit != nil {
		gwOpts = append(gwOpts, gateway.WithAudit(s.Audit))
		coordOpts = append(coordOpts, resume.WithAudit(s.Audit))
	}
	if s.Notifier != nil {
		gwOpts = append(gwOpts, gateway.WithNotifier(s.Notifier))
	}
	if !cfg.Decision.ApprovalsEnabled() {
		gwOpts = append(gwOpts, gateway.WithoutApprovals())
	}
	s.Gateway = gateway.New(s.Breaker, s.Classifier, s.Evaluator, s.Store, gwOpts...)
	s.Coordinator = resume.NewCoordinator(s.Store, coordOpts...)
	s.Poller = approval.NewPoller(s.Store, resource,
		approval.WithInterval(cfg.Poll.Interval),
		approval.WithMaxAttempts(cfg.Poll.MaxAttempts),
		approval.WithPollerLogger(o.logger),
		approval.WithPollerTelemetry(o.tel),
	)
	return s, nil
}

// buildEvaluator sets s.Evaluator and returns the matching resource.
func (s *Stack) buildEvaluator(cfg config.Config, o options) (approval.Resource, error) {
	var (
		ev       decision.Evaluator
		resource approval.Resource = approval.NewHTTPResource(cfg.Decision.APIKey, nil)
	)
	switch {
	case o.evaluator != nil:
		ev = o.evaluator
	case cfg.Decision.Transport == "http":
		ev = decision.NewHTTPClient(cfg.Decision.Endpoint, cfg.Decision.APIKey, nil)
	case cfg.Decision.Transport == "grpc":
		c, err := decision.NewGRPCClient(cfg.Decision.Endpoint)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, c.Close)
		ev = c
	default:
		svc := o.approvals
		if svc == nil {
			svc = decision.NewApprovalService(cfg.Server.BaseURL, decision.WithServiceLogger(s.Logger))
		}
		engine, err := decision.NewLocalEngine(cfg.Engine, svc, s.Logger)
		if err != nil {
			return nil, err
		}
		if cfg.Webhook.EmitURL != "" {
			svc.OnDecision(webhook.NewEmitter(cfg.Webhook.EmitURL, cfg.Webhook.Secret, nil, s.Logger).Hook())
		}
		s.Approvals, s.Engine = svc, engine
		ev, resource = engine, svc
	}
	s.Evaluator = decision.FailClosed(ev, cfg.Decision.FallbackDecision(), s.Logger)
	return resource, nil
}

func (s *Stack) openDB(sc config.StorageConfig) (*sql.DB, error) {
	dialect, ok := sc.Dialect()
	if !ok {
		return nil, nil
	}
	dsn := sc.DSN
	if dsn == "" {
		dsn = "file:approvalgate.db"
	}
	db, err := approval.OpenDB(dialect, dsn)
	if err != nil {
		return nil, err
	}
	if dialect == approval.DialectSQLite {
		db.SetMaxOpenConns(1)
	}
	s.closers = append(s.closers, db.Close)
	return db, nil
}

func (s *Stack) buildBackend(sc config.StorageConfig, db *sql.DB) (approval.Backend, error) {
	switch sc.Driver {
	case "file":
		dir := sc.Dir
		if dir == "" {
			dir = approval.DefaultDir()
		}
		return approval.NewFileBackend(dir)
	case "sqlite", "postgres":
		dialect, _ := sc.Dialect()
		return approval.NewSQLBackend(db, dialect)
	default:
		return approval.NewMemoryBackend(), nil
	}
}

// buildCheckpoints prefers Redis when configured, then the SQL database,
// then memory.
func (s *Stack) buildCheckpoints(ctx context.Context, cfg config.Config, db *sql.DB) (checkpoint.Store, error) {
	if cfg.Redis.Addr != "" {
		client, err := checkpoint.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, client.Close)
		ttl := cfg.Redis.CheckpointTTL
		if ttl <= 0 {
			ttl = checkpoint.DefaultRedisTTL
		}
		return checkpoint.NewRedisStore(client, ttl), nil
	}
	if db != nil {
		dialect, _ := cfg.Storage.Dialect()
		return checkpoint.NewSQLStore(db, dialect)
	}
	return checkpoint.NewMemoryStore(), nil
}

// Apply hot-swaps the reloadable parts of cfg: breaker thresholds and
// local engine rules. Classifier, transport and storage changes need a
// restart.
func (s *Stack) Apply(cfg config.Config) error {
	if s.Engine != nil {
		if err := s.Engine.Reload(cfg.Engine); err != nil {
			return fmt.Errorf("engine rules rejected: %w", err)
		}
	}
	s.Breaker.SetThresholds(cfg.Breaker)
	s.Logger.Info("configuration applied",
		zap.Int64("max_calls", cfg.Breaker.MaxCalls),
		zap.Int("engine_rules", len(cfg.Engine.Rules)),
	)
	return nil
}

// Close waits for notifications and releases connections in reverse
// order of acquisition.
func (s *Stack) Close() error {
	if s.Notifier != nil {
		s.Notifier.Wait()
	}
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
