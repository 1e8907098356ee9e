package cli

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ppiankov/approvalgate/internal/config"
	"github.com/ppiankov/approvalgate/internal/stack"
	"github.com/ppiankov/approvalgate/internal/telemetry"
)

// loadConfig reads --config and applies the --log-level override.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

// newLogger builds a zap logger. Console output is for humans at a
// terminal, json for collectors.
func newLogger(level, format string) (*zap.Logger, error) {
	if level == "" {
		level = "info"
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var zc zap.Config
	switch format {
	case "json":
		zc = zap.NewProductionConfig()
	case "console", "":
		zc = zap.NewDevelopmentConfig()
		zc.DisableStacktrace = true
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}

// bootstrap assembles the runtime for cfg. The returned cleanup closes the
// stack, flushes telemetry and syncs the logger.
func bootstrap(ctx context.Context, cfg config.Config, opts ...stack.Option) (*stack.Stack, func(), error) {
	logger, err := newLogger(cfg.LogLevel, logFormat)
	if err != nil {
		return nil, nil, err
	}

	var providers *telemetry.Providers
	if cfg.Telemetry.Endpoint != "" {
		providers, err = telemetry.Setup(ctx, telemetry.Config{
			Version:      version,
			OTLPEndpoint: cfg.Telemetry.Endpoint,
			Insecure:     cfg.Telemetry.Insecure,
		})
		if err != nil {
			return nil, nil, err
		}
		tel, err := providers.Telemetry()
		if err != nil {
			return nil, nil, err
		}
		opts = append([]stack.Option{stack.WithTelemetry(tel)}, opts...)
	}

	opts = append([]stack.Option{stack.WithLogger(logger)}, opts...)
	st, err := stack.Build(ctx, cfg, opts...)
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {
		if err := st.Close(); err != nil {
			logger.Warn("failed to close runtime", zap.Error(err))
		}
		if providers != nil {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := providers.Shutdown(sctx); err != nil {
				logger.Warn("failed to flush telemetry", zap.Error(err))
			}
		}
		_ = logger.Sync()
	}
	return st, cleanup, nil
}
