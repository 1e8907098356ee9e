// Package config loads the runtime configuration: YAML first, then
// APPROVALGATE_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/approvalgate/internal/approval"
	"github.com/ppiankov/approvalgate/internal/breaker"
	"github.com/ppiankov/approvalgate/internal/classify"
	"github.com/ppiankov/approvalgate/internal/decision"
	"github.com/ppiankov/approvalgate/internal/httputil"
	"github.com/ppiankov/approvalgate/internal/model"
	"github.com/ppiankov/approvalgate/internal/notify"
)

// PollConfig bounds waiting on a ticket.
type PollConfig struct {
	Interval    time.Duration `yaml:"interval" validate:"gt=0"`
	Timeout     time.Duration `yaml:"timeout" validate:"gte=0"`
	MaxAttempts int           `yaml:"max_attempts" validate:"gte=1"`
}

// DecisionConfig selects the policy decision engine.
// Transport "local" runs the built-in rule engine in process.
type DecisionConfig struct {
	Transport string `yaml:"transport" validate:"oneof=local http grpc"`
	Endpoint  string `yaml:"endpoint" validate:"required_unless=Transport local"`
	APIKey    string `yaml:"api_key"`
	Fallback  string `yaml:"fallback" validate:"oneof=deny require_approval"`
	Approvals *bool  `yaml:"approvals"`
}

// ApprovalsEnabled reports whether RequireApproval may suspend. Nil means true.
func (d DecisionConfig) ApprovalsEnabled() bool {
	return d.Approvals == nil || *d.Approvals
}

// FallbackDecision is the verdict used when the engine cannot decide.
func (d DecisionConfig) FallbackDecision() model.Decision {
	return model.ParseDecision(d.Fallback)
}

// StorageConfig selects the ticket and checkpoint backend.
type StorageConfig struct {
	Driver string `yaml:"driver" validate:"oneof=memory file sqlite postgres"`
	DSN    string `yaml:"dsn" validate:"required_if=Driver postgres"`
	Dir    string `yaml:"dir"`
}

// RedisConfig enables the Redis checkpoint store when Addr is set.
type RedisConfig struct {
	Addr          string        `yaml:"addr"`
	Password      string        `yaml:"password"`
	DB            int           `yaml:"db" validate:"gte=0"`
	CheckpointTTL time.Duration `yaml:"checkpoint_ttl"`
}

// ServerConfig holds listen addresses for `serve`.
type ServerConfig struct {
	HTTPAddr    string `yaml:"http_addr" validate:"required"`
	GRPCAddr    string `yaml:"grpc_addr"`
	WebhookAddr string `yaml:"webhook_addr"`
	BaseURL     string `yaml:"base_url"`
}

// WebhookConfig configures approval.decisioned delivery.
type WebhookConfig struct {
	Secret  string `yaml:"secret"`
	EmitURL string `yaml:"emit_url" validate:"omitempty,url"`
}

// TelemetryConfig enables OTLP span export when Endpoint is set.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

// Config is the whole runtime configuration.
type Config struct {
	LogLevel   string                `yaml:"log_level" validate:"oneof=debug info warn error"`
	Classifier classify.Config       `yaml:"classifier"`
	Breaker    breaker.Thresholds    `yaml:"breaker"`
	Poll       PollConfig            `yaml:"poll"`
	Decision   DecisionConfig        `yaml:"decision"`
	Engine     decision.EngineConfig `yaml:"engine"`
	Storage    StorageConfig         `yaml:"storage"`
	Redis      RedisConfig           `yaml:"redis"`
	Server     ServerConfig          `yaml:"server"`
	Webhook    WebhookConfig         `yaml:"webhook"`
	Notify     []notify.Config       `yaml:"notify" validate:"dive"`
	AuditLog   string                `yaml:"audit_log"`
	Telemetry  TelemetryConfig       `yaml:"telemetry"`
}

// Default returns the configuration used when nothing is configured.
func Default() Config {
	return Config{
		LogLevel:   "info",
		Classifier: classify.DefaultConfig(),
		Breaker: breaker.Thresholds{
			MaxCalls:    50,
			MaxDuration: 10 * time.Minute,
			MaxTokens:   100000,
		},
		Poll: PollConfig{
			Interval:    approval.DefaultPollInterval,
			Timeout:     5 * time.Minute,
			MaxAttempts: approval.DefaultMaxAttempts,
		},
		Decision: DecisionConfig{
			Transport: "local",
			Fallback:  string(model.Deny),
		},
		Engine:  decision.DefaultEngineConfig(),
		Storage: StorageConfig{Driver: "memory"},
		Server:  ServerConfig{HTTPAddr: "127.0.0.1:8480"},
	}
}

// DefaultPath returns ~/.approvalgate/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".approvalgate", "config.yaml")
}

// Load reads path, applies the environment and validates. Empty path
// falls back to DefaultPath. Missing file returns defaults.
func Load(path string) (Config, error) {
	_ = godotenv.Load(".env")

	cfg, err := LoadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg, err = cfg.ApplyEnv(os.Getenv)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile reads YAML only. Specified fields overwrite defaults; an
// engine rule list replaces the default rules.
func LoadFile(path string) (Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Environment variables read by ApplyEnv, besides the classifier lists.
const (
	EnvLogLevel          = "APPROVALGATE_LOG_LEVEL"
	EnvDecisionTransport = "APPROVALGATE_DECISION_TRANSPORT"
	EnvDecisionEndpoint  = "APPROVALGATE_DECISION_ENDPOINT"
	EnvAPIKey            = "APPROVALGATE_API_KEY"
	EnvFallback          = "APPROVALGATE_FALLBACK"
	EnvMaxCalls          = "APPROVALGATE_MAX_CALLS"
	EnvMaxTokens         = "APPROVALGATE_MAX_TOKENS"
	EnvMaxDuration       = "APPROVALGATE_MAX_DURATION"
	EnvPollInterval      = "APPROVALGATE_POLL_INTERVAL"
	EnvPollTimeout       = "APPROVALGATE_POLL_TIMEOUT"
	EnvStorageDriver     = "APPROVALGATE_STORAGE_DRIVER"
	EnvStorageDSN        = "APPROVALGATE_STORAGE_DSN"
	EnvRedisAddr         = "APPROVALGATE_REDIS_ADDR"
	EnvWebhookSecret     = "APPROVALGATE_WEBHOOK_SECRET"
	EnvAuditLog          = "APPROVALGATE_AUDIT_LOG"
	EnvOTLPEndpoint      = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

// ApplyEnv overrides fields from set environment variables. A nil getenv
// uses os.Getenv.
func (c Config) ApplyEnv(getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	c.Classifier = c.Classifier.ApplyEnv(getenv)

	strs := []struct {
		key string
		dst *string
	}{
		{EnvLogLevel, &c.LogLevel},
		{EnvDecisionTransport, &c.Decision.Transport},
		{EnvDecisionEndpoint, &c.Decision.Endpoint},
		{EnvAPIKey, &c.Decision.APIKey},
		{EnvFallback, &c.Decision.Fallback},
		{EnvStorageDriver, &c.Storage.Driver},
		{EnvStorageDSN, &c.Storage.DSN},
		{EnvRedisAddr, &c.Redis.Addr},
		{EnvWebhookSecret, &c.Webhook.Secret},
		{EnvAuditLog, &c.AuditLog},
		{EnvOTLPEndpoint, &c.Telemetry.Endpoint},
	}
	for _, s := range strs {
		if v := getenv(s.key); v != "" {
			*s.dst = v
		}
	}

	ints := []struct {
		key string
		dst *int64
	}{
		{EnvMaxCalls, &c.Breaker.MaxCalls},
		{EnvMaxTokens, &c.Breaker.MaxTokens},
	}
	for _, i := range ints {
		if v := getenv(i.key); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return Config{}, fmt.Errorf("%s: %w", i.key, err)
			}
			*i.dst = n
		}
	}

	durs := []struct {
		key string
		dst *time.Duration
	}{
		{EnvMaxDuration, &c.Breaker.MaxDuration},
		{EnvPollInterval, &c.Poll.Interval},
		{EnvPollTimeout, &c.Poll.Timeout},
	}
	for _, d := range durs {
		if v := getenv(d.key); v != "" {
			dur, err := time.ParseDuration(v)
			if err != nil {
				return Config{}, fmt.Errorf("%s: %w", d.key, err)
			}
			*d.dst = dur
		}
	}
	return c, nil
}

// Validate checks struct tags and cross-field constraints.
func (c Config) Validate() error {
	if err := httputil.ValidateStruct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Breaker.MaxCalls < 0 || c.Breaker.MaxTokens < 0 || c.Breaker.MaxDuration < 0 {
		return fmt.Errorf("invalid config: breaker thresholds must not be negative")
	}
	return nil
}

// Dialect maps the storage driver to a SQL dialect. ok is false for the
// non-SQL drivers.
func (s StorageConfig) Dialect() (approval.Dialect, bool) {
	switch s.Driver {
	case "sqlite":
		return approval.DialectSQLite, true
	case "postgres":
		return approval.DialectPostgres, true
	}
	return "", false
}
