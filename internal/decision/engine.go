package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/approvalgate/internal/model"
)

// DefaultApprovalTTL is how long an approval stays open when no rule says
// otherwise.
const DefaultApprovalTTL = 15 * time.Minute

// Rule is one ordered engine rule. When is a CEL expression over
// tool, kind, category, run_id and args.
type Rule struct {
	Name        string        `yaml:"name" json:"name" validate:"required"`
	When        string        `yaml:"when" json:"when" validate:"required"`
	Decision    string        `yaml:"decision" json:"decision" validate:"required,oneof=allow deny require_approval"`
	Reason      string        `yaml:"reason" json:"reason,omitempty"`
	ApprovalTTL time.Duration `yaml:"approval_ttl" json:"approval_ttl,omitempty"`
}

// EngineConfig configures the LocalEngine.
type EngineConfig struct {
	Default     string        `yaml:"default" json:"default"`
	ApprovalTTL time.Duration `yaml:"approval_ttl" json:"approval_ttl"`
	Rules       []Rule        `yaml:"rules" json:"rules" validate:"dive"`
}

// DefaultEngineConfig returns the rule set used by the demo scenarios.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Default:     string(model.Allow),
		ApprovalTTL: DefaultApprovalTTL,
		Rules: []Rule{
			{
				Name:     "refund.threshold",
				When:     `tool == "issue_refund" && has(args.amount) && args.amount > 500`,
				Decision: string(model.RequireApproval),
				Reason:   "refund above $500 requires approval",
			},
			{
				Name:        "transfer.threshold",
				When:        `tool == "wire_transfer" && has(args.amount) && args.amount > 10000`,
				Decision:    string(model.RequireApproval),
				Reason:      "wire transfer above $10,000 requires approval",
				ApprovalTTL: time.Hour,
			},
			{
				Name:     "destructive.delete_file",
				When:     `tool == "delete_file"`,
				Decision: string(model.Deny),
				Reason:   "file deletion is not permitted for agents",
			},
			{
				Name:     "exfiltration.block",
				When:     `category == "data_exfiltration"`,
				Decision: string(model.Deny),
				Reason:   "bulk export of customer data is blocked",
			},
			{
				Name:     "destructive.review",
				When:     `category == "destructive"`,
				Decision: string(model.RequireApproval),
				Reason:   "destructive operation requires approval",
			},
			{
				Name:     "network.review",
				When:     `category == "external_network"`,
				Decision: string(model.RequireApproval),
				Reason:   "outbound network access requires approval",
			},
		},
	}
}

// LoadEngineConfig reads engine rules from YAML. Missing file returns
// defaults; a file replaces the default rule list entirely.
func LoadEngineConfig(path string) (EngineConfig, error) {
	if path == "" {
		return DefaultEngineConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultEngineConfig(), nil
		}
		return EngineConfig{}, fmt.Errorf("failed to read engine rules: %w", err)
	}
	cfg := DefaultEngineConfig()
	cfg.Rules = nil
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return EngineConfig{}, fmt.Errorf("failed to parse engine rules: %w", err)
	}
	return cfg, nil
}

type compiledRule struct {
	Rule
	decision model.Decision
	prg      cel.Program
}

// LocalEngine is an in-process decision engine. Rules are evaluated in
// order and the first match decides. RequireApproval registers an approval
// with the ApprovalService.
type LocalEngine struct {
	mu        sync.RWMutex
	env       *cel.Env
	rules     []compiledRule
	def       model.Decision
	ttl       time.Duration
	approvals *ApprovalService
	logger    *zap.Logger
}

// NewLocalEngine compiles cfg. svc is required when any outcome can be
// RequireApproval.
func NewLocalEngine(cfg EngineConfig, svc *ApprovalService, logger *zap.Logger) (*LocalEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("tool", cel.StringType),
		cel.Variable("kind", cel.StringType),
		cel.Variable("category", cel.StringType),
		cel.Variable("run_id", cel.StringType),
		cel.Variable("args", cel.MapType(cel.StringType, cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &LocalEngine{env: env, approvals: svc, logger: logger}
	if err := e.Reload(cfg); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload swaps in a new rule set. On error the old rules stay active.
func (e *LocalEngine) Reload(cfg EngineConfig) error {
	def := model.Allow
	if cfg.Default != "" {
		def = model.ParseDecision(cfg.Default)
	}
	ttl := cfg.ApprovalTTL
	if ttl <= 0 {
		ttl = DefaultApprovalTTL
	}

	rules := make([]compiledRule, 0, len(cfg.Rules))
	needsApprovals := def == model.RequireApproval
	for _, r := range cfg.Rules {
		ast, iss := e.env.Compile(r.When)
		if iss != nil && iss.Err() != nil {
			return fmt.Errorf("rule %s: compile: %w", r.Name, iss.Err())
		}
		prg, err := e.env.Program(ast, cel.CostLimit(10000))
		if err != nil {
			return fmt.Errorf("rule %s: program: %w", r.Name, err)
		}
		d := model.ParseDecision(r.Decision)
		if d == model.RequireApproval {
			needsApprovals = true
		}
		rules = append(rules, compiledRule{Rule: r, decision: d, prg: prg})
	}
	if needsApprovals && e.approvals == nil {
		return fmt.Errorf("rules require approvals but no approval service is configured")
	}

	e.mu.Lock()
	e.rules = rules
	e.def = def
	e.ttl = ttl
	e.mu.Unlock()
	return nil
}

// Evaluate returns the first matching rule's verdict. A rule that fails to
// evaluate is an error, so a FailClosed wrapper can apply its fallback.
// RequireApproval registers an approval with the engine's service.
func (e *LocalEngine) Evaluate(ctx context.Context, d model.CallDescriptor, tag model.RiskTag) (model.Verdict, error) {
	m, err := e.match(ctx, d, tag)
	if err != nil {
		return model.Verdict{}, err
	}
	return e.verdict(d, m.decision, m.reason, m.policyID, m.ttl)
}

// Match returns the verdict Evaluate would return without registering an
// approval. RequireApproval verdicts carry the reason and policy id only.
func (e *LocalEngine) Match(ctx context.Context, d model.CallDescriptor, tag model.RiskTag) (model.Verdict, error) {
	m, err := e.match(ctx, d, tag)
	if err != nil {
		return model.Verdict{}, err
	}
	v := model.Verdict{Decision: m.decision, PolicyID: m.policyID}
	if m.decision != model.Allow {
		v.Reason = m.reason
	}
	return v, nil
}

type ruleMatch struct {
	decision model.Decision
	reason   string
	policyID string
	ttl      time.Duration
}

func (e *LocalEngine) match(ctx context.Context, d model.CallDescriptor, tag model.RiskTag) (ruleMatch, error) {
	if err := ctx.Err(); err != nil {
		return ruleMatch{}, err
	}
	args, err := celArgs(d.Args)
	if err != nil {
		return ruleMatch{}, err
	}
	input := map[string]any{
		"tool":     d.Name,
		"kind":     string(d.Kind),
		"category": string(tag.Category),
		"run_id":   d.RunID,
		"args":     args,
	}

	e.mu.RLock()
	rules, def, ttl := e.rules, e.def, e.ttl
	e.mu.RUnlock()

	for _, r := range rules {
		out, _, err := r.prg.Eval(input)
		if err != nil {
			return ruleMatch{}, fmt.Errorf("rule %s: %w", r.Name, err)
		}
		matched, ok := out.Value().(bool)
		if !ok {
			return ruleMatch{}, fmt.Errorf("rule %s: expression is not boolean", r.Name)
		}
		if !matched {
			continue
		}
		ruleTTL := r.ApprovalTTL
		if ruleTTL <= 0 {
			ruleTTL = ttl
		}
		return ruleMatch{decision: r.decision, reason: r.Reason, policyID: r.Name, ttl: ruleTTL}, nil
	}
	return ruleMatch{decision: def, reason: "no rule matched", policyID: "default", ttl: ttl}, nil
}

func (e *LocalEngine) verdict(d model.CallDescriptor, dec model.Decision, reason, policyID string, ttl time.Duration) (model.Verdict, error) {
	switch dec {
	case model.Allow:
		v := model.AllowVerdict()
		v.PolicyID = policyID
		return v, nil
	case model.RequireApproval:
		a, err := e.approvals.Create(d, reason, policyID, ttl)
		if err != nil {
			return model.Verdict{}, fmt.Errorf("failed to register approval: %w", err)
		}
		v := model.ApprovalVerdict(reason, a.ID, a.Endpoint, a.ExpiresAt)
		v.PolicyID = policyID
		return v, nil
	default:
		v := model.DenyVerdict(reason)
		v.PolicyID = policyID
		return v, nil
	}
}

// celArgs converts arguments to CEL-friendly values. Numbers become
// float64 so comparisons work regardless of how the caller typed them.
func celArgs(a model.Arguments) (map[string]any, error) {
	out := make(map[string]any, len(a))
	for _, arg := range a {
		v, err := celValue(arg.Value)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", arg.Key, err)
		}
		out[arg.Key] = v
	}
	return out, nil
}

func celValue(v any) (any, error) {
	switch x := v.(type) {
	case nil, string, bool, float64:
		return x, nil
	case int:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case float32:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	default:
		// Round-trip anything else through JSON.
		data, err := json.Marshal(x)
		if err != nil {
			return nil, err
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return nil, err
		}
		return generic, nil
	}
}
