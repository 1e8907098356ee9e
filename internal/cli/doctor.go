package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/approvalgate/internal/audit"
	"github.com/ppiankov/approvalgate/internal/classify"
	"github.com/ppiankov/approvalgate/internal/config"
	"github.com/ppiankov/approvalgate/internal/decision"
	"github.com/ppiankov/approvalgate/internal/model"
)

func init() {
	rootCmd.AddCommand(doctorCmd)
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration, storage and decision engine reachability",
	RunE:  runDoctor,
}

type checkResult struct {
	label  string
	ok     bool
	detail string
	fix    string
}

func runDoctor(cmd *cobra.Command, args []string) error {
	checks := diagnose(cmd.Context(), configPath)

	out := cmd.OutOrStdout()
	hasFailures := false
	for _, c := range checks {
		mark := "\u2713" // ✓
		if !c.ok {
			mark = "\u2717" // ✗
			hasFailures = true
		}
		line := fmt.Sprintf("%s %-18s %s", mark, c.label+":", c.detail)
		if !c.ok && c.fix != "" {
			line += fmt.Sprintf("  ->  %s", c.fix)
		}
		fmt.Fprintln(out, line)
	}

	fmt.Fprintln(out)
	if hasFailures {
		fmt.Fprintln(out, "Some checks failed. Run the suggested commands to fix.")
		return fmt.Errorf("doctor found issues")
	}
	fmt.Fprintln(out, "All checks passed.")
	return nil
}

func diagnose(ctx context.Context, path string) []checkResult {
	var checks []checkResult

	if _, err := os.Stat(path); err == nil {
		checks = append(checks, checkResult{label: "config file", ok: true, detail: path})
	} else {
		checks = append(checks, checkResult{label: "config file", ok: true, detail: "not found, using defaults"})
	}

	cfg, err := config.Load(path)
	if err != nil {
		return append(checks, checkResult{label: "config", ok: false, detail: err.Error(), fix: "approvalgate init --force"})
	}
	checks = append(checks, checkResult{
		label:  "config",
		ok:     true,
		detail: fmt.Sprintf("transport %s, storage %s, %d rules", cfg.Decision.Transport, cfg.Storage.Driver, len(cfg.Engine.Rules)),
	})

	st, cleanup, err := bootstrap(ctx, cfg)
	if err != nil {
		return append(checks, checkResult{label: "runtime", ok: false, detail: err.Error()})
	}
	defer cleanup()
	checks = append(checks, checkResult{label: "storage", ok: true, detail: cfg.Storage.Driver})

	checks = append(checks, probeEngine(ctx, cfg))

	if cfg.AuditLog != "" {
		if _, err := os.Stat(cfg.AuditLog); err == nil {
			if r := audit.Verify(cfg.AuditLog); r.Valid {
				checks = append(checks, checkResult{label: "audit log", ok: true, detail: fmt.Sprintf("%d entries verified", r.Lines)})
			} else {
				checks = append(checks, checkResult{label: "audit log", ok: false, detail: fmt.Sprintf("chain broken at line %d", r.ErrorLine)})
			}
		}
	}

	t := st.Breaker.Thresholds()
	checks = append(checks, checkResult{
		label:  "circuit breaker",
		ok:     t.HasLimits(),
		detail: fmt.Sprintf("calls %d, tokens %d, duration %s", t.MaxCalls, t.MaxTokens, t.MaxDuration),
		fix:    "set breaker limits in the config",
	})
	return checks
}

// probeEngine previews an unclassified call on the raw transport so that
// an unreachable engine is reported instead of failing closed.
func probeEngine(ctx context.Context, cfg config.Config) checkResult {
	var (
		ev  decision.Matcher
		err error
	)
	switch cfg.Decision.Transport {
	case "http":
		ev = decision.NewHTTPClient(cfg.Decision.Endpoint, cfg.Decision.APIKey, nil)
	case "grpc":
		var c *decision.GRPCClient
		if c, err = decision.NewGRPCClient(cfg.Decision.Endpoint); err == nil {
			defer c.Close()
			ev = c
		}
	default:
		ev, err = decision.NewLocalEngine(cfg.Engine, decision.NewApprovalService(""), nil)
	}
	if err != nil {
		return checkResult{label: "decision engine", ok: false, detail: err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	probe := model.NewToolCall("doctor", 0, "approvalgate_probe", nil)
	v, err := ev.Match(ctx, probe, classify.New(cfg.Classifier).Classify(probe))
	if err != nil {
		return checkResult{label: "decision engine", ok: false, detail: err.Error(), fix: "approvalgate serve"}
	}
	return checkResult{label: "decision engine", ok: true, detail: fmt.Sprintf("%s answered %s", cfg.Decision.Transport, v.Decision)}
}
