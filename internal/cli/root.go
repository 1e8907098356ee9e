package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/approvalgate/internal/config"
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "approvalgate",
	Short: "Approval gate and circuit breaker for agent tool calls",
	Long: "Intercepts governed tool and model calls, asks a decision engine,\n" +
		"suspends calls that need a human decision and resumes them exactly once\n" +
		"after approval. A per-run circuit breaker stops runaway loops.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "Path to config YAML")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "Log format (console|json)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
