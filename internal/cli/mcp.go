package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	gatemcp "github.com/ppiankov/approvalgate/internal/mcp"
)

func init() {
	rootCmd.AddCommand(mcpCmd)
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP tool server for agent integration",
	Long: "Runs the gate as an MCP (Model Context Protocol) server over stdio.\n" +
		"Exposes gate_check, gate_request, gate_ticket, gate_wait and gate_breaker.",
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, cleanup, err := bootstrap(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	fmt.Fprintln(os.Stderr, "approvalgate MCP server running on stdio")
	fmt.Fprintf(os.Stderr, "Decision transport: %s\n\n", cfg.Decision.Transport)
	return gatemcp.New(st, version).Run(ctx)
}
