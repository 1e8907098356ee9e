package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/approvalgate/internal/decision"
)

var (
	decideDeny     bool
	decideActor    string
	decideReason   string
	decideEndpoint string
)

func init() {
	rootCmd.AddCommand(decideCmd)
	decideCmd.Flags().BoolVar(&decideDeny, "deny", false, "Deny instead of approve")
	decideCmd.Flags().StringVar(&decideActor, "actor", "", "Who is deciding (required)")
	decideCmd.Flags().StringVar(&decideReason, "reason", "", "Reason recorded with the decision")
	decideCmd.Flags().StringVar(&decideEndpoint, "endpoint", "", "Engine base URL (default: server.base_url or http://server.http_addr)")
	decideCmd.MarkFlagRequired("actor")
}

var decideCmd = &cobra.Command{
	Use:   "decide <approval-id>",
	Short: "Approve or deny a pending approval on a running server",
	Long:  "Records an approver's decision with the engine started by `approvalgate serve`.\nA decision is final; deciding twice is a conflict.",
	Args:  cobra.ExactArgs(1),
	RunE:  runDecide,
}

func runDecide(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	base := decideEndpoint
	if base == "" {
		base = cfg.Server.BaseURL
	}
	if base == "" {
		base = "http://" + cfg.Server.HTTPAddr
	}

	req := decision.DecideRequest{Status: "approved", Actor: decideActor, Reason: decideReason}
	if decideDeny {
		req.Status = "denied"
	}
	rs, err := decision.NewHTTPClient(base, cfg.Decision.APIKey, nil).Decide(cmd.Context(), args[0], req)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s by %s\n", args[0], rs.Status, decideActor)
	return nil
}
