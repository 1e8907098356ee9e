package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ppiankov/approvalgate/internal/approval"
)

var (
	ticketsRun    string
	ticketsFormat string
)

func init() {
	rootCmd.AddCommand(ticketsCmd)
	ticketsCmd.Flags().StringVar(&ticketsRun, "run", "", "Only show tickets of this run")
	ticketsCmd.Flags().StringVarP(&ticketsFormat, "format", "f", "text", "Output format (text|json)")
}

var ticketsCmd = &cobra.Command{
	Use:   "tickets",
	Short: "List approval tickets in the configured store",
	Long:  "Shows tickets with their status, call and expiry. Use a file, sqlite or\npostgres storage driver; the memory driver holds nothing between commands.",
	RunE:  runTickets,
}

func runTickets(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, cleanup, err := bootstrap(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	list, err := st.Store.List(cmd.Context(), ticketsRun)
	if err != nil {
		return fmt.Errorf("failed to list tickets: %w", err)
	}

	out := cmd.OutOrStdout()
	if ticketsFormat == "json" {
		if list == nil {
			list = []approval.Ticket{}
		}
		data, err := json.MarshalIndent(list, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
		return nil
	}
	writeTickets(out, list)
	return nil
}

func writeTickets(out io.Writer, list []approval.Ticket) {
	if len(list) == 0 {
		fmt.Fprintln(out, "No tickets.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tRUN\tCALL\tSTATUS\tLOCAL\tEXPIRES")
	for _, t := range list {
		expires := "-"
		if !t.ExpiresAt.IsZero() {
			expires = t.ExpiresAt.Local().Format("15:04:05")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.RunID(), truncate(t.Call.Name, 32), t.Status, localState(t), expires)
	}
	tw.Flush()
}

func localState(t approval.Ticket) string {
	switch {
	case t.Consumed:
		return "consumed"
	case t.Granted:
		return "granted"
	default:
		return "-"
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
