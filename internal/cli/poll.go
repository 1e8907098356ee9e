package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/approvalgate/internal/approval"
)

var pollTimeout time.Duration

func init() {
	rootCmd.AddCommand(pollCmd)
	pollCmd.Flags().DurationVar(&pollTimeout, "timeout", 0, "Maximum wait (default: poll.timeout from config)")
}

var pollCmd = &cobra.Command{
	Use:   "poll <ticket-id>",
	Short: "Wait for a ticket's decision",
	Long:  "Polls the ticket's decision endpoint until it is approved, denied or\nexpired, or the timeout elapses. The local ticket is updated.",
	Args:  cobra.ExactArgs(1),
	RunE:  runPoll,
}

func runPoll(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, cleanup, err := bootstrap(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	t, err := st.Store.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	timeout := pollTimeout
	if timeout <= 0 {
		timeout = cfg.Poll.Timeout
	}

	res, err := st.Poller.Poll(cmd.Context(), t, timeout)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if !res.Resolved {
		fmt.Fprintf(out, "%s still pending after %s (%d polls)\n", t.ID, timeout, res.Polls)
		return nil
	}
	fmt.Fprintf(out, "%s %s", res.Ticket.ID, res.Ticket.Status)
	if r := res.Resolution(); r != nil && r.Actor != "" {
		fmt.Fprintf(out, " by %s", r.Actor)
		if r.Reason != "" {
			fmt.Fprintf(out, ": %s", r.Reason)
		}
	}
	fmt.Fprintln(out)
	if res.Ticket.Status != approval.StatusApproved {
		return fmt.Errorf("ticket %s was %s", res.Ticket.ID, res.Ticket.Status)
	}
	return nil
}
