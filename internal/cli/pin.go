package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	v1 "loom/api/v1"
	"loom/internal/tier"
)

// NewPinCmd creates the pin command.
func NewPinCmd() *cobra.Command {
	var (
		reason  string
		urlFlag string
	)

	cmd := &cobra.Command{
		Use:   "pin <session-id> <message-id>",
		Short: "Pin a message so it always stays verbatim",
		Long: `Pin a message. Pinned messages are never compressed or dropped; every
reconstructed window includes them verbatim until they are unpinned.`,
		Example: `  # Pin a message
  loom pin 3f2a... msg-9c41... --reason "api contract"

  # List pins
  loom pin list 3f2a...

  # Unpin
  loom pin rm 3f2a... msg-9c41...`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(serverURL(urlFlag))

			var pin tier.Pin
			req := v1.PinRequest{MessageID: args[1], Reason: reason}
			if err := client.post("/api/v1/sessions/"+args[0]+"/pins", req, &pin); err != nil {
				return err
			}
			fmt.Printf("Pinned %s\n", pin.MessageID)
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "why this message matters")
	cmd.Flags().StringVar(&urlFlag, "url", "", "daemon URL (reads from config if not set)")

	cmd.AddCommand(newPinListCmd())
	cmd.AddCommand(newPinRemoveCmd())

	return cmd
}

func newPinListCmd() *cobra.Command {
	var urlFlag string

	cmd := &cobra.Command{
		Use:   "list <session-id>",
		Short: "List a session's pins",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(serverURL(urlFlag))

			var resp v1.PinsResponse
			if err := client.get("/api/v1/sessions/"+args[0]+"/pins", &resp); err != nil {
				return err
			}

			if len(resp.Pins) == 0 {
				fmt.Println("No pins.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MESSAGE\tREASON\tBY\tPINNED")
			for _, p := range resp.Pins {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					p.MessageID,
					truncate(p.Reason, 40),
					p.PinnedBy,
					p.PinnedAt.Format("2006-01-02 15:04"),
				)
			}
			w.Flush()
			return nil
		},
	}

	cmd.Flags().StringVar(&urlFlag, "url", "", "daemon URL (reads from config if not set)")

	return cmd
}

func newPinRemoveCmd() *cobra.Command {
	var urlFlag string

	cmd := &cobra.Command{
		Use:     "rm <session-id> <message-id>",
		Aliases: []string{"remove"},
		Short:   "Unpin a message",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(serverURL(urlFlag))
			if err := client.del("/api/v1/sessions/" + args[0] + "/pins/" + args[1]); err != nil {
				return err
			}
			fmt.Printf("Unpinned %s\n", args[1])
			return nil
		},
	}

	cmd.Flags().StringVar(&urlFlag, "url", "", "daemon URL (reads from config if not set)")

	return cmd
}
