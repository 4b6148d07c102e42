package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	v1 "loom/api/v1"
)

// NewCompactCmd creates the compact command.
func NewCompactCmd() *cobra.Command {
	var urlFlag string

	cmd := &cobra.Command{
		Use:   "compact <session-id>",
		Short: "Compact a session's context now",
		Long: `Run a compaction pass on a session without waiting for the background
sweep. The daemon picks the compression level from current utilization;
sessions below the light threshold come back unchanged.

Manual passes share the periodic cooldown, so back-to-back invocations
are refused until it expires.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(serverURL(urlFlag))

			var res v1.CompactResponse
			if err := client.post("/api/v1/sessions/"+args[0]+"/compact", struct{}{}, &res); err != nil {
				return err
			}

			if res.Level == "" || res.Level == "none" {
				fmt.Println("Nothing to compact; utilization is below the light threshold.")
				return nil
			}

			fmt.Printf("Compacted session %s\n", res.SessionID)
			fmt.Printf("  Level:      %s\n", res.Level)
			fmt.Printf("  Compressed: %d messages\n", res.Compressed)
			fmt.Printf("  Facts:      %d extracted\n", res.FactsAdded)
			fmt.Printf("  Tokens:     %d -> %d\n", res.TokensBefore, res.TokensAfter)
			fmt.Printf("  Took:       %dms\n", res.DurationMs)
			if res.Utilization > 0 {
				fmt.Printf("  Window:     %.0f%% full\n", res.Utilization*100)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&urlFlag, "url", "", "daemon URL (reads from config if not set)")

	return cmd
}
