package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	v1 "loom/api/v1"
)

// NewStatusCmd creates the status command.
func NewStatusCmd() *cobra.Command {
	var (
		jsonOutput bool
		urlFlag    string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Long:  `Show daemon health, configured providers, and active sessions.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(serverURL(urlFlag))

			var st v1.StatusResponse
			if err := client.get("/api/v1/status", &st); err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}

			fmt.Printf("Status:    %s\n", st.Status)
			fmt.Printf("Version:   %s\n", st.Version)
			fmt.Printf("Uptime:    %s\n", (time.Duration(st.Uptime) * time.Second).String())
			fmt.Printf("Providers: %s\n", strings.Join(st.Providers, ", "))
			fmt.Printf("Clients:   %d connected\n", st.Clients)
			fmt.Printf("Bus:       %d subscribers, %d dropped\n", st.Bus.Subscribers, st.Bus.Dropped)

			if len(st.Sessions) == 0 {
				fmt.Println("\nNo active sessions.")
				return nil
			}

			fmt.Println("\nActive sessions:")
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "  SESSION\tSTATE\tQUEUE\tTOKENS\tWINDOW")
			for _, s := range st.Sessions {
				state := "idle"
				if s.Busy {
					state = "busy"
				}
				fmt.Fprintf(w, "  %s\t%s\t%d\t%d\t%.0f%%\n",
					s.SessionID, state, s.QueueDepth, s.Occupancy, s.Utilization*100)
			}
			w.Flush()
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	cmd.Flags().StringVar(&urlFlag, "url", "", "daemon URL (reads from config if not set)")

	return cmd
}
