package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	v1 "loom/api/v1"
)

// NewSessionCmd creates the session command.
func NewSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage conversation sessions",
		Long:  `List, inspect, rename, and delete conversation sessions.`,
	}

	cmd.AddCommand(newSessionListCmd())
	cmd.AddCommand(newSessionShowCmd())
	cmd.AddCommand(newSessionDeleteCmd())
	cmd.AddCommand(newSessionModelCmd())
	cmd.AddCommand(newSessionRenameCmd())

	return cmd
}

func newSessionListCmd() *cobra.Command {
	var (
		limit      int
		jsonOutput bool
		urlFlag    string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionList(serverURL(urlFlag), limit, jsonOutput)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "maximum number of sessions to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	cmd.Flags().StringVar(&urlFlag, "url", "", "daemon URL (reads from config if not set)")

	return cmd
}

func newSessionShowCmd() *cobra.Command {
	var (
		tail    int
		urlFlag string
	)

	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show session details and recent messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionShow(serverURL(urlFlag), args[0], tail)
		},
	}

	cmd.Flags().IntVar(&tail, "tail", 10, "number of recent messages to show")
	cmd.Flags().StringVar(&urlFlag, "url", "", "daemon URL (reads from config if not set)")

	return cmd
}

func newSessionDeleteCmd() *cobra.Command {
	var urlFlag string

	cmd := &cobra.Command{
		Use:     "delete <session-id>",
		Aliases: []string{"rm"},
		Short:   "Delete a session",
		Long:    `Delete a session, its messages, and its persisted context.`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(serverURL(urlFlag))
			if err := client.del("/api/v1/sessions/" + args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted session %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&urlFlag, "url", "", "daemon URL (reads from config if not set)")

	return cmd
}

func newSessionModelCmd() *cobra.Command {
	var urlFlag string

	cmd := &cobra.Command{
		Use:   "model <session-id> <model>",
		Short: "Switch the session's model",
		Long: `Switch the model a session uses for future turns. The context budget
is re-resolved against the new model on the next turn; if the history no
longer fits, compaction runs before the request goes out.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(serverURL(urlFlag))
			var summary v1.SessionSummary
			req := v1.UpdateSessionRequest{Model: args[1]}
			if err := client.put("/api/v1/sessions/"+args[0], req, &summary); err != nil {
				return err
			}
			fmt.Printf("Session %s now uses %s\n", summary.ID, summary.Model)
			return nil
		},
	}

	cmd.Flags().StringVar(&urlFlag, "url", "", "daemon URL (reads from config if not set)")

	return cmd
}

func newSessionRenameCmd() *cobra.Command {
	var urlFlag string

	cmd := &cobra.Command{
		Use:   "rename <session-id> <title>",
		Short: "Rename a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(serverURL(urlFlag))
			var summary v1.SessionSummary
			req := v1.UpdateSessionRequest{Title: args[1]}
			if err := client.put("/api/v1/sessions/"+args[0], req, &summary); err != nil {
				return err
			}
			fmt.Printf("Session %s renamed to %q\n", summary.ID, summary.Title)
			return nil
		},
	}

	cmd.Flags().StringVar(&urlFlag, "url", "", "daemon URL (reads from config if not set)")

	return cmd
}

func runSessionList(baseURL string, limit int, jsonOutput bool) error {
	client := newAPIClient(baseURL)

	var list v1.SessionsListResponse
	if err := client.get("/api/v1/sessions", &list); err != nil {
		return err
	}

	sessions := list.Sessions
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sessions)
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tMODEL\tMSGS\tUPDATED\tSTATE")
	fmt.Fprintln(w, "--\t-----\t-----\t----\t-------\t-----")

	for _, s := range sessions {
		state := "idle"
		if s.Busy {
			state = "busy"
			if s.QueueDepth > 0 {
				state = fmt.Sprintf("busy+%d", s.QueueDepth)
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			s.ID,
			truncate(s.Title, 32),
			s.Model,
			s.MessageCount,
			s.UpdatedAt.Format("2006-01-02 15:04"),
			state,
		)
	}
	w.Flush()

	fmt.Printf("\nTotal: %d sessions\n", len(sessions))
	return nil
}

func runSessionShow(baseURL, sessionID string, tail int) error {
	client := newAPIClient(baseURL)

	var summary v1.SessionSummary
	if err := client.get("/api/v1/sessions/"+sessionID, &summary); err != nil {
		return err
	}

	fmt.Printf("Session:  %s\n", summary.ID)
	if summary.Title != "" {
		fmt.Printf("Title:    %s\n", summary.Title)
	}
	if summary.Provider != "" {
		fmt.Printf("Provider: %s\n", summary.Provider)
	}
	if summary.Model != "" {
		fmt.Printf("Model:    %s\n", summary.Model)
	}
	fmt.Printf("Created:  %s\n", summary.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Updated:  %s\n", summary.UpdatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Messages: %d\n", summary.MessageCount)

	if tail <= 0 {
		return nil
	}

	var msgs v1.MessagesResponse
	if err := client.get("/api/v1/sessions/"+sessionID+"/messages", &msgs); err != nil {
		return err
	}
	messages := msgs.Messages
	if len(messages) > tail {
		messages = messages[len(messages)-tail:]
	}
	if len(messages) == 0 {
		return nil
	}

	fmt.Println("\nRecent messages:")
	for _, m := range messages {
		text := strings.TrimSpace(m.Text())
		if text == "" {
			text = "(no text)"
		}
		fmt.Printf("  [%s] %s\n", m.Role, truncate(text, 120))
	}
	return nil
}

// truncate shortens s for table display.
func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
