package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	v1 "loom/api/v1"
)

// NewContextCmd creates the context command.
func NewContextCmd() *cobra.Command {
	var (
		showFacts  bool
		showBlock  bool
		jsonOutput bool
		urlFlag    string
	)

	cmd := &cobra.Command{
		Use:   "context <session-id>",
		Short: "Inspect a session's context window",
		Long: `Show how a session's history is spread across the context tiers and
what the next reconstructed window looks like.`,
		Example: `  # Tier occupancy and window shape
  loom context 3f2a...

  # Include extracted facts
  loom context 3f2a... --facts

  # Dump the assembled context block
  loom context 3f2a... --block`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runContext(serverURL(urlFlag), args[0], showFacts, showBlock, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&showFacts, "facts", false, "list extracted facts")
	cmd.Flags().BoolVar(&showBlock, "block", false, "print the assembled context block")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	cmd.Flags().StringVar(&urlFlag, "url", "", "daemon URL (reads from config if not set)")

	return cmd
}

func runContext(baseURL, sessionID string, showFacts, showBlock, jsonOutput bool) error {
	client := newAPIClient(baseURL)

	path := "/api/v1/sessions/" + sessionID + "/context"
	if showBlock {
		path += "?block=true"
	}

	var ctx v1.ContextResponse
	if err := client.get(path, &ctx); err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(ctx)
	}

	fmt.Printf("Session:     %s\n", ctx.SessionID)
	fmt.Printf("Occupancy:   %d / %d tokens (%.0f%%)\n", ctx.Occupancy, ctx.Budget, ctx.Utilization*100)

	fmt.Println("\nTiers:")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  TIER\tITEMS\tTOKENS\tBUDGET")
	for _, t := range ctx.Tiers {
		fmt.Fprintf(w, "  %s\t%d\t%d\t%d\n", t.Name, t.Items, t.Tokens, t.Budget)
	}
	w.Flush()

	m := ctx.Metrics
	if m.Passes > 0 {
		fmt.Println("\nCompression:")
		fmt.Printf("  Passes:  %d (last %s)\n", m.Passes, m.LastCompression.Format("2006-01-02 15:04:05"))
		fmt.Printf("  Tokens:  %d -> %d (ratio %.2f)\n", m.OriginalTokens, m.CompressedTokens, m.Ratio)
		fmt.Printf("  Facts:   %d extracted\n", m.FactsExtracted)
	}

	win := ctx.Window
	fmt.Println("\nNext window:")
	fmt.Printf("  Tokens:   %d", win.TotalTokens)
	if win.Truncated {
		fmt.Print(" (truncated)")
	}
	fmt.Println()
	fmt.Printf("  Messages: %d verbatim, %d pinned, %d compressed, %d facts\n",
		win.Messages, win.Pinned, win.Compressed, win.Facts)

	if showFacts {
		var facts v1.FactsResponse
		if err := client.get("/api/v1/sessions/"+sessionID+"/facts", &facts); err != nil {
			return err
		}
		fmt.Println("\nFacts:")
		if len(facts.Facts) == 0 {
			fmt.Println("  (none)")
		}
		for _, f := range facts.Facts {
			fmt.Printf("  [%s/%s] %s\n", f.Type, f.Importance, truncate(f.Content, 100))
		}
	}

	if showBlock && win.ContextBlock != "" {
		fmt.Println("\nContext block:")
		fmt.Println(win.ContextBlock)
	}

	return nil
}
