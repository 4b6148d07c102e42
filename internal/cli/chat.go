package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	v1 "loom/api/v1"
)

// NewChatCmd creates the chat command.
func NewChatCmd() *cobra.Command {
	var (
		sessionID string
		provider  string
		model     string
		system    string
		stream    bool
		urlFlag   string
	)

	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Send a message to a session",
		Long: `Send a chat message through a running loom daemon.

The daemon keeps the conversation inside the model's context window, so
sessions can run for as long as you like. Without a --session flag a new
session is created and its id printed for reuse.

If no message is provided, an interactive chat starts.`,
		Example: `  # Send a single message (creates a session)
  loom chat "Hello there"

  # Continue an existing session
  loom chat --session 3f2a... "What did we decide earlier?"

  # Stream the response as it is generated
  loom chat --stream "Tell me a story"

  # Interactive chat
  loom chat`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(serverURL(urlFlag))

			created := sessionID == ""
			if created {
				var err error
				sessionID, err = createSession(client, provider, model)
				if err != nil {
					return err
				}
			}

			if len(args) == 0 {
				return runInteractiveChat(client, sessionID, provider, model, system)
			}

			message := strings.Join(args, " ")
			req := v1.ChatRequest{
				SessionID: sessionID,
				Provider:  provider,
				Model:     model,
				System:    system,
				Message:   message,
			}

			var err error
			if stream {
				err = streamTurn(client, req)
			} else {
				err = syncTurn(client, req)
			}
			if err != nil {
				return err
			}

			if created {
				fmt.Printf("\n(Session ID: %s)\n", sessionID)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "session ID to continue")
	cmd.Flags().StringVar(&provider, "provider", "", "provider override for this turn")
	cmd.Flags().StringVar(&model, "model", "", "model override for this turn")
	cmd.Flags().StringVar(&system, "system", "", "extra system prompt for this turn")
	cmd.Flags().BoolVar(&stream, "stream", false, "stream the response")
	cmd.Flags().StringVar(&urlFlag, "url", "", "daemon URL (reads from config if not set)")

	return cmd
}

// createSession makes a fresh session and returns its id.
func createSession(client *apiClient, provider, model string) (string, error) {
	var summary v1.SessionSummary
	req := v1.CreateSessionRequest{Provider: provider, Model: model}
	if err := client.post("/api/v1/sessions", req, &summary); err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	return summary.ID, nil
}

func syncTurn(client *apiClient, req v1.ChatRequest) error {
	var resp v1.ChatResponse
	if err := client.post("/api/v1/chat", req, &resp); err != nil {
		return err
	}
	if resp.Message == nil {
		return fmt.Errorf("daemon returned no message")
	}

	fmt.Println(resp.Message.Text())

	if resp.Chunks > 1 {
		fmt.Printf("\n(assembled from %d chunks)\n", resp.Chunks)
	}
	return nil
}

func streamTurn(client *apiClient, req v1.ChatRequest) error {
	resp, err := client.stream("/api/v1/chat/stream", req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return renderStream(resp.Body)
}

// renderStream prints an SSE chat stream until the done or error frame.
func renderStream(body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var event v1.ChatStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			continue
		}

		switch event.Type {
		case "content":
			fmt.Print(event.Delta)
		case "thinking":
			// Reasoning deltas go to GUI clients; the terminal skips them.
		case "tool_call":
			if event.Tool == nil {
				continue
			}
			if !event.Tool.Done {
				fmt.Printf("\n[tool: %s]\n", event.Tool.Name)
			} else if event.Tool.Error != "" {
				fmt.Printf("[tool %s failed: %s]\n", event.Tool.Name, event.Tool.Error)
			}
		case "done":
			fmt.Println()
			return nil
		case "error":
			fmt.Println()
			if event.Error != nil {
				return fmt.Errorf("%s (%s)", event.Error.Message, event.Error.Code)
			}
			return fmt.Errorf("generation failed")
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading stream: %w", err)
	}
	return nil
}

func runInteractiveChat(client *apiClient, sessionID, provider, model, system string) error {
	fmt.Println("loom interactive chat")
	fmt.Println("---------------------")
	fmt.Printf("Session: %s\n", sessionID)
	fmt.Println("Type 'exit' or 'quit' to end, 'clear' to start a new session")
	fmt.Println()

	reader := bufio.NewReader(os.Stdin)

	for {
		fmt.Print("You: ")
		input, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				fmt.Println()
				return nil
			}
			return fmt.Errorf("failed to read input: %w", err)
		}

		message := strings.TrimSpace(input)
		switch strings.ToLower(message) {
		case "exit", "quit":
			fmt.Println("Bye.")
			return nil
		case "clear":
			sessionID, err = createSession(client, provider, model)
			if err != nil {
				fmt.Printf("Error: %v\n", err)
				continue
			}
			fmt.Printf("New session: %s\n", sessionID)
			continue
		case "":
			continue
		}

		fmt.Print("Assistant: ")
		req := v1.ChatRequest{
			SessionID: sessionID,
			Provider:  provider,
			Model:     model,
			System:    system,
			Message:   message,
		}
		if err := streamTurn(client, req); err != nil {
			fmt.Printf("\nError: %v\n", err)
		}
		fmt.Println()
	}
}
