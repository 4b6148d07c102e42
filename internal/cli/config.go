package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"loom/internal/config"
)

// Keys whose values are masked in list output.
var sensitiveKeys = map[string]bool{
	"provider.anthropic.api_key": true,
	"provider.openai.api_key":    true,
}

// NewConfigCmd creates the config command group.
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long:  `Initialize, inspect, and edit the loom configuration file.`,
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigGetCmd())
	cmd.AddCommand(newConfigSetCmd())
	cmd.AddCommand(newConfigSetKeyCmd())
	cmd.AddCommand(newConfigListCmd())
	cmd.AddCommand(newConfigPathCmd())

	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, err := config.DefaultConfigPath()
			if err != nil {
				return err
			}
			if _, err := os.Stat(configPath); err == nil && !force {
				return fmt.Errorf("configuration already exists at %s (use --force to overwrite)", configPath)
			}

			if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}

			cfg := config.GetConfig()
			if cfg == nil {
				return fmt.Errorf("configuration not loaded")
			}
			if err := config.SaveTo(cfg, configPath); err != nil {
				return fmt.Errorf("write config: %w", err)
			}

			fmt.Printf("Wrote %s\n", configPath)
			fmt.Println("\nNext steps:")
			fmt.Println("  1. Store an API key:   loom config set-key anthropic")
			fmt.Println("  2. Start the daemon:   loom serve")
			fmt.Println("  3. Say hello:          loom chat \"hi\"")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite existing configuration")

	return cmd
}

func newConfigGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Get a configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value := config.Get(args[0])
			if value == nil {
				return fmt.Errorf("key not found: %s", args[0])
			}
			fmt.Println(value)
			return nil
		},
	}
}

func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Long: `Set a configuration value and persist it to the config file.

For API keys prefer 'loom config set-key', which prompts without echoing
and keeps the secret out of shell history.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := args[0], args[1]
			if err := config.Set(key, value); err != nil {
				return fmt.Errorf("set config: %w", err)
			}
			shown := value
			if sensitiveKeys[key] {
				shown = maskValue(value)
			}
			fmt.Printf("Set %s = %s\n", key, shown)
			return nil
		},
	}
}

func newConfigSetKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-key <provider>",
		Short: "Store a provider API key",
		Long: `Prompt for a provider API key and store it in the config file.

The key is read without echoing. The config file is written with mode
0600.`,
		Example: `  loom config set-key anthropic
  loom config set-key openai`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"anthropic", "openai"},
		RunE: func(cmd *cobra.Command, args []string) error {
			provider := args[0]
			key := fmt.Sprintf("provider.%s.api_key", provider)
			if !sensitiveKeys[key] {
				return fmt.Errorf("unknown provider %q (expected anthropic or openai)", provider)
			}

			fmt.Printf("Enter %s API key: ", provider)
			secret, err := term.ReadPassword(int(syscall.Stdin))
			fmt.Println()
			if err != nil {
				return fmt.Errorf("read key: %w", err)
			}
			value := strings.TrimSpace(string(secret))
			if value == "" {
				return fmt.Errorf("no key entered")
			}

			if err := config.Set(key, value); err != nil {
				return fmt.Errorf("store key: %w", err)
			}

			fmt.Printf("Stored %s key (%s)\n", provider, maskValue(value))
			fmt.Println("Restart the daemon to pick it up: loom serve")
			return nil
		},
	}
}

func newConfigListCmd() *cobra.Command {
	var showAll bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all configuration values",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys := flattenSettings("", viper.AllSettings())
			sort.Strings(keys)

			for _, key := range keys {
				value := viper.Get(key)
				if sensitiveKeys[key] && !showAll {
					if s, ok := value.(string); ok && s != "" {
						value = maskValue(s)
					}
				}
				fmt.Printf("%s = %v\n", key, value)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showAll, "all", false, "show sensitive values")

	return cmd
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show the configuration file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path := config.Path(); path != "" {
				fmt.Println(path)
				return nil
			}
			path, err := config.DefaultConfigPath()
			if err != nil {
				return err
			}
			fmt.Println(path)
			return nil
		},
	}
}

// flattenSettings collects dotted keys from nested settings maps.
func flattenSettings(prefix string, settings map[string]any) []string {
	var keys []string
	for k, v := range settings {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			keys = append(keys, flattenSettings(key, nested)...)
		} else {
			keys = append(keys, key)
		}
	}
	return keys
}

// maskValue hides the middle of a secret, keeping just enough to recognize
// it.
func maskValue(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}
