// Package main provides the CLI entry point for MARI4, a Discord chatbot
// backed by OpenAI models.
//
// # Basic Usage
//
// Start the bot:
//
//	mari4 serve --config mari4.yaml
//
// Inspect scheduled tasks:
//
//	mari4 tasks list --user 123456789
//	mari4 tasks cancel 42
//
// Check a configuration file:
//
//	mari4 config validate --config mari4.yaml
//	mari4 config schema > mari4.schema.json
//
// # Environment Variables
//
//   - MARI4_CONFIG: Path to configuration file (default: mari4.yaml)
//
// Variables from a .env file next to the working directory are loaded
// first, so the configuration can reference ${DISCORD_TOKEN} and
// ${OPENAI_API_KEY} without exporting them.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/GitAcrown/MARI4/internal/config"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	envFile    string
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "mari4",
		Short: "MARI4 - conversational Discord bot",
		Long: `MARI4 reads the channels it is invited to, answers when addressed and
runs tasks users schedule for later.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadDotEnv(opts.envFile)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath(),
		"Path to YAML or JSON5 configuration file")
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env",
		"Environment file loaded before the configuration")

	rootCmd.AddCommand(
		buildServeCmd(opts),
		buildTasksCmd(opts),
		buildConfigCmd(opts),
	)
	return rootCmd
}

func defaultConfigPath() string {
	if path := os.Getenv("MARI4_CONFIG"); path != "" {
		return path
	}
	return "mari4.yaml"
}
