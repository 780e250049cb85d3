// Package main is the aegis host binary.
//
// Aegis is a security-operations chat assistant: it joins a Webex space,
// answers analyst questions through an LLM tool loop, and runs guided
// playbooks for IOC investigation and incident response.
//
// Start the bot:
//
//	aegis serve --config aegis.toml
//
// Talk to the model locally without a chat transport:
//
//	aegis chat
//
// Secrets come from the environment (a local .env file is honoured):
//
//   - AEGIS_TRANSPORT_TOKEN: Webex bot token
//   - AEGIS_WEBHOOK_SECRET: webhook HMAC secret
//   - AEGIS_LLM_API_KEY: LLM API key (openai-compat only)
//   - AEGIS_SESSION_DSN: Postgres DSN when [session].backend = "postgres"
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "aegis.toml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd assembles the command tree. Running the bare binary serves,
// so a unit file needs no arguments.
func buildRootCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	rootCmd := &cobra.Command{
		Use:   "aegis",
		Short: "Aegis - security operations chat assistant",
		Long: `Aegis connects a Webex space to a local LLM with security tooling.

Analysts ask questions or run commands (help, status, sessions, clear,
tipper, investigate, incident) and the bot answers with tool-assisted
LLM output, keeping per-user conversation context.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"Path to TOML configuration file")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging")

	rootCmd.AddCommand(
		buildServeCmd(&configPath, &debug),
		buildChatCmd(&configPath, &debug),
	)

	return rootCmd
}
