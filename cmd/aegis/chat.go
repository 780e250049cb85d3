package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/kelvaris/aegis"
	"github.com/kelvaris/aegis/internal/config"
	"github.com/kelvaris/aegis/provider/resolve"
)

func buildChatCmd(configPath *string, debug *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Talk to the configured model from the terminal",
		Long: `Open a local REPL against the configured LLM. No chat transport,
no session store, no tools: just the model, streamed to stdout. Useful
for checking a model or prompt before pointing the bot at a room.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), *configPath, *debug)
		},
	}
}

func runChat(ctx context.Context, configPath string, debug bool) error {
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(debug)
	slog.SetDefault(logger)

	llm, err := resolve.Provider(resolve.Config{
		Provider: cfg.LLM.Provider,
		APIKey:   cfg.LLM.APIKey,
		Model:    cfg.LLM.Model,
		BaseURL:  cfg.LLM.BaseURL,
		Timeout:  cfg.LLM.Timeout.Std(),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("aegis chat - %s via %s (exit or ctrl-d to quit)\n", cfg.LLM.Model, llm.Name())

	// Bound the REPL's context the same way sessions are bounded in-room.
	maxHistory := cfg.Session.MaxMessages
	if maxHistory <= 0 {
		maxHistory = aegis.DefaultLimits().MaxMessages
	}

	var history []aegis.Message
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}

		msgs := make([]aegis.Message, 0, len(history)+2)
		if cfg.Bot.SystemPrompt != "" {
			msgs = append(msgs, aegis.SystemMessage(cfg.Bot.SystemPrompt))
		}
		msgs = append(msgs, history...)
		msgs = append(msgs, aegis.UserMessage(line))

		temp := cfg.LLM.Temperature
		req := aegis.InvokeRequest{Messages: msgs, Temperature: &temp}

		var resp *aegis.InvokeResponse
		if sp, ok := llm.(aegis.StreamingProvider); ok {
			resp, err = sp.Stream(ctx, req, func(delta string) error {
				_, werr := fmt.Print(delta)
				return werr
			})
			fmt.Println()
		} else {
			resp, err = llm.Invoke(ctx, req)
			if err == nil {
				fmt.Println(resp.Content)
			}
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}

		logger.Debug("turn complete",
			"input_tokens", resp.Metrics.InputTokens,
			"output_tokens", resp.Metrics.OutputTokens,
			"tokens_per_sec", resp.Metrics.TokensPerSec,
		)

		history = append(history, aegis.UserMessage(line), aegis.AssistantMessage(resp.Content))
		if len(history) > maxHistory {
			history = history[len(history)-maxHistory:]
		}
	}
}
