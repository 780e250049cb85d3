// Package resolve creates providers from provider-agnostic configuration,
// so the host binary can switch backends without touching wiring code.
package resolve

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kelvaris/aegis"
	"github.com/kelvaris/aegis/provider/ollama"
	"github.com/kelvaris/aegis/provider/openaicompat"
)

// Config holds provider-agnostic configuration for creating a chat Provider.
type Config struct {
	Provider string // "ollama" or "openai-compat"
	APIKey   string
	Model    string
	BaseURL  string // required for openai-compat; defaults to localhost for ollama

	// Common cross-provider options (zero = use provider default).
	Timeout   time.Duration
	MaxTokens int
	Logger    *slog.Logger
}

// EmbeddingConfig holds provider-agnostic configuration for creating an
// EmbeddingProvider.
type EmbeddingConfig struct {
	Provider string // "ollama"
	Model    string
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Provider creates an aegis.Provider from a provider-agnostic Config.
// Unknown provider names are an error.
func Provider(cfg Config) (aegis.Provider, error) {
	switch cfg.Provider {
	case "ollama":
		return ollamaProvider(cfg), nil
	case "openai-compat":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("resolve: openai-compat requires a base URL")
		}
		return openaiCompatProvider(cfg), nil
	default:
		return nil, fmt.Errorf("resolve: unknown provider %q", cfg.Provider)
	}
}

// EmbeddingProvider creates an aegis.EmbeddingProvider from a
// provider-agnostic EmbeddingConfig.
func EmbeddingProvider(cfg EmbeddingConfig) (aegis.EmbeddingProvider, error) {
	switch cfg.Provider {
	case "ollama":
		var opts []ollama.Option
		if cfg.Timeout > 0 {
			opts = append(opts, ollama.WithTimeout(cfg.Timeout))
		}
		if cfg.Logger != nil {
			opts = append(opts, ollama.WithLogger(cfg.Logger))
		}
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		return ollama.New(baseURL, cfg.Model, opts...), nil
	default:
		return nil, fmt.Errorf("resolve: embedding provider %q not supported", cfg.Provider)
	}
}

func ollamaProvider(cfg Config) aegis.Provider {
	var opts []ollama.Option
	if cfg.Timeout > 0 {
		opts = append(opts, ollama.WithTimeout(cfg.Timeout))
	}
	if cfg.Logger != nil {
		opts = append(opts, ollama.WithLogger(cfg.Logger))
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return ollama.New(baseURL, cfg.Model, opts...)
}

func openaiCompatProvider(cfg Config) aegis.Provider {
	var provOpts []openaicompat.ProviderOption
	if cfg.Timeout > 0 {
		provOpts = append(provOpts, openaicompat.WithTimeout(cfg.Timeout))
	}
	if cfg.Logger != nil {
		provOpts = append(provOpts, openaicompat.WithLogger(cfg.Logger))
	}
	if cfg.MaxTokens > 0 {
		provOpts = append(provOpts, openaicompat.WithOptions(openaicompat.WithMaxTokens(cfg.MaxTokens)))
	}
	return openaicompat.NewProvider(cfg.APIKey, cfg.Model, cfg.BaseURL, provOpts...)
}
