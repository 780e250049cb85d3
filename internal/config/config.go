// Package config loads the aegis TOML configuration with layered
// precedence: built-in defaults, then the config file, then AEGIS_*
// environment variables for secrets.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration unmarshals TOML strings like "90s" or "24h".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Bot         BotConfig         `toml:"bot"`
	Transport   TransportConfig   `toml:"transport"`
	LLM         LLMConfig         `toml:"llm"`
	Session     SessionConfig     `toml:"session"`
	Recovery    RecoveryConfig    `toml:"recovery"`
	Retriever   RetrieverConfig   `toml:"retriever"`
	Observer    ObserverConfig    `toml:"observer"`
	Stats       StatsConfig       `toml:"stats"`
	Maintenance MaintenanceConfig `toml:"maintenance"`
}

type BotConfig struct {
	Name         string   `toml:"name"`
	Aliases      []string `toml:"aliases"`
	SystemPrompt string   `toml:"system_prompt"`
	HelpHeading  string   `toml:"help_heading"`
	TicketURL    string   `toml:"ticket_url"`
}

type TransportConfig struct {
	Token           string   `toml:"token"`
	WebhookSecret   string   `toml:"webhook_secret"`
	WebhookAddr     string   `toml:"webhook_addr"`
	ApprovedDomains []string `toml:"approved_domains"`
	ApprovedRooms   []string `toml:"approved_rooms"`
	EDRRooms        []string `toml:"edr_rooms"`
	MaxMessageChars int      `toml:"max_message_chars"`
}

type LLMConfig struct {
	Provider    string   `toml:"provider"` // "ollama" or "openai-compat"
	BaseURL     string   `toml:"base_url"`
	APIKey      string   `toml:"api_key"`
	Model       string   `toml:"model"`
	EmbedModel  string   `toml:"embed_model"`
	Temperature float64  `toml:"temperature"`
	Timeout     Duration `toml:"timeout"`
}

type SessionConfig struct {
	Backend         string   `toml:"backend"` // "sqlite", "postgres", or "memory"
	Path            string   `toml:"path"`    // sqlite file
	DSN             string   `toml:"dsn"`     // postgres connection string
	MaxMessages     int      `toml:"max_messages"`
	TTL             Duration `toml:"ttl"`
	MaxContextChars int      `toml:"max_context_chars"`
}

type RecoveryConfig struct {
	ResetInterval Duration               `toml:"reset_interval"`
	Classes       map[string]ClassConfig `toml:"class"`
}

// ClassConfig overrides recovery behaviour for one tool class. Nil fields
// keep the built-in policy.
type ClassConfig struct {
	Threshold     *int     `toml:"threshold"`
	MaxRetries    *int     `toml:"max_retries"`
	InitialDelay  Duration `toml:"initial_delay"`
	BackoffFactor float64  `toml:"backoff_factor"`
	Timeout       Duration `toml:"timeout"`
}

type RetrieverConfig struct {
	Enabled   bool   `toml:"enabled"`
	IndexPath string `toml:"index_path"` // sqlite document index
	K         int    `toml:"k"`
}

type ObserverConfig struct {
	Enabled     bool   `toml:"enabled"`
	ServiceName string `toml:"service_name"`
}

type StatsConfig struct {
	Addr string `toml:"addr"`
}

type MaintenanceConfig struct {
	SweepSchedule  string `toml:"sweep_schedule"`
	HealthSchedule string `toml:"health_schedule"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Bot: BotConfig{
			Name:        "aegis",
			HelpHeading: "Commands",
		},
		Transport: TransportConfig{
			WebhookAddr:     ":8080",
			MaxMessageChars: 7000,
		},
		LLM: LLMConfig{
			Provider:    "ollama",
			BaseURL:     "http://localhost:11434",
			Model:       "qwen2.5:14b",
			EmbedModel:  "nomic-embed-text",
			Temperature: 0.2,
			Timeout:     Duration(60 * time.Second),
		},
		Session: SessionConfig{
			Backend:         "sqlite",
			Path:            "aegis.db",
			MaxMessages:     30,
			TTL:             Duration(24 * time.Hour),
			MaxContextChars: 4000,
		},
		Recovery: RecoveryConfig{
			ResetInterval: Duration(time.Hour),
		},
		Retriever: RetrieverConfig{
			IndexPath: "docs.db",
			K:         5,
		},
		Stats: StatsConfig{
			Addr: ":2112",
		},
		Maintenance: MaintenanceConfig{
			SweepSchedule:  "@every 10m",
			HealthSchedule: "@every 1h",
		},
	}
}

// Load reads config with precedence defaults -> TOML file -> env vars.
// A missing file is fine (defaults plus env apply); a malformed file is
// an error so the bot never runs on a half-read config.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = "aegis.toml"
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
		// No file; defaults and env only.
	default:
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	// Env overrides, secrets first.
	if v := os.Getenv("AEGIS_TRANSPORT_TOKEN"); v != "" {
		cfg.Transport.Token = v
	}
	if v := os.Getenv("AEGIS_WEBHOOK_SECRET"); v != "" {
		cfg.Transport.WebhookSecret = v
	}
	if v := os.Getenv("AEGIS_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("AEGIS_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("AEGIS_SESSION_DSN"); v != "" {
		cfg.Session.DSN = v
	}
	if v := os.Getenv("AEGIS_STATS_ADDR"); v != "" {
		cfg.Stats.Addr = v
	}
	if v := os.Getenv("AEGIS_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.Observer.ServiceName == "" {
		cfg.Observer.ServiceName = cfg.Bot.Name
	}

	return cfg, nil
}
