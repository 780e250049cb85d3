package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kelvaris/aegis"
	"github.com/kelvaris/aegis/frontend/webex"
	"github.com/kelvaris/aegis/internal/bot"
	"github.com/kelvaris/aegis/internal/config"
	"github.com/kelvaris/aegis/internal/ioc"
	"github.com/kelvaris/aegis/internal/maintenance"
	"github.com/kelvaris/aegis/internal/playbook"
	"github.com/kelvaris/aegis/internal/stats"
	"github.com/kelvaris/aegis/observer"
	"github.com/kelvaris/aegis/provider/resolve"
	"github.com/kelvaris/aegis/store/memory"
	"github.com/kelvaris/aegis/store/postgres"
	"github.com/kelvaris/aegis/store/sqlite"
	"github.com/kelvaris/aegis/tools/docsearch"
)

func buildServeCmd(configPath *string, debug *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot against the configured chat transport",
		Long: `Start the assistant: connect to Webex, receive messages over the
webhook receiver, and answer in-room. Prometheus metrics are served on
[stats].addr. Shuts down cleanly on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath, *debug)
		},
	}
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	// .env is a development convenience; already-set variables win.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(debug)
	slog.SetDefault(logger)

	if cfg.Transport.Token == "" {
		return fmt.Errorf("serve: transport token missing (set AEGIS_TRANSPORT_TOKEN or [transport].token)")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting aegis",
		"config", configPath,
		"llm", cfg.LLM.Provider,
		"model", cfg.LLM.Model,
		"session_backend", cfg.Session.Backend,
	)

	// 1. Observability (opt-in via config).
	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		var shutdown func(context.Context) error
		inst, shutdown, err = observer.Init(ctx, cfg.Observer.ServiceName)
		if err != nil {
			return fmt.Errorf("observer init: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				logger.Error("observer shutdown failed", "error", err)
			}
		}()
		logger.Info("observability enabled", "service", cfg.Observer.ServiceName)
	}
	st := stats.New()

	// 2. Session store.
	sessions, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// 3. LLM provider.
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
	llm = aegis.WithRetry(llm, aegis.RetryLogger(logger))
	if inst != nil {
		llm = observer.WrapProvider(llm, cfg.LLM.Model, inst)
	}

	// 4. Tools. Only the knowledge-base search ships in-repo; EDR, SIEM,
	// and weather tools are registered by deployment-specific builds.
	reg := aegis.NewRegistry()
	if cfg.Retriever.Enabled {
		idx, err := openDocIndex(ctx, cfg, logger, inst)
		if err != nil {
			return err
		}
		defer idx.Close()
		retriever := aegis.NewHybridRetriever(idx, idx)
		reg.Register(wrapTool(docsearch.New(retriever, docsearch.WithDefaultK(cfg.Retriever.K)), inst))
		logger.Info("retriever enabled", "index", cfg.Retriever.IndexPath, "k", cfg.Retriever.K)
	}
	if err := reg.Seal(); err != nil {
		return err
	}

	// 5. Recovery manager, feeding the availability gauge.
	rec := buildRecovery(cfg, st, logger)
	for _, name := range reg.Names() {
		if t, err := reg.Get(name); err == nil {
			st.SetClassAvailable(t.Class(), true)
		}
	}

	// 6. Playbooks.
	iocs := ioc.New(cfg.Transport.ApprovedDomains...)
	playbooks, err := playbook.New(reg, rec, iocs, playbook.WithLogger(logger))
	if err != nil {
		return err
	}

	// 7. Router + dispatcher.
	router := bot.NewRouter(cfg.Bot.Aliases, iocs)
	loopOpts := []aegis.ToolLoopOption{
		aegis.ToolLoopTemperature(cfg.LLM.Temperature),
		aegis.ToolLoopLogger(logger),
	}
	if cfg.Bot.SystemPrompt != "" {
		loopOpts = append(loopOpts, aegis.ToolLoopSystemPrompt(cfg.Bot.SystemPrompt))
	}
	dispatcher := bot.NewDispatcher(bot.DispatcherConfig{
		Guard:       aegis.NewInputGuard(aegis.GuardLogger(logger)),
		Sessions:    sessions,
		Router:      router,
		Playbooks:   playbooks,
		Loop:        aegis.NewToolLoop(llm, reg, rec, loopOpts...),
		Tools:       reg,
		Recovery:    rec,
		TicketURL:   cfg.Bot.TicketURL,
		HelpHeading: cfg.Bot.HelpHeading,
		Logger:      logger,
		Tracer:      dispatchTracer(inst),
		OnDispatch:  dispatchHook(st, inst),
	})

	// 8. Chat transport + adapter.
	client := webex.New(cfg.Transport.Token, webex.WithLogger(logger))
	defer client.Close()
	me, err := client.Me(ctx)
	if err != nil {
		return fmt.Errorf("transport identity: %w", err)
	}
	logger.Info("transport connected", "self", me.DisplayName, "id", me.ID)
	adapter := bot.NewChatAdapter(bot.AdapterConfig{
		Transport:       client,
		Dispatcher:      dispatcher,
		Router:          router,
		SelfID:          me.ID,
		ApprovedDomains: cfg.Transport.ApprovedDomains,
		ApprovedRooms:   cfg.Transport.ApprovedRooms,
		EDRRooms:        cfg.Transport.EDRRooms,
		MaxMessageChars: cfg.Transport.MaxMessageChars,
		Logger:          logger,
	})

	// 9. Maintenance jobs.
	maint, err := maintenance.New(maintenance.Config{
		Sessions:       sessions,
		Recovery:       rec,
		SweepSchedule:  cfg.Maintenance.SweepSchedule,
		HealthSchedule: cfg.Maintenance.HealthSchedule,
		OnSwept:        st.AddSwept,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	maint.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := maint.Stop(stopCtx); err != nil {
			logger.Error("maintenance stop failed", "error", err)
		}
	}()

	// 10. Serve until a signal or a fatal component error.
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return adapter.Run(ctx) })

	webhookMux := http.NewServeMux()
	webhookMux.Handle("/webhook", client.WebhookHandler(cfg.Transport.WebhookSecret))
	runHTTPServer(ctx, g, &http.Server{
		Addr:              cfg.Transport.WebhookAddr,
		Handler:           webhookMux,
		ReadHeaderTimeout: 10 * time.Second,
	}, "webhook", logger)

	statsMux := http.NewServeMux()
	statsMux.Handle("/metrics", st.Handler())
	statsMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	runHTTPServer(ctx, g, &http.Server{
		Addr:              cfg.Stats.Addr,
		Handler:           statsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}, "stats", logger)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// newLogger builds the process logger. JSON to stderr so journald and
// container collectors pick it up unchanged.
func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openStore builds the session store named by [session].backend. The
// returned close function is safe to call once the store is out of use.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (aegis.SessionStore, func(), error) {
	limits := aegis.Limits{
		MaxMessages:     cfg.Session.MaxMessages,
		MaxContextChars: cfg.Session.MaxContextChars,
		TTL:             cfg.Session.TTL.Std(),
	}
	switch cfg.Session.Backend {
	case "sqlite":
		store := sqlite.New(cfg.Session.Path, limits, sqlite.WithLogger(logger))
		if err := store.Init(ctx); err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("sqlite store: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	case "postgres":
		if cfg.Session.DSN == "" {
			return nil, nil, fmt.Errorf("postgres backend needs [session].dsn or AEGIS_SESSION_DSN")
		}
		pool, err := pgxpool.New(ctx, cfg.Session.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres pool: %w", err)
		}
		store := postgres.New(pool, limits, postgres.WithLogger(logger))
		if err := store.Init(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("postgres store: %w", err)
		}
		return store, pool.Close, nil
	case "memory":
		return memory.New(limits), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown session backend %q", cfg.Session.Backend)
	}
}

// openDocIndex opens the knowledge-base index with a query embedder. The
// embedder is optional equipment: when it cannot be built the index serves
// lexical-only and hybrid search degrades instead of failing.
func openDocIndex(ctx context.Context, cfg config.Config, logger *slog.Logger, inst *observer.Instruments) (*sqlite.DocIndex, error) {
	embedBase := ""
	if cfg.LLM.Provider == "ollama" {
		embedBase = cfg.LLM.BaseURL
	}
	var embedder aegis.EmbeddingProvider
	emb, err := resolve.EmbeddingProvider(resolve.EmbeddingConfig{
		Provider: "ollama",
		Model:    cfg.LLM.EmbedModel,
		BaseURL:  embedBase,
		Timeout:  cfg.LLM.Timeout.Std(),
		Logger:   logger,
	})
	if err != nil {
		logger.Warn("embedding provider unavailable, retrieval is lexical-only", "error", err)
	} else {
		embedder = aegis.WithEmbeddingRetry(emb, aegis.RetryLogger(logger))
		if inst != nil {
			embedder = observer.WrapEmbedder(embedder, cfg.LLM.EmbedModel, inst)
		}
	}

	idx := sqlite.NewDocIndex(cfg.Retriever.IndexPath, embedder, sqlite.WithDocIndexLogger(logger))
	if err := idx.Init(ctx); err != nil {
		_ = idx.Close()
		return nil, fmt.Errorf("doc index: %w", err)
	}
	return idx, nil
}

// buildRecovery applies [recovery] overrides on top of the built-in class
// policies. Unset fields keep the default, so a section can override just
// the threshold.
func buildRecovery(cfg config.Config, st *stats.Stats, logger *slog.Logger) *aegis.Recovery {
	opts := []aegis.RecoveryOption{
		aegis.RecoveryLogger(logger),
		aegis.RecoveryEventHook(st.RecoveryHook()),
	}
	if d := cfg.Recovery.ResetInterval.Std(); d > 0 {
		opts = append(opts, aegis.RecoveryResetInterval(d))
	}

	defaults := aegis.NewRecovery()
	for class, cc := range cfg.Recovery.Classes {
		if cc.Threshold != nil {
			opts = append(opts, aegis.RecoveryThreshold(class, *cc.Threshold))
		}
		p := defaults.PolicyFor(class)
		changed := false
		if cc.MaxRetries != nil {
			p.MaxRetries = *cc.MaxRetries
			changed = true
		}
		if d := cc.InitialDelay.Std(); d > 0 {
			p.InitialDelay = d
			changed = true
		}
		if cc.BackoffFactor > 0 {
			p.BackoffFactor = cc.BackoffFactor
			changed = true
		}
		if d := cc.Timeout.Std(); d > 0 {
			p.Timeout = d
			changed = true
		}
		if changed {
			opts = append(opts, aegis.RecoveryPolicy(class, p))
		}
	}
	return aegis.NewRecovery(opts...)
}

// dispatchTracer returns the dispatcher's tracer: OTel-backed when the
// observer is on, otherwise nil for the dispatcher's no-op default.
func dispatchTracer(inst *observer.Instruments) aegis.Tracer {
	if inst == nil {
		return nil
	}
	return observer.NewTracer()
}

// dispatchHook fans each completed dispatch out to Prometheus and, when
// enabled, OTel.
func dispatchHook(st *stats.Stats, inst *observer.Instruments) func(route, status string, elapsed time.Duration) {
	if inst == nil {
		return st.RecordDispatch
	}
	otelHook := inst.DispatchHook()
	return func(route, status string, elapsed time.Duration) {
		st.RecordDispatch(route, status, elapsed)
		otelHook(route, status, elapsed)
	}
}

// wrapTool wraps a tool with observer instrumentation if inst is non-nil.
func wrapTool(t aegis.Tool, inst *observer.Instruments) aegis.Tool {
	if inst == nil {
		return t
	}
	return observer.WrapTool(t, inst)
}

// runHTTPServer runs srv under the group and shuts it down when ctx ends.
func runHTTPServer(ctx context.Context, g *errgroup.Group, srv *http.Server, name string, logger *slog.Logger) {
	g.Go(func() error {
		logger.Info(name+" server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s server: %w", name, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
