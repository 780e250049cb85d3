// Package maintenance runs the bot's periodic background jobs: sweeping
// expired sessions out of the store and reporting tool-class health. Jobs
// are scheduled with robfig/cron and panic-isolated so one bad run never
// takes the runner down.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kelvaris/aegis"
)

// jobTimeout bounds one sweep against a slow store.
const jobTimeout = time.Minute

// SessionSweeper is the slice of the session store maintenance needs.
type SessionSweeper interface {
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}

// HealthReporter is the slice of the recovery layer maintenance needs.
type HealthReporter interface {
	Health() map[string]aegis.ClassHealth
}

// Config wires a Runner.
type Config struct {
	// Sessions is swept on SweepSchedule. Required.
	Sessions SessionSweeper

	// Recovery is reported on HealthSchedule. Required.
	Recovery HealthReporter

	// SweepSchedule and HealthSchedule are cron expressions in robfig/cron
	// syntax, descriptors like "@every 10m" included. Defaults: "@every 10m"
	// and "@every 1h".
	SweepSchedule  string
	HealthSchedule string

	// OnSwept observes each completed sweep's removal count. Optional.
	OnSwept func(removed int)

	// Logger defaults to aegis.NopLogger.
	Logger *slog.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// Runner owns the cron scheduler and the maintenance jobs.
type Runner struct {
	cron     *cron.Cron
	sessions SessionSweeper
	recovery HealthReporter
	onSwept  func(int)
	logger   *slog.Logger
	now      func() time.Time
}

// New builds a Runner with both jobs registered. Invalid schedules fail
// here, not at first fire.
func New(cfg Config) (*Runner, error) {
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = "@every 10m"
	}
	if cfg.HealthSchedule == "" {
		cfg.HealthSchedule = "@every 1h"
	}
	if cfg.Logger == nil {
		cfg.Logger = aegis.NopLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	r := &Runner{
		sessions: cfg.Sessions,
		recovery: cfg.Recovery,
		onSwept:  cfg.OnSwept,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	r.cron = cron.New(cron.WithChain(cron.Recover(cronLogger{cfg.Logger})))

	if _, err := r.cron.AddFunc(cfg.SweepSchedule, r.sweep); err != nil {
		return nil, fmt.Errorf("maintenance: sweep schedule %q: %w", cfg.SweepSchedule, err)
	}
	if _, err := r.cron.AddFunc(cfg.HealthSchedule, r.reportHealth); err != nil {
		return nil, fmt.Errorf("maintenance: health schedule %q: %w", cfg.HealthSchedule, err)
	}
	return r, nil
}

// Start begins firing jobs on their schedules.
func (r *Runner) Start() {
	r.cron.Start()
	r.logger.Info("maintenance started", "jobs", len(r.cron.Entries()))
}

// Stop halts the schedule and waits for running jobs, giving up when ctx
// expires.
func (r *Runner) Stop(ctx context.Context) error {
	done := r.cron.Stop()
	select {
	case <-done.Done():
		r.logger.Info("maintenance stopped")
		return nil
	case <-ctx.Done():
		r.logger.Warn("maintenance stop timed out")
		return ctx.Err()
	}
}

func (r *Runner) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	n, err := r.sessions.SweepExpired(ctx, r.now())
	if err != nil {
		r.logger.Error("session sweep failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("session sweep removed expired sessions", "count", n)
	}
	if r.onSwept != nil {
		r.onSwept(n)
	}
}

func (r *Runner) reportHealth() {
	health := r.recovery.Health()

	var down []string
	for class, h := range health {
		if !h.Available {
			down = append(down, class)
		}
	}
	if len(down) == 0 {
		r.logger.Info("all tool classes available", "classes", len(health))
		return
	}
	sort.Strings(down)
	r.logger.Warn("tool classes gated off", "classes", down)
}

// cronLogger adapts slog to the cron.Logger interface so panics recovered
// inside jobs land in the bot's log.
type cronLogger struct {
	lg *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.lg.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.lg.Error(msg, append(keysAndValues, "error", err)...)
}
