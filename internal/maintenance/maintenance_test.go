package maintenance

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/kelvaris/aegis"
)

type fakeSweeper struct {
	n      int
	err    error
	calls  int
	gotNow time.Time
}

func (f *fakeSweeper) SweepExpired(_ context.Context, now time.Time) (int, error) {
	f.calls++
	f.gotNow = now
	return f.n, f.err
}

type fakeHealth struct {
	m map[string]aegis.ClassHealth
}

func (f *fakeHealth) Health() map[string]aegis.ClassHealth { return f.m }

func testRunner(t *testing.T, cfg Config, logs *bytes.Buffer) *Runner {
	t.Helper()
	if cfg.Sessions == nil {
		cfg.Sessions = &fakeSweeper{}
	}
	if cfg.Recovery == nil {
		cfg.Recovery = &fakeHealth{}
	}
	if logs != nil {
		cfg.Logger = slog.New(slog.NewTextHandler(logs, nil))
	}
	r, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestNewRejectsBadSchedule(t *testing.T) {
	_, err := New(Config{
		Sessions:      &fakeSweeper{},
		Recovery:      &fakeHealth{},
		SweepSchedule: "every ten minutes",
	})
	if err == nil {
		t.Fatal("New accepted a malformed sweep schedule")
	}
	if !strings.Contains(err.Error(), "sweep schedule") {
		t.Errorf("error = %v, want mention of the sweep schedule", err)
	}

	_, err = New(Config{
		Sessions:       &fakeSweeper{},
		Recovery:       &fakeHealth{},
		HealthSchedule: "* * *",
	})
	if err == nil {
		t.Fatal("New accepted a malformed health schedule")
	}
}

func TestSweepLogsCountAndFeedsHook(t *testing.T) {
	var logs bytes.Buffer
	sweeper := &fakeSweeper{n: 4}
	fixed := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	var hooked []int
	r := testRunner(t, Config{
		Sessions: sweeper,
		OnSwept:  func(n int) { hooked = append(hooked, n) },
		Now:      func() time.Time { return fixed },
	}, &logs)

	r.sweep()

	if sweeper.calls != 1 {
		t.Fatalf("sweeper calls = %d, want 1", sweeper.calls)
	}
	if !sweeper.gotNow.Equal(fixed) {
		t.Errorf("sweep time = %v, want %v", sweeper.gotNow, fixed)
	}
	if len(hooked) != 1 || hooked[0] != 4 {
		t.Errorf("OnSwept got %v, want [4]", hooked)
	}
	if !strings.Contains(logs.String(), "count=4") {
		t.Errorf("log missing sweep count:\n%s", logs.String())
	}
}

func TestSweepZeroRemovalsStaysQuiet(t *testing.T) {
	var logs bytes.Buffer
	var hooked []int
	r := testRunner(t, Config{
		Sessions: &fakeSweeper{n: 0},
		OnSwept:  func(n int) { hooked = append(hooked, n) },
	}, &logs)

	r.sweep()

	if strings.Contains(logs.String(), "removed expired") {
		t.Errorf("zero-removal sweep should not log a removal line:\n%s", logs.String())
	}
	if len(hooked) != 1 || hooked[0] != 0 {
		t.Errorf("OnSwept got %v, want [0]", hooked)
	}
}

func TestSweepErrorSkipsHook(t *testing.T) {
	var logs bytes.Buffer
	var hooked []int
	r := testRunner(t, Config{
		Sessions: &fakeSweeper{err: errors.New("db locked")},
		OnSwept:  func(n int) { hooked = append(hooked, n) },
	}, &logs)

	r.sweep()

	if len(hooked) != 0 {
		t.Errorf("OnSwept called on error: %v", hooked)
	}
	if !strings.Contains(logs.String(), "session sweep failed") {
		t.Errorf("log missing sweep failure:\n%s", logs.String())
	}
}

func TestHealthReportNamesGatedClasses(t *testing.T) {
	var logs bytes.Buffer
	r := testRunner(t, Config{
		Recovery: &fakeHealth{m: map[string]aegis.ClassHealth{
			aegis.ClassSIEM:    {Errors: 9, Threshold: 7, Available: false},
			aegis.ClassEDR:     {Errors: 6, Threshold: 5, Available: false},
			aegis.ClassDefault: {Errors: 0, Threshold: 7, Available: true},
		}},
	}, &logs)

	r.reportHealth()

	out := logs.String()
	if !strings.Contains(out, "tool classes gated off") {
		t.Fatalf("log missing gated warning:\n%s", out)
	}
	// Sorted, so edr before siem.
	if !strings.Contains(out, "[edr siem]") {
		t.Errorf("log missing sorted gated classes:\n%s", out)
	}
}

func TestHealthReportAllAvailable(t *testing.T) {
	var logs bytes.Buffer
	r := testRunner(t, Config{
		Recovery: &fakeHealth{m: map[string]aegis.ClassHealth{
			aegis.ClassDefault: {Available: true},
			aegis.ClassEDR:     {Available: true},
		}},
	}, &logs)

	r.reportHealth()

	out := logs.String()
	if !strings.Contains(out, "all tool classes available") {
		t.Errorf("log missing healthy line:\n%s", out)
	}
	if strings.Contains(out, "gated off") {
		t.Errorf("healthy report warned about gating:\n%s", out)
	}
}

func TestStartStop(t *testing.T) {
	r := testRunner(t, Config{
		SweepSchedule:  "@every 1h",
		HealthSchedule: "@every 1h",
	}, nil)

	r.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
