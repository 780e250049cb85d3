package aegis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func failNTimes(n int, out string) (func(context.Context) (string, error), *int) {
	calls := new(int)
	return func(context.Context) (string, error) {
		*calls++
		if *calls <= n {
			return "", errors.New("upstream 503")
		}
		return out, nil
	}, calls
}

func TestRecoveryRunFirstTry(t *testing.T) {
	rec := instantRecovery()
	op, calls := failNTimes(0, "ok")
	out, err := rec.Run(context.Background(), ClassDefault, op)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != "ok" || *calls != 1 {
		t.Errorf("out = %q after %d calls", out, *calls)
	}
}

func TestRecoveryRunRetriesThenSucceeds(t *testing.T) {
	rec := instantRecovery()
	op, calls := failNTimes(2, "recovered output")
	out, err := rec.Run(context.Background(), ClassDefault, op)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != "recovered output" {
		t.Errorf("out = %q", out)
	}
	if *calls != 3 {
		t.Errorf("calls = %d, want 3 (MaxRetries 2 means three attempts)", *calls)
	}
	if h := rec.Health()[ClassDefault]; h.Errors != 0 {
		t.Errorf("errors = %d after in-run recovery, want 0", h.Errors)
	}
}

func TestRecoveryRunExhaustsRetries(t *testing.T) {
	rec := instantRecovery()
	op, calls := failNTimes(99, "")
	_, err := rec.Run(context.Background(), ClassDefault, op)
	if err == nil || err.Error() != "upstream 503" {
		t.Fatalf("err = %v, want the last attempt's error unchanged", err)
	}
	if *calls != 3 {
		t.Errorf("calls = %d, want 3", *calls)
	}
	if h := rec.Health()[ClassDefault]; h.Errors != 1 {
		t.Errorf("errors = %d, want 1 terminal failure recorded", h.Errors)
	}
}

func TestRecoveryPerClassRetryCounts(t *testing.T) {
	cases := []struct {
		class string
		want  int
	}{
		{ClassDefault, 3},
		{ClassWeather, 4},
		{ClassDocSearch, 2},
	}
	for _, tc := range cases {
		rec := instantRecovery()
		op, calls := failNTimes(99, "")
		rec.Run(context.Background(), tc.class, op)
		if *calls != tc.want {
			t.Errorf("%s: calls = %d, want %d", tc.class, *calls, tc.want)
		}
	}
}

func TestRecoverySuccessResetsErrors(t *testing.T) {
	rec := instantRecovery()
	fail, _ := failNTimes(99, "")
	rec.Run(context.Background(), ClassEDR, fail)
	rec.Run(context.Background(), ClassEDR, fail)
	if h := rec.Health()[ClassEDR]; h.Errors != 2 {
		t.Fatalf("errors = %d, want 2", h.Errors)
	}
	ok, _ := failNTimes(0, "fine")
	if _, err := rec.Run(context.Background(), ClassEDR, ok); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h := rec.Health()[ClassEDR]; h.Errors != 0 {
		t.Errorf("errors = %d after success, want 0", h.Errors)
	}
}

func TestRecoveryGating(t *testing.T) {
	var mu sync.Mutex
	var events []RecoveryEvent
	rec := instantRecovery(
		RecoveryThreshold(ClassEDR, 1),
		RecoveryEventHook(func(ev RecoveryEvent) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		}),
	)
	fail, _ := failNTimes(99, "")

	rec.Run(context.Background(), ClassEDR, fail)
	if !rec.Available(ClassEDR) {
		t.Fatal("one failure at threshold 1 should not gate")
	}
	rec.Run(context.Background(), ClassEDR, fail)
	if rec.Available(ClassEDR) {
		t.Fatal("two failures past threshold 1 should gate")
	}

	ok, _ := failNTimes(0, "fine")
	rec.Run(context.Background(), ClassEDR, ok)
	if !rec.Available(ClassEDR) {
		t.Fatal("success should lift the gate")
	}

	mu.Lock()
	defer mu.Unlock()
	kinds := make([]string, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
	}
	want := []string{"terminal_error", "terminal_error", "gated", "recovered"}
	if len(kinds) != len(want) {
		t.Fatalf("events = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("events = %v, want %v", kinds, want)
		}
	}
	if events[2].Errors != 2 || events[2].Class != ClassEDR {
		t.Errorf("gated event = %+v", events[2])
	}
}

func TestRecoveryParentCancelNotCounted(t *testing.T) {
	rec := instantRecovery()
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := rec.Run(ctx, ClassDefault, func(context.Context) (string, error) {
		calls++
		cancel()
		return "", errors.New("interrupted")
	})
	var cerr *CancelledError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want CancelledError", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want no retry after cancellation", calls)
	}
	if h := rec.Health()[ClassDefault]; h.Errors != 0 {
		t.Errorf("errors = %d, cancellation must not count against the class", h.Errors)
	}
}

func TestRecoveryPerAttemptTimeout(t *testing.T) {
	rec := NewRecovery(RecoveryPolicy(ClassDefault, Policy{
		MaxRetries:    0,
		InitialDelay:  0,
		BackoffFactor: 1,
		Timeout:       5 * time.Millisecond,
	}))
	_, err := rec.Run(context.Background(), ClassDefault, func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded from the attempt timeout", err)
	}
	if h := rec.Health()[ClassDefault]; h.Errors != 1 {
		t.Errorf("errors = %d, attempt timeout should count as a failure", h.Errors)
	}
}

func TestRecoveryIntervalReset(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	var mu sync.Mutex
	var kinds []string
	rec := instantRecovery(
		RecoveryClock(clock.Now),
		RecoveryResetInterval(time.Minute),
		RecoveryThreshold(ClassSIEM, 0),
		RecoveryEventHook(func(ev RecoveryEvent) {
			mu.Lock()
			kinds = append(kinds, ev.Kind)
			mu.Unlock()
		}),
	)
	fail, _ := failNTimes(99, "")
	rec.Run(context.Background(), ClassSIEM, fail)
	if rec.Available(ClassSIEM) {
		t.Fatal("class should be gated")
	}

	clock.Advance(59 * time.Second)
	if rec.Available(ClassSIEM) {
		t.Fatal("gate lifted before the interval elapsed")
	}

	clock.Advance(2 * time.Second)
	if !rec.Available(ClassSIEM) {
		t.Fatal("gate not lifted after the interval elapsed")
	}
	h := rec.Health()[ClassSIEM]
	if h.Errors != 0 {
		t.Errorf("errors = %d after interval reset, want 0", h.Errors)
	}
	mu.Lock()
	defer mu.Unlock()
	if kinds[len(kinds)-1] != "recovered" {
		t.Errorf("events = %v, want trailing recovered", kinds)
	}
}

func TestBackoffDelay(t *testing.T) {
	p := Policy{InitialDelay: 100 * time.Millisecond, BackoffFactor: 2.0}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := backoffDelay(p, tc.attempt); got != tc.want {
			t.Errorf("backoffDelay(attempt=%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestRecoveryFallback(t *testing.T) {
	rec := NewRecovery()
	cases := []struct {
		class, hint string
		want        string
	}{
		{ClassDefault, "", "The service is temporarily unavailable. Please try again in a few minutes."},
		{ClassDefault, "details", "Details are temporarily unavailable. Core functionality is unaffected."},
		{ClassDefault, "status", "Unable to retrieve status right now; the upstream service is not responding."},
		{ClassDefault, "search", "Search is temporarily unavailable. Please retry shortly."},
		{ClassEDR, "", "EDR is temporarily unreachable. For urgent containment, use the Falcon console directly."},
		{ClassDocSearch, "", "Document search is temporarily unavailable; answering from model knowledge only."},
		{ClassSIEM, "", "SIEM search is temporarily unavailable. Query QRadar directly for urgent requests."},
		// Unknown hints fall back to the class's generic line.
		{ClassEDR, "bogus", "EDR is temporarily unreachable. For urgent containment, use the Falcon console directly."},
		// Unknown classes fall back to the default table.
		{"mystery", "", "The service is temporarily unavailable. Please try again in a few minutes."},
		{"mystery", "search", "Search is temporarily unavailable. Please retry shortly."},
	}
	for _, tc := range cases {
		if got := rec.Fallback(tc.class, tc.hint); got != tc.want {
			t.Errorf("Fallback(%q, %q) = %q, want %q", tc.class, tc.hint, got, tc.want)
		}
	}
}

func TestRecoveryPolicyFor(t *testing.T) {
	rec := NewRecovery()
	cases := []struct {
		class string
		want  Policy
	}{
		{ClassDefault, Policy{MaxRetries: 2, InitialDelay: time.Second, BackoffFactor: 2.0, Timeout: 30 * time.Second}},
		{ClassEDR, Policy{MaxRetries: 2, InitialDelay: time.Second, BackoffFactor: 2.0, Timeout: 30 * time.Second}},
		{ClassWeather, Policy{MaxRetries: 3, InitialDelay: 500 * time.Millisecond, BackoffFactor: 1.5, Timeout: 30 * time.Second}},
		{ClassDocSearch, Policy{MaxRetries: 1, InitialDelay: 500 * time.Millisecond, BackoffFactor: 1.0, Timeout: 30 * time.Second}},
		// Unknown classes inherit the default policy.
		{"mystery", Policy{MaxRetries: 2, InitialDelay: time.Second, BackoffFactor: 2.0, Timeout: 30 * time.Second}},
	}
	for _, tc := range cases {
		if got := rec.PolicyFor(tc.class); got != tc.want {
			t.Errorf("PolicyFor(%q) = %+v, want %+v", tc.class, got, tc.want)
		}
	}
}

func TestRecoveryHealthSnapshot(t *testing.T) {
	rec := instantRecovery(RecoveryThreshold(ClassWeather, 2))
	fail, _ := failNTimes(99, "")
	rec.Run(context.Background(), ClassWeather, fail)
	h, ok := rec.Health()[ClassWeather]
	if !ok {
		t.Fatal("weather missing from health snapshot")
	}
	if h.Errors != 1 || h.Threshold != 2 || !h.Available {
		t.Errorf("health = %+v", h)
	}
	if h.LastReset.IsZero() {
		t.Error("LastReset not stamped")
	}
}
