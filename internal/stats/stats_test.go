package stats

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kelvaris/aegis"
)

func TestRecordDispatch(t *testing.T) {
	s := New()

	s.RecordDispatch("help", "ok", 200*time.Millisecond)
	s.RecordDispatch("help", "ok", 150*time.Millisecond)
	s.RecordDispatch("falcon", "error", time.Second)

	expected := `
		# HELP aegis_dispatches_total Messages dispatched by route and status
		# TYPE aegis_dispatches_total counter
		aegis_dispatches_total{route="falcon",status="error"} 1
		aegis_dispatches_total{route="help",status="ok"} 2
	`
	if err := testutil.CollectAndCompare(s.Dispatches, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected dispatch counts: %v", err)
	}

	if got := testutil.CollectAndCount(s.DispatchDuration); got != 2 {
		t.Errorf("DispatchDuration series = %d, want 2", got)
	}
}

func TestRecoveryHook(t *testing.T) {
	s := New()
	hook := s.RecoveryHook()

	for i := 0; i < 3; i++ {
		hook(aegis.RecoveryEvent{Class: aegis.ClassEDR, Kind: "terminal_error", Errors: i + 1})
	}
	if got := testutil.ToFloat64(s.ToolErrors.WithLabelValues(aegis.ClassEDR)); got != 3 {
		t.Errorf("ToolErrors[edr] = %v, want 3", got)
	}

	hook(aegis.RecoveryEvent{Class: aegis.ClassEDR, Kind: "gated", Errors: 6})
	if got := testutil.ToFloat64(s.ClassAvailability.WithLabelValues(aegis.ClassEDR)); got != 0 {
		t.Errorf("availability after gating = %v, want 0", got)
	}

	hook(aegis.RecoveryEvent{Class: aegis.ClassEDR, Kind: "recovered"})
	if got := testutil.ToFloat64(s.ClassAvailability.WithLabelValues(aegis.ClassEDR)); got != 1 {
		t.Errorf("availability after recovery = %v, want 1", got)
	}

	// Unknown kinds are ignored.
	hook(aegis.RecoveryEvent{Class: aegis.ClassEDR, Kind: "unknown"})
	if got := testutil.ToFloat64(s.ToolErrors.WithLabelValues(aegis.ClassEDR)); got != 3 {
		t.Errorf("ToolErrors[edr] after unknown kind = %v, want 3", got)
	}
}

func TestSetClassAvailable(t *testing.T) {
	s := New()

	s.SetClassAvailable(aegis.ClassSIEM, true)
	if got := testutil.ToFloat64(s.ClassAvailability.WithLabelValues(aegis.ClassSIEM)); got != 1 {
		t.Errorf("availability = %v, want 1", got)
	}

	s.SetClassAvailable(aegis.ClassSIEM, false)
	if got := testutil.ToFloat64(s.ClassAvailability.WithLabelValues(aegis.ClassSIEM)); got != 0 {
		t.Errorf("availability = %v, want 0", got)
	}
}

func TestAddSwept(t *testing.T) {
	s := New()

	s.AddSwept(3)
	s.AddSwept(0)
	s.AddSwept(-1)
	s.AddSwept(2)

	if got := testutil.ToFloat64(s.SessionsSwept); got != 5 {
		t.Errorf("SessionsSwept = %v, want 5", got)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	s := New()
	s.RecordDispatch("tipper", "ok", 50*time.Millisecond)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `aegis_dispatches_total{route="tipper",status="ok"} 1`) {
		t.Errorf("metrics body missing dispatch counter:\n%s", body)
	}
}

func TestIsolatedRegistries(t *testing.T) {
	// Two instances must not collide on metric registration.
	a := New()
	b := New()

	a.RecordDispatch("help", "ok", time.Millisecond)
	if got := testutil.ToFloat64(b.Dispatches.WithLabelValues("help", "ok")); got != 0 {
		t.Errorf("second instance saw first instance's counts: %v", got)
	}
}
