// Package stats exposes the bot's operational metrics in Prometheus
// exposition format. It is intentionally small: counters and gauges the
// on-call analyst actually alerts on, fed by hooks the host wires into
// the dispatcher, the recovery layer, and the maintenance sweeps.
package stats

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kelvaris/aegis"
)

// Stats holds the metric set. Each Stats carries its own registry so tests
// and embedded hosts never collide on metric names.
type Stats struct {
	registry *prometheus.Registry

	// Dispatches counts handled messages.
	// Labels: route, status (ok|error)
	Dispatches *prometheus.CounterVec

	// DispatchDuration measures end-to-end dispatch latency in seconds.
	// Labels: route
	DispatchDuration *prometheus.HistogramVec

	// ToolErrors counts terminal tool errors.
	// Labels: class
	ToolErrors *prometheus.CounterVec

	// ClassAvailability reports 1 while a tool class is available and 0
	// while the recovery layer has it gated off.
	// Labels: class
	ClassAvailability *prometheus.GaugeVec

	// SessionsSwept counts expired sessions removed by maintenance.
	SessionsSwept prometheus.Counter
}

// New creates the metric set on a fresh registry.
func New() *Stats {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Stats{
		registry: reg,

		Dispatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_dispatches_total",
				Help: "Messages dispatched by route and status",
			},
			[]string{"route", "status"},
		),

		DispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aegis_dispatch_duration_seconds",
				Help:    "End-to-end dispatch latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"route"},
		),

		ToolErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_tool_errors_total",
				Help: "Terminal tool errors by class",
			},
			[]string{"class"},
		),

		ClassAvailability: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "aegis_class_available",
				Help: "Whether a tool class is available (1) or gated off (0)",
			},
			[]string{"class"},
		),

		SessionsSwept: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "aegis_sessions_swept_total",
				Help: "Expired sessions removed by the maintenance sweep",
			},
		),
	}
}

// Handler serves this metric set; the host mounts it on the stats address.
func (s *Stats) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// RecordDispatch feeds the dispatch counter and latency histogram. Shaped
// for the dispatcher's OnDispatch option.
func (s *Stats) RecordDispatch(route, status string, elapsed time.Duration) {
	s.Dispatches.WithLabelValues(route, status).Inc()
	s.DispatchDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// SetClassAvailable flips the availability gauge for a tool class. The host
// calls it once per registered class at startup so every class exports a
// value before its first error.
func (s *Stats) SetClassAvailable(class string, available bool) {
	v := 0.0
	if available {
		v = 1
	}
	s.ClassAvailability.WithLabelValues(class).Set(v)
}

// RecoveryHook returns an event hook that keeps the tool error counter and
// the availability gauge current.
func (s *Stats) RecoveryHook() func(aegis.RecoveryEvent) {
	return func(ev aegis.RecoveryEvent) {
		switch ev.Kind {
		case "terminal_error":
			s.ToolErrors.WithLabelValues(ev.Class).Inc()
		case "gated":
			s.SetClassAvailable(ev.Class, false)
		case "recovered":
			s.SetClassAvailable(ev.Class, true)
		}
	}
}

// AddSwept records sessions removed by one maintenance sweep.
func (s *Stats) AddSwept(n int) {
	if n > 0 {
		s.SessionsSwept.Add(float64(n))
	}
}
