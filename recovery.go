package aegis

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Policy controls retries for one tool class.
type Policy struct {
	MaxRetries    int           // retries after the first attempt
	InitialDelay  time.Duration // backoff before the first retry
	BackoffFactor float64       // delay multiplier per attempt
	Timeout       time.Duration // per-attempt deadline
}

// Default policies by class. Unknown classes use the default policy.
func defaultPolicies() map[string]Policy {
	return map[string]Policy{
		ClassDefault:   {MaxRetries: 2, InitialDelay: time.Second, BackoffFactor: 2.0, Timeout: 30 * time.Second},
		ClassEDR:       {MaxRetries: 2, InitialDelay: time.Second, BackoffFactor: 2.0, Timeout: 30 * time.Second},
		ClassWeather:   {MaxRetries: 3, InitialDelay: 500 * time.Millisecond, BackoffFactor: 1.5, Timeout: 30 * time.Second},
		ClassDocSearch: {MaxRetries: 1, InitialDelay: 500 * time.Millisecond, BackoffFactor: 1.0, Timeout: 30 * time.Second},
	}
}

// Availability thresholds by class. A class with more errors than its
// threshold inside one reset interval is gated off.
func defaultThresholds() map[string]int {
	return map[string]int{
		ClassEDR:     5,
		ClassWeather: 10,
	}
}

const defaultThreshold = 8

// highRateErrors is the per-interval error count that triggers a warning log.
const highRateErrors = 10

// ClassHealth is one class's snapshot in a Health report.
type ClassHealth struct {
	Errors    int       `json:"errors"`
	Threshold int       `json:"threshold"`
	Available bool      `json:"available"`
	LastReset time.Time `json:"last_reset"`
}

// RecoveryEvent notifies an optional hook about state transitions.
type RecoveryEvent struct {
	Class  string
	Kind   string // "terminal_error", "gated", "recovered"
	Errors int
}

// Recovery standardises retry, circuit state, and fallback text for every
// external call the engine makes. One instance serves the whole process;
// it is constructed in main and injected.
type Recovery struct {
	mu            sync.Mutex
	policies      map[string]Policy
	thresholds    map[string]int
	states        map[string]*classState
	resetInterval time.Duration
	logger        *slog.Logger
	now           func() time.Time
	hook          func(RecoveryEvent)
}

type classState struct {
	errors    int
	lastReset time.Time
	gated     bool
}

// RecoveryOption configures a Recovery.
type RecoveryOption func(*Recovery)

// RecoveryLogger sets the structured logger. Default: no output.
func RecoveryLogger(l *slog.Logger) RecoveryOption {
	return func(r *Recovery) { r.logger = l }
}

// RecoveryResetInterval overrides the rolling-count reset interval (default 1h).
func RecoveryResetInterval(d time.Duration) RecoveryOption {
	return func(r *Recovery) { r.resetInterval = d }
}

// RecoveryPolicy overrides the retry policy for one class.
func RecoveryPolicy(class string, p Policy) RecoveryOption {
	return func(r *Recovery) { r.policies[class] = p }
}

// RecoveryThreshold overrides the availability threshold for one class.
func RecoveryThreshold(class string, n int) RecoveryOption {
	return func(r *Recovery) { r.thresholds[class] = n }
}

// RecoveryEventHook registers a callback fired on terminal errors and on
// availability transitions. Used by the host to feed operational metrics.
func RecoveryEventHook(fn func(RecoveryEvent)) RecoveryOption {
	return func(r *Recovery) { r.hook = fn }
}

// RecoveryClock overrides the time source. Tests only.
func RecoveryClock(now func() time.Time) RecoveryOption {
	return func(r *Recovery) { r.now = now }
}

// NewRecovery builds the process-wide recovery manager.
func NewRecovery(opts ...RecoveryOption) *Recovery {
	r := &Recovery{
		policies:      defaultPolicies(),
		thresholds:    defaultThresholds(),
		states:        make(map[string]*classState),
		resetInterval: time.Hour,
		logger:        nopLogger,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// PolicyFor returns the effective policy for a class.
func (r *Recovery) PolicyFor(class string) Policy {
	if p, ok := r.policies[class]; ok {
		return p
	}
	return r.policies[ClassDefault]
}

func (r *Recovery) thresholdFor(class string) int {
	if t, ok := r.thresholds[class]; ok {
		return t
	}
	return defaultThreshold
}

// Run invokes op with the class's retry policy: up to 1+MaxRetries attempts,
// exponential backoff InitialDelay × BackoffFactor^attempt between them, and
// a per-attempt timeout. Every error from op is retryable. Success resets
// the class's rolling error count; terminal failure increments it and the
// last error is returned unchanged.
func (r *Recovery) Run(ctx context.Context, class string, op func(ctx context.Context) (string, error)) (string, error) {
	p := r.PolicyFor(class)
	attempts := p.MaxRetries + 1
	var last error
	for i := 0; i < attempts; i++ {
		out, err := r.attempt(ctx, p, op)
		if err == nil {
			r.recordSuccess(class)
			return out, nil
		}
		last = err
		if ctx.Err() != nil {
			// Parent cancellation says nothing about the tool's health;
			// don't count it against the class.
			return "", &CancelledError{Op: "tool call"}
		}
		if i < attempts-1 {
			delay := backoffDelay(p, i)
			r.logger.Warn("tool call failed, retrying",
				"class", class,
				"attempt", i+1,
				"max_attempts", attempts,
				"delay", delay,
				"error", err)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return "", &CancelledError{Op: "tool call"}
			case <-timer.C:
			}
		}
	}
	r.recordFailure(class)
	return "", last
}

// attempt runs op once under the per-attempt timeout.
func (r *Recovery) attempt(ctx context.Context, p Policy, op func(ctx context.Context) (string, error)) (string, error) {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	return op(ctx)
}

func backoffDelay(p Policy, attempt int) time.Duration {
	return time.Duration(float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(attempt)))
}

// Available reports whether the class is currently usable: false iff its
// rolling error count exceeds the class threshold and the reset interval
// has not yet elapsed.
func (r *Recovery) Available(class string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.stateLocked(class)
	return st.errors <= r.thresholdFor(class)
}

// Fallback returns the user-facing replacement text for a failed call.
// hint selects a per-class variant ("status", "details", "search"); any
// other value picks the generic line.
func (r *Recovery) Fallback(class, hint string) string {
	byHint, ok := fallbackText[class]
	if !ok {
		byHint = fallbackText[ClassDefault]
	}
	if text, ok := byHint[hint]; ok {
		return text
	}
	return byHint[""]
}

// Health snapshots every known class.
func (r *Recovery) Health() map[string]ClassHealth {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]ClassHealth)
	for class := range r.policies {
		st := r.stateLocked(class)
		out[class] = ClassHealth{
			Errors:    st.errors,
			Threshold: r.thresholdFor(class),
			Available: st.errors <= r.thresholdFor(class),
			LastReset: st.lastReset,
		}
	}
	for class := range r.states {
		if _, ok := out[class]; ok {
			continue
		}
		st := r.stateLocked(class)
		out[class] = ClassHealth{
			Errors:    st.errors,
			Threshold: r.thresholdFor(class),
			Available: st.errors <= r.thresholdFor(class),
			LastReset: st.lastReset,
		}
	}
	return out
}

// stateLocked fetches the class state, applying the lazy interval reset.
// Callers hold r.mu.
func (r *Recovery) stateLocked(class string) *classState {
	st, ok := r.states[class]
	if !ok {
		st = &classState{lastReset: r.now()}
		r.states[class] = st
	}
	if r.now().Sub(st.lastReset) > r.resetInterval {
		if st.gated {
			st.gated = false
			r.fire(RecoveryEvent{Class: class, Kind: "recovered"})
		}
		st.errors = 0
		st.lastReset = r.now()
	}
	return st
}

func (r *Recovery) recordSuccess(class string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.stateLocked(class)
	if st.gated {
		st.gated = false
		r.fire(RecoveryEvent{Class: class, Kind: "recovered"})
	}
	st.errors = 0
	st.lastReset = r.now()
}

func (r *Recovery) recordFailure(class string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.stateLocked(class)
	st.errors++
	r.fire(RecoveryEvent{Class: class, Kind: "terminal_error", Errors: st.errors})
	if st.errors > highRateErrors {
		r.logger.Warn("high error rate for tool class",
			"class", class,
			"errors", st.errors,
			"interval", r.resetInterval)
	}
	if !st.gated && st.errors > r.thresholdFor(class) {
		st.gated = true
		r.logger.Warn("tool class gated off",
			"class", class,
			"errors", st.errors,
			"threshold", r.thresholdFor(class))
		r.fire(RecoveryEvent{Class: class, Kind: "gated", Errors: st.errors})
	}
}

func (r *Recovery) fire(ev RecoveryEvent) {
	if r.hook != nil {
		r.hook(ev)
	}
}

// fallbackText maps class -> hint -> user-facing line. The "" hint is the
// generic variant. Raw errors never reach users; these lines do.
var fallbackText = map[string]map[string]string{
	ClassDefault: {
		"":        "The service is temporarily unavailable. Please try again in a few minutes.",
		"status":  "Unable to retrieve status right now; the upstream service is not responding.",
		"details": "Details are temporarily unavailable. Core functionality is unaffected.",
		"search":  "Search is temporarily unavailable. Please retry shortly.",
	},
	ClassEDR: {
		"":        "EDR is temporarily unreachable. For urgent containment, use the Falcon console directly.",
		"status":  "Unable to query host status from EDR right now. Check the Falcon console for live state.",
		"details": "Host details are temporarily unavailable from EDR.",
		"search":  "EDR detection search is temporarily unavailable.",
	},
	ClassWeather: {
		"":        "Weather data is temporarily unavailable.",
		"status":  "Current conditions cannot be retrieved right now.",
		"details": "The weather service is not returning details at the moment.",
		"search":  "Weather lookups are temporarily unavailable.",
	},
	ClassDocSearch: {
		"":        "Document search is temporarily unavailable; answering from model knowledge only.",
		"status":  "The knowledge base is not responding.",
		"details": "Document details are temporarily unavailable.",
		"search":  "The knowledge base is not responding; please retry your search shortly.",
	},
	ClassSIEM: {
		"":        "SIEM search is temporarily unavailable. Query QRadar directly for urgent requests.",
		"status":  "Unable to reach the SIEM for status right now.",
		"details": "SIEM event details are temporarily unavailable.",
		"search":  "SIEM search is temporarily unavailable; recent events could not be checked.",
	},
}
