// Package breaker implements the retry-with-exponential-backoff and
// per-service circuit breaker layer that wraps every call to the issue
// tracker and the code host.
package breaker

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	v1 "github.com/kandev/orchestrator/pkg/api/v1"
)

// Options configure a single Call invocation.
type Options struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	ShouldRetry  func(err error) bool
	Service      v1.Service
}

func defaultOptions(o Options) Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 500 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 10 * time.Second
	}
	if o.ShouldRetry == nil {
		o.ShouldRetry = IsTransient
	}
	return o
}

// HTTPStatusError lets callers report a remote HTTP status without pulling
// in an HTTP client dependency here.
type HTTPStatusError struct {
	StatusCode int
	RetryAfter string // raw Retry-After header value, if present
}

func (e *HTTPStatusError) Error() string {
	return "http status " + strconv.Itoa(e.StatusCode)
}

// IsTransient is the default classifier: HTTP 429/5xx, or a network error
// whose message mentions a connection reset, timeout, or fetch failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"connection reset", "timed out", "fetch failed"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// codeHostLabelPrefixes infers the service from a human label when the
// caller doesn't specify one explicitly.
var codeHostLabelPrefixes = []string{"github", "code-host", "pr:", "ci:"}

func inferService(label string) v1.Service {
	lower := strings.ToLower(label)
	for _, prefix := range codeHostLabelPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return v1.ServiceCodeHost
		}
	}
	return v1.ServiceIssueTracker
}

// ErrCircuitOpen is returned (wrapped with service/label context) when a
// call is refused without touching the network because the breaker for its
// service is open.
type ErrCircuitOpen struct {
	Service v1.Service
	Label   string
}

func (e *ErrCircuitOpen) Error() string {
	return "circuit open for " + string(e.Service) + " (" + e.Label + ")"
}

// Registry holds one breaker per service and runs retry-wrapped calls
// through it. The zero value is not usable; use NewRegistry.
type Registry struct {
	mu       sync.Mutex
	breakers map[v1.Service]*serviceBreaker

	failureWindow  time.Duration
	failThreshold  int
	cooldown       time.Duration
	now            func() time.Time
}

// RegistryOption customizes threshold/window/cooldown for tests.
type RegistryOption func(*Registry)

func WithFailureWindow(d time.Duration) RegistryOption { return func(r *Registry) { r.failureWindow = d } }
func WithFailureThreshold(n int) RegistryOption         { return func(r *Registry) { r.failThreshold = n } }
func WithCooldown(d time.Duration) RegistryOption       { return func(r *Registry) { r.cooldown = d } }
func WithClock(now func() time.Time) RegistryOption     { return func(r *Registry) { r.now = now } }

// NewRegistry creates a breaker registry with the spec defaults: a 60s
// rolling failure window, a failure threshold of 10, and a 300s cooldown.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		breakers:      make(map[v1.Service]*serviceBreaker),
		failureWindow: 60 * time.Second,
		failThreshold: 10,
		cooldown:      300 * time.Second,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) breakerFor(service v1.Service) *serviceBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[service]
	if !ok {
		b = &serviceBreaker{
			window:    r.failureWindow,
			threshold: r.failThreshold,
			cooldown:  r.cooldown,
			now:       r.now,
			state:     v1.BreakerClosed,
		}
		r.breakers[service] = b
	}
	return b
}

// State returns the current breaker state for a service (lazily
// transitioning open -> half_open if the cooldown has elapsed).
func (r *Registry) State(service v1.Service) v1.BreakerState {
	return r.breakerFor(service).getState()
}

// Snapshot returns the current state of every tracked service, for
// Application State's toJSON().
func (r *Registry) Snapshot() v1.APIHealth {
	return v1.APIHealth{
		IssueTracker: r.State(v1.ServiceIssueTracker),
		CodeHost:     r.State(v1.ServiceCodeHost),
	}
}

// Call wraps fn with retry + circuit breaker behavior per §4.2: the breaker
// is consulted before every attempt; a non-transient error bypasses the
// breaker entirely (auth/4xx must not trip it); a transient error records a
// breaker failure and is retried with exponential backoff up to
// MaxAttempts.
func (r *Registry) Call(ctx context.Context, label string, opts Options, fn func(ctx context.Context) error) error {
	opts = defaultOptions(opts)
	service := opts.Service
	if service == "" {
		service = inferService(label)
	}
	b := r.breakerFor(service)

	if !b.admit() {
		return &ErrCircuitOpen{Service: service, Label: label}
	}

	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			b.recordSuccess()
			return nil
		}
		lastErr = err

		if !opts.ShouldRetry(err) {
			// A non-transient error must still settle a half-open probe —
			// otherwise probeInFlight stays true forever and the breaker
			// never admits another call. recordFailure reopens it if the
			// probe itself just failed; closed-state bookkeeping is
			// unaffected since non-transient errors don't count toward the
			// rolling failure window there (I7 only trips on transient
			// failures).
			if b.getState() == v1.BreakerHalfOpen {
				b.recordFailure()
			}
			return err
		}

		b.recordFailure()

		if attempt == opts.MaxAttempts {
			break
		}

		delay := computeDelay(err, attempt, opts.BaseDelay, opts.MaxDelay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func computeDelay(err error, attempt int, base, max time.Duration) time.Duration {
	if d, ok := retryAfterDelay(err, max); ok {
		return d
	}
	exp := base * time.Duration(1<<uint(attempt-1))
	jitter := time.Duration(rand.Float64() * 0.3 * float64(exp))
	delay := exp + jitter
	if delay > max {
		delay = max
	}
	return delay
}

func retryAfterDelay(err error, max time.Duration) (time.Duration, bool) {
	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) || statusErr.RetryAfter == "" {
		return 0, false
	}
	if secs, parseErr := strconv.Atoi(strings.TrimSpace(statusErr.RetryAfter)); parseErr == nil {
		d := time.Duration(secs) * time.Second
		if d > max {
			d = max
		}
		return d, true
	}
	if t, parseErr := http.ParseTime(statusErr.RetryAfter); parseErr == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		if d > max {
			d = max
		}
		return d, true
	}
	return 0, false
}

// serviceBreaker is the per-service rolling-window state machine.
type serviceBreaker struct {
	mu        sync.Mutex
	window    time.Duration
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	state       v1.BreakerState
	failures    []time.Time
	openedAt    time.Time
	probeInFlight bool
}

// admit returns whether the caller may proceed: true for closed, true for
// the single half-open probe, false otherwise (I7: open fails without
// touching the network).
func (b *serviceBreaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked()
	switch b.state {
	case v1.BreakerClosed:
		return true
	case v1.BreakerHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	default: // open
		return false
	}
}

func (b *serviceBreaker) getState() v1.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked()
	return b.state
}

func (b *serviceBreaker) transitionLocked() {
	if b.state == v1.BreakerOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.state = v1.BreakerHalfOpen
		b.probeInFlight = false
	}
}

func (b *serviceBreaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.state == v1.BreakerHalfOpen {
		// failing probe -> re-open
		b.state = v1.BreakerOpen
		b.openedAt = now
		b.probeInFlight = false
		return
	}

	cutoff := now.Add(-b.window)
	kept := b.failures[:0]
	for _, ts := range b.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.failures = append(kept, now)

	if len(b.failures) >= b.threshold {
		b.state = v1.BreakerOpen
		b.openedAt = now
	}
}

func (b *serviceBreaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == v1.BreakerHalfOpen {
		b.state = v1.BreakerClosed
		b.failures = nil
		b.probeInFlight = false
		return
	}
	// A closed-state success does not clear the rolling window; only the
	// window's natural eviction (on the next failure) ages old entries out.
}
