package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/kandev/orchestrator/pkg/api/v1"
)

func newTestRegistry(clock *time.Time) *Registry {
	return NewRegistry(
		WithFailureWindow(time.Minute),
		WithFailureThreshold(3),
		WithCooldown(time.Second),
		WithClock(func() time.Time { return *clock }),
	)
}

func TestCallRecordsSuccessOnFirstTry(t *testing.T) {
	now := time.Now()
	r := newTestRegistry(&now)
	calls := 0
	err := r.Call(context.Background(), "issue-tracker:get", Options{}, func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, v1.BreakerClosed, r.State(v1.ServiceIssueTracker))
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	now := time.Now()
	r := newTestRegistry(&now)
	transient := errors.New("connection reset")

	for i := 0; i < 3; i++ {
		_ = r.Call(context.Background(), "code-host:pr", Options{MaxAttempts: 1}, func(ctx context.Context) error {
			return transient
		})
	}
	assert.Equal(t, v1.BreakerOpen, r.State(v1.ServiceCodeHost))

	calls := 0
	err := r.Call(context.Background(), "code-host:pr", Options{}, func(ctx context.Context) error {
		calls++
		return nil
	})
	var openErr *ErrCircuitOpen
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, 0, calls, "fn must not be invoked while circuit is open")
}

func TestBreakerHalfOpenProbeSuccessCloses(t *testing.T) {
	now := time.Now()
	r := newTestRegistry(&now)
	transient := errors.New("timed out")
	for i := 0; i < 3; i++ {
		_ = r.Call(context.Background(), "code-host:x", Options{MaxAttempts: 1}, func(ctx context.Context) error {
			return transient
		})
	}
	require.Equal(t, v1.BreakerOpen, r.State(v1.ServiceCodeHost))

	now = now.Add(2 * time.Second) // past cooldown
	err := r.Call(context.Background(), "code-host:x", Options{}, func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, v1.BreakerClosed, r.State(v1.ServiceCodeHost))
}

func TestBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	now := time.Now()
	r := newTestRegistry(&now)
	transient := errors.New("timed out")
	for i := 0; i < 3; i++ {
		_ = r.Call(context.Background(), "code-host:x", Options{MaxAttempts: 1}, func(ctx context.Context) error {
			return transient
		})
	}
	now = now.Add(2 * time.Second)
	_ = r.Call(context.Background(), "code-host:x", Options{MaxAttempts: 1}, func(ctx context.Context) error {
		return transient
	})
	assert.Equal(t, v1.BreakerOpen, r.State(v1.ServiceCodeHost))
}

func TestBreakerHalfOpenProbeNonTransientFailureReopens(t *testing.T) {
	now := time.Now()
	r := newTestRegistry(&now)
	transient := errors.New("timed out")
	for i := 0; i < 3; i++ {
		_ = r.Call(context.Background(), "code-host:x", Options{MaxAttempts: 1}, func(ctx context.Context) error {
			return transient
		})
	}
	require.Equal(t, v1.BreakerOpen, r.State(v1.ServiceCodeHost))

	now = now.Add(2 * time.Second) // past cooldown
	authErr := errors.New("unauthorized")
	_ = r.Call(context.Background(), "code-host:x", Options{MaxAttempts: 3}, func(ctx context.Context) error {
		return authErr
	})
	// The probe failed with a non-transient error: the breaker must still
	// settle (reopen), not wedge in half_open forever.
	assert.Equal(t, v1.BreakerOpen, r.State(v1.ServiceCodeHost))

	now = now.Add(r.cooldown)
	err := r.Call(context.Background(), "code-host:x", Options{}, func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err, "breaker must admit a fresh probe after reopening, not stay wedged")
	assert.Equal(t, v1.BreakerClosed, r.State(v1.ServiceCodeHost))
}

func TestServicesAreIndependent(t *testing.T) {
	now := time.Now()
	r := newTestRegistry(&now)
	transient := errors.New("timed out")
	for i := 0; i < 3; i++ {
		_ = r.Call(context.Background(), "code-host:x", Options{MaxAttempts: 1}, func(ctx context.Context) error {
			return transient
		})
	}
	assert.Equal(t, v1.BreakerOpen, r.State(v1.ServiceCodeHost))
	assert.Equal(t, v1.BreakerClosed, r.State(v1.ServiceIssueTracker))
}

func TestNonTransientErrorBypassesBreaker(t *testing.T) {
	now := time.Now()
	r := newTestRegistry(&now)
	authErr := errors.New("unauthorized")

	for i := 0; i < 5; i++ {
		calls := 0
		err := r.Call(context.Background(), "issue-tracker:x", Options{MaxAttempts: 3}, func(ctx context.Context) error {
			calls++
			return authErr
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls, "non-transient error should not be retried")
	}
	assert.Equal(t, v1.BreakerClosed, r.State(v1.ServiceIssueTracker))
}

func TestRetryAfterHeaderHonored(t *testing.T) {
	now := time.Now()
	r := newTestRegistry(&now)
	attempts := 0
	err := r.Call(context.Background(), "code-host:x", Options{MaxAttempts: 2, MaxDelay: time.Hour}, func(ctx context.Context) error {
		attempts++
		if attempts == 1 {
			return &HTTPStatusError{StatusCode: 429, RetryAfter: "1"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestIsTransientClassifier(t *testing.T) {
	assert.True(t, IsTransient(&HTTPStatusError{StatusCode: 429}))
	assert.True(t, IsTransient(&HTTPStatusError{StatusCode: 503}))
	assert.False(t, IsTransient(&HTTPStatusError{StatusCode: 404}))
	assert.True(t, IsTransient(errors.New("fetch failed: connection reset")))
	assert.False(t, IsTransient(errors.New("validation failed")))
}
