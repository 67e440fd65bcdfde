package store

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/common/logger"
)

const (
	busyRetryMaxAttempts = 5
	busyRetryBaseDelay   = 50 * time.Millisecond
	busyRetryMaxDelay    = 2 * time.Second
	busyRetryFactor      = 2
	busyRetryJitter      = 0.3
)

// isBusyErr detects SQLITE_BUSY (5) / SQLITE_LOCKED (6), either via the
// driver's typed error or a message match (for errors that cross a sqlx
// wrapper boundary and lose their concrete type).
func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if ok := asSqliteError(err, &sqliteErr); ok {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}

func asSqliteError(err error, target *sqlite3.Error) bool {
	if e, ok := err.(sqlite3.Error); ok {
		*target = e
		return true
	}
	return false
}

// withBusyRetry runs fn, retrying on SQLITE_BUSY/SQLITE_LOCKED up to
// busyRetryMaxAttempts times with exponential backoff and jitter. On
// exhaustion the offending payload description is logged at error level
// before the error is returned, so no write is lost silently.
func withBusyRetry(ctx context.Context, log *logger.Logger, payloadDesc string, fn func() error) error {
	var lastErr error
	delay := busyRetryBaseDelay
	for attempt := 1; attempt <= busyRetryMaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isBusyErr(err) {
			return err
		}
		if attempt == busyRetryMaxAttempts {
			break
		}
		jittered := delay + time.Duration(rand.Float64()*busyRetryJitter*float64(delay))
		if jittered > busyRetryMaxDelay {
			jittered = busyRetryMaxDelay
		}
		timer := time.NewTimer(jittered)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= busyRetryFactor
		if delay > busyRetryMaxDelay {
			delay = busyRetryMaxDelay
		}
	}
	if log != nil {
		log.Error("write exhausted busy-retry attempts",
			zap.String("payload", payloadDesc),
			zap.Error(lastErr),
			zap.Int("attempts", busyRetryMaxAttempts))
	}
	return lastErr
}
