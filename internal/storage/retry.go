package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	sqlite3 "modernc.org/sqlite/lib"
)

// RetryPolicy bounds how a single event write is retried after a transient
// failure. MaxAttempts counts the first try.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy is used by the ingest service unless overridden.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 4,
	BaseDelay:   10 * time.Millisecond,
	MaxDelay:    250 * time.Millisecond,
}

// sqliteCoder is implemented by modernc.org/sqlite errors.
type sqliteCoder interface {
	Code() int
}

// IsTransient reports whether a failed write can be retried as is.
//
// Postgres: serialization failures, deadlocks, lock timeouts, and
// connection errors raised before the statement reached the server.
// SQLite: SQLITE_BUSY and SQLITE_LOCKED, including extended codes.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03": // lock_not_available
			return true
		}
		return false
	}
	var lite sqliteCoder
	if errors.As(err, &lite) {
		switch lite.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	return pgconn.SafeToRetry(err)
}

// Retry calls fn until it succeeds, fails with a non-transient error, or the
// policy's attempts run out. onRetry, when non-nil, is told about each
// failure that will be retried. Delays double from BaseDelay up to MaxDelay,
// with up to 100% jitter.
func Retry[T any](ctx context.Context, p RetryPolicy, fn func(context.Context) (T, error), onRetry func(attempt int, err error)) (T, error) {
	attempts := max(p.MaxAttempts, 1)
	delay := p.BaseDelay

	var (
		out T
		err error
	)
	for attempt := 1; ; attempt++ {
		out, err = fn(ctx)
		if err == nil || !IsTransient(err) || attempt == attempts {
			return out, err
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}

		wait := delay
		if delay > 0 {
			wait += time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		}
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}
