package storage_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/xray/internal/storage"
)

// liteErr mimics a modernc.org/sqlite error code.
type liteErr int

func (e liteErr) Error() string { return fmt.Sprintf("sqlite error %d", int(e)) }
func (e liteErr) Code() int     { return int(e) }

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"lock timeout", &pgconn.PgError{Code: "55P03"}, true},
		{"wrapped deadlock", fmt.Errorf("storage: end step: %w", &pgconn.PgError{Code: "40P01"}), true},
		{"foreign key violation", &pgconn.PgError{Code: "23503"}, false},
		{"sqlite busy", liteErr(5), true},
		{"sqlite locked", liteErr(6), true},
		{"sqlite busy snapshot", liteErr(517), true},
		{"sqlite constraint", liteErr(19), false},
		{"not found", storage.ErrNotFound, false},
		{"canceled", context.Canceled, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, storage.IsTransient(tt.err))
		})
	}
}

var fastPolicy = storage.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	var retried []int
	n, err := storage.Retry(context.Background(), fastPolicy, func(context.Context) (int64, error) {
		calls++
		if calls < 3 {
			return 0, &pgconn.PgError{Code: "40001"}
		}
		return 1, nil
	}, func(attempt int, _ error) { retried = append(retried, attempt) })

	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestRetry_StopsOnPermanentError(t *testing.T) {
	calls := 0
	_, err := storage.Retry(context.Background(), fastPolicy, func(context.Context) (int64, error) {
		calls++
		return 0, storage.ErrNotFound
	}, nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, 1, calls)
}

func TestRetry_GivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	_, err := storage.Retry(context.Background(), fastPolicy, func(context.Context) (int64, error) {
		calls++
		return 0, liteErr(5)
	}, nil)
	var le liteErr
	require.ErrorAs(t, err, &le)
	assert.Equal(t, 3, calls)
}

func TestRetry_HonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	slow := storage.RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour}
	calls := 0
	_, err := storage.Retry(ctx, slow, func(context.Context) (int64, error) {
		calls++
		cancel()
		return 0, &pgconn.PgError{Code: "40P01"}
	}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
