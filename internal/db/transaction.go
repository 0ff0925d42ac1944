// Package db provides the SQLite offline page cache.
package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

const (
	defaultRetryAttempts = 3
	defaultRetryBackoff  = 50 * time.Millisecond
)

// TransactionWithRetry runs a transaction, retrying busy database errors
// with doubling backoff. Non-positive arguments take the defaults.
func (db *DB) TransactionWithRetry(ctx context.Context, maxAttempts int, baseBackoff time.Duration, fn func(*sql.Tx) error) error {
	if maxAttempts <= 0 {
		maxAttempts = defaultRetryAttempts
	}
	if baseBackoff <= 0 {
		baseBackoff = defaultRetryBackoff
	}

	onRetry := func(attempt int, backoff time.Duration, err error) {
		db.logger.Debug().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("database busy, retrying")
	}
	return withRetry(ctx, maxAttempts, baseBackoff, onRetry, func() error {
		return db.Transaction(ctx, fn)
	})
}

func withRetry(ctx context.Context, maxAttempts int, baseBackoff time.Duration, onRetry func(int, time.Duration, error), fn func() error) error {
	attempt := 0
	backoff := baseBackoff

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := fn()
		if err == nil {
			return nil
		}

		attempt++
		if !isBusyError(err) || attempt >= maxAttempts {
			return err
		}
		if onRetry != nil {
			onRetry(attempt, backoff, err)
		}

		if err := sleepWithContext(ctx, backoff); err != nil {
			return err
		}

		backoff *= 2
	}
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	message := strings.ToLower(err.Error())
	return strings.Contains(message, "database is locked") ||
		strings.Contains(message, "database is busy") ||
		strings.Contains(message, "database table is locked") ||
		strings.Contains(message, "sqlite_busy") ||
		strings.Contains(message, "sqlite_locked")
}

func sleepWithContext(ctx context.Context, duration time.Duration) error {
	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
