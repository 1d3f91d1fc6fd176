// Package shared provides common utilities used across the codebase.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// IsSQLiteBusyError checks if the error is a SQLITE_BUSY error.
// This occurs when the database is locked by another connection.
func IsSQLiteBusyError(err error) bool {
	return hasPrimaryCode(err, sqlite3.SQLITE_BUSY) || containsMessage(err, "SQLITE_BUSY")
}

// IsSQLiteLockedError checks if the error is a SQLITE_LOCKED or "database is locked" error.
func IsSQLiteLockedError(err error) bool {
	return hasPrimaryCode(err, sqlite3.SQLITE_LOCKED) || containsMessage(err, "database is locked")
}

// IsSQLiteConflictError checks if the error is either a SQLITE_BUSY
// or "database is locked" error. These are both SQLite concurrency
// errors that typically warrant retry logic.
func IsSQLiteConflictError(err error) bool {
	if err == nil {
		return false
	}
	return IsSQLiteBusyError(err) || IsSQLiteLockedError(err)
}

// RetryOnConflict runs op until it succeeds, fails with a non-conflict error,
// or maxAttempts is reached. Delays double from baseDelay between attempts.
func RetryOnConflict(ctx context.Context, maxAttempts int, baseDelay time.Duration, op func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var err error
	for i := 0; i < maxAttempts; i++ {
		err = op()
		if err == nil || !IsSQLiteConflictError(err) || i == maxAttempts-1 {
			return err
		}
		delay := baseDelay * time.Duration(1<<i)
		slog.Debug("SQLite conflict, retrying", "attempt", i+1, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func hasPrimaryCode(err error, code int) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	// Extended result codes keep the primary code in the low byte.
	return sqliteErr.Code()&0xff == code
}

func containsMessage(err error, msg string) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), msg)
}
