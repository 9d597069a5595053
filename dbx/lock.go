package dbx

import (
	"context"
	"fmt"
	"strings"
)

// AlreadyRunningError means another run currently holds the advisory lock
// for this (window_start, window_end, payment_type) tuple.
type AlreadyRunningError struct {
	Key string
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("revenue window %s is already being finalized by another run", e.Key)
}

// AcquireWindowLock takes the exclusive, transaction-scoped lock required
// by §5: "Per-window allocation must run exclusively for a given (start,
// end, payment_type) tuple." On Postgres this is a transaction-level
// advisory lock hashed from the key, released automatically at
// COMMIT/ROLLBACK. SQLite
// has no advisory locks, so the fallback inserts a row into a UNIQUE-keyed
// lock table inside the same BEGIN IMMEDIATE transaction; a concurrent
// run's insert fails with a constraint violation, translated here to
// AlreadyRunningError.
func AcquireWindowLock(ctx context.Context, conn *CompatConn, dialect Dialect, key string) error {
	if dialect == DialectPostgres {
		_, err := conn.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext(?))", key)
		if err != nil {
			return fmt.Errorf("acquire advisory lock: %w", err)
		}
		return nil
	}

	_, err := conn.ExecContext(ctx, "INSERT INTO revenue_window_locks (lock_key) VALUES (?)", key)
	if err != nil {
		if isUniqueViolation(err) {
			return &AlreadyRunningError{Key: key}
		}
		return fmt.Errorf("acquire lock row: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "constraint")
}
