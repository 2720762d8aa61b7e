package store

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v4"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// withRetry retries op while SQLite reports the database as busy or locked.
// Any other error is returned immediately.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if isBusy(err) {
			s.logger.Warn("database busy, retrying", "attempt", attempt, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = s.retryTimeout
	return backoff.Retry(operation, backoff.WithContext(bo, ctx))
}

func isBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}
