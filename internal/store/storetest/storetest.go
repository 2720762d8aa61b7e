// Package storetest opens migrated in-memory stores for tests.
package storetest

import (
	"database/sql"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/lox/forecastaccuracy/internal/store"
)

// New returns a migrated store backed by a private in-memory database. The pool
// is pinned to one connection because every new SQLite :memory: connection is a
// separate, empty database.
func New(t testing.TB) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err, "open db")
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s := store.New(db, Logger())
	require.NoError(t, s.Migrate(), "migrate")
	return s
}

// Logger discards output so expected warnings do not clutter test logs.
func Logger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func Float(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: true}
}
