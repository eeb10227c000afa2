// Package store is the embedded relational persistence layer of spec
// §4.8: a single-file SQLite database in WAL mode with full
// synchronous writes and foreign keys enabled, reached through sqlx
// with sqlhooks query logging and golang-migrate embedded migrations,
// exactly the stack the teacher uses for its own SQLite backend
// (internal/repository/dbConnection.go, migration.go, hooks.go).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	sqlite3drv "github.com/mattn/go-sqlite3"
	"github.com/qustavo/sqlhooks/v2"

	"github.com/nhr-fau/benchmonitor/internal/benchlog"
)

// Store wraps the sqlx connection and exposes the higher-level
// operations used by the batch writer, detector, aggregator and
// coordinator.
type Store struct {
	DB *sqlx.DB
}

// Open connects to the SQLite database at path, registers the hooked
// driver exactly once per process, applies the teacher's sqlite
// pragmas (WAL, full synchronous, foreign keys, busy timeout) and runs
// embedded migrations to the latest version.
func Open(path string) (*Store, error) {
	registerDriverOnce()

	dsn := fmt.Sprintf(
		"%s?_foreign_keys=on&_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000",
		path,
	)
	db, err := sqlx.Open("sqlite3WithHooksBenchmonitor", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// sqlite3 does not benefit from concurrent writers; a single
	// connection avoids waiting on the database-level lock it already
	// serialises through internally.
	db.SetMaxOpenConns(1)

	if err := migrateUp(db.DB); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{DB: db}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.DB.Close()
}

// Ping verifies the connection is alive, used by the maintenance
// loop's health tick.
func (s *Store) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

var driverRegistered bool

func registerDriverOnce() {
	if driverRegistered {
		return
	}
	sql.Register("sqlite3WithHooksBenchmonitor", sqlhooks.Wrap(&sqlite3drv.SQLiteDriver{}, &queryLogHooks{}))
	driverRegistered = true
}

// queryLogHooks logs every query's text and elapsed time at debug
// level, the teacher's sqlhooks.Hooks implementation verbatim in
// shape (internal/repository/hooks.go), renamed to this domain's
// logger.
type queryLogHooks struct{}

type hookTimingKey struct{}

func (h *queryLogHooks) Before(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	benchlog.Debugf("store: query %s %q", query, args)
	return context.WithValue(ctx, hookTimingKey{}, time.Now()), nil
}

func (h *queryLogHooks) After(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	if begin, ok := ctx.Value(hookTimingKey{}).(time.Time); ok {
		benchlog.Debugf("store: query took %s", time.Since(begin))
	}
	return ctx, nil
}
