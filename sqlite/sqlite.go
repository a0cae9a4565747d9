// Package sqlite provides the SQLite dialect, schema and driver wiring for
// the outbox SQL store. It uses the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/velmie/outbox-dispatch/sqlstore"
)

// DriverName is the database/sql driver name registered by modernc.org/sqlite.
const DriverName = "sqlite"

// TimeLayout is fixed-width so text comparison orders timestamps correctly.
const TimeLayout = "2006-01-02 15:04:05.000000000"

// Dialect describes SQLite to the SQL store.
var Dialect = sqlstore.Dialect{
	Name:       "sqlite",
	Greatest:   "MAX",
	TimeLayout: TimeLayout,
}

const schemaTemplate = `CREATE TABLE IF NOT EXISTS %s (
	sequence_number INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	message_type TEXT NOT NULL,
	aggregate_type TEXT NOT NULL,
	aggregate_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	event_payload TEXT NOT NULL,
	topic TEXT NOT NULL DEFAULT '',
	routing_key TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	published_at TEXT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NULL,
	next_retry_at TEXT NULL
)`

// Open opens a database and verifies the connection.
// In-memory databases are limited to one connection so every caller sees the same data.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, err
	}
	if strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()

		return nil, err
	}

	return db, nil
}

// Schema returns the statements creating the outbox table and its indexes.
func Schema(table string) ([]string, error) {
	name, err := sqlstore.TableName(table)
	if err != nil {
		return nil, err
	}
	if strings.Contains(name, ".") {
		return nil, fmt.Errorf("%w: sqlite tables cannot be schema-qualified: %s", sqlstore.ErrInvalidTableName, name)
	}

	return []string{
		fmt.Sprintf(schemaTemplate, name),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (published_at, sequence_number)",
			sqlstore.IndexName(name, "eligible_idx"), name),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (aggregate_type, aggregate_id)",
			sqlstore.IndexName(name, "aggregate_idx"), name),
	}, nil
}

// NewStore constructs an SQLite-backed outbox store.
func NewStore(db *sql.DB, opts ...sqlstore.Option) (*sqlstore.Store, error) {
	return sqlstore.New(db, Dialect, opts...)
}
