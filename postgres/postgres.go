// Package postgres provides the PostgreSQL dialect, schema and advisory lock
// for the outbox SQL store, using pgx through database/sql.
package postgres

import (
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/velmie/outbox-dispatch/sqlstore"
)

// DriverName is the database/sql driver name registered by pgx/stdlib.
const DriverName = "pgx"

// Dialect describes PostgreSQL to the SQL store.
var Dialect = sqlstore.Dialect{
	Name:           "postgres",
	NumberedParams: true,
	Returning:      true,
	Greatest:       "GREATEST",
}

const schemaTemplate = `CREATE TABLE IF NOT EXISTS %s (
	sequence_number BIGSERIAL PRIMARY KEY,
	id UUID NOT NULL UNIQUE,
	message_type VARCHAR(16) NOT NULL,
	aggregate_type VARCHAR(128) NOT NULL,
	aggregate_id VARCHAR(128) NOT NULL,
	event_type VARCHAR(128) NOT NULL,
	event_payload JSONB NOT NULL,
	topic VARCHAR(255) NOT NULL DEFAULT '',
	routing_key VARCHAR(255) NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	published_at TIMESTAMPTZ NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NULL,
	next_retry_at TIMESTAMPTZ NULL
)`

// Schema returns the statements creating the outbox table and its indexes.
func Schema(table string) ([]string, error) {
	name, err := sqlstore.TableName(table)
	if err != nil {
		return nil, err
	}
	base := sqlstore.BaseName(name)

	return []string{
		fmt.Sprintf(schemaTemplate, name),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (published_at, sequence_number)",
			sqlstore.IndexName(base, "eligible_idx"), name),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (aggregate_type, aggregate_id)",
			sqlstore.IndexName(base, "aggregate_idx"), name),
	}, nil
}

// Open parses dsn and opens a pool whose sessions run in UTC.
func Open(dsn string) (*sql.DB, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("outbox postgres: parse dsn: %w", err)
	}
	if cfg.RuntimeParams == nil {
		cfg.RuntimeParams = map[string]string{}
	}
	cfg.RuntimeParams["timezone"] = "UTC"

	return stdlib.OpenDB(*cfg), nil
}

// NewStore constructs a PostgreSQL-backed outbox store.
func NewStore(db *sql.DB, opts ...sqlstore.Option) (*sqlstore.Store, error) {
	return sqlstore.New(db, Dialect, opts...)
}
