package mysql

import (
	"database/sql"
	"fmt"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"

	"github.com/velmie/outbox-dispatch/sqlstore"
)

// DriverName is the database/sql driver name registered by go-sql-driver/mysql.
const DriverName = "mysql"

// Dialect describes MySQL to the SQL store.
var Dialect = sqlstore.Dialect{
	Name:             "mysql",
	Greatest:         "GREATEST",
	DeleteOrderLimit: true,
}

const schemaTemplate = `CREATE TABLE IF NOT EXISTS %s (
	sequence_number BIGINT NOT NULL AUTO_INCREMENT,
	id CHAR(36) NOT NULL,
	message_type VARCHAR(16) NOT NULL,
	aggregate_type VARCHAR(128) NOT NULL,
	aggregate_id VARCHAR(128) NOT NULL,
	event_type VARCHAR(128) NOT NULL,
	event_payload JSON NOT NULL,
	topic VARCHAR(255) NOT NULL DEFAULT '',
	routing_key VARCHAR(255) NOT NULL DEFAULT '',
	created_at DATETIME(6) NOT NULL,
	published_at DATETIME(6) NULL,
	retry_count INT NOT NULL DEFAULT 0,
	last_error VARCHAR(1024) NULL,
	next_retry_at DATETIME(6) NULL,
	PRIMARY KEY (sequence_number),
	UNIQUE KEY %s (id),
	INDEX %s (published_at, sequence_number),
	INDEX %s (aggregate_type, aggregate_id)
)`

// Schema returns the statement creating the outbox table with its indexes.
func Schema(table string) ([]string, error) {
	name, err := sqlstore.TableName(table)
	if err != nil {
		return nil, err
	}

	return []string{fmt.Sprintf(
		schemaTemplate,
		name,
		sqlstore.IndexName(sqlstore.BaseName(name), "id_uq"),
		sqlstore.IndexName(sqlstore.BaseName(name), "eligible_idx"),
		sqlstore.IndexName(sqlstore.BaseName(name), "aggregate_idx"),
	)}, nil
}

// Open parses dsn, forces UTC time handling and opens a connection pool.
func Open(dsn string) (*sql.DB, error) {
	cfg, err := mysqldriver.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("outbox mysql: parse dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC

	connector, err := mysqldriver.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("outbox mysql: connector: %w", err)
	}

	return sql.OpenDB(connector), nil
}

// NewStore constructs a MySQL-backed outbox store.
func NewStore(db *sql.DB, opts ...sqlstore.Option) (*sqlstore.Store, error) {
	return sqlstore.New(db, Dialect, opts...)
}
