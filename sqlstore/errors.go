package sqlstore

import "errors"

var (
	// ErrDBRequired is returned when a nil *sql.DB is provided.
	ErrDBRequired = errors.New("outbox sql: db is required")
	// ErrDialectRequired is returned when the dialect is incomplete.
	ErrDialectRequired = errors.New("outbox sql: dialect is required")
	// ErrTableNameRequired is returned when the table name is empty.
	ErrTableNameRequired = errors.New("outbox sql: table name is required")
	// ErrInvalidTableName is returned when the table name has disallowed characters.
	ErrInvalidTableName = errors.New("outbox sql: invalid table name")
	// ErrInvalidTime is returned when a stored timestamp cannot be parsed.
	ErrInvalidTime = errors.New("outbox sql: invalid stored time")
)
