package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
)

// EnsureSchema executes schema statements in order.
// Statements are expected to be idempotent (IF NOT EXISTS).
func EnsureSchema(ctx context.Context, db *sql.DB, stmts []string) error {
	if db == nil {
		return ErrDBRequired
	}
	for i, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("outbox sql: schema statement %d failed: %w", i, err)
		}
	}

	return nil
}
