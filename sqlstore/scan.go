package sqlstore

import (
	"database/sql"
	"fmt"
	"time"

	outbox "github.com/velmie/outbox-dispatch"
)

// nullTime scans a nullable timestamp stored natively or as text.
type nullTime struct {
	dialect Dialect
	Time    time.Time
	Valid   bool
}

func (n *nullTime) Scan(src any) error {
	t, ok, err := n.dialect.decodeTime(src)
	if err != nil {
		return fmt.Errorf("%w: %v", err, src)
	}
	n.Time, n.Valid = t, ok

	return nil
}

func (n *nullTime) ptr() *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time

	return &t
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner, d Dialect) (outbox.Entry, error) {
	var (
		entry       outbox.Entry
		messageType string
		payload     []byte
		lastError   sql.NullString
		createdAt   = nullTime{dialect: d}
		publishedAt = nullTime{dialect: d}
		nextRetryAt = nullTime{dialect: d}
	)

	err := row.Scan(
		&entry.SequenceNumber,
		&entry.ID,
		&messageType,
		&entry.AggregateType,
		&entry.AggregateID,
		&entry.EventType,
		&payload,
		&entry.Topic,
		&entry.RoutingKey,
		&createdAt,
		&publishedAt,
		&entry.RetryCount,
		&lastError,
		&nextRetryAt,
	)
	if err != nil {
		return outbox.Entry{}, err
	}

	entry.MessageType = outbox.MessageType(messageType)
	entry.Payload = payload
	entry.CreatedAt = createdAt.Time
	entry.PublishedAt = publishedAt.ptr()
	entry.LastError = lastError.String
	entry.NextRetryAt = nextRetryAt.ptr()

	return entry, nil
}

func scanEntries(rows *sql.Rows, d Dialect, capacity int) ([]outbox.Entry, error) {
	defer rows.Close()

	entries := make([]outbox.Entry, 0, capacity)
	for rows.Next() {
		entry, err := scanEntry(rows, d)
		if err != nil {
			return nil, fmt.Errorf("%w: scan: %w", outbox.ErrPersistence, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: rows: %w", outbox.ErrPersistence, err)
	}

	return entries, nil
}
