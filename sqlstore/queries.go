package sqlstore

import (
	"fmt"
	"strings"
)

const (
	columns = "sequence_number, id, message_type, aggregate_type, aggregate_id, event_type, event_payload, " +
		"topic, routing_key, created_at, published_at, retry_count, last_error, next_retry_at"
	eligibleWhere  = "published_at IS NULL AND (next_retry_at IS NULL OR next_retry_at <= ?)"
	publishedWhere = "published_at IS NOT NULL AND published_at < ?"
	deadWhere      = "published_at IS NULL AND retry_count >= ?"
)

type queries struct {
	insert           string
	markFailed       string
	markDead         string
	countPublished   string
	deletePublished  string
	countDead        string
	listDead         string
	deleteDead       string
	metrics          string
	oldestPending    string
	dialect          Dialect
	table            string
	publishedPrefix  string
	deadLetterPrefix string
}

func newQueries(table string, d Dialect) queries {
	insert := fmt.Sprintf(
		"INSERT INTO %s (id, message_type, aggregate_type, aggregate_id, event_type, event_payload, "+
			"topic, routing_key, created_at, retry_count) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)",
		table,
	)
	if d.Returning {
		insert += " RETURNING sequence_number"
	}

	q := queries{
		insert: insert,
		markFailed: fmt.Sprintf(
			"UPDATE %s SET retry_count = retry_count + 1, last_error = ?, next_retry_at = ? "+
				"WHERE id = ? AND published_at IS NULL",
			table,
		),
		markDead: fmt.Sprintf(
			"UPDATE %s SET retry_count = %s(retry_count + 1, ?), last_error = ?, next_retry_at = NULL "+
				"WHERE id = ? AND published_at IS NULL",
			table,
			d.Greatest,
		),
		countPublished:  fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", table, publishedWhere),
		deletePublished: limitedDelete(table, publishedWhere, d),
		countDead:       fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", table, deadWhere),
		listDead: fmt.Sprintf(
			"SELECT %s FROM %s WHERE %s ORDER BY sequence_number ASC LIMIT ?",
			columns, table, deadWhere,
		),
		deleteDead: limitedDelete(table, deadWhere, d),
		metrics: fmt.Sprintf(
			"SELECT COUNT(CASE WHEN published_at IS NULL THEN 1 END), COUNT(published_at), "+
				"COUNT(CASE WHEN published_at IS NULL AND retry_count > 0 THEN 1 END) FROM %s",
			table,
		),
		oldestPending: fmt.Sprintf(
			"SELECT created_at FROM %s WHERE published_at IS NULL ORDER BY sequence_number ASC LIMIT 1",
			table,
		),
		dialect:          d,
		table:            table,
		publishedPrefix:  fmt.Sprintf("UPDATE %s SET published_at = ?, next_retry_at = NULL WHERE published_at IS NULL AND id IN ", table),
		deadLetterPrefix: fmt.Sprintf("DELETE FROM %s WHERE %s AND id IN ", table, deadWhere),
	}

	return q.rebound()
}

func (q queries) rebound() queries {
	d := q.dialect
	q.insert = d.rebind(q.insert)
	q.markFailed = d.rebind(q.markFailed)
	q.markDead = d.rebind(q.markDead)
	q.countPublished = d.rebind(q.countPublished)
	q.deletePublished = d.rebind(q.deletePublished)
	q.countDead = d.rebind(q.countDead)
	q.listDead = d.rebind(q.listDead)
	q.deleteDead = d.rebind(q.deleteDead)

	return q
}

// poll builds the eligibility query; filters depend on the options.
func (q queries) poll(withType, withMaxRetries bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s WHERE %s", columns, q.table, eligibleWhere)
	if withType {
		b.WriteString(" AND message_type = ?")
	}
	if withMaxRetries {
		b.WriteString(" AND retry_count < ?")
	}
	b.WriteString(" ORDER BY sequence_number ASC LIMIT ?")

	return q.dialect.rebind(b.String())
}

func (q queries) markPublished(count int) string {
	return q.dialect.rebind(q.publishedPrefix + "(" + makePlaceholders(count) + ")")
}

func (q queries) deleteDeadLetters(count int) string {
	return q.dialect.rebind(q.deadLetterPrefix + "(" + makePlaceholders(count) + ")")
}

func limitedDelete(table, where string, d Dialect) string {
	if d.DeleteOrderLimit {
		return fmt.Sprintf("DELETE FROM %s WHERE %s ORDER BY sequence_number ASC LIMIT ?", table, where)
	}

	return fmt.Sprintf(
		"DELETE FROM %s WHERE sequence_number IN (SELECT sequence_number FROM %s WHERE %s ORDER BY sequence_number ASC LIMIT ?)",
		table, table, where,
	)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}

	buf := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '?')
	}

	return string(buf)
}
