// Package sqlstore implements outbox.Store over database/sql.
//
// Engine differences (placeholders, time encoding, sequence retrieval and
// bounded deletes) are described by a Dialect; see the mysql, sqlite and
// postgres packages for ready-made dialects and schemas.
//
// Entries are inserted through the caller's transaction. Polling uses no
// row locks: ordering is by sequence_number and at-least-once delivery is
// guaranteed by the published_at guard on every update.
package sqlstore
