// Package mysql provides the MySQL 8.0+ dialect, schema and advisory lock
// for the outbox SQL store.
//
// The table keeps an AUTO_INCREMENT sequence_number as the primary key so
// polling is an index range scan over (published_at, sequence_number).
// Bounded deletes use DELETE ... ORDER BY ... LIMIT.
//
// Locker uses GET_LOCK/RELEASE_LOCK on a dedicated connection and can be
// passed to outbox.WithLeaderLock or SweeperConfig.Locker.
package mysql
