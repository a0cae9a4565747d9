// Package outbox implements a transactional outbox with circuit-breaker-protected delivery.
//
// Typical flow:
//  1. Within a business transaction, stage entries with a Stager. They commit or roll back with the business rows.
//  2. Run a Relay that polls eligible entries in sequence order and hands them to a Publisher.
//  3. The Publisher sends EVENT entries to an EventSink and TASK entries to a TaskSink through a
//     dispatch.Dispatcher, then marks each entry published, schedules a retry with backoff, or
//     dead-letters it. Entries whose sink circuit is open are left untouched for the next poll.
//  4. A Sweeper periodically removes published entries past retention and dead letters past the retry ceiling.
//
// SQL stores live in the mysql, sqlite and postgres packages.
package outbox
