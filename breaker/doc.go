// Package breaker implements a circuit breaker whose state is shared between
// processes through a pluggable Storage.
//
// Each logical service name ("outbox-event-sink", "trace-collector", ...) owns
// one Snapshot. Transitions are computed in Go and persisted with a per-key
// compare-and-swap, so concurrent callers never lose updates:
//
//	closed    --(failure rate >= threshold, requests >= minimum)--> open
//	open      --(IntervalToHalfOpen elapsed, first caller)--------> half-open
//	half-open --(probe succeeds)--> closed
//	half-open --(probe fails)-----> open
//
// RedisStorage shares state across workers. NewStorage probes Redis at
// construction time and falls back to MemoryStorage, which is only consistent
// within the current process.
package breaker
