package outbox

import "context"

// Locker grants named, exclusive leases shared between processes.
type Locker interface {
	// TryLock acquires name without waiting. It returns ErrLockHeld when
	// another holder owns the lease.
	TryLock(ctx context.Context, name string) (Lease, error)
}

// Lease is a held lock.
type Lease interface {
	// Extend confirms the lease is still held and pushes back its expiry.
	Extend(ctx context.Context) error
	// Release gives the lease up.
	Release(ctx context.Context) error
}
