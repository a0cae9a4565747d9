package breaker

import "errors"

var (
	// ErrStorageRequired is returned when a nil Storage is provided.
	ErrStorageRequired = errors.New("breaker: storage is required")
	// ErrServiceRequired is returned when an empty service name is used.
	ErrServiceRequired = errors.New("breaker: service name is required")
	// ErrContention is returned when a compare-and-swap kept conflicting until
	// the context was done or the configured attempts ran out.
	ErrContention = errors.New("breaker: too much contention on shared state")
	// ErrInvalidSnapshot is returned when stored state cannot be decoded.
	ErrInvalidSnapshot = errors.New("breaker: invalid stored snapshot")
)
