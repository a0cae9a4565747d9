package outbox

import "errors"

var (
	// ErrUnknownMessageType is returned for message types other than EVENT and TASK.
	ErrUnknownMessageType = errors.New("outbox message type is unknown")
	// ErrAggregateTypeRequired is returned when Entry.AggregateType is empty.
	ErrAggregateTypeRequired = errors.New("outbox aggregate type is required")
	// ErrEventTypeRequired is returned when Entry.EventType is empty.
	ErrEventTypeRequired = errors.New("outbox event type is required")
	// ErrPayloadRequired is returned when Entry.Payload is empty.
	ErrPayloadRequired = errors.New("outbox payload is required")
	// ErrInvalidPayload is returned when Entry.Payload is not valid JSON.
	ErrInvalidPayload = errors.New("outbox payload must be valid JSON")
	// ErrExecutorRequired is returned when staging without a transaction handle.
	ErrExecutorRequired = errors.New("outbox executor is required")
	// ErrPersistence wraps every failure to read or write outbox rows.
	ErrPersistence = errors.New("outbox persistence failure")
	// ErrPermanent marks delivery failures that retrying cannot fix.
	ErrPermanent = errors.New("outbox permanent dispatch failure")
	// ErrMalformedPayload is returned when an event payload cannot be decoded.
	ErrMalformedPayload = errors.New("outbox payload is malformed")
	// ErrUnresolvableTask is returned when a task has no type or route.
	ErrUnresolvableTask = errors.New("outbox task cannot be resolved")
	// ErrRecursiveTaskSink is returned when a publisher is built over the staging task sink.
	ErrRecursiveTaskSink = errors.New("outbox task sink stages into the outbox itself")
	// ErrInvalidBatchSize indicates that the requested batch size is not positive.
	ErrInvalidBatchSize = errors.New("outbox batch size must be positive")
	// ErrRetentionInvalid is returned when sweeper retention is not positive.
	ErrRetentionInvalid = errors.New("outbox retention must be positive")
	// ErrLockHeld is returned by a Locker when another holder owns the lease.
	ErrLockHeld = errors.New("outbox lock held by another holder")
	// ErrLeaseLost cancels a batch whose leader lease could not be renewed.
	ErrLeaseLost = errors.New("outbox leader lease lost")
	// ErrWorkerPanic indicates a relay worker panic.
	ErrWorkerPanic = errors.New("outbox worker panic")
	// ErrStoreRequired is returned when a nil store is provided.
	ErrStoreRequired = errors.New("outbox store is required")
	// ErrDispatcherRequired is returned when a nil dispatcher is provided.
	ErrDispatcherRequired = errors.New("outbox dispatcher is required")
	// ErrSinkRequired is returned when an event or task sink is missing.
	ErrSinkRequired = errors.New("outbox event and task sinks are required")
)
