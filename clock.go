package outbox

import (
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
}

// SystemClock uses the system time in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// IDGenerator creates entry identifiers.
type IDGenerator interface {
	New() (uuid.UUID, error)
}

// UUIDv7Generator produces time-ordered UUID v7 identifiers.
type UUIDv7Generator struct{}

// New implements IDGenerator.
func (UUIDv7Generator) New() (uuid.UUID, error) {
	return uuid.NewV7()
}
