package outbox

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

const (
	defaultBackoffInitial = time.Second
	defaultBackoffMax     = 5 * time.Minute
	maxBackoffShift       = 62
)

// Backoff computes the delay before the next delivery attempt.
type Backoff struct {
	// Initial is the delay after the first failure.
	Initial time.Duration
	// Max caps the delay.
	Max time.Duration
	// Jitter randomizes the delay in [delay/2, delay) (equal jitter).
	Jitter bool
}

// DefaultBackoff returns 1s doubling up to 5m with jitter.
func DefaultBackoff() Backoff {
	return Backoff{Initial: defaultBackoffInitial, Max: defaultBackoffMax, Jitter: true}
}

func (b Backoff) withDefaults() Backoff {
	if b.Initial <= 0 {
		b.Initial = defaultBackoffInitial
	}
	if b.Max <= 0 {
		b.Max = defaultBackoffMax
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}

	return b
}

// Delay returns Initial*2^retryCount capped at Max.
func (b Backoff) Delay(retryCount int) time.Duration {
	b = b.withDefaults()
	delay := exponential(b.Initial, retryCount)
	if delay > b.Max {
		delay = b.Max
	}
	if !b.Jitter {
		return delay
	}

	half := delay / 2
	if half <= 0 {
		return delay
	}

	return half + rand.N(delay-half) // #nosec G404 -- jitter does not need crypto randomness
}

func exponential(base time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	} else if attempt > maxBackoffShift {
		attempt = maxBackoffShift
	}

	multiplier := int64(1) << attempt
	if int64(base) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}

	return base * time.Duration(multiplier)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
