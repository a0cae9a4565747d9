package outbox

import (
	"context"
	"errors"
)

// FailureAction defines how a failed delivery should be handled.
type FailureAction int

const (
	// FailureRetry reschedules the entry with backoff.
	FailureRetry FailureAction = iota
	// FailureDead dead-letters the entry immediately.
	FailureDead
)

// FailureClassifier decides whether a failure is retryable.
type FailureClassifier func(ctx context.Context, entry Entry, err error) FailureAction

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return errors.Join(ErrPermanent, err)
}

func defaultFailureClassifier(_ context.Context, _ Entry, err error) FailureAction {
	if errors.Is(err, ErrPermanent) {
		return FailureDead
	}

	return FailureRetry
}
