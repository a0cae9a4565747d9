// Package dispatch runs calls to external sinks behind a circuit breaker.
//
// The same shape serves outbox delivery and telemetry export: if the sink's
// circuit is open the call is skipped without blocking, otherwise the outcome
// of the call is reported back to the breaker.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/velmie/outbox-dispatch/logging"
)

// Stable service names used as circuit keys.
const (
	ServiceEventSink      = "outbox-event-sink"
	ServiceTaskSink       = "outbox-task-sink"
	ServiceTraceCollector = "trace-collector"
	ServiceLogCollector   = "log-collector"
)

var (
	// ErrCircuitOpen is reported for calls skipped because the circuit is open.
	ErrCircuitOpen = errors.New("dispatch: circuit open")
	// ErrPanic wraps a panic recovered from an operation.
	ErrPanic = errors.New("dispatch: operation panicked")
)

// CircuitBreaker is the subset of breaker.Breaker used by Dispatcher.
type CircuitBreaker interface {
	IsAvailable(ctx context.Context, service string) bool
	OnSuccess(ctx context.Context, service string)
	OnFailure(ctx context.Context, service string)
}

// Admitter is implemented by breakers that tie an outcome to the admission
// that allowed the call, such as breaker.Breaker.
type Admitter interface {
	Admit(ctx context.Context, service string) (report func(ctx context.Context, success bool), ok bool)
}

// Status is the outcome of a dispatched call.
type Status int

const (
	// StatusSucceeded means the operation ran and returned no error.
	StatusSucceeded Status = iota
	// StatusFailed means the operation ran and failed or panicked.
	StatusFailed
	// StatusSkipped means the circuit was open and the operation did not run.
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result describes one dispatched call.
type Result struct {
	Service string
	Status  Status
	// Cause is the operation error when Status is StatusFailed.
	Cause error
}

// Succeeded reports whether the operation ran without error.
func (r Result) Succeeded() bool { return r.Status == StatusSucceeded }

// Skipped reports whether the operation was not attempted.
func (r Result) Skipped() bool { return r.Status == StatusSkipped }

// Err returns nil on success, ErrCircuitOpen when skipped and the cause otherwise.
func (r Result) Err() error {
	switch r.Status {
	case StatusSucceeded:
		return nil
	case StatusSkipped:
		return fmt.Errorf("%w: %s", ErrCircuitOpen, r.Service)
	default:
		return r.Cause
	}
}

// Dispatcher wraps calls with circuit-breaker bookkeeping.
// It adds no timeout, retry or queuing of its own.
type Dispatcher struct {
	breaker CircuitBreaker
	logger  logging.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logging.OrNop(logger)
	}
}

// New creates a Dispatcher.
func New(breaker CircuitBreaker, opts ...Option) *Dispatcher {
	d := &Dispatcher{breaker: breaker, logger: logging.Nop{}}
	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Dispatch runs op for service unless its circuit is open.
// A panic in op is recovered and reported as a failure.
func (d *Dispatcher) Dispatch(ctx context.Context, service string, op func(ctx context.Context) error) Result {
	_, res := Call(ctx, d, service, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})

	return res
}

// Call is Dispatch for operations that return a value.
func Call[T any](ctx context.Context, d *Dispatcher, service string, op func(ctx context.Context) (T, error)) (T, Result) {
	var zero T
	report, ok := d.admit(ctx, service)
	if !ok {
		d.logger.Debug("circuit open, call skipped", "service", service)

		return zero, Result{Service: service, Status: StatusSkipped}
	}

	value, err := invoke(ctx, op)
	if err != nil {
		report(ctx, false)

		return zero, Result{Service: service, Status: StatusFailed, Cause: err}
	}
	report(ctx, true)

	return value, Result{Service: service, Status: StatusSucceeded}
}

func (d *Dispatcher) admit(ctx context.Context, service string) (func(context.Context, bool), bool) {
	if a, ok := d.breaker.(Admitter); ok {
		return a.Admit(ctx, service)
	}
	if !d.breaker.IsAvailable(ctx, service) {
		return nil, false
	}

	return func(ctx context.Context, success bool) {
		if success {
			d.breaker.OnSuccess(ctx, service)
		} else {
			d.breaker.OnFailure(ctx, service)
		}
	}, true
}

func invoke[T any](ctx context.Context, op func(ctx context.Context) (T, error)) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()

	return op(ctx)
}
