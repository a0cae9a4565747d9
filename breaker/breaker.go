package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/velmie/outbox-dispatch/logging"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

const recordTimeout = 5 * time.Second

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// StateChangeListener is notified when a service changes state.
type StateChangeListener interface {
	OnStateChange(service string, from, to Status)
}

// StateChangeFunc adapts a function to StateChangeListener.
type StateChangeFunc func(service string, from, to Status)

// OnStateChange implements StateChangeListener.
func (f StateChangeFunc) OnStateChange(service string, from, to Status) {
	f(service, from, to)
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithConfig sets the trip rules used for services without an override.
func WithConfig(cfg Config) Option {
	return func(b *Breaker) {
		b.config = cfg
	}
}

// WithServiceConfig overrides the trip rules for one service.
func WithServiceConfig(service string, cfg Config) Option {
	return func(b *Breaker) {
		b.overrides[service] = cfg
	}
}

// WithClock sets the time source.
func WithClock(clock Clock) Option {
	return func(b *Breaker) {
		if clock != nil {
			b.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(b *Breaker) {
		b.logger = logging.OrNop(logger)
	}
}

// Breaker tracks the health of named downstream services.
//
// Storage errors never block callers: the breaker reports the service as
// available and logs the failure. Contention on the shared state is not an
// outage and keeps the call out.
type Breaker struct {
	storage   Storage
	config    Config
	overrides map[string]Config
	clock     Clock
	logger    logging.Logger

	mu        sync.RWMutex
	listeners []StateChangeListener
}

// New creates a Breaker over storage.
func New(storage Storage, opts ...Option) (*Breaker, error) {
	if storage == nil {
		return nil, ErrStorageRequired
	}

	b := &Breaker{
		storage:   storage,
		config:    DefaultConfig(),
		overrides: make(map[string]Config),
		clock:     systemClock{},
		logger:    logging.Nop{},
	}
	for _, opt := range opts {
		opt(b)
	}
	b.config = b.config.withDefaults()
	for service, cfg := range b.overrides {
		b.overrides[service] = cfg.withDefaults()
	}

	return b, nil
}

// MustNew is like New but panics on error.
func MustNew(storage Storage, opts ...Option) *Breaker {
	b, err := New(storage, opts...)
	if err != nil {
		panic(err)
	}

	return b
}

// ConfigFor returns the effective trip rules of service.
func (b *Breaker) ConfigFor(service string) Config {
	if cfg, ok := b.overrides[service]; ok {
		return cfg
	}

	return b.config
}

// IsAvailable reports whether a call to service may proceed.
// When the open interval has elapsed, exactly one caller claims the half-open
// probe; everyone else gets false until the probe reports back or expires.
func (b *Breaker) IsAvailable(ctx context.Context, service string) bool {
	_, allowed := b.admit(ctx, service)

	return allowed
}

// Admit is IsAvailable for callers that report back through the returned
// function. Outcomes reported that way are tied to the admission: while the
// circuit is half-open only the call that claimed the probe can close or
// reopen it.
func (b *Breaker) Admit(ctx context.Context, service string) (func(ctx context.Context, success bool), bool) {
	call, allowed := b.admit(ctx, service)
	if !allowed {
		return func(context.Context, bool) {}, false
	}

	return func(ctx context.Context, success bool) {
		b.record(ctx, service, success, call)
	}, true
}

func (b *Breaker) admit(ctx context.Context, service string) (admission, bool) {
	if service == "" {
		return admission{}, false
	}
	cfg := b.ConfigFor(service)
	now := b.clock.Now()

	var allowed bool
	var from Status
	next, err := b.storage.Update(ctx, service, func(current Snapshot) (Snapshot, bool) {
		from = current.Status
		var next Snapshot
		var changed bool
		next, allowed, changed = cfg.allow(current, now)

		return next, changed
	})
	if errors.Is(err, ErrContention) {
		b.logger.Warn("circuit breaker state contended, rejecting call", "service", service, "err", err)

		return admission{}, false
	}
	if err != nil {
		b.logger.Warn("circuit breaker state unavailable, allowing call", "service", service, "err", err)

		return admission{tagged: true}, true
	}
	b.notify(service, from, next.Status)

	call := admission{tagged: true}
	if allowed && next.Status == StatusHalfOpen && next.ProbeStartedAt.Equal(now) {
		call.probe = now
	}

	return call, allowed
}

// OnSuccess records a successful call.
func (b *Breaker) OnSuccess(ctx context.Context, service string) {
	b.record(ctx, service, true, admission{})
}

// OnFailure records a failed call.
func (b *Breaker) OnFailure(ctx context.Context, service string) {
	b.record(ctx, service, false, admission{})
}

func (b *Breaker) record(ctx context.Context, service string, success bool, call admission) {
	if service == "" {
		return
	}
	cfg := b.ConfigFor(service)
	now := b.clock.Now()

	// the outcome already happened; a caller giving up must not erase it
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	var from Status
	next, err := b.storage.Update(ctx, service, func(current Snapshot) (Snapshot, bool) {
		from = current.Status
		if success {
			return cfg.recordSuccess(current, now, call)
		}

		return cfg.recordFailure(current, now, call)
	})
	if err != nil {
		b.logger.Warn("circuit breaker outcome not recorded", "service", service, "success", success, "err", err)

		return
	}
	b.notify(service, from, next.Status)
}

// State returns the stored snapshot of service.
func (b *Breaker) State(ctx context.Context, service string) (Snapshot, error) {
	if service == "" {
		return Snapshot{}, ErrServiceRequired
	}

	return b.storage.Load(ctx, service)
}

// Reset forgets everything recorded for service, closing its circuit.
func (b *Breaker) Reset(ctx context.Context, service string) error {
	if service == "" {
		return ErrServiceRequired
	}
	current, err := b.storage.Load(ctx, service)
	if err != nil {
		current = Snapshot{Status: StatusClosed}
	}
	if err := b.storage.Delete(ctx, service); err != nil {
		return err
	}
	b.logger.Info("circuit breaker reset", "service", service)
	b.notify(service, current.Status, StatusClosed)

	return nil
}

// RegisterStateChangeListener adds a listener. Listeners run in their own goroutine.
func (b *Breaker) RegisterStateChangeListener(listener StateChangeListener) {
	if listener == nil {
		b.logger.Warn("attempted to register a nil state change listener")

		return
	}

	b.mu.Lock()
	b.listeners = append(b.listeners, listener)
	b.mu.Unlock()
}

func (b *Breaker) notify(service string, from, to Status) {
	if from == "" {
		from = StatusClosed
	}
	if from == to {
		return
	}

	switch to {
	case StatusOpen:
		b.logger.Warn("circuit opened", "service", service, "from", string(from))
	case StatusHalfOpen:
		b.logger.Info("circuit half-open, probing", "service", service)
	case StatusClosed:
		b.logger.Info("circuit closed", "service", service, "from", string(from))
	}

	b.mu.RLock()
	listeners := make([]StateChangeListener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.RUnlock()

	for _, listener := range listeners {
		go func(l StateChangeListener) {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("circuit breaker state change listener panic", "service", service, "panic", r)
				}
			}()
			l.OnStateChange(service, from, to)
		}(listener)
	}
}
