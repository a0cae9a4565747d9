package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const leaseReleaseTimeout = 5 * time.Second

// Relay polls eligible entries in sequence order and hands them to a Publisher.
//
// Each worker is a single poller: entries are published one at a time in the
// order they were polled. With WithWorkers the relay runs one worker per
// message type, so each type keeps its own order. Strict ordering across
// processes needs WithLeaderLock.
type Relay struct {
	poller    Poller
	publisher *Publisher
	cfg       RelayConfig
	workers   []*relayWorker

	sampleMu  sync.Mutex
	sampledAt time.Time
}

// relayWorker polls one message type (or all of them) under its own lease.
type relayWorker struct {
	relay       *Relay
	messageType MessageType
	lockName    string

	leaseMu sync.Mutex
	lease   Lease
}

type batchOutcome struct {
	published int
	retried   int
	dead      int
	skipped   int
}

func (o batchOutcome) progressed() bool {
	return o.published+o.retried+o.dead > 0
}

// NewRelay constructs a Relay with defaults and optional settings.
func NewRelay(poller Poller, publisher *Publisher, opts ...RelayOption) *Relay {
	if poller == nil {
		panic("outbox: nil Poller")
	}
	if publisher == nil {
		panic("outbox: nil Publisher")
	}

	var cfg RelayConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = publisher.MaxRetries()
	}
	if cfg.MetricsReader == nil {
		if reader, ok := poller.(MetricsReader); ok {
			cfg.MetricsReader = reader
		}
	}

	r := &Relay{
		poller:    poller,
		publisher: publisher,
		cfg:       cfg,
	}
	if cfg.Workers > 1 && cfg.MessageType == "" {
		for _, mt := range []MessageType{MessageTypeEvent, MessageTypeTask} {
			r.workers = append(r.workers, &relayWorker{
				relay:       r,
				messageType: mt,
				lockName:    cfg.LeaderLockName + ":" + string(mt),
			})
		}
	} else {
		r.workers = []*relayWorker{{relay: r, messageType: cfg.MessageType, lockName: cfg.LeaderLockName}}
	}

	return r
}

// Run polls until the context is canceled or too many consecutive iterations
// fail. With several workers the first fatal error stops them all.
func (r *Relay) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i, w := range r.workers {
		g.Go(func() (err error) {
			defer w.releaseLease()
			defer func() {
				if rec := recover(); rec != nil {
					r.cfg.Logger.Error("outbox relay panic", "worker", i, "panic", rec)
					err = fmt.Errorf("%w: %v", ErrWorkerPanic, rec)
				}
			}()

			return w.run(ctx)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// ProcessOnce polls and publishes a single batch per worker.
// It reports whether any entry changed state.
func (r *Relay) ProcessOnce(ctx context.Context) (bool, error) {
	progressed := false
	for _, w := range r.workers {
		ok, err := w.processOnce(ctx)
		progressed = progressed || ok
		if err != nil {
			return progressed, err
		}
	}

	return progressed, nil
}

func (w *relayWorker) processOnce(ctx context.Context) (bool, error) {
	r := w.relay
	lease, leader, err := w.ensureLeader(ctx)
	if err != nil || !leader {
		return false, err
	}

	batchCtx, stop := w.holdLease(ctx, lease)
	progressed, err := w.pollAndPublish(batchCtx)
	stop()

	if cause := context.Cause(batchCtx); errors.Is(cause, ErrLeaseLost) && ctx.Err() == nil {
		r.cfg.Logger.Warn("outbox relay lost leadership during a batch", "lock", w.lockName, "err", cause)
		w.leaseMu.Lock()
		w.dropLease(ctx)
		w.leaseMu.Unlock()

		return progressed, nil
	}

	return progressed, err
}

func (w *relayWorker) pollAndPublish(ctx context.Context) (bool, error) {
	r := w.relay
	entries, err := r.poller.PollEligible(ctx, PollOptions{
		MessageType: w.messageType,
		Limit:       r.cfg.BatchSize,
		MaxRetries:  r.cfg.MaxRetries,
	})
	if err != nil {
		return false, fmt.Errorf("outbox poll failed: %w", err)
	}
	if len(entries) == 0 {
		r.maybeSampleStore(ctx)

		return false, nil
	}

	outcome, err := r.processBatch(ctx, entries)
	r.maybeSampleStore(ctx)

	return outcome.progressed(), err
}

func (w *relayWorker) run(ctx context.Context) error {
	r := w.relay
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		progressed, err := w.processOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrUnknownMessageType) {
				return err
			}
			failures++
			if failures >= r.cfg.MaxPollFailures {
				return fmt.Errorf("outbox relay gave up after %d consecutive failures: %w", failures, err)
			}
			r.cfg.Logger.Warn("outbox relay iteration failed", "failures", failures, "err", err)
			if sleepErr := sleepContext(ctx, r.cfg.PollInterval); sleepErr != nil {
				return sleepErr
			}

			continue
		}
		failures = 0

		if !progressed {
			if sleepErr := sleepContext(ctx, r.cfg.PollInterval); sleepErr != nil {
				return sleepErr
			}
		}
	}
}

func (r *Relay) processBatch(ctx context.Context, entries []Entry) (batchOutcome, error) {
	start := time.Now()
	var outcome batchOutcome
	defer func() {
		r.cfg.Metrics.ObserveBatchDuration(time.Since(start))
		r.cfg.Metrics.AddPublished(outcome.published)
		r.cfg.Metrics.AddRetried(outcome.retried)
		r.cfg.Metrics.AddDead(outcome.dead)
		r.cfg.Metrics.AddSkipped(outcome.skipped)
	}()

	// once a sink is skipped, later entries of that type wait for the next poll
	open := make(map[MessageType]bool, 2)
	for i := range entries {
		entry := entries[i]
		if open[entry.MessageType] {
			outcome.skipped++

			continue
		}

		result, err := r.publisher.Publish(ctx, entry)
		if err != nil {
			return outcome, err
		}

		switch result {
		case OutcomePublished:
			outcome.published++
		case OutcomeRetried:
			outcome.retried++
		case OutcomeDeadLettered:
			outcome.dead++
		case OutcomeSkipped:
			outcome.skipped++
			open[entry.MessageType] = true
		}
	}

	return outcome, nil
}

// ensureLeader returns the lease the worker holds, acquiring it if needed.
// Without a LeaderLock every worker leads and the lease is nil.
func (w *relayWorker) ensureLeader(ctx context.Context) (Lease, bool, error) {
	r := w.relay
	if r.cfg.LeaderLock == nil {
		return nil, true, nil
	}

	w.leaseMu.Lock()
	defer w.leaseMu.Unlock()

	if w.lease != nil {
		err := w.lease.Extend(ctx)
		if err == nil {
			return w.lease, true, nil
		}
		r.cfg.Logger.Warn("outbox relay lost leadership", "lock", w.lockName, "err", err)
		w.dropLease(ctx)
	}

	lease, err := r.cfg.LeaderLock.TryLock(ctx, w.lockName)
	if errors.Is(err, ErrLockHeld) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("outbox relay leader lock: %w", err)
	}
	r.cfg.Logger.Info("outbox relay acquired leadership", "lock", w.lockName)
	w.lease = lease

	return lease, true, nil
}

// holdLease keeps lease alive while a batch runs. The returned context is
// canceled with ErrLeaseLost when a renewal fails.
func (w *relayWorker) holdLease(ctx context.Context, lease Lease) (context.Context, func()) {
	interval := w.relay.cfg.LeaseRenewInterval
	if lease == nil || interval <= 0 {
		return ctx, func() {}
	}

	ctx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if err := lease.Extend(ctx); err != nil {
				if ctx.Err() == nil {
					cancel(fmt.Errorf("%w: %w", ErrLeaseLost, err))
				}

				return
			}
		}
	}()

	return ctx, func() {
		cancel(nil)
		<-done
	}
}

// dropLease releases the current lease and forgets it. Callers hold leaseMu.
// Release runs even when Extend failed: a session-bound lock keeps its
// connection until released.
func (w *relayWorker) dropLease(ctx context.Context) {
	if w.lease == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaseReleaseTimeout)
	defer cancel()
	if err := w.lease.Release(ctx); err != nil {
		w.relay.cfg.Logger.Warn("outbox relay release leadership failed", "lock", w.lockName, "err", err)
	}
	w.lease = nil
}

func (w *relayWorker) releaseLease() {
	w.leaseMu.Lock()
	defer w.leaseMu.Unlock()

	w.dropLease(context.Background())
}

func (r *Relay) releaseLease() {
	for _, w := range r.workers {
		w.releaseLease()
	}
}

func (r *Relay) maybeSampleStore(ctx context.Context) {
	if r.cfg.MetricsReader == nil || r.cfg.MetricsInterval <= 0 {
		return
	}
	if ctx.Err() != nil {
		return
	}

	now := r.cfg.Clock.Now()
	r.sampleMu.Lock()
	nextAllowed := r.sampledAt.Add(r.cfg.MetricsInterval)
	if !r.sampledAt.IsZero() && now.Before(nextAllowed) {
		r.sampleMu.Unlock()

		return
	}
	r.sampledAt = now
	r.sampleMu.Unlock()

	metrics, err := r.cfg.MetricsReader.Metrics(ctx)
	if err != nil {
		r.cfg.Logger.Warn("outbox store metrics failed", "err", err)

		return
	}

	r.cfg.Metrics.SetStoreMetrics(metrics)
}
