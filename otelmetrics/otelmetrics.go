// Package otelmetrics records relay and store telemetry with OpenTelemetry.
package otelmetrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	outbox "github.com/velmie/outbox-dispatch"
	"github.com/velmie/outbox-dispatch/breaker"
)

const meterName = "github.com/velmie/outbox-dispatch"

// Recorder implements outbox.Metrics and breaker.StateChangeListener.
type Recorder struct {
	published   metric.Int64Counter
	retried     metric.Int64Counter
	dead        metric.Int64Counter
	skipped     metric.Int64Counter
	transitions metric.Int64Counter
	batch       metric.Float64Histogram
	attrs       metric.MeasurementOption

	mu    sync.RWMutex
	store outbox.StoreMetrics
	seen  bool

	registration metric.Registration
}

var (
	_ outbox.Metrics              = (*Recorder)(nil)
	_ breaker.StateChangeListener = (*Recorder)(nil)
)

// New creates the instruments on provider (the global provider when nil).
// attrs are attached to every relay measurement.
func New(provider metric.MeterProvider, attrs ...attribute.KeyValue) (*Recorder, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)

	r := &Recorder{attrs: metric.WithAttributes(attrs...)}
	counters := []struct {
		target *metric.Int64Counter
		name   string
		desc   string
		unit   string
	}{
		{&r.published, "outbox.entries.published", "Entries delivered to their sink", "{entry}"},
		{&r.retried, "outbox.entries.retried", "Failed deliveries scheduled for retry", "{entry}"},
		{&r.dead, "outbox.entries.dead", "Entries dead-lettered", "{entry}"},
		{&r.skipped, "outbox.entries.skipped", "Entries left pending because a circuit was open", "{entry}"},
		{&r.transitions, "outbox.breaker.transitions", "Circuit breaker state changes", "{transition}"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("create %s counter: %w", c.name, err)
		}
		*c.target = counter
	}

	var err error
	r.batch, err = meter.Float64Histogram(
		"outbox.batch.duration",
		metric.WithDescription("Time taken to publish one polled batch"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create outbox.batch.duration histogram: %w", err)
	}

	pending, err := meter.Int64ObservableGauge("outbox.entries.pending",
		metric.WithDescription("Unpublished entries"), metric.WithUnit("{entry}"))
	if err != nil {
		return nil, fmt.Errorf("create outbox.entries.pending gauge: %w", err)
	}
	published, err := meter.Int64ObservableGauge("outbox.entries.stored_published",
		metric.WithDescription("Published entries still stored"), metric.WithUnit("{entry}"))
	if err != nil {
		return nil, fmt.Errorf("create outbox.entries.stored_published gauge: %w", err)
	}
	failed, err := meter.Int64ObservableGauge("outbox.entries.failed",
		metric.WithDescription("Unpublished entries with at least one failed attempt"), metric.WithUnit("{entry}"))
	if err != nil {
		return nil, fmt.Errorf("create outbox.entries.failed gauge: %w", err)
	}
	oldest, err := meter.Float64ObservableGauge("outbox.pending.oldest_age",
		metric.WithDescription("Age of the oldest unpublished entry"), metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create outbox.pending.oldest_age gauge: %w", err)
	}

	r.registration, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		r.mu.RLock()
		defer r.mu.RUnlock()
		if !r.seen {
			return nil
		}
		o.ObserveInt64(pending, r.store.Pending, r.attrs)
		o.ObserveInt64(published, r.store.Published, r.attrs)
		o.ObserveInt64(failed, r.store.Failed, r.attrs)
		o.ObserveFloat64(oldest, r.store.OldestPendingAge.Seconds(), r.attrs)

		return nil
	}, pending, published, failed, oldest)
	if err != nil {
		return nil, fmt.Errorf("register store gauges: %w", err)
	}

	return r, nil
}

// ObserveBatchDuration implements outbox.Metrics.
func (r *Recorder) ObserveBatchDuration(duration time.Duration) {
	r.batch.Record(context.Background(), duration.Seconds(), r.attrs)
}

// AddPublished implements outbox.Metrics.
func (r *Recorder) AddPublished(count int) { r.add(r.published, count) }

// AddRetried implements outbox.Metrics.
func (r *Recorder) AddRetried(count int) { r.add(r.retried, count) }

// AddDead implements outbox.Metrics.
func (r *Recorder) AddDead(count int) { r.add(r.dead, count) }

// AddSkipped implements outbox.Metrics.
func (r *Recorder) AddSkipped(count int) { r.add(r.skipped, count) }

// SetStoreMetrics implements outbox.Metrics; the gauges report the latest sample.
func (r *Recorder) SetStoreMetrics(m outbox.StoreMetrics) {
	r.mu.Lock()
	r.store = m
	r.seen = true
	r.mu.Unlock()
}

// OnStateChange implements breaker.StateChangeListener.
func (r *Recorder) OnStateChange(service string, from, to breaker.Status) {
	r.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("service", service),
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}

// Close unregisters the gauge callback.
func (r *Recorder) Close() error {
	return r.registration.Unregister()
}

func (r *Recorder) add(counter metric.Int64Counter, count int) {
	if count <= 0 {
		return
	}
	counter.Add(context.Background(), int64(count), r.attrs)
}
