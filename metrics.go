package outbox

import "time"

// Metrics captures relay-level telemetry.
type Metrics interface {
	// ObserveBatchDuration records the time to process a batch.
	ObserveBatchDuration(duration time.Duration)
	// AddPublished increments the count of delivered entries.
	AddPublished(count int)
	// AddRetried increments the count of failed deliveries scheduled for retry.
	AddRetried(count int)
	// AddDead increments the count of dead-lettered entries.
	AddDead(count int)
	// AddSkipped increments the count of entries left pending by an open circuit.
	AddSkipped(count int)
	// SetStoreMetrics updates the sampled table health.
	SetStoreMetrics(metrics StoreMetrics)
}

// NopMetrics is a no-op metrics recorder.
type NopMetrics struct{}

// ObserveBatchDuration implements Metrics.
func (NopMetrics) ObserveBatchDuration(time.Duration) {}

// AddPublished implements Metrics.
func (NopMetrics) AddPublished(int) {}

// AddRetried implements Metrics.
func (NopMetrics) AddRetried(int) {}

// AddDead implements Metrics.
func (NopMetrics) AddDead(int) {}

// AddSkipped implements Metrics.
func (NopMetrics) AddSkipped(int) {}

// SetStoreMetrics implements Metrics.
func (NopMetrics) SetStoreMetrics(StoreMetrics) {}
