package outbox

import (
	"time"

	"github.com/velmie/outbox-dispatch/logging"
)

const (
	defaultBatchSize       = 50
	defaultPollInterval    = time.Second
	defaultMaxPollFailures = 5
	defaultLeaderLockName  = "outbox:relay"
	defaultWorkers         = 1
	defaultLeaseRenewal    = 10 * time.Second
)

// RelayConfig defines how the Relay polls and publishes entries.
type RelayConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// Workers above one run a poller per message type; ignored with MessageType.
	Workers int
	// MessageType restricts the relay to one sink; empty relays both.
	MessageType MessageType
	// MaxRetries excludes entries at or above the ceiling; zero uses the publisher ceiling.
	MaxRetries int
	// MaxPollFailures is how many consecutive failed iterations Run tolerates.
	MaxPollFailures int
	Clock           Clock
	Logger          logging.Logger
	Metrics         Metrics
	// MetricsReader is sampled for StoreMetrics; defaults to the poller when it implements it.
	MetricsReader   MetricsReader
	MetricsInterval time.Duration
	LeaderLock      Locker
	LeaderLockName  string
	// LeaseRenewInterval is how often a held lease is extended while a batch runs.
	// Keep it well under the locker's expiry.
	LeaseRenewInterval time.Duration
}

func (c RelayConfig) withDefaults() RelayConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.MaxPollFailures <= 0 {
		c.MaxPollFailures = defaultMaxPollFailures
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	c.Logger = logging.OrNop(c.Logger)
	if c.Metrics == nil {
		c.Metrics = NopMetrics{}
	}
	if c.MetricsInterval < 0 {
		c.MetricsInterval = 0
	}
	if c.LeaderLockName == "" {
		c.LeaderLockName = defaultLeaderLockName
	}
	if c.LeaseRenewInterval <= 0 {
		c.LeaseRenewInterval = defaultLeaseRenewal
	}

	return c
}

// RelayOption configures Relay behavior.
type RelayOption func(*RelayConfig)

// WithBatchSize sets the number of entries polled per batch.
func WithBatchSize(size int) RelayOption {
	return func(c *RelayConfig) {
		c.BatchSize = size
	}
}

// WithPollInterval sets the delay between polls that made no progress.
func WithPollInterval(interval time.Duration) RelayOption {
	return func(c *RelayConfig) {
		c.PollInterval = interval
	}
}

// WithWorkers sets the number of concurrent polling workers. Any count above
// one splits the relay into an EVENT and a TASK worker, each with its own
// lease named "<lock name>:<type>"; ordering is kept per type.
func WithWorkers(count int) RelayOption {
	return func(c *RelayConfig) {
		c.Workers = count
	}
}

// WithMessageType restricts the relay to one message type.
func WithMessageType(messageType MessageType) RelayOption {
	return func(c *RelayConfig) {
		c.MessageType = messageType
	}
}

// WithMaxRetries sets the retry ceiling used when polling.
func WithMaxRetries(maxRetries int) RelayOption {
	return func(c *RelayConfig) {
		c.MaxRetries = maxRetries
	}
}

// WithMaxPollFailures sets how many consecutive failures Run tolerates.
func WithMaxPollFailures(count int) RelayOption {
	return func(c *RelayConfig) {
		c.MaxPollFailures = count
	}
}

// WithClock sets the Relay clock.
func WithClock(clock Clock) RelayOption {
	return func(c *RelayConfig) {
		c.Clock = clock
	}
}

// WithLogger sets the relay logger.
func WithLogger(logger logging.Logger) RelayOption {
	return func(c *RelayConfig) {
		c.Logger = logger
	}
}

// WithMetrics sets the relay metrics recorder.
func WithMetrics(metrics Metrics) RelayOption {
	return func(c *RelayConfig) {
		c.Metrics = metrics
	}
}

// WithMetricsInterval sets the minimum interval between StoreMetrics samples.
// Use a positive value to enable sampling or zero to keep it disabled.
// The default is disabled.
func WithMetricsInterval(interval time.Duration) RelayOption {
	return func(c *RelayConfig) {
		c.MetricsInterval = interval
	}
}

// WithMetricsReader sets the source of StoreMetrics samples.
func WithMetricsReader(reader MetricsReader) RelayOption {
	return func(c *RelayConfig) {
		c.MetricsReader = reader
	}
}

// WithLeaderLock makes the relay poll only while it holds the named lease.
// A single lease holder gives strict global ordering across processes.
func WithLeaderLock(locker Locker, name string) RelayOption {
	return func(c *RelayConfig) {
		c.LeaderLock = locker
		c.LeaderLockName = name
	}
}

// WithLeaseRenewal sets how often the leader lease is extended during a batch.
func WithLeaseRenewal(interval time.Duration) RelayOption {
	return func(c *RelayConfig) {
		c.LeaseRenewInterval = interval
	}
}
