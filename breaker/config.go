package breaker

import "time"

const (
	defaultFailureRateThreshold = 0.5
	defaultMinimumRequests      = 10
	defaultTimeWindow           = 30 * time.Second
	defaultIntervalToHalfOpen   = 5 * time.Second
)

// Config holds the trip rules for one service.
type Config struct {
	// FailureRateThreshold opens the circuit when failures/requests exceeds it (0.5 = 50%).
	// A threshold of 1 never trips.
	FailureRateThreshold float64
	// MinimumRequests is the sample size required before the rate is evaluated.
	MinimumRequests uint32
	// TimeWindow is the length of the counting window.
	TimeWindow time.Duration
	// IntervalToHalfOpen is how long the circuit stays open before a probe is allowed.
	IntervalToHalfOpen time.Duration
}

// DefaultConfig returns the baseline trip rules.
func DefaultConfig() Config {
	return Config{
		FailureRateThreshold: defaultFailureRateThreshold,
		MinimumRequests:      defaultMinimumRequests,
		TimeWindow:           defaultTimeWindow,
		IntervalToHalfOpen:   defaultIntervalToHalfOpen,
	}
}

func (c Config) withDefaults() Config {
	if c.FailureRateThreshold <= 0 || c.FailureRateThreshold > 1 {
		c.FailureRateThreshold = defaultFailureRateThreshold
	}
	if c.MinimumRequests == 0 {
		c.MinimumRequests = defaultMinimumRequests
	}
	if c.TimeWindow <= 0 {
		c.TimeWindow = defaultTimeWindow
	}
	if c.IntervalToHalfOpen <= 0 {
		c.IntervalToHalfOpen = defaultIntervalToHalfOpen
	}

	return c
}
