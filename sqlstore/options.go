package sqlstore

import outbox "github.com/velmie/outbox-dispatch"

const defaultTable = "outbox"

// Config defines SQL store behavior.
type Config struct {
	Table              string
	Clock              outbox.Clock
	Generator          outbox.IDGenerator
	ValidatePayload    bool
	validatePayloadSet bool
}

func (c Config) withDefaults() Config {
	if c.Table == "" {
		c.Table = defaultTable
	}
	if c.Clock == nil {
		c.Clock = outbox.SystemClock{}
	}
	if c.Generator == nil {
		c.Generator = outbox.UUIDv7Generator{}
	}
	if !c.validatePayloadSet {
		c.ValidatePayload = true
	}

	return c
}

// Option configures the SQL store.
type Option func(*Config)

// WithTable sets the outbox table name.
func WithTable(name string) Option {
	return func(c *Config) {
		c.Table = name
	}
}

// WithClock sets the time source used by the store.
func WithClock(clock outbox.Clock) Option {
	return func(c *Config) {
		c.Clock = clock
	}
}

// WithGenerator sets the UUID generator.
func WithGenerator(gen outbox.IDGenerator) Option {
	return func(c *Config) {
		c.Generator = gen
	}
}

// WithValidatePayload enables or disables JSON validation on payload.
func WithValidatePayload(enabled bool) Option {
	return func(c *Config) {
		c.ValidatePayload = enabled
		c.validatePayloadSet = true
	}
}
