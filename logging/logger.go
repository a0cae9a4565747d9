// Package logging defines the structured logging hooks shared by the outbox packages.
package logging

// Logger provides structured logging hooks.
//
// Arguments are alternating key/value pairs, as with log/slog.
type Logger interface {
	// Debug logs a debug message.
	Debug(msg string, args ...any)
	// Info logs an informational message.
	Info(msg string, args ...any)
	// Warn logs a warning message.
	Warn(msg string, args ...any)
	// Error logs an error message.
	Error(msg string, args ...any)
}

// Nop is a no-op logger.
type Nop struct{}

// Debug implements Logger.
func (Nop) Debug(string, ...any) {}

// Info implements Logger.
func (Nop) Info(string, ...any) {}

// Warn implements Logger.
func (Nop) Warn(string, ...any) {}

// Error implements Logger.
func (Nop) Error(string, ...any) {}

// OrNop returns logger, or Nop when logger is nil.
func OrNop(logger Logger) Logger {
	if logger == nil {
		return Nop{}
	}

	return logger
}
