package logging

import (
	"fmt"

	"go.uber.org/zap"
)

const missingValue = "<missing>"

// Zap adapts a *zap.Logger to Logger.
type Zap struct {
	logger *zap.Logger
}

var _ Logger = (*Zap)(nil)

// NewZap wraps logger. A nil logger yields a no-op zap logger.
func NewZap(logger *zap.Logger) *Zap {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Zap{logger: logger}
}

// NewZapLevel builds a production JSON logger at the named level (debug, info, warn, error).
func NewZapLevel(level string) (*Zap, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("logging: parse level: %w", err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: build zap logger: %w", err)
	}

	return NewZap(logger), nil
}

// Debug implements Logger.
func (z *Zap) Debug(msg string, args ...any) {
	z.logger.Debug(msg, fields(args)...)
}

// Info implements Logger.
func (z *Zap) Info(msg string, args ...any) {
	z.logger.Info(msg, fields(args)...)
}

// Warn implements Logger.
func (z *Zap) Warn(msg string, args ...any) {
	z.logger.Warn(msg, fields(args)...)
}

// Error implements Logger.
func (z *Zap) Error(msg string, args ...any) {
	z.logger.Error(msg, fields(args)...)
}

// Sync flushes buffered log entries.
func (z *Zap) Sync() error {
	return z.logger.Sync()
}

// Unwrap returns the underlying zap logger.
func (z *Zap) Unwrap() *zap.Logger {
	return z.logger
}

func fields(args []any) []zap.Field {
	if len(args) == 0 {
		return nil
	}

	out := make([]zap.Field, 0, (len(args)+1)/2)
	for i := 0; i < len(args); i += 2 {
		key := fmt.Sprint(args[i])
		if i+1 >= len(args) {
			out = append(out, zap.String(key, missingValue))

			break
		}
		if err, ok := args[i+1].(error); ok {
			out = append(out, zap.NamedError(key, err))

			continue
		}
		out = append(out, zap.Any(key, args[i+1]))
	}

	return out
}
