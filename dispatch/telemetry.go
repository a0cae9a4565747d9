package dispatch

import (
	"context"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap/zapcore"
)

// SpanExporter guards an OpenTelemetry exporter with the dispatcher.
// Batches offered while the collector circuit is open are dropped.
type SpanExporter struct {
	next       sdktrace.SpanExporter
	dispatcher *Dispatcher
	service    string
}

var _ sdktrace.SpanExporter = (*SpanExporter)(nil)

// NewSpanExporter wraps next under ServiceTraceCollector.
func NewSpanExporter(next sdktrace.SpanExporter, d *Dispatcher) *SpanExporter {
	return &SpanExporter{next: next, dispatcher: d, service: ServiceTraceCollector}
}

// ExportSpans implements sdktrace.SpanExporter.
func (e *SpanExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if len(spans) == 0 {
		return nil
	}
	res := e.dispatcher.Dispatch(ctx, e.service, func(ctx context.Context) error {
		return e.next.ExportSpans(ctx, spans)
	})
	if res.Skipped() {
		return nil
	}

	return res.Err()
}

// Shutdown implements sdktrace.SpanExporter.
func (e *SpanExporter) Shutdown(ctx context.Context) error {
	return e.next.Shutdown(ctx)
}

// WriteSyncer guards a log shipping destination with the dispatcher.
// Writes offered while the collector circuit is open are dropped.
type WriteSyncer struct {
	next       zapcore.WriteSyncer
	dispatcher *Dispatcher
	service    string
}

var _ zapcore.WriteSyncer = (*WriteSyncer)(nil)

// NewWriteSyncer wraps next under ServiceLogCollector.
func NewWriteSyncer(next zapcore.WriteSyncer, d *Dispatcher) *WriteSyncer {
	return &WriteSyncer{next: next, dispatcher: d, service: ServiceLogCollector}
}

// Write implements zapcore.WriteSyncer.
func (w *WriteSyncer) Write(p []byte) (int, error) {
	n, res := Call(context.Background(), w.dispatcher, w.service, func(context.Context) (int, error) {
		return w.next.Write(p)
	})
	if res.Skipped() {
		return len(p), nil
	}

	return n, res.Err()
}

// Sync implements zapcore.WriteSyncer.
func (w *WriteSyncer) Sync() error {
	return w.next.Sync()
}
