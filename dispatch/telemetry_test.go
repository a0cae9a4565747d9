package dispatch

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zapcore"
)

func TestSpanExporterForwards(t *testing.T) {
	inner := tracetest.NewInMemoryExporter()
	cb := &fakeBreaker{available: true}
	exp := NewSpanExporter(inner, New(cb))

	spans := tracetest.SpanStubs{{Name: "a"}, {Name: "b"}}.Snapshots()
	require.NoError(t, exp.ExportSpans(context.Background(), spans))

	assert.Len(t, inner.GetSpans(), 2)
	assert.Equal(t, []string{ServiceTraceCollector}, cb.successes)
	require.NoError(t, exp.Shutdown(context.Background()))
}

func TestSpanExporterDropsWhenOpen(t *testing.T) {
	inner := tracetest.NewInMemoryExporter()
	exp := NewSpanExporter(inner, New(&fakeBreaker{available: false}))

	spans := tracetest.SpanStubs{{Name: "a"}}.Snapshots()
	require.NoError(t, exp.ExportSpans(context.Background(), spans))
	assert.Empty(t, inner.GetSpans())
}

type brokenWriter struct{}

func (brokenWriter) Write([]byte) (int, error) { return 0, errors.New("collector down") }

func (brokenWriter) Sync() error { return nil }

func TestWriteSyncer(t *testing.T) {
	var buf bytes.Buffer
	cb := &fakeBreaker{available: true}
	ws := NewWriteSyncer(zapcore.AddSync(&buf), New(cb))

	n, err := ws.Write([]byte("line\n"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "line\n", buf.String())
	require.NoError(t, ws.Sync())

	cb.available = false
	n, err = ws.Write([]byte("dropped\n"))
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, "line\n", buf.String())
}

func TestWriteSyncerReportsFailure(t *testing.T) {
	cb := &fakeBreaker{available: true}
	ws := NewWriteSyncer(brokenWriter{}, New(cb))

	_, err := ws.Write([]byte("x"))
	require.Error(t, err)
	assert.Equal(t, []string{ServiceLogCollector}, cb.failures)
}
