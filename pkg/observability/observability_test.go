package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewLogger(&buf, "warn", "json")
	require.NoError(t, err)

	log.Info("hidden")
	log.Warn("shown", "worker_id", 7)

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, float64(7), line["worker_id"])

	_, err = NewLogger(&buf, "loud", "text")
	assert.Error(t, err)
	_, err = NewLogger(&buf, "info", "xml")
	assert.Error(t, err)
}

func TestSetupTracing_Disabled(t *testing.T) {
	tr, err := SetupTracing(context.Background(), TracingConfig{}, "botfleetd", "test", slog.Default())
	require.NoError(t, err)
	assert.NoError(t, tr.Shutdown(context.Background()))
}

func TestSetupTracing_StdoutExporter(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	tr, err := SetupTracing(context.Background(), TracingConfig{Enabled: true, Output: &buf}, "botfleetd", "test", log)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "lifecycle.start")
	span.End()

	require.NoError(t, tr.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), "lifecycle.start")
	assert.Contains(t, buf.String(), "botfleetd")

	// Second shutdown is a no-op.
	assert.NoError(t, tr.Shutdown(context.Background()))
}
