package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Disabled(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, tel.TracerProvider)
	assert.Nil(t, tel.MeterProvider)
	assert.Empty(t, tel.MetricsAddr)

	counter, err := tel.Meter.Int64Counter("hashstore.test")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	_, span := tel.Tracer.Start(context.Background(), "noop")
	span.End()

	assert.NoError(t, shutdown(context.Background()))
}

func TestNew_EnabledWithoutEndpoint(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: true, ServiceName: "hashstore-test", PrometheusPort: 0, TraceSampleRatio: 7})
	require.NoError(t, err)
	require.NotNil(t, tel.MeterProvider)
	require.NotNil(t, tel.TracerProvider)
	assert.Empty(t, tel.MetricsAddr)

	_, span := tel.Tracer.Start(context.Background(), "op")
	assert.True(t, span.SpanContext().IsSampled())
	span.End()

	assert.NoError(t, shutdown(context.Background()))
}
