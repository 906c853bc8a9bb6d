package main

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/satbridge/health"
	"github.com/c360/satbridge/metric"
	"github.com/c360/satbridge/natsclient"
)

func TestNATSHealthObserver(t *testing.T) {
	client, err := natsclient.NewClient("nats://localhost:4222")
	require.NoError(t, err)

	metrics := metric.NewMetrics()
	monitor := health.NewMonitor()
	observe := natsHealthObserver(client, metrics, monitor)

	observe(false)
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.NATSConnected))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.NATSReconnects))
	status, ok := monitor.Get("nats")
	require.True(t, ok)
	assert.False(t, status.Healthy)

	// Recovery counts as one reconnect
	observe(true)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.NATSConnected))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.NATSReconnects))
	status, ok = monitor.Get("nats")
	require.True(t, ok)
	assert.True(t, status.Healthy)

	// Staying healthy is not another reconnect
	observe(true)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.NATSReconnects))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.NATSCircuitBreaker))
}
