package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregate(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     string
	}{
		{"empty is healthy", nil, "healthy"},
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, "healthy"},
		{"one degraded", []Status{NewHealthy("a", ""), NewDegraded("b", "slow")}, "degraded"},
		{"one unhealthy", []Status{NewDegraded("a", "slow"), NewUnhealthy("b", "down")}, "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate("system", tt.statuses)
			assert.Equal(t, tt.want, got.Status)
			assert.Len(t, got.SubStatuses, len(tt.statuses))
		})
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"url", "connect to nats://broker:4222 failed", "connect to [URL] failed"},
		{"path", "read /etc/satbridge/config.json failed", "read [PATH] failed"},
		{"ip and port", "dial 192.168.1.100:8080 refused", "dial [IP][PORT] refused"},
		{"credential", "auth failed password=hunter2", "auth failed [REDACTED]"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sanitize(tt.in))
		})
	}
}

func TestMonitor_UpdateAndAggregate(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("nats", "connected")
	m.UpdateHealthy("registry", "reachable")

	assert.Equal(t, 2, m.Count())
	assert.True(t, m.AggregateHealth("satbridge").IsHealthy())

	m.UpdateUnhealthy("nats", "circuit open")
	aggregate := m.AggregateHealth("satbridge")
	assert.True(t, aggregate.IsUnhealthy())

	status, ok := m.Get("nats")
	require.True(t, ok)
	assert.Equal(t, "nats", status.Component)
	assert.False(t, status.Healthy)
}

func TestMonitor_UpdateOverwrites(t *testing.T) {
	m := NewMonitor()
	m.UpdateUnhealthy("nats", "disconnected")
	m.UpdateHealthy("nats", "reconnected")

	assert.Equal(t, 1, m.Count())
	assert.True(t, m.AggregateHealth("satbridge").IsHealthy())
}

func TestHandler(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("nats", "connected")

	handler := Handler(m, "satbridge")

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, recorder.Code)

	var status Status
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &status))
	assert.Equal(t, "satbridge", status.Component)
	assert.True(t, status.Healthy)

	m.UpdateUnhealthy("nats", "circuit open")
	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	handler := Handler(NewMonitor(), "satbridge")

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, recorder.Code)
}
