package natsclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test basic client creation
func TestNewClient(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	assert.NoError(t, err)

	assert.NotNil(t, client)
	assert.Equal(t, "nats://localhost:4222", client.URL())
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.False(t, client.IsHealthy())
}

func TestNewClient_EmptyURL(t *testing.T) {
	client, err := NewClient("")
	assert.Error(t, err)
	assert.Nil(t, client)
}

// Test circuit breaker opens after failures
func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	client, err := NewClient("nats://invalid:4222")
	assert.NoError(t, err)

	// Record 4 failures - should not open
	for i := 0; i < 4; i++ {
		client.recordFailure()
	}
	assert.NotEqual(t, StatusCircuitOpen, client.Status())

	// 5th failure should open circuit
	client.recordFailure()
	assert.Equal(t, StatusCircuitOpen, client.Status())
	assert.Equal(t, int32(5), client.Failures())
}

// Test circuit breaker reset
func TestCircuitBreaker_Reset(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	assert.NoError(t, err)

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	assert.Equal(t, StatusCircuitOpen, client.Status())

	client.resetCircuit()
	assert.Equal(t, int32(0), client.Failures())
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.Equal(t, time.Second, client.Backoff())
}

// Backoff doubles each time the open circuit records more failures, capped at max
func TestCircuitBreaker_ExponentialBackoff(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, time.Second, client.Backoff())

	// Open the circuit: backoff doubles to 2s
	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	assert.Equal(t, 2*time.Second, client.Backoff())

	// Further failures while open keep doubling, never past the cap
	for i := 0; i < 20; i++ {
		client.recordFailure()
	}
	assert.Equal(t, client.maxBackoff, client.Backoff())
}

func TestCircuitBreaker_CustomThreshold(t *testing.T) {
	client, err := NewClient("nats://localhost:4222", WithCircuitThreshold(2))
	require.NoError(t, err)

	client.recordFailure()
	assert.NotEqual(t, StatusCircuitOpen, client.Status())
	client.recordFailure()
	assert.Equal(t, StatusCircuitOpen, client.Status())
}

func TestCircuitBreaker_TestCircuitCloses(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	require.Equal(t, StatusCircuitOpen, client.Status())

	client.testCircuit()
	assert.Equal(t, StatusDisconnected, client.Status())
}

func TestStatus_Transitions(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, StatusDisconnected, client.Status())

	client.setStatus(StatusConnecting)
	assert.Equal(t, StatusConnecting, client.Status())

	client.setStatus(StatusConnected)
	assert.Equal(t, StatusConnected, client.Status())

	client.setStatus(StatusReconnecting)
	assert.Equal(t, StatusReconnecting, client.Status())
}

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status ConnectionStatus
		want   string
	}{
		{StatusDisconnected, "disconnected"},
		{StatusConnecting, "connecting"},
		{StatusConnected, "connected"},
		{StatusReconnecting, "reconnecting"},
		{StatusCircuitOpen, "circuit_open"},
		{ConnectionStatus(99), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.String())
	}
}

// Status reads and failure recording must be safe under concurrency
func TestConcurrentSafety(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = client.Status()
				_ = client.IsHealthy()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				client.recordFailure()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, StatusCircuitOpen, client.Status())
	assert.Equal(t, int32(1000), client.Failures())
}

func TestIsHealthy_RequiresConnection(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.False(t, client.IsHealthy())

	// Status alone is not enough: the underlying connection must exist
	client.setStatus(StatusConnected)
	assert.False(t, client.IsHealthy())
}

func TestWaitForConnection_Timeout(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = client.WaitForConnection(ctx)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestConnectionOptions(t *testing.T) {
	client, err := NewClient("nats://localhost:4222",
		WithClientName("satbridge-test"),
		WithCredentials("user", "pass"),
		WithTimeout(2*time.Second),
		WithDrainTimeout(time.Second),
		WithMaxReconnects(3),
	)
	require.NoError(t, err)

	assert.Equal(t, "satbridge-test", client.clientName)
	assert.Equal(t, "user", client.username)
	assert.Equal(t, 2*time.Second, client.timeout)
	assert.Equal(t, time.Second, client.drainTimeout)
	assert.Equal(t, 3, client.maxReconnects)
}
