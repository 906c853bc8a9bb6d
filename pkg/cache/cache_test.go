package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/satbridge/metric"
)

func TestSimpleBasicOperations(t *testing.T) {
	c, err := NewSimple[string]()
	require.NoError(t, err)

	// Miss on empty cache
	_, exists := c.Get("key1")
	assert.False(t, exists)

	// Set and Get
	isNew, err := c.Set("key1", "value1")
	require.NoError(t, err)
	assert.True(t, isNew)

	value, exists := c.Get("key1")
	assert.True(t, exists)
	assert.Equal(t, "value1", value)

	// Update
	isNew, err = c.Set("key1", "value1_updated")
	require.NoError(t, err)
	assert.False(t, isNew)

	value, _ = c.Get("key1")
	assert.Equal(t, "value1_updated", value)

	// Delete
	deleted, err := c.Delete("key1")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = c.Delete("key1")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestSimpleRejectsEmptyKey(t *testing.T) {
	c, err := NewSimple[int]()
	require.NoError(t, err)

	_, err = c.Set("", 1)
	assert.Error(t, err)
}

func TestSimpleNeverEvicts(t *testing.T) {
	c, err := NewSimple[int]()
	require.NoError(t, err)

	for i := 0; i < 10000; i++ {
		_, err := c.Set(fmt.Sprintf("key%d", i), i)
		require.NoError(t, err)
	}

	assert.Equal(t, 10000, c.Size())
	// First entry is still present - no eviction policy
	v, exists := c.Get("key0")
	assert.True(t, exists)
	assert.Equal(t, 0, v)
}

func TestSimpleClear(t *testing.T) {
	c, err := NewSimple[string]()
	require.NoError(t, err)

	_, err = c.Set("a", "1")
	require.NoError(t, err)
	_, err = c.Set("b", "2")
	require.NoError(t, err)

	require.NoError(t, c.Clear())
	assert.Equal(t, 0, c.Size())
	assert.Empty(t, c.Keys())
}

func TestSimpleConcurrentAccess(t *testing.T) {
	c, err := NewSimple[int]()
	require.NoError(t, err)

	const goroutines = 32
	const perGoroutine = 100

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				key := fmt.Sprintf("g%d-k%d", g, i)
				_, _ = c.Set(key, i)
				_, _ = c.Get(key)
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, goroutines*perGoroutine, c.Size())
}

func TestStatisticsTracking(t *testing.T) {
	c, err := NewSimple[string]()
	require.NoError(t, err)

	_, _ = c.Set("k", "v")
	_, _ = c.Get("k")      // hit
	_, _ = c.Get("absent") // miss

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits())
	assert.Equal(t, int64(1), stats.Misses())
	assert.Equal(t, int64(1), stats.Sets())
	assert.InDelta(t, 0.5, stats.HitRatio(), 0.001)
}

func TestWithMetricsRegistersCollectors(t *testing.T) {
	registry := metric.NewMetricsRegistry()

	c, err := NewSimple[string](WithMetrics[string](registry, "formatter"))
	require.NoError(t, err)

	_, err = c.Set("k", "v")
	require.NoError(t, err)
	_, exists := c.Get("k")
	assert.True(t, exists)

	// Re-registering under the same prefix must fail
	_, err = NewSimple[string](WithMetrics[string](registry, "formatter"))
	assert.Error(t, err)
}
