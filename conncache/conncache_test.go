package conncache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/satbridge/config"
	"github.com/c360/satbridge/errors"
	"github.com/c360/satbridge/gateway"
	"github.com/c360/satbridge/natsclient"
	"github.com/c360/satbridge/registry"
)

// fakeConnector hands out connections without touching a broker
type fakeConnector struct {
	client   *natsclient.Client
	connects atomic.Int64
	failErr  error
	mu       sync.Mutex
}

func newFakeConnector(t *testing.T) *fakeConnector {
	t.Helper()
	client, err := natsclient.NewClient("nats://localhost:4222")
	require.NoError(t, err)
	return &fakeConnector{client: client}
}

func (f *fakeConnector) Connect(_ context.Context, terminalID string, attributes map[string]string) (*gateway.Connection, error) {
	f.connects.Add(1)

	f.mu.Lock()
	failErr := f.failErr
	f.mu.Unlock()
	if failErr != nil {
		return nil, failErr
	}

	return gateway.NewConnection(f.client, terminalID, "telemetry."+terminalID, "", attributes["Model"], nil)
}

func (f *fakeConnector) setFailure(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failErr = err
}

// fakeDirectory serves canned registry records
type fakeDirectory struct {
	mu        sync.Mutex
	terminals map[string]*registry.Terminal
	getErr    error
	listErr   error
	gets      atomic.Int64
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{terminals: make(map[string]*registry.Terminal)}
}

func (d *fakeDirectory) Get(_ context.Context, terminalID string) (*registry.Terminal, error) {
	d.gets.Add(1)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.getErr != nil {
		return nil, d.getErr
	}
	terminal, ok := d.terminals[terminalID]
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %q", errors.ErrTerminalNotFound, terminalID),
			"fakeDirectory", "Get", "terminal lookup")
	}
	return terminal, nil
}

func (d *fakeDirectory) List(_ context.Context) ([]registry.Terminal, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listErr != nil {
		return nil, d.listErr
	}
	out := make([]registry.Terminal, 0, len(d.terminals))
	for _, terminal := range d.terminals {
		out = append(out, *terminal)
	}
	return out, nil
}

func formatterDefaults() config.FormatterConfig {
	return config.FormatterConfig{
		UplinkDefault:   "raw",
		DownlinkDefault: "raw",
	}
}

func newTestCache(t *testing.T) (*Cache, *fakeConnector, *fakeDirectory) {
	t.Helper()
	connector := newFakeConnector(t)
	directory := newFakeDirectory()
	c, err := New(Options{
		Connector: connector,
		Directory: directory,
		Formatter: formatterDefaults(),
	})
	require.NoError(t, err)
	return c, connector, directory
}

func TestGetOrCreate_Memoized(t *testing.T) {
	c, connector, directory := newTestCache(t)
	ctx := context.Background()

	directory.terminals["terminal-1"] = &registry.Terminal{
		ID: "terminal-1",
		Attributes: []registry.Attribute{
			{Name: "PayloadFormatterUplink", Value: "acceleration"},
		},
	}

	first, err := c.GetOrCreate(ctx, "terminal-1")
	require.NoError(t, err)
	assert.Equal(t, "terminal-1", first.TerminalID)
	assert.Equal(t, "acceleration", first.UplinkFormatter)
	// No downlink attribute: configured default applies
	assert.Equal(t, "raw", first.DownlinkFormatter)

	second, err := c.GetOrCreate(ctx, "terminal-1")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, int64(1), connector.connects.Load())
	assert.Equal(t, int64(1), directory.gets.Load())
}

func TestGetOrCreate_FailureNotCached(t *testing.T) {
	c, connector, _ := newTestCache(t)
	ctx := context.Background()

	connector.setFailure(errors.WrapTransient(errors.ErrConnectionLost, "fake", "Connect", "simulated"))

	_, err := c.GetOrCreate(ctx, "terminal-1")
	require.Error(t, err)
	assert.Equal(t, 0, c.Size())

	// Recovery: the next call builds fresh instead of replaying the failure
	connector.setFailure(nil)
	tc, err := c.GetOrCreate(ctx, "terminal-1")
	require.NoError(t, err)
	assert.NotNil(t, tc.Connection)
	assert.Equal(t, int64(2), connector.connects.Load())
}

func TestGetOrCreate_RegistryUnreachableUsesFallback(t *testing.T) {
	connector := newFakeConnector(t)
	directory := newFakeDirectory()
	directory.getErr = errors.WrapTransient(errors.ErrRegistryUnavailable, "fakeDirectory", "Get", "simulated outage")

	c, err := New(Options{
		Connector: connector,
		Directory: directory,
		Formatter: formatterDefaults(),
		Gateway: config.GatewayConfig{
			FallbackAttributes: map[string]string{
				"PayloadFormatterUplink": "tracker",
				"Fleet":                  "survey",
			},
		},
	})
	require.NoError(t, err)

	tc, err := c.GetOrCreate(context.Background(), "terminal-1")
	require.NoError(t, err)
	assert.Equal(t, "tracker", tc.UplinkFormatter)
	assert.Equal(t, "survey", tc.Attributes["Fleet"])
}

func TestGetOrCreate_ModelAttributeReachesConnection(t *testing.T) {
	connector := newFakeConnector(t)
	directory := newFakeDirectory()
	directory.terminals["terminal-1"] = &registry.Terminal{
		ID:         "terminal-1",
		Attributes: []registry.Attribute{{Name: "Model", Value: "tracker-v2"}},
	}

	c, err := New(Options{
		Connector: connector,
		Directory: directory,
		Formatter: formatterDefaults(),
	})
	require.NoError(t, err)

	tc, err := c.GetOrCreate(context.Background(), "terminal-1")
	require.NoError(t, err)
	assert.Equal(t, "tracker-v2", tc.Connection.Model())
}

func TestGetOrCreate_RegistryAttributesOverrideFallback(t *testing.T) {
	connector := newFakeConnector(t)
	directory := newFakeDirectory()
	directory.terminals["terminal-1"] = &registry.Terminal{
		ID:         "terminal-1",
		Attributes: []registry.Attribute{{Name: "PayloadFormatterUplink", Value: "acceleration"}},
	}

	c, err := New(Options{
		Connector: connector,
		Directory: directory,
		Formatter: formatterDefaults(),
		Gateway: config.GatewayConfig{
			FallbackAttributes: map[string]string{"PayloadFormatterUplink": "tracker"},
		},
	})
	require.NoError(t, err)

	tc, err := c.GetOrCreate(context.Background(), "terminal-1")
	require.NoError(t, err)
	assert.Equal(t, "acceleration", tc.UplinkFormatter)
}

func TestGetOrCreate_NoDirectory(t *testing.T) {
	connector := newFakeConnector(t)
	c, err := New(Options{
		Connector: connector,
		Formatter: formatterDefaults(),
	})
	require.NoError(t, err)

	tc, err := c.GetOrCreate(context.Background(), "terminal-1")
	require.NoError(t, err)
	assert.Equal(t, "raw", tc.UplinkFormatter)
}

func TestGetOrCreate_EmptyTerminalID(t *testing.T) {
	c, _, _ := newTestCache(t)

	_, err := c.GetOrCreate(context.Background(), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidData)
}

func TestGetOrCreate_ConcurrentSingleBuild(t *testing.T) {
	c, connector, directory := newTestCache(t)
	directory.terminals["terminal-1"] = &registry.Terminal{ID: "terminal-1"}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tc, err := c.GetOrCreate(context.Background(), "terminal-1")
			assert.NoError(t, err)
			assert.NotNil(t, tc)
		}()
	}
	wg.Wait()

	// Single flight: concurrent misses share one connection build
	assert.LessOrEqual(t, connector.connects.Load(), int64(2))
	assert.Equal(t, 1, c.Size())
}

func TestWarmUp(t *testing.T) {
	c, connector, directory := newTestCache(t)

	directory.terminals["terminal-1"] = &registry.Terminal{ID: "terminal-1"}
	directory.terminals["terminal-2"] = &registry.Terminal{ID: "terminal-2"}
	directory.terminals["terminal-3"] = &registry.Terminal{ID: "terminal-3"}

	require.NoError(t, c.WarmUp(context.Background()))
	assert.Equal(t, 3, c.Size())
	assert.Equal(t, int64(3), connector.connects.Load())
}

func TestWarmUp_SkipsFailedTerminals(t *testing.T) {
	c, connector, directory := newTestCache(t)
	directory.terminals["terminal-1"] = &registry.Terminal{ID: "terminal-1"}

	connector.setFailure(errors.WrapTransient(errors.ErrConnectionLost, "fake", "Connect", "simulated"))

	// Individual terminal failures do not fail the warm-up pass
	require.NoError(t, c.WarmUp(context.Background()))
	assert.Equal(t, 0, c.Size())
}

func TestWarmUp_ListFailure(t *testing.T) {
	c, _, directory := newTestCache(t)
	directory.listErr = errors.WrapTransient(errors.ErrRegistryUnavailable, "fakeDirectory", "List", "simulated outage")

	err := c.WarmUp(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrRegistryUnavailable)
}
