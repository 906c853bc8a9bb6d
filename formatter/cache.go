package formatter

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/c360/satbridge/errors"
	"github.com/c360/satbridge/formatter/store"
	"github.com/c360/satbridge/pkg/cache"
)

// Cache memoizes compiled formatters by direction and name.
//
// Concurrent requests for the same formatter share one fetch-and-
// compile via singleflight. A successful compile is cached for the
// life of the process; a failed one is never cached, so the next
// request retries against the blob store.
//
// When a named descriptor is absent and a default name is configured,
// the load retries with the default before failing. The result is
// memoized under the requested name, so a terminal bound to a missing
// descriptor keeps resolving without another store round trip.
type Cache struct {
	uplinkBlobs   store.Blob
	downlinkBlobs store.Blob
	registry      *Registry

	uplinkDefault   string
	downlinkDefault string

	uplinks   cache.Cache[Uplink]
	downlinks cache.Cache[Downlink]
	group     singleflight.Group

	logger *slog.Logger
}

// CacheOptions configures a formatter cache
type CacheOptions struct {
	UplinkBlobs   store.Blob
	DownlinkBlobs store.Blob
	Registry      *Registry // defaults to the built-in codec registry

	// Fallback descriptor names when a requested one does not exist.
	// Empty disables the fallback for that direction.
	UplinkDefault   string
	DownlinkDefault string

	Logger       *slog.Logger
	CacheOptions []cache.Option[Uplink]   // optional metrics wiring
	DownlinkOpts []cache.Option[Downlink] // optional metrics wiring
}

// NewCache creates a formatter cache over the two descriptor buckets
func NewCache(opts CacheOptions) (*Cache, error) {
	if opts.UplinkBlobs == nil || opts.DownlinkBlobs == nil {
		return nil, fmt.Errorf("formatter cache requires both descriptor blob stores")
	}
	if opts.Registry == nil {
		opts.Registry = DefaultRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	uplinks, err := cache.NewSimple(opts.CacheOptions...)
	if err != nil {
		return nil, fmt.Errorf("uplink formatter cache: %w", err)
	}
	downlinks, err := cache.NewSimple(opts.DownlinkOpts...)
	if err != nil {
		return nil, fmt.Errorf("downlink formatter cache: %w", err)
	}

	return &Cache{
		uplinkBlobs:     opts.UplinkBlobs,
		downlinkBlobs:   opts.DownlinkBlobs,
		registry:        opts.Registry,
		uplinkDefault:   opts.UplinkDefault,
		downlinkDefault: opts.DownlinkDefault,
		uplinks:         uplinks,
		downlinks:       downlinks,
		logger:          opts.Logger.With("component", "formatter-cache"),
	}, nil
}

// Uplink returns the compiled uplink formatter for a name
func (c *Cache) Uplink(ctx context.Context, name string) (Uplink, error) {
	key := cacheKey(DirectionUplink, name)

	if f, ok := c.uplinks.Get(key); ok {
		return f, nil
	}

	result, err, _ := c.group.Do(key, func() (any, error) {
		// Another waiter may have filled the cache before we got the slot
		if f, ok := c.uplinks.Get(key); ok {
			return f, nil
		}

		data, err := c.fetch(ctx, c.uplinkBlobs, name, c.uplinkDefault)
		if err != nil {
			return nil, err
		}

		f, err := c.registry.CompileUplink(data)
		if err != nil {
			return nil, err
		}

		if _, err := c.uplinks.Set(key, f); err != nil {
			return nil, err
		}
		c.logger.Info("compiled uplink formatter", "name", name)
		return f, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(Uplink), nil
}

// Downlink returns the compiled downlink formatter for a name
func (c *Cache) Downlink(ctx context.Context, name string) (Downlink, error) {
	key := cacheKey(DirectionDownlink, name)

	if f, ok := c.downlinks.Get(key); ok {
		return f, nil
	}

	result, err, _ := c.group.Do(key, func() (any, error) {
		if f, ok := c.downlinks.Get(key); ok {
			return f, nil
		}

		data, err := c.fetch(ctx, c.downlinkBlobs, name, c.downlinkDefault)
		if err != nil {
			return nil, err
		}

		f, err := c.registry.CompileDownlink(data)
		if err != nil {
			return nil, err
		}

		if _, err := c.downlinks.Set(key, f); err != nil {
			return nil, err
		}
		c.logger.Info("compiled downlink formatter", "name", name)
		return f, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(Downlink), nil
}

// Stats reports cache statistics per direction
func (c *Cache) Stats() (uplink, downlink *cache.Statistics) {
	return c.uplinks.Stats(), c.downlinks.Stats()
}

// fetch loads a descriptor, retrying with the configured default name
// when the requested one does not exist. Other load failures, and a
// missing default, propagate unchanged.
func (c *Cache) fetch(ctx context.Context, blobs store.Blob, name, fallback string) ([]byte, error) {
	data, err := blobs.Get(ctx, name)
	if err == nil {
		return data, nil
	}
	if !stderrors.Is(err, errors.ErrFormatterNotFound) ||
		fallback == "" || strings.EqualFold(name, fallback) {
		return nil, err
	}

	c.logger.Warn("descriptor not found, using default", "name", name, "default", fallback)
	return blobs.Get(ctx, fallback)
}

func cacheKey(direction Direction, name string) string {
	return string(direction) + "/" + strings.ToLower(name)
}
