// Package conncache caches per-terminal gateway connections together
// with the terminal's registry snapshot. Connections are built once
// per terminal and live for the process lifetime; setup failures are
// reported but never cached, so the next request retries from scratch.
package conncache

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/singleflight"

	"github.com/c360/satbridge/config"
	"github.com/c360/satbridge/errors"
	"github.com/c360/satbridge/gateway"
	"github.com/c360/satbridge/pkg/cache"
	"github.com/c360/satbridge/registry"
)

// Attribute names the registry uses to pin formatters per terminal
const (
	attrFormatterUplink   = "PayloadFormatterUplink"
	attrFormatterDownlink = "PayloadFormatterDownlink"
)

// TerminalDirectory is the registry surface the cache needs
type TerminalDirectory interface {
	Get(ctx context.Context, terminalID string) (*registry.Terminal, error)
	List(ctx context.Context) ([]registry.Terminal, error)
}

// Context is everything the dispatchers need for one terminal:
// the open connection, formatter bindings, and the attribute snapshot
// taken when the connection was built.
type Context struct {
	TerminalID        string
	UplinkFormatter   string
	DownlinkFormatter string
	Attributes        map[string]string
	Connection        *gateway.Connection
}

// RequestHandler processes a downlink request for a cached terminal.
// The terminal's context rides along so the handler needs no lookup
// of its own.
type RequestHandler func(ctx context.Context, terminal *Context, msg *nats.Msg) []byte

// Options configures a connection cache
type Options struct {
	Connector gateway.Connector
	Directory TerminalDirectory
	Formatter config.FormatterConfig
	Gateway   config.GatewayConfig

	// Handler invoked for downlink requests on each terminal's
	// subscription. Optional; without it no subscriptions are made.
	Handler RequestHandler

	Logger       *slog.Logger
	CacheOptions []cache.Option[*Context] // optional metrics wiring
}

// Cache builds and memoizes terminal connections
type Cache struct {
	connector gateway.Connector
	directory TerminalDirectory
	formatter config.FormatterConfig
	fallback  map[string]string
	handler   RequestHandler

	contexts cache.Cache[*Context]
	group    singleflight.Group
	logger   *slog.Logger
}

// New creates a connection cache
func New(opts Options) (*Cache, error) {
	if opts.Connector == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Cache", "New", "connector required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	contexts, err := cache.NewSimple(opts.CacheOptions...)
	if err != nil {
		return nil, fmt.Errorf("connection cache: %w", err)
	}

	return &Cache{
		connector: opts.Connector,
		directory: opts.Directory,
		formatter: opts.Formatter,
		fallback:  opts.Gateway.FallbackAttributes,
		handler:   opts.Handler,
		contexts:  contexts,
		logger:    opts.Logger.With("component", "conncache"),
	}, nil
}

// GetOrCreate returns the terminal's connection context, building it
// on first use. Concurrent callers for the same terminal share one
// setup attempt.
func (c *Cache) GetOrCreate(ctx context.Context, terminalID string) (*Context, error) {
	if terminalID == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Cache", "GetOrCreate", "terminal id required")
	}

	if tc, ok := c.contexts.Get(terminalID); ok {
		return tc, nil
	}

	result, err, _ := c.group.Do(terminalID, func() (any, error) {
		if tc, ok := c.contexts.Get(terminalID); ok {
			return tc, nil
		}

		tc, err := c.build(ctx, terminalID)
		if err != nil {
			return nil, err
		}

		if _, err := c.contexts.Set(terminalID, tc); err != nil {
			return nil, err
		}
		c.logger.Info("terminal connection established",
			"terminalId", terminalID,
			"uplinkFormatter", tc.UplinkFormatter,
			"downlinkFormatter", tc.DownlinkFormatter)
		return tc, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Context), nil
}

// build takes the registry snapshot, opens the connection, and wires
// the downlink subscription
func (c *Cache) build(ctx context.Context, terminalID string) (*Context, error) {
	attributes := c.snapshotAttributes(ctx, terminalID)

	tc := &Context{
		TerminalID:        terminalID,
		UplinkFormatter:   resolveFormatter(attributes, attrFormatterUplink, c.formatter.UplinkDefault),
		DownlinkFormatter: resolveFormatter(attributes, attrFormatterDownlink, c.formatter.DownlinkDefault),
		Attributes:        attributes,
	}

	conn, err := c.connector.Connect(ctx, terminalID, attributes)
	if err != nil {
		return nil, err
	}
	tc.Connection = conn

	if c.handler != nil {
		handler := c.handler
		err := conn.SubscribeDownlink(ctx, func(ctx context.Context, _ string, msg *nats.Msg) []byte {
			return handler(ctx, tc, msg)
		})
		if err != nil {
			return nil, err
		}
	}

	return tc, nil
}

// snapshotAttributes reads the terminal's registry record once.
// When the registry has no record or is unreachable the configured
// fallback attributes apply; connection setup proceeds either way.
// The snapshot is never refreshed for the life of the connection.
func (c *Cache) snapshotAttributes(ctx context.Context, terminalID string) map[string]string {
	attributes := make(map[string]string, len(c.fallback))
	for name, value := range c.fallback {
		attributes[name] = value
	}

	if c.directory == nil {
		return attributes
	}

	terminal, err := c.directory.Get(ctx, terminalID)
	if err != nil {
		c.logger.Warn("registry snapshot unavailable, using fallback attributes",
			"terminalId", terminalID, "error", err)
		return attributes
	}

	for _, attr := range terminal.Attributes {
		attributes[attr.Name] = attr.Value
	}
	return attributes
}

// WarmUp connects every terminal the registry knows about. Failures
// are logged and skipped; the terminal connects on first traffic
// instead.
func (c *Cache) WarmUp(ctx context.Context) error {
	if c.directory == nil {
		return nil
	}

	terminals, err := c.directory.List(ctx)
	if err != nil {
		return errors.Wrap(err, "Cache", "WarmUp", "terminal listing")
	}

	warmed := 0
	for _, terminal := range terminals {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := c.GetOrCreate(ctx, terminal.ID); err != nil {
			c.logger.Warn("warm-up skipped terminal", "terminalId", terminal.ID, "error", err)
			continue
		}
		warmed++
	}

	c.logger.Info("warm-up complete", "terminals", len(terminals), "connected", warmed)
	return nil
}

// Size returns the number of cached terminal connections
func (c *Cache) Size() int {
	return c.contexts.Size()
}

// Stats reports cache statistics
func (c *Cache) Stats() *cache.Statistics {
	return c.contexts.Stats()
}

// resolveFormatter picks the terminal's formatter name from its
// attributes, falling back to the configured default
func resolveFormatter(attributes map[string]string, attrName, fallback string) string {
	if name, ok := attributes[attrName]; ok && name != "" {
		return name
	}
	return fallback
}
