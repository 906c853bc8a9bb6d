// Package uplink consumes queued satellite payloads and turns each
// packet into an enriched telemetry event published through the
// terminal's gateway connection.
//
// Uplink failures are hard: any packet that cannot be decoded,
// formatted, or published fails the whole payload so the stream
// redelivers it. There is no synchronous caller to hand a soft
// response to.
package uplink

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360/satbridge/config"
	"github.com/c360/satbridge/conncache"
	"github.com/c360/satbridge/errors"
	"github.com/c360/satbridge/formatter"
	"github.com/c360/satbridge/metric"
	"github.com/c360/satbridge/natsclient"
)

// timestampLayout matches the sortable format the rest of the
// pipeline stamps on telemetry events
const timestampLayout = "2006-01-02T15:04:05"

// Payload is one queued uplink message. A payload batches the packets
// the ground station received together, usually just one.
type Payload struct {
	ID                   string    `json:"id"`
	EndpointRef          string    `json:"endpointRef"`
	PayloadReceivedAtUtc time.Time `json:"payloadReceivedAtUtc"`
	PayloadArrivedAtUtc  time.Time `json:"payloadArrivedAtUtc"`
	Data                 Data      `json:"data"`
	CertificateURL       string    `json:"certificateUrl,omitempty"`
	Signature            string    `json:"signature,omitempty"`
}

// Data wraps the packet list
type Data struct {
	Packets []Packet `json:"packets"`
}

// Packet is one terminal transmission: hex-encoded payload bytes plus
// the satellite capture timestamp
type Packet struct {
	TerminalID string    `json:"terminalId"`
	Timestamp  time.Time `json:"timestamp"`
	Value      string    `json:"value"`
}

// ConnectionSource resolves terminal contexts
type ConnectionSource interface {
	GetOrCreate(ctx context.Context, terminalID string) (*conncache.Context, error)
}

// FormatterSource resolves uplink formatters by name
type FormatterSource interface {
	Uplink(ctx context.Context, name string) (formatter.Uplink, error)
}

// PublishFunc sends a serialized telemetry event for one terminal.
// The default publishes through the terminal's gateway connection.
type PublishFunc func(ctx context.Context, terminal *conncache.Context, payload []byte, properties map[string]string) error

// Dispatcher processes queued uplink payloads
type Dispatcher struct {
	connections ConnectionSource
	formatters  FormatterSource
	client      *natsclient.Client
	stream      config.UplinkConfig
	publish     PublishFunc
	logger      *slog.Logger
	metrics     *metric.Metrics
}

// Options configures a dispatcher. Client may be nil when the
// dispatcher is driven directly through HandlePayload.
type Options struct {
	Connections ConnectionSource
	Formatters  FormatterSource
	Client      *natsclient.Client
	Stream      config.UplinkConfig
	Publish     PublishFunc
	Logger      *slog.Logger
	Metrics     *metric.Metrics
}

// NewDispatcher creates an uplink dispatcher
func NewDispatcher(opts Options) (*Dispatcher, error) {
	if opts.Connections == nil || opts.Formatters == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Dispatcher", "NewDispatcher", "connections and formatters required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Publish == nil {
		opts.Publish = func(ctx context.Context, terminal *conncache.Context, payload []byte, properties map[string]string) error {
			return terminal.Connection.PublishTelemetry(ctx, payload, properties)
		}
	}

	return &Dispatcher{
		connections: opts.Connections,
		formatters:  opts.Formatters,
		client:      opts.Client,
		stream:      opts.Stream,
		publish:     opts.Publish,
		logger:      opts.Logger.With("component", "uplink"),
		metrics:     opts.Metrics,
	}, nil
}

// Run attaches the dispatcher to its durable stream consumer. A
// handler error negatively acknowledges the message so the server
// redelivers it.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.client == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Dispatcher", "Run", "broker client required")
	}

	d.logger.Info("uplink consumer starting",
		"stream", d.stream.Stream, "subject", d.stream.Subject, "durable", d.stream.Durable)

	return d.client.ConsumeStream(ctx, d.stream.Stream, d.stream.Durable, d.stream.Subject, d.HandlePayload)
}

// HandlePayload processes one queued payload. The first packet
// failure aborts the payload and propagates so the queue retries it.
func (d *Dispatcher) HandlePayload(ctx context.Context, data []byte) error {
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		// Malformed payloads never become valid on redelivery
		d.logger.Error("unparseable uplink payload dropped", "error", err, "bytes", len(data))
		d.countProcessed("dropped")
		return nil
	}

	logger := d.logger.With("payloadId", payload.ID, "endpointRef", payload.EndpointRef)
	logger.Info("uplink payload received", "packets", len(payload.Data.Packets))

	for _, packet := range payload.Data.Packets {
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.metrics != nil {
			d.metrics.PacketsReceived.WithLabelValues("uplink").Inc()
		}

		if err := d.processPacket(ctx, &payload, packet); err != nil {
			logger.Error("packet processing failed",
				"terminalId", packet.TerminalID, "value", packet.Value, "error", err)
			if d.metrics != nil {
				d.metrics.ErrorsTotal.WithLabelValues("uplink", errors.Classify(err).String()).Inc()
			}
			d.countProcessed("failed")
			return err
		}
		d.countProcessed("processed")
	}

	return nil
}

func (d *Dispatcher) processPacket(ctx context.Context, payload *Payload, packet Packet) error {
	start := time.Now()
	logger := d.logger.With("terminalId", packet.TerminalID, "payloadId", payload.ID)

	raw, err := hex.DecodeString(strings.TrimSpace(packet.Value))
	if err != nil {
		return errors.WrapInvalid(errors.ErrInvalidData, "Dispatcher", "processPacket",
			fmt.Sprintf("decode packet value %q", packet.Value))
	}

	terminal, err := d.connections.GetOrCreate(ctx, packet.TerminalID)
	if err != nil {
		return err
	}
	logger.Debug("terminal resolved", "formatter", terminal.UplinkFormatter)

	f, err := d.formatters.Uplink(ctx, terminal.UplinkFormatter)
	if err != nil {
		return err
	}

	properties := make(map[string]string)
	event, err := formatter.EvaluateUplink(f, packet.TerminalID, properties, packet.Timestamp, raw)
	if err != nil {
		return err
	}

	// Formatter-set values win over the system metadata
	event.SetIfAbsent("PayloadId", payload.ID)
	event.SetIfAbsent("EndpointReference", payload.EndpointRef)
	event.SetIfAbsent("TerminalId", packet.TerminalID)
	event.SetIfAbsent("PacketArrivedAtUtc", packet.Timestamp.UTC().Format(timestampLayout))
	event.SetIfAbsent("PayloadReceivedAtUtc", payload.PayloadReceivedAtUtc.UTC().Format(timestampLayout))
	event.SetIfAbsent("PayloadArrivedAtUtc", payload.PayloadArrivedAtUtc.UTC().Format(timestampLayout))

	body, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "Dispatcher", "processPacket", "serialize telemetry event")
	}

	setIfAbsent(properties, "PayloadId", payload.ID)
	setIfAbsent(properties, "EndpointReference", payload.EndpointRef)
	setIfAbsent(properties, "TerminalId", packet.TerminalID)

	if err := d.publish(ctx, terminal, body, properties); err != nil {
		logger.Error("telemetry publish failed", "error", err)
		return err
	}

	if d.metrics != nil {
		d.metrics.EventsPublished.WithLabelValues("uplink").Inc()
		d.metrics.ObserveDuration("uplink", "packet", start)
	}
	logger.Info("telemetry event published", "bytes", len(body))
	return nil
}

func (d *Dispatcher) countProcessed(status string) {
	if d.metrics != nil {
		d.metrics.PacketsProcessed.WithLabelValues("uplink", status).Inc()
	}
}

func setIfAbsent(m map[string]string, key, value string) {
	if _, ok := m[key]; !ok {
		m[key] = value
	}
}
