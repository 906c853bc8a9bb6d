// Package gateway manages the message-broker side of the bridge: one
// logical connection per terminal, carrying telemetry out and downlink
// method requests in.
//
// Two connection strategies exist. The static strategy derives
// per-terminal subjects from fixed prefixes; the provisioning strategy
// enrolls each terminal with a provisioning service first, using a key
// derived from the group enrollment key, and uses the subjects the
// service assigns.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/c360/satbridge/errors"
	"github.com/c360/satbridge/natsclient"
)

// Device-model hint: registry attribute name and the telemetry
// header it is forwarded on when present.
const (
	attrModel   = "Model"
	headerModel = "model"
)

// Connector establishes a connection for one terminal. Attributes is
// the terminal's registry snapshot; connectors may read hints from it
// (the device model) and must tolerate an empty map.
type Connector interface {
	Connect(ctx context.Context, terminalID string, attributes map[string]string) (*Connection, error)
}

// DownlinkHandler processes a downlink request arriving on a
// terminal's subscription and returns the response document to send
// back to the requester.
type DownlinkHandler func(ctx context.Context, terminalID string, msg *nats.Msg) []byte

// Connection is an open link for a single terminal
type Connection struct {
	terminalID       string
	telemetrySubject string
	downlinkSubject  string
	model            string

	client *natsclient.Client
	logger *slog.Logger

	mu         sync.Mutex
	subscribed bool
}

// NewConnection builds a connection over resolved subjects.
// Connectors call this after working out where the terminal's
// telemetry should go. Model is optional; when set it travels as a
// header on every telemetry publish.
func NewConnection(
	client *natsclient.Client, terminalID, telemetrySubject, downlinkSubject, model string, logger *slog.Logger,
) (*Connection, error) {
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Connection", "NewConnection", "client required")
	}
	if terminalID == "" || telemetrySubject == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Connection", "NewConnection", "subject resolution")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Connection{
		terminalID:       terminalID,
		telemetrySubject: telemetrySubject,
		downlinkSubject:  downlinkSubject,
		model:            model,
		client:           client,
		logger:           logger.With("component", "gateway", "terminalId", terminalID),
	}, nil
}

// TerminalID returns the terminal this connection serves
func (c *Connection) TerminalID() string {
	return c.terminalID
}

// TelemetrySubject returns the subject telemetry is published to
func (c *Connection) TelemetrySubject() string {
	return c.telemetrySubject
}

// DownlinkSubject returns the subject downlink requests arrive on
func (c *Connection) DownlinkSubject() string {
	return c.downlinkSubject
}

// Model returns the terminal's device-model hint, empty when unknown
func (c *Connection) Model() string {
	return c.model
}

// PublishTelemetry sends a telemetry document with transport
// properties carried as message headers
func (c *Connection) PublishTelemetry(ctx context.Context, payload []byte, properties map[string]string) error {
	msg := nats.NewMsg(c.telemetrySubject)
	msg.Data = payload
	for name, value := range properties {
		msg.Header.Set(name, value)
	}
	if c.model != "" && msg.Header.Get(headerModel) == "" {
		msg.Header.Set(headerModel, c.model)
	}

	if err := c.client.PublishMsgToStream(ctx, msg); err != nil {
		return errors.Wrap(err, "Connection", "PublishTelemetry",
			fmt.Sprintf("publish to %s", c.telemetrySubject))
	}

	c.logger.Debug("telemetry published", "subject", c.telemetrySubject, "bytes", len(payload))
	return nil
}

// SubscribeDownlink registers the downlink request handler for this
// terminal. The handler's response is sent on the request's reply
// subject when one is set. At most one subscription is created; later
// calls are no-ops.
func (c *Connection) SubscribeDownlink(ctx context.Context, handler DownlinkHandler) error {
	if c.downlinkSubject == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribed {
		return nil
	}

	err := c.client.Subscribe(ctx, c.downlinkSubject, func(ctx context.Context, msg *nats.Msg) {
		response := handler(ctx, c.terminalID, msg)
		if msg.Reply != "" && response != nil {
			if err := msg.Respond(response); err != nil {
				c.logger.Error("downlink response failed", "error", err)
			}
		}
	})
	if err != nil {
		return errors.Wrap(err, "Connection", "SubscribeDownlink",
			fmt.Sprintf("subscribe %s", c.downlinkSubject))
	}

	c.subscribed = true
	c.logger.Info("downlink subscription active", "subject", c.downlinkSubject)
	return nil
}
