package gateway

import (
	"context"
	"log/slog"

	"github.com/c360/satbridge/config"
	"github.com/c360/satbridge/errors"
	"github.com/c360/satbridge/natsclient"
)

// StaticConnector derives per-terminal subjects from configured
// prefixes. No external handshake happens; a connection is ready as
// soon as the subjects are resolved.
type StaticConnector struct {
	client          *natsclient.Client
	telemetryPrefix string
	downlinkPrefix  string
	logger          *slog.Logger
}

// NewStaticConnector creates the fixed-endpoint strategy
func NewStaticConnector(client *natsclient.Client, cfg config.StaticConfig, logger *slog.Logger) (*StaticConnector, error) {
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "StaticConnector", "NewStaticConnector", "client required")
	}
	if cfg.TelemetrySubject == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "StaticConnector", "NewStaticConnector", "telemetry subject required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &StaticConnector{
		client:          client,
		telemetryPrefix: cfg.TelemetrySubject,
		downlinkPrefix:  cfg.DownlinkSubject,
		logger:          logger,
	}, nil
}

// Connect resolves the terminal's subjects from the configured
// prefixes. A model attribute, when present, is carried as the
// connection's device-model hint.
func (s *StaticConnector) Connect(_ context.Context, terminalID string, attributes map[string]string) (*Connection, error) {
	if terminalID == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "StaticConnector", "Connect", "terminal id required")
	}

	downlink := ""
	if s.downlinkPrefix != "" {
		downlink = s.downlinkPrefix + "." + terminalID
	}

	return NewConnection(s.client, terminalID, s.telemetryPrefix+"."+terminalID, downlink, attributes[attrModel], s.logger)
}
