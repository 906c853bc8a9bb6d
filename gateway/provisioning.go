package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/c360/satbridge/config"
	"github.com/c360/satbridge/errors"
	"github.com/c360/satbridge/natsclient"
)

// Registration outcome the provisioning service must report before a
// terminal may connect
const statusAssigned = "assigned"

// DeriveKey computes a terminal's enrollment key from the group key:
// HMAC-SHA256 over the terminal id, keyed with the decoded group key,
// base64 encoded. Deterministic per (groupKey, terminalID).
func DeriveKey(groupEnrollmentKey, terminalID string) (string, error) {
	keyBytes, err := base64.StdEncoding.DecodeString(groupEnrollmentKey)
	if err != nil {
		return "", errors.WrapInvalid(
			fmt.Errorf("group enrollment key is not valid base64: %w", err),
			"ProvisioningConnector", "DeriveKey", "key decoding")
	}

	mac := hmac.New(sha256.New, keyBytes)
	mac.Write([]byte(terminalID))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

type registrationRequest struct {
	RegistrationID string `json:"registrationId"`
	IDScope        string `json:"idScope"`
}

type registrationResult struct {
	Status           string `json:"status"`
	AssignedID       string `json:"assignedId,omitempty"`
	TelemetrySubject string `json:"telemetrySubject,omitempty"`
	DownlinkSubject  string `json:"downlinkSubject,omitempty"`
	ErrorMessage     string `json:"errorMessage,omitempty"`
}

// ProvisioningConnector enrolls each terminal with the provisioning
// service before opening its connection. The service decides where
// the terminal's telemetry goes.
type ProvisioningConnector struct {
	client     *natsclient.Client
	cfg        config.ProvisioningConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewProvisioningConnector creates the enrollment-based strategy
func NewProvisioningConnector(
	client *natsclient.Client, cfg config.ProvisioningConfig, logger *slog.Logger,
) (*ProvisioningConnector, error) {
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "ProvisioningConnector", "NewProvisioningConnector", "client required")
	}
	if cfg.GlobalEndpoint == "" || cfg.IDScope == "" || cfg.GroupEnrollmentKey == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "ProvisioningConnector", "NewProvisioningConnector", "provisioning settings required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = config.DefaultProvisioningTimeout
	}

	return &ProvisioningConnector{
		client:     client,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With("component", "provisioning"),
	}, nil
}

// Connect enrolls the terminal and opens a connection on the assigned
// subjects. A rejected registration is fatal for this attempt; the
// caller must not cache it.
func (p *ProvisioningConnector) Connect(ctx context.Context, terminalID string, attributes map[string]string) (*Connection, error) {
	if terminalID == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "ProvisioningConnector", "Connect", "terminal id required")
	}

	result, err := p.register(ctx, terminalID)
	if err != nil {
		return nil, err
	}

	if !strings.EqualFold(result.Status, statusAssigned) {
		p.logger.Warn("registration not assigned",
			"terminalId", terminalID, "status", result.Status, "error", result.ErrorMessage)
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: terminal %s status %q", errors.ErrProvisioningRejected, terminalID, result.Status),
			"ProvisioningConnector", "Connect", "registration status check")
	}

	p.logger.Info("terminal provisioned",
		"terminalId", terminalID, "telemetrySubject", result.TelemetrySubject)

	return NewConnection(p.client, terminalID, result.TelemetrySubject, result.DownlinkSubject, attributes[attrModel], p.logger)
}

func (p *ProvisioningConnector) register(ctx context.Context, terminalID string) (*registrationResult, error) {
	derivedKey, err := DeriveKey(p.cfg.GroupEnrollmentKey, terminalID)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(registrationRequest{
		RegistrationID: terminalID,
		IDScope:        p.cfg.IDScope,
	})
	if err != nil {
		return nil, errors.WrapInvalid(err, "ProvisioningConnector", "register", "request encoding")
	}

	endpoint := strings.TrimRight(p.cfg.GlobalEndpoint, "/") + "/register"
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.WrapInvalid(err, "ProvisioningConnector", "register", "request construction")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "SharedAccessKey "+derivedKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, errors.WrapTransient(err, "ProvisioningConnector", "register",
			fmt.Sprintf("register terminal %s", terminalID))
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.WrapTransient(err, "ProvisioningConnector", "register", "response read")
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: terminal %s status %d", errors.ErrProvisioningRejected, terminalID, resp.StatusCode),
			"ProvisioningConnector", "register", "credential check")
	case resp.StatusCode >= 400:
		return nil, errors.WrapTransient(
			fmt.Errorf("provisioning service status %d", resp.StatusCode),
			"ProvisioningConnector", "register", "registration request")
	}

	var result registrationResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, errors.WrapInvalid(err, "ProvisioningConnector", "register", "response parsing")
	}
	return &result, nil
}
