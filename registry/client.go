// Package registry is the client for the satellite terminal registry
// REST API. It resolves terminal records and their attributes, and
// submits control messages for downlink delivery.
package registry

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/c360/satbridge/config"
	"github.com/c360/satbridge/errors"
	"github.com/c360/satbridge/pkg/retry"
)

// Attribute is a single name/value pair attached to a terminal
type Attribute struct {
	Name  string `json:"Name"`
	Value string `json:"Value"`
}

// Terminal is a registry record for one satellite terminal
type Terminal struct {
	ID               string      `json:"Id"`
	Attributes       []Attribute `json:"Attributes"`
	MessageCount     int         `json:"MessageCount"`
	FirstMessageTime time.Time   `json:"FirstMessageTime"`
	LastMessageTime  time.Time   `json:"LastMessageTime"`
	RegistrationDate string      `json:"RegistrationDate"`
}

// Attribute returns the named attribute value. Names are matched
// case-insensitively, the way the registry UI accepts them.
func (t *Terminal) Attribute(name string) (string, bool) {
	for _, attr := range t.Attributes {
		if strings.EqualFold(attr.Name, name) {
			return attr.Value, true
		}
	}
	return "", false
}

type modulesResponse struct {
	Items    []Terminal `json:"Items"`
	NextItem string     `json:"NextItem"`
}

type controlMessageRequest struct {
	ModuleID string `json:"ModuleId"`
	Message  string `json:"Message"`
}

type controlMessageResponse struct {
	ID string `json:"Id"`
}

// Client calls the terminal registry REST API
type Client struct {
	baseURL         string
	apiToken        string
	downlinkEnabled bool
	pageSize        int

	httpClient *http.Client
	retryCfg   retry.Config
	logger     *slog.Logger
}

// NewClient creates a registry client from configuration
func NewClient(cfg config.RegistryConfig, logger *slog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Client", "NewClient", "registry base URL required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = config.DefaultRegistryTimeout
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}

	return &Client{
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		apiToken:        cfg.APIToken,
		downlinkEnabled: cfg.DownlinkEnabled,
		pageSize:        pageSize,
		httpClient:      &http.Client{Timeout: timeout},
		retryCfg:        retry.DefaultConfig(),
		logger:          logger.With("component", "registry"),
	}, nil
}

// Get fetches a single terminal record
func (c *Client) Get(ctx context.Context, terminalID string) (*Terminal, error) {
	if terminalID == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Client", "Get", "terminal id required")
	}

	endpoint := fmt.Sprintf("%s/v1/modules/%s?Destinations=false", c.baseURL, url.PathEscape(terminalID))

	var response modulesResponse
	err := retry.Do(ctx, c.retryCfg, func() error {
		return c.getJSON(ctx, endpoint, &response)
	})
	if err != nil {
		return nil, err
	}

	if len(response.Items) != 1 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %q", errors.ErrTerminalNotFound, terminalID),
			"Client", "Get", "terminal lookup")
	}
	return &response.Items[0], nil
}

// List fetches all terminal records, following pagination
func (c *Client) List(ctx context.Context) ([]Terminal, error) {
	var terminals []Terminal
	next := ""

	for {
		endpoint := fmt.Sprintf("%s/v1/modules?Destinations=false&Limit=%d", c.baseURL, c.pageSize)
		if next != "" {
			endpoint += "&NextItem=" + url.QueryEscape(next)
		}

		var response modulesResponse
		err := retry.Do(ctx, c.retryCfg, func() error {
			response = modulesResponse{}
			return c.getJSON(ctx, endpoint, &response)
		})
		if err != nil {
			return nil, err
		}

		terminals = append(terminals, response.Items...)

		if response.NextItem == "" {
			break
		}
		next = response.NextItem
	}

	c.logger.Debug("listed terminals", "count", len(terminals))
	return terminals, nil
}

// Send submits a control message for downlink delivery and returns
// the registry's message id. When downlink is disabled by
// configuration the message is dropped and an empty id returned.
func (c *Client) Send(ctx context.Context, terminalID string, payload []byte) (string, error) {
	if terminalID == "" {
		return "", errors.WrapInvalid(errors.ErrInvalidData, "Client", "Send", "terminal id required")
	}

	if !c.downlinkEnabled {
		c.logger.Warn("downlink disabled, control message dropped",
			"terminalId", terminalID, "bytes", len(payload))
		return "", nil
	}

	body, err := json.Marshal(controlMessageRequest{
		ModuleID: terminalID,
		Message:  strings.ToUpper(hex.EncodeToString(payload)),
	})
	if err != nil {
		return "", errors.WrapInvalid(err, "Client", "Send", "request encoding")
	}

	endpoint := c.baseURL + "/v1/control-messages/"

	var response controlMessageResponse
	err = retry.Do(ctx, c.retryCfg, func() error {
		response = controlMessageResponse{}
		return c.postJSON(ctx, endpoint, body, &response)
	})
	if err != nil {
		return "", err
	}

	c.logger.Info("control message accepted",
		"terminalId", terminalID, "messageId", response.ID, "bytes", len(payload))
	return response.ID, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return retry.NonRetryable(errors.WrapInvalid(err, "Client", "getJSON", "request construction"))
	}
	c.setHeaders(req)

	return c.doJSON(req, out)
}

func (c *Client) postJSON(ctx context.Context, endpoint string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return retry.NonRetryable(errors.WrapInvalid(err, "Client", "postJSON", "request construction"))
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req)

	return c.doJSON(req, out)
}

func (c *Client) setHeaders(req *http.Request) {
	if c.apiToken != "" {
		req.Header.Set("Authorization", c.apiToken)
	}
	req.Header.Set("Accept", "application/json")
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.WrapTransient(
			fmt.Errorf("%w: %w", errors.ErrRegistryUnavailable, err),
			"Client", "doJSON", "registry request")
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return retry.NonRetryable(errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrTerminalNotFound, req.URL.Path),
			"Client", "doJSON", "registry request"))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return retry.NonRetryable(errors.WrapFatal(
			fmt.Errorf("registry rejected credentials: status %d", resp.StatusCode),
			"Client", "doJSON", "registry request"))
	case resp.StatusCode >= 500:
		return errors.WrapTransient(
			fmt.Errorf("%w: status %d", errors.ErrRegistryUnavailable, resp.StatusCode),
			"Client", "doJSON", "registry request")
	case resp.StatusCode >= 400:
		return retry.NonRetryable(errors.WrapInvalid(
			fmt.Errorf("registry rejected request: status %d", resp.StatusCode),
			"Client", "doJSON", "registry request"))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.WrapTransient(err, "Client", "doJSON", "response read")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return retry.NonRetryable(errors.WrapInvalid(err, "Client", "doJSON", "response parsing"))
	}
	return nil
}
