// Package downlink dispatches method requests to terminals. A request
// names a method and optionally carries a JSON argument; the
// dispatcher resolves the formatter, evaluates it into a frame, and
// hands the frame to the registry for delivery.
//
// Downlink failures are soft: every outcome becomes a structured
// response, never a dropped or redelivered message.
package downlink

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/c360/satbridge/config"
	"github.com/c360/satbridge/conncache"
	"github.com/c360/satbridge/errors"
	"github.com/c360/satbridge/formatter"
	"github.com/c360/satbridge/metric"
)

// Request is a downlink method invocation. A non-empty Formatter
// names the formatter to use for this request, ahead of any
// per-method override and the terminal's default.
type Request struct {
	Method    string          `json:"method"`
	Formatter string          `json:"formatter,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Response reports the outcome of a downlink request. Status reuses
// HTTP codes: 200 sent, 422 the request could not produce a valid
// frame, 500 the dispatcher itself failed.
type Response struct {
	Status    int    `json:"status"`
	RequestID string `json:"requestId"`
	MessageID string `json:"messageId,omitempty"`
	Message   string `json:"message"`
}

// Sender delivers a validated frame to a terminal
type Sender interface {
	Send(ctx context.Context, terminalID string, payload []byte) (string, error)
}

// FormatterSource resolves downlink formatters by name
type FormatterSource interface {
	Downlink(ctx context.Context, name string) (formatter.Downlink, error)
}

// Dispatcher turns method requests into delivered frames
type Dispatcher struct {
	formatters FormatterSource
	sender     Sender
	methods    config.DownlinkConfig
	logger     *slog.Logger
	metrics    *metric.Metrics
}

// Options configures a dispatcher
type Options struct {
	Formatters FormatterSource
	Sender     Sender
	Methods    config.DownlinkConfig
	Logger     *slog.Logger
	Metrics    *metric.Metrics
}

// NewDispatcher creates a downlink dispatcher
func NewDispatcher(opts Options) (*Dispatcher, error) {
	if opts.Formatters == nil || opts.Sender == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Dispatcher", "NewDispatcher", "formatters and sender required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Dispatcher{
		formatters: opts.Formatters,
		sender:     opts.Sender,
		methods:    opts.Methods,
		logger:     opts.Logger.With("component", "downlink"),
		metrics:    opts.Metrics,
	}, nil
}

// HandleMessage adapts broker messages to Dispatch. It satisfies the
// connection cache's RequestHandler so each terminal subscription
// routes straight here, and always returns a response document.
func (d *Dispatcher) HandleMessage(ctx context.Context, terminal *conncache.Context, msg *nats.Msg) []byte {
	var req Request
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.Method == "" {
		// Header-addressed raw requests: method name in a header,
		// body used as the argument document
		method := msg.Header.Get("method")
		if method == "" {
			response := Response{
				Status:    http.StatusUnprocessableEntity,
				RequestID: uuid.New().String(),
				Message:   "request is not a method invocation",
			}
			data, _ := json.Marshal(response)
			return data
		}
		req = Request{
			Method:    method,
			Formatter: msg.Header.Get("formatter"),
			Payload:   msg.Data,
		}
	}

	response := d.Dispatch(ctx, terminal, req)
	data, _ := json.Marshal(response)
	return data
}

// Dispatch resolves, evaluates, validates, and sends one request
func (d *Dispatcher) Dispatch(ctx context.Context, terminal *conncache.Context, req Request) Response {
	start := time.Now()
	requestID := uuid.New().String()

	logger := d.logger.With(
		"terminalId", terminal.TerminalID, "requestId", requestID, "method", req.Method)
	logger.Info("downlink request received")

	response := d.dispatch(ctx, terminal, req, requestID, logger)

	if d.metrics != nil {
		d.metrics.FramesSent.WithLabelValues("downlink", statusLabel(response.Status)).Inc()
		d.metrics.ObserveDuration("downlink", "dispatch", start)
	}
	return response
}

func (d *Dispatcher) dispatch(
	ctx context.Context, terminal *conncache.Context, req Request, requestID string, logger *slog.Logger,
) Response {
	override, hasOverride := d.methods.MethodOverrideFor(req.Method)

	// Resolution order: request property, per-method config override,
	// terminal default
	formatterName := terminal.DownlinkFormatter
	if hasOverride && override.Formatter != "" {
		formatterName = override.Formatter
	}
	if name := strings.TrimSpace(req.Formatter); name != "" {
		formatterName = name
	}
	logger.Debug("formatter resolved", "formatter", formatterName)

	methodJSON, response := d.resolveArgument(req, override, hasOverride, requestID, logger)
	if response != nil {
		return *response
	}

	f, err := d.formatters.Downlink(ctx, formatterName)
	if err != nil {
		logger.Error("formatter load failed", "formatter", formatterName, "error", err)
		d.countError(err)
		return Response{
			Status:    http.StatusInternalServerError,
			RequestID: requestID,
			Message:   fmt.Sprintf("formatter %q unavailable", formatterName),
		}
	}

	frame, err := formatter.EvaluateDownlink(f, terminal.TerminalID, req.Method, methodJSON, req.Payload)
	if err != nil {
		d.countError(err)
		if stderrors.Is(err, errors.ErrNilResult) || stderrors.Is(err, errors.ErrFrameLength) {
			logger.Warn("formatter produced no usable frame", "error", err)
			return Response{
				Status:    http.StatusUnprocessableEntity,
				RequestID: requestID,
				Message:   "payload evaluation produced no valid frame",
			}
		}
		logger.Error("formatter evaluation failed", "error", err)
		return Response{
			Status:    http.StatusInternalServerError,
			RequestID: requestID,
			Message:   "method handler failed",
		}
	}

	messageID, err := d.sender.Send(ctx, terminal.TerminalID, frame)
	if err != nil {
		logger.Error("control message send failed", "error", err)
		d.countError(err)
		return Response{
			Status:    http.StatusInternalServerError,
			RequestID: requestID,
			Message:   "control message send failed",
		}
	}

	logger.Info("downlink frame sent", "messageId", messageID, "bytes", len(frame))
	return Response{
		Status:    http.StatusOK,
		RequestID: requestID,
		MessageID: messageID,
		Message:   "message sent successfully",
	}
}

// resolveArgument works out the JSON document handed to the formatter.
//
// A request payload that parses as an object is used as-is; any other
// non-empty payload degrades to {method: payload-text}. Without a
// request payload the configured method template applies, and a
// template that fails to parse rejects the request. Everything else
// evaluates against an empty document.
func (d *Dispatcher) resolveArgument(
	req Request, override config.MethodOverride, hasOverride bool, requestID string, logger *slog.Logger,
) (map[string]any, *Response) {
	text := strings.TrimSpace(string(req.Payload))

	if text != "" && text != "null" && text != `""` {
		var doc map[string]any
		if err := json.Unmarshal(req.Payload, &doc); err == nil {
			return doc, nil
		}
		logger.Debug("request payload is not a JSON object, degrading", "payload", text)
		return map[string]any{req.Method: text}, nil
	}

	if hasOverride && strings.TrimSpace(override.Payload) != "" {
		var doc map[string]any
		if err := json.Unmarshal([]byte(override.Payload), &doc); err != nil {
			logger.Error("configured method payload is invalid", "payload", override.Payload, "error", err)
			return nil, &Response{
				Status:    http.StatusUnprocessableEntity,
				RequestID: requestID,
				Message:   "configured method payload invalid",
			}
		}
		return doc, nil
	}

	return map[string]any{}, nil
}

func (d *Dispatcher) countError(err error) {
	if d.metrics == nil {
		return
	}
	d.metrics.ErrorsTotal.WithLabelValues("downlink", errors.Classify(err).String()).Inc()
}

func statusLabel(status int) string {
	switch status {
	case http.StatusOK:
		return "sent"
	case http.StatusUnprocessableEntity:
		return "unprocessable"
	default:
		return "failed"
	}
}
