// Package intake exposes the HTTP webhook the satellite ground
// station delivers uplink payloads to. Accepted payloads are enqueued
// on the uplink stream; all processing happens downstream so the
// webhook stays fast and dumb.
package intake

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/satbridge/config"
	"github.com/c360/satbridge/errors"
	"github.com/c360/satbridge/metric"
	"github.com/c360/satbridge/uplink"
)

// WebPayload is the document the ground station posts. Data carries
// the packet list as an embedded JSON string, timestamp is unix
// seconds.
type WebPayload struct {
	ID             string `json:"id"`
	EndpointRef    string `json:"endpointRef"`
	Timestamp      int64  `json:"timestamp"`
	Data           string `json:"data"`
	CertificateURL string `json:"certificateUrl,omitempty"`
	Signature      string `json:"signature,omitempty"`
}

// Queue enqueues an accepted payload for the uplink consumer
type Queue interface {
	PublishToStream(ctx context.Context, subject string, data []byte) error
}

// Server is the webhook HTTP server
type Server struct {
	cfg     config.IntakeConfig
	subject string
	queue   Queue
	logger  *slog.Logger
	metrics *metric.Metrics
	now     func() time.Time

	server *http.Server
	mu     sync.Mutex
}

// Options configures a webhook server
type Options struct {
	Config  config.IntakeConfig
	Subject string
	Queue   Queue
	Logger  *slog.Logger
	Metrics *metric.Metrics
}

// NewServer creates a webhook server
func NewServer(opts Options) (*Server, error) {
	if opts.Queue == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Server", "NewServer", "queue required")
	}
	if opts.Subject == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Server", "NewServer", "uplink subject required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Config.Path == "" {
		opts.Config.Path = "/uplink"
	}

	return &Server{
		cfg:     opts.Config,
		subject: opts.Subject,
		queue:   opts.Queue,
		logger:  opts.Logger.With("component", "intake"),
		metrics: opts.Metrics,
		now:     time.Now,
	}, nil
}

// Start begins listening. It returns once the listener goroutine is
// launched.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.WrapInvalid(
			fmt.Errorf("server already running"),
			"Server", "Start", "cannot start server that is already running")
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleUplink)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("webhook listening", "addr", s.server.Addr, "path", s.cfg.Path)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("webhook server stopped", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the webhook server
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}

	err := s.server.Shutdown(ctx)
	s.server = nil
	if err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "graceful shutdown")
	}
	return nil
}

// Handler exposes the uplink endpoint for tests and embedding
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUplink)
}

func (s *Server) handleUplink(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var web WebPayload
	if err := json.NewDecoder(r.Body).Decode(&web); err != nil {
		s.logger.Warn("unparseable webhook body", "error", err)
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	payload, err := s.buildPayload(web)
	if err != nil {
		s.logger.Warn("webhook payload rejected", "payloadId", web.ID, "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "serialization failed", http.StatusInternalServerError)
		return
	}

	if err := s.queue.PublishToStream(r.Context(), s.subject, data); err != nil {
		s.logger.Error("uplink enqueue failed", "payloadId", payload.ID, "error", err)
		if s.metrics != nil {
			s.metrics.ErrorsTotal.WithLabelValues("intake", errors.Classify(err).String()).Inc()
		}
		http.Error(w, "enqueue failed", http.StatusServiceUnavailable)
		return
	}

	if s.metrics != nil {
		s.metrics.PacketsReceived.WithLabelValues("intake").Inc()
	}
	s.logger.Info("uplink payload enqueued",
		"payloadId", payload.ID, "endpointRef", payload.EndpointRef, "packets", len(payload.Data.Packets))
	w.WriteHeader(http.StatusOK)
}

// buildPayload verifies the posted document and shapes it into the
// queued form the uplink consumer reads
func (s *Server) buildPayload(web WebPayload) (*uplink.Payload, error) {
	var data uplink.Data
	if err := json.Unmarshal([]byte(web.Data), &data); err != nil {
		return nil, fmt.Errorf("embedded data is not valid JSON: %w", err)
	}
	if len(data.Packets) == 0 {
		return nil, fmt.Errorf("payload carries no packets")
	}
	for i, packet := range data.Packets {
		if packet.TerminalID == "" {
			return nil, fmt.Errorf("packet %d has no terminal id", i)
		}
		if _, err := hex.DecodeString(strings.TrimSpace(packet.Value)); err != nil {
			return nil, fmt.Errorf("packet %d value is not hex encoded", i)
		}
	}

	id := web.ID
	if id == "" {
		id = uuid.New().String()
	}
	received := s.now().UTC()
	if web.Timestamp > 0 {
		received = time.Unix(web.Timestamp, 0).UTC()
	}

	return &uplink.Payload{
		ID:                   id,
		EndpointRef:          web.EndpointRef,
		PayloadReceivedAtUtc: received,
		PayloadArrivedAtUtc:  s.now().UTC(),
		Data:                 data,
		CertificateURL:       web.CertificateURL,
		Signature:            web.Signature,
	}, nil
}
