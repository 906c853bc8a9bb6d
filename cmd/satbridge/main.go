// Package main implements the entry point for the satbridge service.
// Satbridge connects a satellite IoT ground station to a NATS-based
// telemetry platform: queued uplink payloads are decoded through
// per-terminal formatters and published as telemetry events, and
// downlink method requests are encoded into frames delivered through
// the terminal registry.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/satbridge/config"
	"github.com/c360/satbridge/conncache"
	"github.com/c360/satbridge/downlink"
	"github.com/c360/satbridge/formatter"
	"github.com/c360/satbridge/formatter/store"
	"github.com/c360/satbridge/gateway"
	"github.com/c360/satbridge/health"
	"github.com/c360/satbridge/intake"
	"github.com/c360/satbridge/metric"
	"github.com/c360/satbridge/natsclient"
	"github.com/c360/satbridge/registry"
	"github.com/c360/satbridge/service"
	"github.com/c360/satbridge/uplink"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "satbridge"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	ctx := context.Background()
	natsClient, err := connectToNATS(ctx, cfg)
	if err != nil {
		return err
	}
	defer natsClient.Close(ctx)

	metricsRegistry := metric.NewMetricsRegistry()

	monitor := health.NewMonitor()
	monitor.UpdateHealthy("nats", "connected")
	metricsRegistry.Metrics.NATSConnected.Set(1)
	natsClient.OnHealthChange(natsHealthObserver(natsClient, metricsRegistry.Metrics, monitor))

	bridge, err := assembleBridge(ctx, cfg, natsClient, metricsRegistry, logger)
	if err != nil {
		return err
	}

	if !cliCfg.SkipWarmUp {
		if err := bridge.connections.WarmUp(ctx); err != nil {
			slog.Warn("Connection warm-up incomplete, terminals connect on first traffic", "error", err)
		}
	}

	manager, err := registerRunners(cfg, bridge, natsClient, metricsRegistry, monitor, logger)
	if err != nil {
		return err
	}

	return runWithSignalHandling(ctx, manager, cliCfg.ShutdownTimeout)
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting satbridge",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	cfg, err := loader.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// connectToNATS builds the broker client and waits for it to be ready
func connectToNATS(ctx context.Context, cfg *config.Config) (*natsclient.Client, error) {
	url := "nats://localhost:4222"
	if len(cfg.NATS.URLs) > 0 {
		url = cfg.NATS.URLs[0]
	}

	opts := []natsclient.ClientOption{
		natsclient.WithClientName(cfg.Service.Name),
	}
	if cfg.NATS.MaxReconnects != 0 {
		opts = append(opts, natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects))
	}
	if cfg.NATS.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(cfg.NATS.ReconnectWait))
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}

	natsClient, err := natsclient.NewClient(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	slog.Info("Connecting to NATS", "url", url)
	if err := natsClient.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := natsClient.WaitForConnection(connCtx); err != nil {
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}

	return natsClient, nil
}

// natsHealthObserver keeps the health monitor and the NATS gauges in
// step with the broker connection. A healthy transition after an
// unhealthy one counts as a reconnect.
func natsHealthObserver(client *natsclient.Client, m *metric.Metrics, monitor *health.Monitor) func(bool) {
	var wasUnhealthy atomic.Bool

	return func(healthy bool) {
		if healthy {
			monitor.UpdateHealthy("nats", "connected")
			m.NATSConnected.Set(1)
			if wasUnhealthy.Swap(false) {
				m.NATSReconnects.Inc()
			}
		} else {
			monitor.UpdateUnhealthy("nats", client.Status().String())
			m.NATSConnected.Set(0)
			wasUnhealthy.Store(true)
		}

		if client.Status() == natsclient.StatusCircuitOpen {
			m.NATSCircuitBreaker.Set(1)
		} else {
			m.NATSCircuitBreaker.Set(0)
		}
		if status := client.GetStatus(); status.RTT > 0 {
			m.NATSRTT.Set(status.RTT.Seconds())
		}
	}
}

// bridge holds the assembled dispatch pipeline
type bridge struct {
	formatters  *formatter.Cache
	connections *conncache.Cache
	uplink      *uplink.Dispatcher
	registry    *registry.Client
}

// assembleBridge creates streams, buckets, caches, and dispatchers
func assembleBridge(
	ctx context.Context,
	cfg *config.Config,
	natsClient *natsclient.Client,
	metricsRegistry *metric.MetricsRegistry,
	logger *slog.Logger,
) (*bridge, error) {
	if _, err := natsClient.CreateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.Uplink.Stream,
		Subjects: []string{cfg.Uplink.Subject},
	}); err != nil {
		return nil, fmt.Errorf("create uplink stream: %w", err)
	}

	uplinkBlobs, err := createDescriptorBlobs(ctx, natsClient, cfg.Formatter.UplinkBucket)
	if err != nil {
		return nil, err
	}
	downlinkBlobs, err := createDescriptorBlobs(ctx, natsClient, cfg.Formatter.DownlinkBucket)
	if err != nil {
		return nil, err
	}

	formatterCache, err := formatter.NewCache(formatter.CacheOptions{
		UplinkBlobs:     uplinkBlobs,
		DownlinkBlobs:   downlinkBlobs,
		UplinkDefault:   cfg.Formatter.UplinkDefault,
		DownlinkDefault: cfg.Formatter.DownlinkDefault,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create formatter cache: %w", err)
	}

	registryClient, err := registry.NewClient(cfg.Registry, logger)
	if err != nil {
		return nil, fmt.Errorf("create registry client: %w", err)
	}

	connector, err := buildConnector(cfg, natsClient, logger)
	if err != nil {
		return nil, err
	}

	downlinkDispatcher, err := downlink.NewDispatcher(downlink.Options{
		Formatters: formatterCache,
		Sender:     registryClient,
		Methods:    cfg.Downlink,
		Logger:     logger,
		Metrics:    metricsRegistry.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create downlink dispatcher: %w", err)
	}

	connections, err := conncache.New(conncache.Options{
		Connector: connector,
		Directory: registryClient,
		Formatter: cfg.Formatter,
		Gateway:   cfg.Gateway,
		Handler:   downlinkDispatcher.HandleMessage,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create connection cache: %w", err)
	}

	uplinkDispatcher, err := uplink.NewDispatcher(uplink.Options{
		Connections: connections,
		Formatters:  formatterCache,
		Client:      natsClient,
		Stream:      cfg.Uplink,
		Logger:      logger,
		Metrics:     metricsRegistry.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create uplink dispatcher: %w", err)
	}

	return &bridge{
		formatters:  formatterCache,
		connections: connections,
		uplink:      uplinkDispatcher,
		registry:    registryClient,
	}, nil
}

func createDescriptorBlobs(ctx context.Context, natsClient *natsclient.Client, bucket string) (*store.ObjectBlob, error) {
	objectStore, err := natsClient.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{Bucket: bucket})
	if err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	return store.NewObjectBlob(objectStore, bucket)
}

// buildConnector selects the gateway strategy from config
func buildConnector(cfg *config.Config, natsClient *natsclient.Client, logger *slog.Logger) (gateway.Connector, error) {
	switch cfg.Gateway.Strategy {
	case "provisioning":
		return gateway.NewProvisioningConnector(natsClient, cfg.Gateway.Provisioning, logger)
	default:
		return gateway.NewStaticConnector(natsClient, cfg.Gateway.Static, logger)
	}
}

// registerRunners wires the long-running pieces into the lifecycle
// manager: intake webhook, uplink consumer, metrics server
func registerRunners(
	cfg *config.Config,
	bridge *bridge,
	natsClient *natsclient.Client,
	metricsRegistry *metric.MetricsRegistry,
	monitor *health.Monitor,
	logger *slog.Logger,
) (*service.Manager, error) {
	manager := service.NewManager(logger)
	manager.Observe(func(name string, state service.State) {
		metricsRegistry.Metrics.ServiceStatus.WithLabelValues(name).Set(float64(state))
	})

	if cfg.Intake.Enabled {
		webhook, err := intake.NewServer(intake.Options{
			Config:  cfg.Intake,
			Subject: cfg.Uplink.Subject,
			Queue:   natsClient,
			Logger:  logger,
			Metrics: metricsRegistry.Metrics,
		})
		if err != nil {
			return nil, fmt.Errorf("create intake webhook: %w", err)
		}
		if err := manager.Register(service.Funcs{
			RunnerName: "intake",
			OnStart:    func(context.Context) error { return webhook.Start() },
			OnStop:     webhook.Stop,
		}); err != nil {
			return nil, err
		}
	}

	if err := manager.Register(service.Funcs{
		RunnerName: "uplink-consumer",
		OnStart:    bridge.uplink.Run,
	}); err != nil {
		return nil, err
	}

	if cfg.Metrics.Enabled {
		metricsServer := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, metricsRegistry)
		metricsServer.SetHealthHandler(health.Handler(monitor, appName))
		if err := manager.Register(service.Funcs{
			RunnerName: "metrics",
			OnStart:    func(context.Context) error { return metricsServer.Start() },
			OnStop:     metricsServer.Stop,
		}); err != nil {
			return nil, err
		}
	}

	return manager, nil
}

// runWithSignalHandling starts services and handles shutdown signals
func runWithSignalHandling(ctx context.Context, manager *service.Manager, shutdownTimeout time.Duration) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := manager.Start(signalCtx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}
	slog.Info("satbridge started")

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := manager.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("satbridge shutdown complete")
	return nil
}
