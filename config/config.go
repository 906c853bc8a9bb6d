// Package config loads and validates satbridge process configuration.
// Configuration comes from layered JSON files with environment
// overrides, wrapped in SafeConfig for concurrent access.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
)

// Connection strategy constants
const (
	StrategyStatic       = "static"       // fixed gateway endpoint shared by all terminals
	StrategyProvisioning = "provisioning" // per-terminal enrollment via the provisioning service
)

// Default timeouts applied when the file leaves them unset
const (
	DefaultRegistryTimeout     = 30 * time.Second
	DefaultProvisioningTimeout = 30 * time.Second
)

// Config represents the complete satbridge configuration
type Config struct {
	Service   ServiceConfig   `json:"service"`
	NATS      NATSConfig      `json:"nats"`
	Registry  RegistryConfig  `json:"registry"`
	Gateway   GatewayConfig   `json:"gateway"`
	Formatter FormatterConfig `json:"formatter"`
	Downlink  DownlinkConfig  `json:"downlink,omitempty"`
	Uplink    UplinkConfig    `json:"uplink"`
	Intake    IntakeConfig    `json:"intake,omitempty"`
	Metrics   MetricsConfig   `json:"metrics,omitempty"`
}

// ServiceConfig identifies the process instance
type ServiceConfig struct {
	Name        string `json:"name"`                  // e.g. "satbridge"
	Environment string `json:"environment,omitempty"` // "prod", "dev", "test"
	LogLevel    string `json:"log_level,omitempty"`   // debug, info, warn, error
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
}

// RegistryConfig holds terminal registry API settings
type RegistryConfig struct {
	BaseURL         string        `json:"base_url"`
	APIToken        string        `json:"api_token,omitempty"`
	Timeout         time.Duration `json:"timeout,omitempty"`
	DownlinkEnabled bool          `json:"downlink_enabled"`
	PageSize        int           `json:"page_size,omitempty"`
}

// GatewayConfig selects how terminal connections are established
type GatewayConfig struct {
	Strategy     string             `json:"strategy"` // static | provisioning
	Static       StaticConfig       `json:"static,omitempty"`
	Provisioning ProvisioningConfig `json:"provisioning,omitempty"`

	// Attribute values used when the registry has no record for a
	// terminal or is unreachable during connection setup.
	FallbackAttributes map[string]string `json:"fallback_attributes,omitempty"`
}

// StaticConfig is the fixed-endpoint connection strategy
type StaticConfig struct {
	TelemetrySubject string `json:"telemetry_subject,omitempty"` // prefix; terminal id appended
	DownlinkSubject  string `json:"downlink_subject,omitempty"`  // prefix; terminal id appended
}

// ProvisioningConfig is the per-terminal enrollment strategy
type ProvisioningConfig struct {
	GlobalEndpoint     string        `json:"global_endpoint"`
	IDScope            string        `json:"id_scope"`
	GroupEnrollmentKey string        `json:"group_enrollment_key"`
	Timeout            time.Duration `json:"timeout,omitempty"`
}

// FormatterConfig holds formatter lookup defaults and blob locations
type FormatterConfig struct {
	UplinkDefault   string `json:"uplink_default,omitempty"`
	DownlinkDefault string `json:"downlink_default,omitempty"`
	UplinkBucket    string `json:"uplink_bucket,omitempty"`
	DownlinkBucket  string `json:"downlink_bucket,omitempty"`
}

// MethodOverride customizes formatter and payload template per method
type MethodOverride struct {
	Formatter string `json:"formatter,omitempty"`
	Payload   string `json:"payload,omitempty"` // JSON template used when the request carries no payload
}

// DownlinkConfig holds per-method dispatch overrides
type DownlinkConfig struct {
	Methods map[string]MethodOverride `json:"methods,omitempty"`
}

// UplinkConfig defines the queued payload stream
type UplinkConfig struct {
	Stream  string `json:"stream,omitempty"`
	Subject string `json:"subject,omitempty"`
	Durable string `json:"durable,omitempty"`
}

// IntakeConfig defines the HTTP webhook that enqueues uplink payloads
type IntakeConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port,omitempty"`
	Path    string `json:"path,omitempty"`
}

// MetricsConfig defines the prometheus scrape endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port,omitempty"`
	Path    string `json:"path,omitempty"`
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = &Config{}
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}

	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}

	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return errors.New("service.name is required")
	}

	if len(c.NATS.URLs) == 0 {
		return errors.New("nats.urls is required")
	}

	if c.Registry.BaseURL != "" {
		if _, err := url.ParseRequestURI(c.Registry.BaseURL); err != nil {
			return fmt.Errorf("registry.base_url: %w", err)
		}
	}
	if c.Registry.Timeout < 0 {
		return errors.New("registry.timeout cannot be negative")
	}

	switch c.Gateway.Strategy {
	case StrategyStatic:
		if c.Gateway.Static.TelemetrySubject == "" {
			return errors.New("gateway.static.telemetry_subject is required for static strategy")
		}
	case StrategyProvisioning:
		p := c.Gateway.Provisioning
		if p.GlobalEndpoint == "" {
			return errors.New("gateway.provisioning.global_endpoint is required")
		}
		if p.IDScope == "" {
			return errors.New("gateway.provisioning.id_scope is required")
		}
		if p.GroupEnrollmentKey == "" {
			return errors.New("gateway.provisioning.group_enrollment_key is required")
		}
	default:
		return fmt.Errorf("gateway.strategy %q is not valid (must be %q or %q)",
			c.Gateway.Strategy, StrategyStatic, StrategyProvisioning)
	}

	if c.Formatter.UplinkBucket == "" || c.Formatter.DownlinkBucket == "" {
		return errors.New("formatter buckets are required")
	}

	for method, override := range c.Downlink.Methods {
		if method == "" {
			return errors.New("downlink method name cannot be empty")
		}
		if override.Payload != "" && !json.Valid([]byte(override.Payload)) {
			return fmt.Errorf("downlink.methods.%s.payload is not valid JSON", method)
		}
	}

	if c.Uplink.Stream == "" || c.Uplink.Subject == "" {
		return errors.New("uplink stream and subject are required")
	}

	if c.Intake.Enabled && (c.Intake.Port <= 0 || c.Intake.Port > 65535) {
		return fmt.Errorf("intake.port %d is out of range", c.Intake.Port)
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port %d is out of range", c.Metrics.Port)
	}

	return nil
}

// String returns a JSON representation with secrets redacted
func (c *Config) String() string {
	clone := c.Clone()
	if clone.Registry.APIToken != "" {
		clone.Registry.APIToken = "***"
	}
	if clone.Gateway.Provisioning.GroupEnrollmentKey != "" {
		clone.Gateway.Provisioning.GroupEnrollmentKey = "***"
	}
	if clone.NATS.Password != "" {
		clone.NATS.Password = "***"
	}
	if clone.NATS.Token != "" {
		clone.NATS.Token = "***"
	}
	data, _ := json.MarshalIndent(clone, "", "  ")
	return string(data)
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		layers:     []string{},
		validation: false,
		envPrefix:  "SATBRIDGE",
	}
}

// AddLayer adds a configuration file layer
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load loads and merges all configuration layers
func (l *Loader) Load() (*Config, error) {
	cfg := l.getDefaults()

	for _, path := range l.layers {
		raw, err := l.loadRawJSON(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		cfg = l.mergeFromMap(cfg, raw)
	}

	l.applyEnvOverrides(cfg)

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// getDefaults returns default configuration
func (l *Loader) getDefaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "satbridge",
			LogLevel: "info",
		},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		Registry: RegistryConfig{
			Timeout:  DefaultRegistryTimeout,
			PageSize: 100,
		},
		Gateway: GatewayConfig{
			Strategy: StrategyStatic,
			Static: StaticConfig{
				TelemetrySubject: "satbridge.telemetry",
				DownlinkSubject:  "satbridge.downlink",
			},
			Provisioning: ProvisioningConfig{
				Timeout: DefaultProvisioningTimeout,
			},
		},
		Formatter: FormatterConfig{
			UplinkDefault:   "raw",
			DownlinkDefault: "raw",
			UplinkBucket:    "formatters-uplink",
			DownlinkBucket:  "formatters-downlink",
		},
		Uplink: UplinkConfig{
			Stream:  "UPLINK",
			Subject: "uplink.payloads",
			Durable: "satbridge-uplink",
		},
		Intake: IntakeConfig{
			Port: 8080,
			Path: "/uplink",
		},
		Metrics: MetricsConfig{
			Port: 9090,
			Path: "/metrics",
		},
	}
}

// loadRawJSON reads a config file into a map, converting duration
// strings to nanoseconds so json.Unmarshal accepts them
func (l *Loader) loadRawJSON(path string) (map[string]any, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator flags
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	l.parseDurations(raw)
	return raw, nil
}

// parseDurations converts duration strings to nanoseconds for json unmarshaling
func (l *Loader) parseDurations(data map[string]any) {
	if nats, ok := data["nats"].(map[string]any); ok {
		parseDurationField(nats, "reconnect_wait")
	}
	if registry, ok := data["registry"].(map[string]any); ok {
		parseDurationField(registry, "timeout")
	}
	if gateway, ok := data["gateway"].(map[string]any); ok {
		if prov, ok := gateway["provisioning"].(map[string]any); ok {
			parseDurationField(prov, "timeout")
		}
	}
}

func parseDurationField(m map[string]any, key string) {
	if s, ok := m[key].(string); ok {
		if d, err := time.ParseDuration(s); err == nil {
			m[key] = d.Nanoseconds()
		}
	}
}

// mergeFromMap merges an override map into the base config
func (l *Loader) mergeFromMap(base *Config, override map[string]any) *Config {
	baseData, err := json.Marshal(base)
	if err != nil {
		return base
	}

	var baseMap map[string]any
	if err := json.Unmarshal(baseData, &baseMap); err != nil {
		return base
	}

	merged := l.deepMergeMaps(baseMap, override)

	mergedData, err := json.Marshal(merged)
	if err != nil {
		return base
	}

	var result Config
	if err := json.Unmarshal(mergedData, &result); err != nil {
		return base
	}
	return &result
}

// deepMergeMaps recursively merges override into base
func (l *Loader) deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if overrideMap, ok := v.(map[string]any); ok {
			if baseMap, ok := result[k].(map[string]any); ok {
				result[k] = l.deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) {
	if val := os.Getenv(l.envPrefix + "_NATS_URLS"); val != "" {
		cfg.NATS.URLs = strings.Split(val, ",")
	}
	if val := os.Getenv(l.envPrefix + "_NATS_USERNAME"); val != "" {
		cfg.NATS.Username = val
	}
	if val := os.Getenv(l.envPrefix + "_NATS_PASSWORD"); val != "" {
		cfg.NATS.Password = val
	}
	if val := os.Getenv(l.envPrefix + "_NATS_TOKEN"); val != "" {
		cfg.NATS.Token = val
	}
	if val := os.Getenv(l.envPrefix + "_REGISTRY_URL"); val != "" {
		cfg.Registry.BaseURL = val
	}
	if val := os.Getenv(l.envPrefix + "_REGISTRY_TOKEN"); val != "" {
		cfg.Registry.APIToken = val
	}
	if val := os.Getenv(l.envPrefix + "_ENROLLMENT_KEY"); val != "" {
		cfg.Gateway.Provisioning.GroupEnrollmentKey = val
	}
	if val := os.Getenv(l.envPrefix + "_LOG_LEVEL"); val != "" {
		cfg.Service.LogLevel = val
	}
}

// MethodOverrideFor returns the override for a method name, matching
// case-insensitively the way method names arrive from the transport.
func (c *DownlinkConfig) MethodOverrideFor(method string) (MethodOverride, bool) {
	if override, ok := c.Methods[method]; ok {
		return override, true
	}
	for name, override := range c.Methods {
		if strings.EqualFold(name, method) {
			return override, true
		}
	}
	return MethodOverride{}, false
}
