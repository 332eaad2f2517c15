package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for devgate.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Workers   WorkersConfig   `yaml:"workers"`
	Health    HealthConfig    `yaml:"health"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Mirror    MirrorConfig    `yaml:"mirror"`
	Webhooks  WebhooksConfig  `yaml:"webhooks"`
	Security  SecurityConfig  `yaml:"security"`
}

// GatewayConfig identifies this gateway instance.
type GatewayConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
// When Enabled is false, worker events and status changes are not published.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains realtime WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// WorkersConfig describes how per-device worker processes are launched.
type WorkersConfig struct {
	// Binary is the path to the worker executable.
	Binary string `yaml:"binary"`

	// Args are passed to the worker. Placeholders {port}, {session_dir},
	// {device_hash}, {webhook_url}, {webhook_secret} and {basic_auth}
	// are expanded per device.
	Args []string `yaml:"args"`

	// Env are extra KEY=value entries, expanded like Args.
	Env []string `yaml:"env"`

	// SessionsDir is the root under which each device gets its own
	// session directory named after its hash.
	SessionsDir string `yaml:"sessions_dir"`

	// SessionMarker is a path relative to the session directory whose
	// presence (non-empty) means the device has a persisted login.
	SessionMarker string `yaml:"session_marker"`

	PortRange PortRangeConfig `yaml:"port_range"`

	// ProbeBind skips ports that are already bound by another process.
	ProbeBind bool `yaml:"probe_bind"`

	// StartTimeout bounds how long a freshly spawned worker has to answer
	// its health endpoint.
	StartTimeout time.Duration `yaml:"start_timeout"`

	// GracefulTimeout is how long to wait after SIGTERM before SIGKILL.
	GracefulTimeout time.Duration `yaml:"graceful_timeout"`

	HealthPath string `yaml:"health_path"`
	EventsPath string `yaml:"events_path"`

	// Auth holds the gateway-level credentials injected into every call
	// made to a worker.
	Auth WorkerAuthConfig `yaml:"auth"`

	Restart RestartConfig `yaml:"restart"`

	// ReconcileConcurrency bounds how many workers are resumed in parallel
	// during startup reconciliation.
	ReconcileConcurrency int `yaml:"reconcile_concurrency"`
}

// PortRangeConfig is an inclusive range of local ports handed to workers.
type PortRangeConfig struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// WorkerAuthConfig contains the Basic credentials workers are started with.
type WorkerAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// RestartConfig contains the automatic restart policy.
type RestartConfig struct {
	// InitialDelay is the first backoff delay; it doubles per attempt.
	InitialDelay time.Duration `yaml:"initial_delay"`

	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration `yaml:"max_delay"`

	// StableThreshold is the uptime after which the restart counter resets.
	StableThreshold time.Duration `yaml:"stable_threshold"`

	// MaxFailures is the number of failures tolerated inside FailureWindow
	// before auto-restart gives up and the device is marked error.
	MaxFailures int `yaml:"max_failures"`

	FailureWindow time.Duration `yaml:"failure_window"`
}

// HealthConfig contains worker health polling settings.
type HealthConfig struct {
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold int           `yaml:"failure_threshold"`
}

// ProxyConfig contains request forwarding settings.
type ProxyConfig struct {
	// LoginPath is the worker endpoint whose QR artifact is inlined.
	LoginPath string `yaml:"login_path"`

	// Timeout bounds a single forwarded call.
	Timeout time.Duration `yaml:"timeout"`

	// MaxInFlight is the per-device concurrent request bound. 0 disables it.
	MaxInFlight int `yaml:"max_in_flight"`

	// QueueTimeout is how long a request may wait for an in-flight slot.
	QueueTimeout time.Duration `yaml:"queue_timeout"`
}

// MirrorConfig contains worker event-stream settings.
type MirrorConfig struct {
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	BufferSize   int           `yaml:"buffer_size"`
}

// WebhooksConfig contains status webhook delivery settings.
type WebhooksConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains inbound bearer token settings.
// Tokens are issued by an external service; devgate only verifies them.
// An empty secret disables verification (development only).
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: DEVGATE_SECTION_KEY
// For example: DEVGATE_DATABASE_PATH, DEVGATE_API_PORT
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration. It is what Load starts from.
func Default() *Config {
	return defaultConfig()
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			ID:   "devgate-001",
			Name: "devgate",
		},
		Database: DatabaseConfig{
			Path:        "./data/devgate.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "devgate",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 3000,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 60,
				Idle:  120,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Workers: WorkersConfig{
			Binary:        "/usr/local/bin/whatsapp",
			Args:          []string{"rest", "--port={port}", "--basic-auth={basic_auth}", "--webhook={webhook_url}", "--webhook-secret={webhook_secret}"},
			SessionsDir:   "./data/sessions",
			SessionMarker: "storages/whatsapp.db",
			PortRange: PortRangeConfig{
				Min: 8001,
				Max: 8999,
			},
			StartTimeout:    30 * time.Second,
			GracefulTimeout: 10 * time.Second,
			HealthPath:      "/app/devices",
			EventsPath:      "/ws",
			Auth: WorkerAuthConfig{
				Username: "devgate",
			},
			Restart: RestartConfig{
				InitialDelay:    1 * time.Second,
				MaxDelay:        5 * time.Minute,
				StableThreshold: 2 * time.Minute,
				MaxFailures:     5,
				FailureWindow:   10 * time.Minute,
			},
			ReconcileConcurrency: 4,
		},
		Health: HealthConfig{
			Interval:         15 * time.Second,
			Timeout:          3 * time.Second,
			FailureThreshold: 3,
		},
		Proxy: ProxyConfig{
			LoginPath:    "/app/login",
			Timeout:      30 * time.Second,
			MaxInFlight:  8,
			QueueTimeout: 5 * time.Second,
		},
		Mirror: MirrorConfig{
			MaxRetries:   5,
			InitialDelay: 1 * time.Second,
			MaxDelay:     30 * time.Second,
			BufferSize:   256,
		},
		Webhooks: WebhooksConfig{
			Timeout:      10 * time.Second,
			MaxAttempts:  3,
			InitialDelay: 1 * time.Second,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: DEVGATE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("DEVGATE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("DEVGATE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("DEVGATE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("DEVGATE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("DEVGATE_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("DEVGATE_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// InfluxDB
	if v := os.Getenv("DEVGATE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Workers
	if v := os.Getenv("DEVGATE_WORKERS_BINARY"); v != "" {
		cfg.Workers.Binary = v
	}
	if v := os.Getenv("DEVGATE_WORKERS_SESSIONS_DIR"); v != "" {
		cfg.Workers.SessionsDir = v
	}
	if v := os.Getenv("DEVGATE_WORKERS_AUTH_PASSWORD"); v != "" {
		cfg.Workers.Auth.Password = v
	}

	// Security
	if v := os.Getenv("DEVGATE_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// minJWTSecretLength is the shortest accepted inbound token secret.
const minJWTSecretLength = 32

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Gateway.ID == "" {
		errs = append(errs, "gateway.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.Workers.Binary == "" {
		errs = append(errs, "workers.binary is required")
	}
	if c.Workers.SessionsDir == "" {
		errs = append(errs, "workers.sessions_dir is required")
	}
	pr := c.Workers.PortRange
	if pr.Min < 1 || pr.Max > 65535 || pr.Min > pr.Max {
		errs = append(errs, "workers.port_range must satisfy 1 <= min <= max <= 65535")
	}
	if c.API.Port >= pr.Min && c.API.Port <= pr.Max {
		errs = append(errs, "api.port must not fall inside workers.port_range")
	}
	if c.Workers.StartTimeout <= 0 {
		errs = append(errs, "workers.start_timeout must be positive")
	}
	if c.Workers.ReconcileConcurrency < 1 {
		errs = append(errs, "workers.reconcile_concurrency must be at least 1")
	}
	if c.Workers.Restart.MaxFailures < 1 {
		errs = append(errs, "workers.restart.max_failures must be at least 1")
	}

	if c.Health.Interval <= 0 || c.Health.Timeout <= 0 {
		errs = append(errs, "health.interval and health.timeout must be positive")
	}
	if c.Health.FailureThreshold < 1 {
		errs = append(errs, "health.failure_threshold must be at least 1")
	}

	if c.Webhooks.MaxAttempts < 1 {
		errs = append(errs, "webhooks.max_attempts must be at least 1")
	}

	if s := c.Security.JWT.Secret; s != "" && len(s) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
