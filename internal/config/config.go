package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Service    ServiceConfig    `mapstructure:"service"`
	Store      StoreConfig      `mapstructure:"store"`
	Link       LinkConfig       `mapstructure:"link"`
	Extractor  ExtractorConfig  `mapstructure:"extractor"`
	Session    SessionConfig    `mapstructure:"session"`
	Species    SpeciesConfig    `mapstructure:"species"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Backend    BackendConfig    `mapstructure:"backend"`
	RabbitMQ   RabbitMQConfig   `mapstructure:"rabbitmq"`
	Dashboard  DashboardConfig  `mapstructure:"dashboard"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Validation ValidationConfig `mapstructure:"validation"`
	API        APIConfig        `mapstructure:"api"`
}

// ServiceConfig identifies the running process
type ServiceConfig struct {
	Name     string `mapstructure:"name"`
	DeviceID string `mapstructure:"device_id"`
	LogLevel string `mapstructure:"log_level"`
}

// StoreConfig holds local session store settings
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// LinkConfig holds telemetry link settings
type LinkConfig struct {
	GatewayURL           string        `mapstructure:"gateway_url"`
	ConnectTimeout       time.Duration `mapstructure:"connect_timeout"`
	BackoffBase          time.Duration `mapstructure:"backoff_base"`
	BackoffMax           time.Duration `mapstructure:"backoff_max"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	FrameBuffer          int           `mapstructure:"frame_buffer"`
	DropWindow           int           `mapstructure:"drop_window"`
	DropThreshold        float64       `mapstructure:"drop_threshold"`
}

// ExtractorConfig holds vitals extraction settings
type ExtractorConfig struct {
	SampleRateHz     int           `mapstructure:"sample_rate_hz"`
	EmitInterval     time.Duration `mapstructure:"emit_interval"`
	CardiacWindow    time.Duration `mapstructure:"cardiac_window"`
	RespWindow       time.Duration `mapstructure:"resp_window"`
	QualityThreshold float64       `mapstructure:"quality_threshold"`
	MotionLimit      float64       `mapstructure:"motion_limit"`
	GapTolerance     time.Duration `mapstructure:"gap_tolerance"`
	WaveformEvery    int           `mapstructure:"waveform_every"`
}

// SessionConfig holds state machine guard settings
type SessionConfig struct {
	BaselineMinSamples int           `mapstructure:"baseline_min_samples"`
	BaselineMinSpan    time.Duration `mapstructure:"baseline_min_span"`
	DeviationSigma     float64       `mapstructure:"deviation_sigma"`
}

// SpeciesConfig points at an optional species profile override file
type SpeciesConfig struct {
	ProfilePath string `mapstructure:"profile_path"`
}

// SyncConfig holds sync engine settings
type SyncConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	BatchSize      int           `mapstructure:"batch_size"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	ProbeInterval  time.Duration `mapstructure:"probe_interval"`
}

// BackendConfig holds the remote backend location
type BackendConfig struct {
	URL string `mapstructure:"url"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange settings
type RabbitMQConfig struct {
	URL               string        `mapstructure:"url"`
	Heartbeat         time.Duration `mapstructure:"heartbeat"`
	BroadcastExchange string        `mapstructure:"broadcast_exchange"`
	LiveQueue         string        `mapstructure:"live_queue"`
	LiveRoutingKey    string        `mapstructure:"live_routing_key"`
	DLQQueue          string        `mapstructure:"dlq_queue"`
	PrefetchCount     int           `mapstructure:"prefetch"`
	LiveTTL           time.Duration `mapstructure:"live_ttl"`
}

// DashboardConfig holds the remote dashboard websocket endpoint
type DashboardConfig struct {
	URL string `mapstructure:"url"`
}

// DatabaseConfig holds backend database connection settings
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// ValidationConfig holds backend upload validation settings
type ValidationConfig struct {
	ClockSkew time.Duration `mapstructure:"clock_skew"`
	MaxBatch  int           `mapstructure:"max_batch"`
}

// APIConfig holds HTTP listener settings
type APIConfig struct {
	Addr string `mapstructure:"addr"`
}

var defaults = map[string]any{
	"service.name":      "vetsync-engine",
	"service.device_id": "",
	"service.log_level": "info",

	"store.path": "vetsync.db",

	"link.gateway_url":            "",
	"link.connect_timeout":        "10s",
	"link.backoff_base":           "1s",
	"link.backoff_max":            "30s",
	"link.max_reconnect_attempts": 3,
	"link.frame_buffer":           256,
	"link.drop_window":            200,
	"link.drop_threshold":         0.2,

	"extractor.sample_rate_hz":    50,
	"extractor.emit_interval":     "500ms",
	"extractor.cardiac_window":    "8s",
	"extractor.resp_window":       "15s",
	"extractor.quality_threshold": 0.5,
	"extractor.motion_limit":      0.25,
	"extractor.gap_tolerance":     "2s",
	"extractor.waveform_every":    5,

	"session.baseline_min_samples": 120,
	"session.baseline_min_span":    "60s",
	"session.deviation_sigma":      3.0,

	"species.profile_path": "",

	"sync.interval":        "15s",
	"sync.batch_size":      120,
	"sync.request_timeout": "10s",
	"sync.backoff_base":    "2s",
	"sync.backoff_max":     "5m",
	"sync.max_attempts":    12,
	"sync.probe_interval":  "10s",

	"backend.url": "",

	"rabbitmq.url":                "",
	"rabbitmq.heartbeat":          "10s",
	"rabbitmq.broadcast_exchange": "vetsync.live.exchange",
	"rabbitmq.live_queue":         "vetsync.live.status.queue",
	"rabbitmq.live_routing_key":   "session.#",
	"rabbitmq.dlq_queue":          "vetsync.live.status.dlq",
	"rabbitmq.prefetch":           10,
	"rabbitmq.live_ttl":           "60s",

	"dashboard.url": "",

	"database.url":                "",
	"database.max_conns":          10,
	"database.max_conn_idle_time": "5m",

	"validation.clock_skew": "5m",
	"validation.max_batch":  1000,

	"api.addr": "127.0.0.1:8090",
}

// Load loads configuration from defaults, an optional config file and
// environment variables (SERVICE_NAME, SYNC_BATCH_SIZE, ...).
func Load() (*Config, error) {
	return LoadWith(viper.New())
}

// LoadWith loads configuration into the given viper instance, so callers such
// as the CLI can bind flags before loading.
func LoadWith(v *viper.Viper) (*Config, error) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("vetsync")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if cfg.Link.MaxReconnectAttempts <= 0 {
		return nil, fmt.Errorf("LINK_MAX_RECONNECT_ATTEMPTS must be positive")
	}
	if cfg.Sync.BatchSize <= 0 {
		return nil, fmt.Errorf("SYNC_BATCH_SIZE must be positive")
	}
	if cfg.Extractor.SampleRateHz <= 0 {
		return nil, fmt.Errorf("EXTRACTOR_SAMPLE_RATE_HZ must be positive")
	}

	return &cfg, nil
}

// ValidateEngine checks the settings the on-device engine cannot run without
func (c *Config) ValidateEngine() error {
	if c.Service.DeviceID == "" {
		return fmt.Errorf("SERVICE_DEVICE_ID is required but not set in environment variables")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("STORE_PATH is required but not set in environment variables")
	}
	return nil
}

// ValidateBackend checks the settings the backend service cannot run without
func (c *Config) ValidateBackend() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required but not set in environment variables")
	}
	if c.RabbitMQ.URL == "" {
		return fmt.Errorf("RABBITMQ_URL is required but not set in environment variables")
	}
	return nil
}

// LoadEnvFile loads the first .env file found in the working directory or
// its parents. Missing files are fine in pods/containers.
func LoadEnvFile() {
	envPaths := []string{
		".env",
		"../../.env",
	}

	if workDir, err := os.Getwd(); err == nil {
		parentDir := filepath.Dir(workDir)
		grandParentDir := filepath.Dir(parentDir)

		envPaths = append(envPaths,
			filepath.Join(workDir, ".env"),
			filepath.Join(parentDir, ".env"),
			filepath.Join(grandParentDir, ".env"),
		)
	}

	for _, envPath := range envPaths {
		if _, err := os.Stat(envPath); err == nil {
			if err := godotenv.Load(envPath); err == nil {
				absPath, _ := filepath.Abs(envPath)
				fmt.Printf("Loaded environment from: %s\n", absPath)
				return
			}
		}
	}

	fmt.Println("No .env file found, using system environment variables (OK for pods/containers)")
}
