// Package config provides environment configuration for the API server.
//
// Values are resolved in three layers: built-in defaults, an optional YAML
// file named by CONFIG_FILE, then environment variables (including those
// loaded from a .env file).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Event bus implementations.
const (
	BusLocal = "local"
	BusNATS  = "nats"
)

// Store drivers.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreMySQL  = "mysql"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string        `yaml:"port"`
	ServerReadTimeout  time.Duration `yaml:"read_timeout"`
	ServerWriteTimeout time.Duration `yaml:"write_timeout"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	AllowedOrigins     []string      `yaml:"allowed_origins"`

	// Event bus
	EventBus     string `yaml:"event_bus"`
	NATSURL      string `yaml:"nats_url"`
	NATSCAFile   string `yaml:"nats_ca_file"`
	NATSCertFile string `yaml:"nats_cert_file"`
	NATSKeyFile  string `yaml:"nats_key_file"`
	NATSToken    string `yaml:"nats_token"`

	// Storage
	StoreDriver string `yaml:"store_driver"`
	StoreDSN    string `yaml:"store_dsn"`
	// BlobPath is the pebble directory for attachments. Empty keeps them in memory.
	BlobPath string `yaml:"blob_path"`

	// Mailbox limits
	MaxAttachments    int    `yaml:"max_attachments"`
	MaxAttachmentSize string `yaml:"max_attachment_size"`
	MaxSubjectLength  int    `yaml:"max_subject_length"`
	MaxContentLength  int    `yaml:"max_content_length"`
	SearchLimit       int    `yaml:"search_limit"`
	// MaxAttachmentBytes is MaxAttachmentSize parsed by Load.
	MaxAttachmentBytes uint64 `yaml:"-"`

	// Push channel
	PushPingInterval time.Duration `yaml:"push_ping_interval"`
	PushPongWait     time.Duration `yaml:"push_pong_wait"`
	PushSendBuffer   int           `yaml:"push_send_buffer"`
	PushInboundRate  float64       `yaml:"push_inbound_rate"`
	PushInboundBurst int           `yaml:"push_inbound_burst"`

	// Notification retention
	RetentionPeriod time.Duration `yaml:"notification_retention_period"`
	RetentionCron   string        `yaml:"notification_retention_cron"`

	// JWT settings
	JWTSecret     string        `yaml:"jwt_secret"`
	JWTExpiration time.Duration `yaml:"jwt_expiration"`

	// Rate limiting
	RateLimitRequests int           `yaml:"rate_limit_requests"`
	RateLimitWindow   time.Duration `yaml:"rate_limit_window"`

	// Logging
	LogLevel string `yaml:"log_level"`
	Env      string `yaml:"env"`

	// Tracing
	TracingEndpoint string `yaml:"tracing_endpoint"`
	TracingEnabled  bool   `yaml:"tracing_enabled"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		ServerPort:         "8080",
		ServerReadTimeout:  30 * time.Second,
		ServerWriteTimeout: 30 * time.Second,
		RequestTimeout:     15 * time.Second,

		EventBus: BusLocal,
		NATSURL:  "nats://localhost:4222",

		StoreDriver: StoreSQLite,
		StoreDSN:    "mailbox.db",

		MaxAttachments:    5,
		MaxAttachmentSize: "10 MB",
		MaxSubjectLength:  255,
		MaxContentLength:  100000,
		SearchLimit:       20,

		PushPingInterval: 30 * time.Second,
		PushPongWait:     60 * time.Second,
		PushSendBuffer:   64,
		PushInboundRate:  5,
		PushInboundBurst: 10,

		RetentionPeriod: 720 * time.Hour,
		RetentionCron:   "0 3 * * *",

		JWTSecret:     "development-secret-change-in-production",
		JWTExpiration: 15 * time.Minute,

		RateLimitRequests: 120,
		RateLimitWindow:   time.Minute,

		LogLevel: "info",
		Env:      "production",

		TracingEndpoint: "localhost:4318",
	}
}

// Load reads configuration from defaults, CONFIG_FILE and the environment.
func Load() (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	// Server
	c.ServerPort = getEnv("PORT", c.ServerPort)
	c.ServerReadTimeout = getDurationEnv("SERVER_READ_TIMEOUT", c.ServerReadTimeout)
	c.ServerWriteTimeout = getDurationEnv("SERVER_WRITE_TIMEOUT", c.ServerWriteTimeout)
	c.RequestTimeout = getDurationEnv("REQUEST_TIMEOUT", c.RequestTimeout)
	c.AllowedOrigins = getListEnv("ALLOWED_ORIGINS", c.AllowedOrigins)

	// Event bus
	c.EventBus = strings.ToLower(getEnv("EVENT_BUS", c.EventBus))
	c.NATSURL = getEnv("NATS_URL", c.NATSURL)
	c.NATSCAFile = getEnv("NATS_CA_FILE", c.NATSCAFile)
	c.NATSCertFile = getEnv("NATS_CERT_FILE", c.NATSCertFile)
	c.NATSKeyFile = getEnv("NATS_KEY_FILE", c.NATSKeyFile)
	c.NATSToken = getEnv("NATS_TOKEN", c.NATSToken)

	// Storage
	c.StoreDriver = strings.ToLower(getEnv("STORE_DRIVER", c.StoreDriver))
	c.StoreDSN = getEnv("STORE_DSN", c.StoreDSN)
	c.BlobPath = getEnv("BLOB_PATH", c.BlobPath)

	// Limits
	c.MaxAttachments = getIntEnv("MAX_ATTACHMENTS", c.MaxAttachments)
	c.MaxAttachmentSize = getEnv("MAX_ATTACHMENT_SIZE", c.MaxAttachmentSize)
	c.MaxSubjectLength = getIntEnv("MAX_SUBJECT_LENGTH", c.MaxSubjectLength)
	c.MaxContentLength = getIntEnv("MAX_CONTENT_LENGTH", c.MaxContentLength)
	c.SearchLimit = getIntEnv("SEARCH_LIMIT", c.SearchLimit)

	// Push
	c.PushPingInterval = getDurationEnv("PUSH_PING_INTERVAL", c.PushPingInterval)
	c.PushPongWait = getDurationEnv("PUSH_PONG_WAIT", c.PushPongWait)
	c.PushSendBuffer = getIntEnv("PUSH_SEND_BUFFER", c.PushSendBuffer)
	c.PushInboundRate = getFloatEnv("PUSH_INBOUND_RATE", c.PushInboundRate)
	c.PushInboundBurst = getIntEnv("PUSH_INBOUND_BURST", c.PushInboundBurst)

	// Retention
	c.RetentionPeriod = getDurationEnv("NOTIFICATION_RETENTION_PERIOD", c.RetentionPeriod)
	c.RetentionCron = getEnv("NOTIFICATION_RETENTION_CRON", c.RetentionCron)

	// JWT
	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)
	c.JWTExpiration = getDurationEnv("JWT_EXPIRATION", c.JWTExpiration)

	// Rate limiting
	c.RateLimitRequests = getIntEnv("RATE_LIMIT_REQUESTS", c.RateLimitRequests)
	c.RateLimitWindow = getDurationEnv("RATE_LIMIT_WINDOW", c.RateLimitWindow)

	// Logging
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.Env = getEnv("ENV", c.Env)

	// Tracing
	c.TracingEndpoint = getEnv("TRACING_ENDPOINT", c.TracingEndpoint)
	c.TracingEnabled = getBoolEnv("TRACING_ENABLED", c.TracingEnabled)
}

func (c *Config) validate() error {
	size, err := humanize.ParseBytes(c.MaxAttachmentSize)
	if err != nil {
		return fmt.Errorf("invalid MAX_ATTACHMENT_SIZE %q: %w", c.MaxAttachmentSize, err)
	}
	if size == 0 {
		return fmt.Errorf("MAX_ATTACHMENT_SIZE must be positive")
	}
	c.MaxAttachmentBytes = size

	switch c.EventBus {
	case BusLocal, BusNATS:
	default:
		return fmt.Errorf("unknown EVENT_BUS %q", c.EventBus)
	}
	switch c.StoreDriver {
	case StoreMemory, StoreSQLite, StoreMySQL:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.RetentionCron != "" && !gronx.New().IsValid(c.RetentionCron) {
		return fmt.Errorf("invalid NOTIFICATION_RETENTION_CRON %q", c.RetentionCron)
	}
	if c.RetentionPeriod <= 0 {
		return fmt.Errorf("NOTIFICATION_RETENTION_PERIOD must be positive")
	}
	return nil
}

// IsDevelopment reports whether ENV selects the development logger.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Env, "development")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
