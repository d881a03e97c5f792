package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all orchestrator configuration. Values come from an optional
// YAML file overlaid with DOCPIPE_* environment variables; flags may
// override individual fields on top of that.
type Config struct {
	AppName string `yaml:"app_name"`

	// Storage
	DataDir     string `yaml:"data_dir"`     // bbolt database location
	StorageRoot string `yaml:"storage_root"` // document blob root

	// HTTP
	ListenAddr     string `yaml:"listen_addr"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`

	// Broker
	RedisURL string `yaml:"redis_url"`

	// Event bus
	RingBufferSize  int           `yaml:"ring_buffer_size"`
	RingBufferAge   time.Duration `yaml:"ring_buffer_age"`
	ClientInboxSize int           `yaml:"client_inbox_size"`

	// Shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Worker
	EmbeddedWorker bool `yaml:"embedded_worker"` // run the worker pool inside the server process

	// Auth maps bearer tokens to user emails. Users are created on
	// startup when missing. Suitable for single-box deployments; front
	// with a real identity provider otherwise.
	AuthTokens map[string]string `yaml:"auth_tokens"`

	// Logging
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		AppName:         "docpipe",
		DataDir:         "./data",
		StorageRoot:     "./storage",
		ListenAddr:      ":8080",
		MaxUploadBytes:  512 << 20,
		RedisURL:        "redis://localhost:6379/0",
		RingBufferSize:  1000,
		RingBufferAge:   15 * time.Minute,
		ClientInboxSize: 100,
		ShutdownTimeout: 30 * time.Second,
		EmbeddedWorker:  true,
		LogLevel:        "info",
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// the environment, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks knob ranges.
func (c *Config) Validate() error {
	if c.RingBufferSize <= 0 {
		return fmt.Errorf("ring_buffer_size must be positive, got %d", c.RingBufferSize)
	}
	if c.ClientInboxSize <= 0 {
		return fmt.Errorf("client_inbox_size must be positive, got %d", c.ClientInboxSize)
	}
	if c.ShutdownTimeout < 5*time.Second {
		return fmt.Errorf("shutdown_timeout must be at least 5s, got %s", c.ShutdownTimeout)
	}
	return nil
}

func (c *Config) applyEnv() {
	setStr(&c.DataDir, "DOCPIPE_DATA_DIR")
	setStr(&c.StorageRoot, "DOCPIPE_STORAGE_ROOT")
	setStr(&c.ListenAddr, "DOCPIPE_LISTEN_ADDR")
	setStr(&c.RedisURL, "DOCPIPE_REDIS_URL")
	setStr(&c.LogLevel, "DOCPIPE_LOG_LEVEL")
	setInt64(&c.MaxUploadBytes, "DOCPIPE_MAX_UPLOAD_BYTES")
	setInt(&c.RingBufferSize, "DOCPIPE_RING_BUFFER_SIZE")
	setInt(&c.ClientInboxSize, "DOCPIPE_CLIENT_INBOX_SIZE")
	setDuration(&c.RingBufferAge, "DOCPIPE_RING_BUFFER_AGE")
	setDuration(&c.ShutdownTimeout, "DOCPIPE_SHUTDOWN_TIMEOUT")
	setBool(&c.EmbeddedWorker, "DOCPIPE_EMBEDDED_WORKER")
	setBool(&c.LogJSON, "DOCPIPE_LOG_JSON")

	// DOCPIPE_AUTH_TOKENS holds comma-separated token=email pairs.
	if v := os.Getenv("DOCPIPE_AUTH_TOKENS"); v != "" {
		if c.AuthTokens == nil {
			c.AuthTokens = make(map[string]string)
		}
		for _, pair := range strings.Split(v, ",") {
			token, email, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if ok && token != "" && email != "" {
				c.AuthTokens[token] = email
			}
		}
	}
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		} else if n, err := strconv.Atoi(v); err == nil {
			// Bare number means seconds
			*dst = time.Duration(n) * time.Second
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
