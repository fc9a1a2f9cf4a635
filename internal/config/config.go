package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"quizcast/internal/activity"
)

// Config is the full server configuration
type Config struct {
	Environment string           `json:"environment"`
	HTTP        *HTTPConfig      `json:"http"`
	WebSocket   *WebSocketConfig `json:"websocket"`
	Heartbeat   *HeartbeatConfig `json:"heartbeat"`
	Analytics   *AnalyticsConfig `json:"analytics"`
	Activity    *ActivityConfig  `json:"activity"`
	RateLimit   *RateLimitConfig `json:"rate_limit"`
	Audit       *AuditConfig     `json:"audit"`
}

type HTTPConfig struct {
	Port            int           `json:"port"`
	Host            string        `json:"host"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

type WebSocketConfig struct {
	PingInterval    time.Duration `json:"ping_interval"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	BufferSize      int           `json:"buffer_size"`
	MaxMessageBytes int64         `json:"max_message_bytes"`
}

// HeartbeatConfig drives the stale connection sweep
type HeartbeatConfig struct {
	SweepInterval     time.Duration `json:"sweep_interval"`
	ConnectionTimeout time.Duration `json:"connection_timeout"`
	ProbeAfter        time.Duration `json:"probe_after"`
}

type AnalyticsConfig struct {
	SnapshotTTL      time.Duration `json:"snapshot_ttl"`
	EvictionInterval time.Duration `json:"eviction_interval"`
}

type ActivityConfig struct {
	LatePolicy string `json:"late_policy"`
}

type RateLimitConfig struct {
	EventsPerMinute int `json:"events_per_minute"`
}

// AuditConfig enables the sqlite response trail. An empty path disables it.
type AuditConfig struct {
	Path string `json:"path"`
}

// DefaultConfig returns production defaults
func DefaultConfig() *Config {
	return &Config{
		Environment: "production",
		HTTP: &HTTPConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			PingInterval:    30 * time.Second,
			ReadTimeout:     60 * time.Second,
			WriteTimeout:    10 * time.Second,
			BufferSize:      100,
			MaxMessageBytes: 64 * 1024,
		},
		Heartbeat: &HeartbeatConfig{
			SweepInterval:     30 * time.Second,
			ConnectionTimeout: 60 * time.Second,
			ProbeAfter:        30 * time.Second,
		},
		Analytics: &AnalyticsConfig{
			SnapshotTTL:      time.Hour,
			EvictionInterval: time.Minute,
		},
		Activity: &ActivityConfig{
			LatePolicy: string(activity.LatePolicyRecord),
		},
		RateLimit: &RateLimitConfig{
			EventsPerMinute: 100,
		},
		Audit: &AuditConfig{},
	}
}

// IsDevelopment reports whether console-friendly debug logging applies
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// Addr is the HTTP listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

// Validate rejects configurations the server cannot run with
func (c *Config) Validate() error {
	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 || c.HTTP.ShutdownTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}

	if c.Heartbeat == nil {
		return fmt.Errorf("heartbeat configuration is required")
	}
	if c.Heartbeat.SweepInterval <= 0 {
		return fmt.Errorf("heartbeat sweep interval must be positive")
	}
	if c.Heartbeat.ConnectionTimeout <= 0 {
		return fmt.Errorf("heartbeat connection timeout must be positive")
	}
	if c.Heartbeat.ProbeAfter < 0 || c.Heartbeat.ProbeAfter >= c.Heartbeat.ConnectionTimeout {
		return fmt.Errorf("heartbeat probe-after must be below the connection timeout")
	}

	if c.Analytics == nil {
		return fmt.Errorf("analytics configuration is required")
	}
	if c.Analytics.SnapshotTTL <= 0 || c.Analytics.EvictionInterval <= 0 {
		return fmt.Errorf("analytics TTL and eviction interval must be positive")
	}

	if c.Activity == nil {
		return fmt.Errorf("activity configuration is required")
	}
	if _, err := activity.ParseLatePolicy(c.Activity.LatePolicy); err != nil {
		return err
	}

	if c.RateLimit == nil || c.RateLimit.EventsPerMinute <= 0 {
		return fmt.Errorf("rate limit must be positive")
	}
	if c.Audit == nil {
		c.Audit = &AuditConfig{}
	}

	return nil
}

// LoadFromEnv applies QUIZCAST_* variables over the defaults.
// Unparseable values are ignored.
func LoadFromEnv() *Config {
	config := DefaultConfig()
	applyEnv(config)
	return config
}

func applyEnv(config *Config) {
	envString("QUIZCAST_ENVIRONMENT", &config.Environment)

	envInt("QUIZCAST_HTTP_PORT", &config.HTTP.Port)
	envString("QUIZCAST_HTTP_HOST", &config.HTTP.Host)
	envDuration("QUIZCAST_HTTP_READ_TIMEOUT", &config.HTTP.ReadTimeout)
	envDuration("QUIZCAST_HTTP_WRITE_TIMEOUT", &config.HTTP.WriteTimeout)
	envDuration("QUIZCAST_HTTP_SHUTDOWN_TIMEOUT", &config.HTTP.ShutdownTimeout)

	envDuration("QUIZCAST_WEBSOCKET_PING_INTERVAL", &config.WebSocket.PingInterval)
	envDuration("QUIZCAST_WEBSOCKET_READ_TIMEOUT", &config.WebSocket.ReadTimeout)
	envDuration("QUIZCAST_WEBSOCKET_WRITE_TIMEOUT", &config.WebSocket.WriteTimeout)
	envInt("QUIZCAST_WEBSOCKET_BUFFER_SIZE", &config.WebSocket.BufferSize)

	envDuration("QUIZCAST_HEARTBEAT_SWEEP_INTERVAL", &config.Heartbeat.SweepInterval)
	envDuration("QUIZCAST_HEARTBEAT_CONNECTION_TIMEOUT", &config.Heartbeat.ConnectionTimeout)
	envDuration("QUIZCAST_HEARTBEAT_PROBE_AFTER", &config.Heartbeat.ProbeAfter)

	envDuration("QUIZCAST_ANALYTICS_SNAPSHOT_TTL", &config.Analytics.SnapshotTTL)
	envDuration("QUIZCAST_ANALYTICS_EVICTION_INTERVAL", &config.Analytics.EvictionInterval)

	envString("QUIZCAST_ACTIVITY_LATE_POLICY", &config.Activity.LatePolicy)
	envInt("QUIZCAST_RATE_LIMIT_EVENTS_PER_MINUTE", &config.RateLimit.EventsPerMinute)
	envString("QUIZCAST_AUDIT_PATH", &config.Audit.Path)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// ConfigFile is the JSON layout on disk; durations are strings like "30s"
type ConfigFile struct {
	Environment string `json:"environment"`
	HTTP        *struct {
		Port            int    `json:"port"`
		Host            string `json:"host"`
		ReadTimeout     string `json:"read_timeout"`
		WriteTimeout    string `json:"write_timeout"`
		ShutdownTimeout string `json:"shutdown_timeout"`
	} `json:"http"`
	WebSocket *struct {
		PingInterval    string `json:"ping_interval"`
		ReadTimeout     string `json:"read_timeout"`
		WriteTimeout    string `json:"write_timeout"`
		BufferSize      int    `json:"buffer_size"`
		MaxMessageBytes int64  `json:"max_message_bytes"`
	} `json:"websocket"`
	Heartbeat *struct {
		SweepInterval     string `json:"sweep_interval"`
		ConnectionTimeout string `json:"connection_timeout"`
		ProbeAfter        string `json:"probe_after"`
	} `json:"heartbeat"`
	Analytics *struct {
		SnapshotTTL      string `json:"snapshot_ttl"`
		EvictionInterval string `json:"eviction_interval"`
	} `json:"analytics"`
	Activity *struct {
		LatePolicy string `json:"late_policy"`
	} `json:"activity"`
	RateLimit *struct {
		EventsPerMinute int `json:"events_per_minute"`
	} `json:"rate_limit"`
	Audit *struct {
		Path string `json:"path"`
	} `json:"audit"`
}

// LoadFromFile reads a JSON config file over the defaults and validates it
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(config, path); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

func applyFile(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file ConfigFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	var errs []error
	duration := func(field, v string, dst *time.Duration) {
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
			return
		}
		*dst = d
	}
	positive := func(v int, dst *int) {
		if v > 0 {
			*dst = v
		}
	}

	if file.Environment != "" {
		config.Environment = file.Environment
	}
	if h := file.HTTP; h != nil {
		positive(h.Port, &config.HTTP.Port)
		if h.Host != "" {
			config.HTTP.Host = h.Host
		}
		duration("http.read_timeout", h.ReadTimeout, &config.HTTP.ReadTimeout)
		duration("http.write_timeout", h.WriteTimeout, &config.HTTP.WriteTimeout)
		duration("http.shutdown_timeout", h.ShutdownTimeout, &config.HTTP.ShutdownTimeout)
	}
	if w := file.WebSocket; w != nil {
		duration("websocket.ping_interval", w.PingInterval, &config.WebSocket.PingInterval)
		duration("websocket.read_timeout", w.ReadTimeout, &config.WebSocket.ReadTimeout)
		duration("websocket.write_timeout", w.WriteTimeout, &config.WebSocket.WriteTimeout)
		positive(w.BufferSize, &config.WebSocket.BufferSize)
		if w.MaxMessageBytes > 0 {
			config.WebSocket.MaxMessageBytes = w.MaxMessageBytes
		}
	}
	if hb := file.Heartbeat; hb != nil {
		duration("heartbeat.sweep_interval", hb.SweepInterval, &config.Heartbeat.SweepInterval)
		duration("heartbeat.connection_timeout", hb.ConnectionTimeout, &config.Heartbeat.ConnectionTimeout)
		duration("heartbeat.probe_after", hb.ProbeAfter, &config.Heartbeat.ProbeAfter)
	}
	if a := file.Analytics; a != nil {
		duration("analytics.snapshot_ttl", a.SnapshotTTL, &config.Analytics.SnapshotTTL)
		duration("analytics.eviction_interval", a.EvictionInterval, &config.Analytics.EvictionInterval)
	}
	if a := file.Activity; a != nil && a.LatePolicy != "" {
		config.Activity.LatePolicy = a.LatePolicy
	}
	if r := file.RateLimit; r != nil {
		positive(r.EventsPerMinute, &config.RateLimit.EventsPerMinute)
	}
	if a := file.Audit; a != nil && a.Path != "" {
		config.Audit.Path = a.Path
	}

	if len(errs) > 0 {
		return fmt.Errorf("config file %s: %w", path, errors.Join(errs...))
	}
	return nil
}

// LoadConfigWithPrecedence layers file > environment > defaults.
// An empty path skips the file.
func LoadConfigWithPrecedence(path string) (*Config, error) {
	config := DefaultConfig()
	applyEnv(config)

	if path != "" {
		if err := applyFile(config, path); err != nil {
			return nil, err
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}
