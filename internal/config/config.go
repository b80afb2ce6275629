package config

import (
	"time"

	"github.com/vovakirdan/silent-relay/internal/core"
)

// Config holds server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	LogLevel          string        `mapstructure:"log_level" yaml:"log_level"`
	LogFormat         string        `mapstructure:"log_format" yaml:"log_format"`
	DatabasePath      string        `mapstructure:"database_path" yaml:"database_path"`

	Relay   RelayConfig   `mapstructure:"relay" yaml:"relay"`
	License LicenseConfig `mapstructure:"license" yaml:"license"`
	Admin   AdminConfig   `mapstructure:"admin" yaml:"admin"`
	HTTP    HTTPConfig    `mapstructure:"http" yaml:"http"`
}

// RelayConfig tunes the websocket relay.
type RelayConfig struct {
	MaxMessageBytes int64         `mapstructure:"max_message_bytes" yaml:"max_message_bytes"`
	RatePerSecond   float64       `mapstructure:"rate_per_second" yaml:"rate_per_second"`
	RateBurst       int           `mapstructure:"rate_burst" yaml:"rate_burst"`
	SendTimeout     time.Duration `mapstructure:"send_timeout" yaml:"send_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	SendQueue       int           `mapstructure:"send_queue" yaml:"send_queue"`
	PingInterval    time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
	PongTimeout     time.Duration `mapstructure:"pong_timeout" yaml:"pong_timeout"`
	FanOutWorkers   int           `mapstructure:"fanout_workers" yaml:"fanout_workers"`
	Presence        bool          `mapstructure:"presence" yaml:"presence"`
	EnrichJSON      bool          `mapstructure:"enrich_json" yaml:"enrich_json"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// LicenseConfig controls the license gate.
type LicenseConfig struct {
	Enforce       bool          `mapstructure:"enforce" yaml:"enforce"`
	TrialDuration time.Duration `mapstructure:"trial_duration" yaml:"trial_duration"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
}

// AdminConfig configures the JWT-protected admin API. An empty secret disables it.
type AdminConfig struct {
	JWTSecret   string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer   string `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
	JWTAudience string `mapstructure:"jwt_audience" yaml:"jwt_audience"`
}

// HTTPConfig configures the plain HTTP endpoints.
type HTTPConfig struct {
	CORSOrigins      []string `mapstructure:"cors_origins" yaml:"cors_origins"`
	APIRatePerSecond float64  `mapstructure:"api_rate_per_second" yaml:"api_rate_per_second"`
	APIRateBurst     int      `mapstructure:"api_rate_burst" yaml:"api_rate_burst"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:              ":8080",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		LogLevel:          "info",
		LogFormat:         "console",
		DatabasePath:      "silent.db",
		Relay: RelayConfig{
			MaxMessageBytes: 1 << 20,
			RatePerSecond:   5,
			RateBurst:       20,
			SendTimeout:     2 * time.Second,
			WriteTimeout:    5 * time.Second,
			SendQueue:       64,
			PingInterval:    20 * time.Second,
			PongTimeout:     20 * time.Second,
			FanOutWorkers:   32,
			Presence:        true,
			EnrichJSON:      true,
			AllowedOrigins:  []string{},
		},
		License: LicenseConfig{
			Enforce:       false,
			TrialDuration: 24 * time.Hour,
			CacheTTL:      30 * time.Second,
		},
		Admin: AdminConfig{
			JWTIssuer:   "silent-relay",
			JWTAudience: "silent-relay-admin",
		},
		HTTP: HTTPConfig{
			CORSOrigins:      []string{},
			APIRatePerSecond: 2,
			APIRateBurst:     10,
		},
	}
}

// UpdateFrom overwrites non-zero values from other config into receiver.
// Booleans are not merged since their zero value is meaningful.
func (c *Config) UpdateFrom(other Config) {
	if other.Addr != "" {
		c.Addr = other.Addr
	}
	if other.ReadHeaderTimeout != 0 {
		c.ReadHeaderTimeout = other.ReadHeaderTimeout
	}
	if other.ShutdownTimeout != 0 {
		c.ShutdownTimeout = other.ShutdownTimeout
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.LogFormat != "" {
		c.LogFormat = other.LogFormat
	}
	if other.DatabasePath != "" {
		c.DatabasePath = other.DatabasePath
	}
	if other.Relay.MaxMessageBytes != 0 {
		c.Relay.MaxMessageBytes = other.Relay.MaxMessageBytes
	}
	if other.Relay.RatePerSecond != 0 {
		c.Relay.RatePerSecond = other.Relay.RatePerSecond
	}
	if other.Relay.RateBurst != 0 {
		c.Relay.RateBurst = other.Relay.RateBurst
	}
	if other.Relay.PingInterval != 0 {
		c.Relay.PingInterval = other.Relay.PingInterval
	}
	if other.Relay.PongTimeout != 0 {
		c.Relay.PongTimeout = other.Relay.PongTimeout
	}
	if len(other.Relay.AllowedOrigins) > 0 {
		c.Relay.AllowedOrigins = other.Relay.AllowedOrigins
	}
	if other.Admin.JWTSecret != "" {
		c.Admin.JWTSecret = other.Admin.JWTSecret
	}
}

// CoreOptions converts relay and license settings into hub options.
func (c Config) CoreOptions() core.Options {
	return core.Options{
		MaxMessageBytes: c.Relay.MaxMessageBytes,
		Conn: core.ConnOptions{
			RatePerSecond: c.Relay.RatePerSecond,
			RateBurst:     c.Relay.RateBurst,
			SendTimeout:   c.Relay.SendTimeout,
			WriteTimeout:  c.Relay.WriteTimeout,
			QueueSize:     c.Relay.SendQueue,
		},
		PingInterval:    c.Relay.PingInterval,
		PongTimeout:     c.Relay.PongTimeout,
		FanOutWorkers:   c.Relay.FanOutWorkers,
		Presence:        c.Relay.Presence,
		EnrichJSON:      c.Relay.EnrichJSON,
		LicenseCacheTTL: c.License.CacheTTL,
	}
}
