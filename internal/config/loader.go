package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix            = "SILENT"
	envConfigDefaultPath = "SILENT_CONFIG_DEFAULT_PATH"
	defaultConfigName    = "config.yaml"
	dotEnvName           = ".env"
)

// Load builds configuration from defaults, optional config file, .env file, env vars, and
// returns the resolved path.
// Precedence: defaults < config file < .env < env vars < caller overrides.
func Load(logger *zerolog.Logger, explicitPath string) (Config, string, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, cfg)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configPath := resolveConfigPath(explicitPath)
	loadDotEnv(logger, filepath.Join(filepath.Dir(configPath), dotEnvName))
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			if writeErr := writeDefaultConfig(configPath, cfg); writeErr != nil && logger != nil {
				logger.Warn().Err(writeErr).Str("path", configPath).Msg("failed to write default config")
			} else if logger != nil {
				logger.Info().Str("path", configPath).Msg("created default config")
			}
			// try reading again in case it was just written
			if readErr := v.ReadInConfig(); readErr != nil && logger != nil {
				logger.Warn().Err(readErr).Str("path", configPath).Msg("failed to read config after writing default")
			}
		} else {
			return cfg, configPath, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, configPath, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, configPath, nil
}

// setDefaults registers every key so AutomaticEnv can resolve nested values.
func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("addr", cfg.Addr)
	v.SetDefault("read_header_timeout", cfg.ReadHeaderTimeout)
	v.SetDefault("shutdown_timeout", cfg.ShutdownTimeout)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)
	v.SetDefault("database_path", cfg.DatabasePath)

	v.SetDefault("relay.max_message_bytes", cfg.Relay.MaxMessageBytes)
	v.SetDefault("relay.rate_per_second", cfg.Relay.RatePerSecond)
	v.SetDefault("relay.rate_burst", cfg.Relay.RateBurst)
	v.SetDefault("relay.send_timeout", cfg.Relay.SendTimeout)
	v.SetDefault("relay.write_timeout", cfg.Relay.WriteTimeout)
	v.SetDefault("relay.send_queue", cfg.Relay.SendQueue)
	v.SetDefault("relay.ping_interval", cfg.Relay.PingInterval)
	v.SetDefault("relay.pong_timeout", cfg.Relay.PongTimeout)
	v.SetDefault("relay.fanout_workers", cfg.Relay.FanOutWorkers)
	v.SetDefault("relay.presence", cfg.Relay.Presence)
	v.SetDefault("relay.enrich_json", cfg.Relay.EnrichJSON)
	v.SetDefault("relay.allowed_origins", cfg.Relay.AllowedOrigins)

	v.SetDefault("license.enforce", cfg.License.Enforce)
	v.SetDefault("license.trial_duration", cfg.License.TrialDuration)
	v.SetDefault("license.cache_ttl", cfg.License.CacheTTL)

	v.SetDefault("admin.jwt_secret", cfg.Admin.JWTSecret)
	v.SetDefault("admin.jwt_issuer", cfg.Admin.JWTIssuer)
	v.SetDefault("admin.jwt_audience", cfg.Admin.JWTAudience)

	v.SetDefault("http.cors_origins", cfg.HTTP.CORSOrigins)
	v.SetDefault("http.api_rate_per_second", cfg.HTTP.APIRatePerSecond)
	v.SetDefault("http.api_rate_burst", cfg.HTTP.APIRateBurst)
}

// loadDotEnv exports variables from path without overriding the real environment.
func loadDotEnv(logger *zerolog.Logger, path string) {
	err := godotenv.Load(path)
	if err == nil {
		if logger != nil {
			logger.Debug().Str("path", path).Msg("loaded env file")
		}
		return
	}
	if !errors.Is(err, os.ErrNotExist) && logger != nil {
		logger.Warn().Err(err).Str("path", path).Msg("failed to load env file")
	}
}

func resolveConfigPath(explicitPath string) string {
	if explicitPath != "" {
		return explicitPath
	}

	if base := os.Getenv(envConfigDefaultPath); base != "" {
		if err := os.MkdirAll(base, 0o755); err == nil {
			return filepath.Join(base, defaultConfigName)
		}
	}

	cwd, err := os.Getwd()
	if err != nil {
		return defaultConfigName
	}
	return filepath.Join(cwd, defaultConfigName)
}

func writeDefaultConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
