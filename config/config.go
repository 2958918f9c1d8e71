package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// ServerConfig configures the reference backend started by `boardsync serve`.
type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	DBPath         string   `mapstructure:"db_path"`
	Seed           bool     `mapstructure:"seed"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// APIConfig points the board commands at a records backend.
type APIConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config holds all runtime configuration.
// Values are populated from .boardsync.yaml, BOARDSYNC_* env vars, and CLI flags.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Auth   AuthConfig   `mapstructure:"auth"`
	API    APIConfig    `mapstructure:"api"`
	Log    LogConfig    `mapstructure:"log"`
}

// SetDefaults registers the built-in defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":3001")
	v.SetDefault("server.db_path", "boardsync.db")
	v.SetDefault("server.seed", true)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("api.base_url", "http://localhost:3001")
	v.SetDefault("api.token", "")
	v.SetDefault("api.timeout", 15*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// BindEnv makes nested keys reachable as BOARDSYNC_SECTION_KEY.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix("BOARDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads configuration from v, applying built-in defaults for any
// values not set by config file, environment, or flags.
func Load(v *viper.Viper) (Config, error) {
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late.
func (c Config) Validate() error {
	var errs []error
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: must be text or json, got %q", c.Log.Format))
	}
	if c.API.Timeout < 0 {
		errs = append(errs, errors.New("api.timeout: must not be negative"))
	}
	if c.Auth.TokenTTL < 0 {
		errs = append(errs, errors.New("auth.token_ttl: must not be negative"))
	}
	return errors.Join(errs...)
}

// NewLogger builds the root logger described by the log section.
func (c LogConfig) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if c.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}
