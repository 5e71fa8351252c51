// Package config loads client configuration from an optional YAML file and
// PAPERDESK_* environment variables.
package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/erauner12/paperdesk/internal/kv"
)

// EnvPrefix prefixes every environment override, e.g. PAPERDESK_API_BASE_URL.
const EnvPrefix = "PAPERDESK"

// Config is the client configuration.
type Config struct {
	APIBaseURL       string        `mapstructure:"api_base_url"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	RefreshThreshold time.Duration `mapstructure:"refresh_threshold"`
	RefreshPath      string        `mapstructure:"refresh_path"`
	// LoginPath is the unauthenticated entry point of the application shell.
	LoginPath       string `mapstructure:"login_path"`
	StreamPath      string `mapstructure:"stream_path"`
	StreamTransport string `mapstructure:"stream_transport"`
	StoreDriver     string `mapstructure:"store_driver"`
	StorePath       string `mapstructure:"store_path"`
	DatabaseURL     string `mapstructure:"database_url"`
	Env             string `mapstructure:"env"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		APIBaseURL:       "http://localhost:8000/api/v1",
		RequestTimeout:   120 * time.Second,
		RefreshThreshold: 5 * time.Minute,
		RefreshPath:      "/auth/refresh-token",
		LoginPath:        "/login",
		StreamPath:       "/topics/recommend/stream",
		StreamTransport:  "sse",
		StoreDriver:      "sqlite",
		StorePath:        defaultStorePath(),
		Env:              "prod",
	}
}

func defaultStorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "paperdesk.db"
	}
	return filepath.Join(dir, "paperdesk", "state.db")
}

// Load reads path (if non-empty), then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("api_base_url", cfg.APIBaseURL)
	v.SetDefault("request_timeout", cfg.RequestTimeout)
	v.SetDefault("refresh_threshold", cfg.RefreshThreshold)
	v.SetDefault("refresh_path", cfg.RefreshPath)
	v.SetDefault("login_path", cfg.LoginPath)
	v.SetDefault("stream_path", cfg.StreamPath)
	v.SetDefault("stream_transport", cfg.StreamTransport)
	v.SetDefault("store_driver", cfg.StoreDriver)
	v.SetDefault("store_path", cfg.StorePath)
	v.SetDefault("database_url", cfg.DatabaseURL)
	v.SetDefault("env", cfg.Env)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field values that Load cannot default.
func (c Config) Validate() error {
	u, err := url.Parse(c.APIBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("api_base_url must be an absolute http(s) URL, got %q", c.APIBaseURL)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	if c.RefreshThreshold < 0 {
		return fmt.Errorf("refresh_threshold must not be negative")
	}

	switch c.StreamTransport {
	case "sse", "websocket":
	default:
		return fmt.Errorf("unsupported stream_transport %q", c.StreamTransport)
	}

	switch c.StoreDriver {
	case "memory":
	case "sqlite":
		if c.StorePath == "" {
			return fmt.Errorf("store_path is required for the sqlite store")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("database_url is required for the postgres store")
		}
	default:
		return fmt.Errorf("unsupported store_driver %q", c.StoreDriver)
	}
	return nil
}

// OpenStore opens the durable store selected by StoreDriver.
func (c Config) OpenStore(ctx context.Context) (kv.Store, error) {
	switch c.StoreDriver {
	case "memory":
		return kv.NewMemory(), nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(c.StorePath), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
		s, err := kv.OpenSQLite(c.StorePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := kv.OpenPostgres(ctx, c.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported store_driver %q", c.StoreDriver)
	}
}
