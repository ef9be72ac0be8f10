// Package config loads application configuration from defaults, an optional
// TOML file, a .env file and environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// ErrMissingCredentials is returned when SPOTIFY_ID or SPOTIFY_SECRET is not set.
var ErrMissingCredentials = errors.New("missing SPOTIFY_ID or SPOTIFY_SECRET")

const (
	DefaultAddr        = "127.0.0.1:8080"
	DefaultRedirectURL = "http://127.0.0.1:8080/callback"
	DefaultAPIBaseURL  = "https://api.spotify.com/v1"
	DefaultTokenURL    = "https://accounts.spotify.com/api/token"
)

// Config is the full application configuration.
type Config struct {
	Spotify  SpotifyConfig  `koanf:"spotify"`
	Server   ServerConfig   `koanf:"server"`
	Retry    RetryConfig    `koanf:"retry"`
	Fetch    FetchConfig    `koanf:"fetch"`
	Database DatabaseConfig `koanf:"database"`
	Log      LogConfig      `koanf:"log"`
}

// SpotifyConfig holds OAuth client credentials and upstream endpoints.
type SpotifyConfig struct {
	ClientID     string `koanf:"client_id"`
	ClientSecret string `koanf:"client_secret"`
	RedirectURL  string `koanf:"redirect_url"`
	APIBaseURL   string `koanf:"api_base_url"`
	TokenURL     string `koanf:"token_url"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr string `koanf:"addr"`
}

// RetryConfig controls the per-request retry policy for upstream calls.
type RetryConfig struct {
	MaxRetries        int  `koanf:"max_retries"`
	InitialDelayMs    int  `koanf:"initial_delay_ms"`
	RespectRetryAfter bool `koanf:"respect_retry_after"`
}

// InitialDelay returns the base backoff as a duration.
func (r RetryConfig) InitialDelay() time.Duration {
	return time.Duration(r.InitialDelayMs) * time.Millisecond
}

// FetchConfig controls pagination, pacing and concurrency.
type FetchConfig struct {
	PageLimit         int           `koanf:"page_limit"`
	Workers           int           `koanf:"workers"`
	RequestsPerSecond float64       `koanf:"requests_per_second"`
	Timeout           time.Duration `koanf:"timeout"`
	ProxyURL          string        `koanf:"proxy_url"` // http(s):// or socks5://
}

// DatabaseConfig selects the session backend. An empty URL keeps sessions in memory.
type DatabaseConfig struct {
	URL string `koanf:"url"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level string `koanf:"level"`
}

// Default returns the configuration used when nothing else is provided.
func Default() *Config {
	return &Config{
		Spotify: SpotifyConfig{
			RedirectURL: DefaultRedirectURL,
			APIBaseURL:  DefaultAPIBaseURL,
			TokenURL:    DefaultTokenURL,
		},
		Server: ServerConfig{Addr: DefaultAddr},
		Retry: RetryConfig{
			MaxRetries:        3,
			InitialDelayMs:    1000,
			RespectRetryAfter: true,
		},
		Fetch: FetchConfig{
			PageLimit:         50,
			Workers:           4,
			RequestsPerSecond: 10,
			Timeout:           30 * time.Second,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load builds the configuration. path may be empty or point to a missing
// file; in both cases only defaults and the environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			k := koanf.New(".")
			if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
				return nil, fmt.Errorf("loading config file %s: %w", path, err)
			}
			if err := k.Unmarshal("", cfg); err != nil {
				return nil, fmt.Errorf("parsing config file %s: %w", path, err)
			}
		}
	}

	// A missing .env is normal outside development.
	_ = godotenv.Load()

	applyEnv(cfg)
	cfg.Spotify.APIBaseURL = strings.TrimSuffix(cfg.Spotify.APIBaseURL, "/")

	return cfg, nil
}

// applyEnv overrides file values with environment variables.
func applyEnv(cfg *Config) {
	overrides := []struct {
		key string
		dst *string
	}{
		{"SPOTIFY_ID", &cfg.Spotify.ClientID},
		{"SPOTIFY_SECRET", &cfg.Spotify.ClientSecret},
		{"SPOTIFY_REDIRECT_URL", &cfg.Spotify.RedirectURL},
		{"DATABASE_URL", &cfg.Database.URL},
		{"ADDR", &cfg.Server.Addr},
		{"LOG_LEVEL", &cfg.Log.Level},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.key); v != "" {
			*o.dst = v
		}
	}
}

// Validate checks that the settings required to talk to Spotify are present.
func (c *Config) Validate() error {
	if c.Spotify.ClientID == "" || c.Spotify.ClientSecret == "" {
		return ErrMissingCredentials
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0, got %d", c.Retry.MaxRetries)
	}
	if c.Fetch.PageLimit < 1 || c.Fetch.PageLimit > 50 {
		return fmt.Errorf("fetch.page_limit must be between 1 and 50, got %d", c.Fetch.PageLimit)
	}
	return nil
}
