// Package config holds the runtime settings of the server browser backend.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full set of settings. Zero durations are filled from Default.
type Config struct {
	// Master list with one host:port per line
	DirectoryURL string `yaml:"directory_url"`
	// Status API base; the server address is appended to it
	APIBase string `yaml:"api_base"`
	Listen  string `yaml:"listen"`

	RefreshInterval  time.Duration `yaml:"refresh_interval"`
	FetchTimeout     time.Duration `yaml:"fetch_timeout"`
	DirectoryTimeout time.Duration `yaml:"directory_timeout"`
	MaxConcurrency   int           `yaml:"max_concurrency"` // 0 = unbounded
	AutoRefresh      bool          `yaml:"auto_refresh"`

	// Connectivity probe target; empty derives it from DirectoryURL
	ProbeAddress  string        `yaml:"probe_address"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`

	// Per-client request budget of the HTTP API; 0 disables limiting
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	// Enables the manual reload/refresh endpoints
	Debug bool `yaml:"debug"`
}

// Default returns the built-in settings. Listen honors $PORT. DirectoryURL has
// no default and must be supplied.
func Default() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	return Config{
		APIBase:          "https://ofp-api.herokuapp.com/",
		Listen:           ":" + port,
		RefreshInterval:  5 * time.Second,
		FetchTimeout:     10 * time.Second,
		DirectoryTimeout: 10 * time.Second,
		AutoRefresh:      true,
		ProbeInterval:    10 * time.Second,
		ProbeTimeout:     3 * time.Second,
		RateLimit:        5,
		RateBurst:        10,
	}
}

// Load reads a YAML file over the defaults. An empty path returns Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the settings and fills ProbeAddress when it is empty.
func (c *Config) Validate() error {
	if c.DirectoryURL == "" {
		return errors.New("directory_url is required")
	}
	u, err := url.Parse(c.DirectoryURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("directory_url %q is not an absolute URL", c.DirectoryURL)
	}
	if c.APIBase == "" {
		return errors.New("api_base is required")
	}
	if c.RefreshInterval <= 0 {
		return fmt.Errorf("refresh_interval must be positive, got %v", c.RefreshInterval)
	}
	if c.FetchTimeout <= 0 || c.DirectoryTimeout <= 0 || c.ProbeTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	if c.ProbeInterval <= 0 {
		return fmt.Errorf("probe_interval must be positive, got %v", c.ProbeInterval)
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		return fmt.Errorf("rate_limit and rate_burst must not be negative, got %v/%d", c.RateLimit, c.RateBurst)
	}
	if c.MaxConcurrency < 0 {
		return fmt.Errorf("max_concurrency must not be negative, got %d", c.MaxConcurrency)
	}
	if c.ProbeAddress == "" {
		c.ProbeAddress = hostPort(u)
	}
	return nil
}

func hostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	port := "80"
	if u.Scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port)
}
