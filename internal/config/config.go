// Package config loads and stores server configuration.
//
// Settings come from three layers, later ones winning: the JSON file in the
// XDG config dir, environment variables, then command-line flags applied by
// the caller. The DSN may live in the file for local setups; production
// deployments pass it through DATABASE_URL or the OS keychain instead.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"querygate/server/internal/xdg"
)

const (
	DefaultListenAddr = "127.0.0.1:8000"
	DefaultGRPCAddr   = "127.0.0.1:8001"
)

// Duration is a time.Duration stored as a Go duration string in JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"5s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config holds server settings.
type Config struct {
	ListenAddr string `json:"listen_addr"`
	// GRPCAddr is the gRPC listen address. Empty disables the gRPC front end.
	GRPCAddr string   `json:"grpc_addr"`
	DB       DBConfig `json:"db"`
	Pool     Pool     `json:"pool"`
	// MaxRows caps rows per result. Zero means unlimited.
	MaxRows   int    `json:"max_rows"`
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
	// RateLimit is requests per second per client IP. Zero disables limiting.
	RateLimit float64 `json:"rate_limit"`
	RateBurst int     `json:"rate_burst"`
}

// DBConfig holds database connection settings.
type DBConfig struct {
	DSN string `json:"dsn,omitempty"`
}

// Pool sizes the worker pool and the connection pool. Zero values mean
// "derive from the CPU count".
type Pool struct {
	Workers        int      `json:"workers"`
	Connections    int      `json:"connections"`
	QueueDepth     int      `json:"queue_depth"`
	AcquireTimeout Duration `json:"acquire_timeout"`
	QueueTimeout   Duration `json:"queue_timeout"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr: DefaultListenAddr,
		GRPCAddr:   DefaultGRPCAddr,
		LogLevel:   "info",
		LogFormat:  "text",
		RateBurst:  20,
	}
}

// Path returns the path to the config file.
func Path() (string, error) {
	dir, err := xdg.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// Load reads the file at path (the XDG default when empty) over the
// defaults, then applies environment overrides. A missing file is not an
// error.
func Load(path string) (Config, error) {
	c := Default()
	if path == "" {
		p, err := Path()
		if err != nil {
			return c, err
		}
		path = p
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return c, err
	default:
		if err := json.Unmarshal(data, &c); err != nil {
			return c, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := c.applyEnv(os.LookupEnv); err != nil {
		return c, err
	}
	return c, nil
}

// applyEnv overrides c from the environment. DATABASE_URL and URL keep the
// names deployments already use.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	integer := func(key string, dst *int) error {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
		return nil
	}
	duration := func(key string, dst *Duration) error {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = Duration(d)
		}
		return nil
	}

	str("DATABASE_URL", &c.DB.DSN)
	str("QUERYGATE_DSN", &c.DB.DSN)
	str("URL", &c.ListenAddr)
	str("QUERYGATE_LISTEN_ADDR", &c.ListenAddr)
	str("QUERYGATE_GRPC_ADDR", &c.GRPCAddr)
	str("QUERYGATE_LOG_LEVEL", &c.LogLevel)
	str("QUERYGATE_LOG_FORMAT", &c.LogFormat)

	for key, dst := range map[string]*int{
		"QUERYGATE_WORKERS":     &c.Pool.Workers,
		"QUERYGATE_POOL_SIZE":   &c.Pool.Connections,
		"QUERYGATE_QUEUE_DEPTH": &c.Pool.QueueDepth,
		"QUERYGATE_MAX_ROWS":    &c.MaxRows,
		"QUERYGATE_RATE_BURST":  &c.RateBurst,
	} {
		if err := integer(key, dst); err != nil {
			return err
		}
	}
	if err := duration("QUERYGATE_ACQUIRE_TIMEOUT", &c.Pool.AcquireTimeout); err != nil {
		return err
	}
	if err := duration("QUERYGATE_QUEUE_TIMEOUT", &c.Pool.QueueTimeout); err != nil {
		return err
	}
	if v, ok := lookup("QUERYGATE_RATE_LIMIT"); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("QUERYGATE_RATE_LIMIT: %w", err)
		}
		c.RateLimit = f
	}
	return nil
}

// Validate checks the settings the server cannot start without. The DSN is
// checked separately because it may still come from the keychain.
func (c Config) Validate() error {
	var errs []error
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		errs = append(errs, fmt.Errorf("listen_addr %q: %w", c.ListenAddr, err))
	}
	if c.GRPCAddr != "" {
		if _, _, err := net.SplitHostPort(c.GRPCAddr); err != nil {
			errs = append(errs, fmt.Errorf("grpc_addr %q: %w", c.GRPCAddr, err))
		}
	}
	if c.Pool.Workers < 0 || c.Pool.Connections < 0 || c.Pool.QueueDepth < 0 {
		errs = append(errs, errors.New("pool sizes must not be negative"))
	}
	if c.Pool.AcquireTimeout < 0 || c.Pool.QueueTimeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if c.MaxRows < 0 {
		errs = append(errs, errors.New("max_rows must not be negative"))
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		errs = append(errs, errors.New("rate limit settings must not be negative"))
	}
	return errors.Join(errs...)
}

// Save writes configuration with 0600 permissions.
func Save(path string, c Config) error {
	if path == "" {
		p, err := Path()
		if err != nil {
			return err
		}
		path = p
	}
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}
