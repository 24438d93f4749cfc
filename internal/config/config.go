// Package config holds the daemon configuration: the set of polled
// endpoints, global polling/classification settings, and their
// persistence. Secrets never leave this package unredacted.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/backwatch/backwatch/internal/models"
)

// RedactedValue is the sentinel returned in place of stored secrets.
// Updates carrying this exact value mean "keep the stored secret".
const RedactedValue = "***REDACTED***"

// Endpoint is one configured upstream source.
type Endpoint struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Kind        models.SourceKind `json:"kind"`
	Host        string            `json:"host"`
	TokenID     string            `json:"tokenId"`
	TokenSecret string            `json:"tokenSecret"`
	Fingerprint string            `json:"fingerprint,omitempty"`
	VerifySSL   bool              `json:"verifySSL"`
	Enabled     bool              `json:"enabled"`
	Cluster     string            `json:"cluster,omitempty"`
	// IntervalSeconds overrides the global poll interval when > 0.
	IntervalSeconds int `json:"intervalSeconds,omitempty"`
}

// Redacted returns a copy safe to hand to API consumers.
func (e Endpoint) Redacted() Endpoint {
	if e.TokenSecret != "" {
		e.TokenSecret = RedactedValue
	}
	return e
}

// Config is the full daemon configuration.
type Config struct {
	Listen              string     `json:"listen"`
	DataPath            string     `json:"-"`
	LogLevel            string     `json:"logLevel"`
	PollIntervalSeconds int        `json:"pollIntervalSeconds"`
	StalenessCycles     int        `json:"stalenessCycles"`
	DebounceMillis      int        `json:"debounceMillis"`
	APITokenHash        string     `json:"apiTokenHash,omitempty"`
	Endpoints           []Endpoint `json:"endpoints"`
}

// PollInterval returns the global poll cadence.
func (c *Config) PollInterval() time.Duration {
	if c.PollIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// EndpointInterval returns the effective cadence for one endpoint.
func (c *Config) EndpointInterval(e Endpoint) time.Duration {
	if e.IntervalSeconds > 0 {
		return time.Duration(e.IntervalSeconds) * time.Second
	}
	return c.PollInterval()
}

// Debounce returns the notifier coalescing window.
func (c *Config) Debounce() time.Duration {
	if c.DebounceMillis <= 0 {
		return 300 * time.Millisecond
	}
	return time.Duration(c.DebounceMillis) * time.Millisecond
}

// Endpoint returns the endpoint with the given id.
func (c *Config) Endpoint(id string) (Endpoint, bool) {
	for _, e := range c.Endpoints {
		if e.ID == id {
			return e, true
		}
	}
	return Endpoint{}, false
}

// Validate checks endpoint definitions for the fields polling requires.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Endpoints))
	for _, e := range c.Endpoints {
		if e.ID == "" {
			return fmt.Errorf("endpoint %q: missing id", e.Name)
		}
		if seen[e.ID] {
			return fmt.Errorf("endpoint %q: duplicate id %q", e.Name, e.ID)
		}
		seen[e.ID] = true
		if e.Host == "" {
			return fmt.Errorf("endpoint %q: missing host", e.ID)
		}
		switch e.Kind {
		case models.SourceHypervisor, models.SourceBackupServer:
		default:
			return fmt.Errorf("endpoint %q: unknown kind %q", e.ID, e.Kind)
		}
	}
	return nil
}

// Defaults returns a config with baseline settings applied.
func Defaults() *Config {
	return &Config{
		Listen:              ":7655",
		DataPath:            "/var/lib/backwatch",
		LogLevel:            "info",
		PollIntervalSeconds: 30,
		StalenessCycles:     3,
		DebounceMillis:      300,
	}
}

// Load builds the config from defaults, the persisted endpoints file and
// environment overrides, in that order.
func Load() (*Config, error) {
	cfg := Defaults()

	if v := os.Getenv("BACKWATCH_DATA_PATH"); v != "" {
		cfg.DataPath = v
	}
	if v := os.Getenv("BACKWATCH_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("BACKWATCH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("BACKWATCH_POLL_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PollIntervalSeconds = n
		} else {
			log.Warn().Str("value", v).Msg("Ignoring invalid BACKWATCH_POLL_INTERVAL")
		}
	}
	if v := os.Getenv("BACKWATCH_API_TOKEN_HASH"); v != "" {
		cfg.APITokenHash = v
	}

	persisted, err := loadPersisted(cfg.DataPath)
	if err != nil {
		return nil, err
	}
	if persisted != nil {
		cfg.Endpoints = persisted.Endpoints
		if persisted.PollIntervalSeconds > 0 && os.Getenv("BACKWATCH_POLL_INTERVAL") == "" {
			cfg.PollIntervalSeconds = persisted.PollIntervalSeconds
		}
		if persisted.StalenessCycles > 0 {
			cfg.StalenessCycles = persisted.StalenessCycles
		}
		if persisted.DebounceMillis > 0 {
			cfg.DebounceMillis = persisted.DebounceMillis
		}
		if persisted.APITokenHash != "" && cfg.APITokenHash == "" {
			cfg.APITokenHash = persisted.APITokenHash
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
