package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

const settingsFile = "settings.json"

var persistMu sync.Mutex

// persistedSettings is the on-disk shape. Endpoints are stored with
// their secrets; the file is written 0600.
type persistedSettings struct {
	PollIntervalSeconds int        `json:"pollIntervalSeconds,omitempty"`
	StalenessCycles     int        `json:"stalenessCycles,omitempty"`
	DebounceMillis      int        `json:"debounceMillis,omitempty"`
	APITokenHash        string     `json:"apiTokenHash,omitempty"`
	Endpoints           []Endpoint `json:"endpoints"`
}

// SettingsPath returns the settings file location under dataPath.
func SettingsPath(dataPath string) string {
	return filepath.Join(dataPath, settingsFile)
}

func loadPersisted(dataPath string) (*persistedSettings, error) {
	data, err := os.ReadFile(SettingsPath(dataPath))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading settings: %w", err)
	}

	var settings persistedSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("parsing settings: %w", err)
	}
	return &settings, nil
}

// Save writes the current config to disk. The write goes through a temp
// file and rename so a crash never leaves a torn settings file.
func (c *Config) Save() error {
	persistMu.Lock()
	defer persistMu.Unlock()

	if err := os.MkdirAll(c.DataPath, 0700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	settings := persistedSettings{
		PollIntervalSeconds: c.PollIntervalSeconds,
		StalenessCycles:     c.StalenessCycles,
		DebounceMillis:      c.DebounceMillis,
		APITokenHash:        c.APITokenHash,
		Endpoints:           c.Endpoints,
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}

	path := SettingsPath(c.DataPath)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing settings: %w", err)
	}

	log.Debug().Str("path", path).Int("endpoints", len(c.Endpoints)).Msg("Saved settings")
	return nil
}

// ApplyUpdate merges a partial update into the config. Secret fields
// carrying the redaction sentinel keep their stored value; endpoints
// absent from the update are removed.
func (c *Config) ApplyUpdate(update ConfigUpdate) error {
	if update.PollIntervalSeconds != nil {
		if *update.PollIntervalSeconds <= 0 {
			return fmt.Errorf("pollIntervalSeconds must be positive")
		}
		c.PollIntervalSeconds = *update.PollIntervalSeconds
	}
	if update.StalenessCycles != nil {
		if *update.StalenessCycles <= 0 {
			return fmt.Errorf("stalenessCycles must be positive")
		}
		c.StalenessCycles = *update.StalenessCycles
	}
	if update.DebounceMillis != nil {
		if *update.DebounceMillis < 0 {
			return fmt.Errorf("debounceMillis must not be negative")
		}
		c.DebounceMillis = *update.DebounceMillis
	}

	if update.Endpoints != nil {
		existing := make(map[string]Endpoint, len(c.Endpoints))
		for _, e := range c.Endpoints {
			existing[e.ID] = e
		}

		merged := make([]Endpoint, 0, len(update.Endpoints))
		for _, e := range update.Endpoints {
			if e.TokenSecret == RedactedValue {
				stored, ok := existing[e.ID]
				if !ok {
					return fmt.Errorf("endpoint %q: redacted secret but no stored value", e.ID)
				}
				e.TokenSecret = stored.TokenSecret
			}
			merged = append(merged, e)
		}

		prev := c.Endpoints
		c.Endpoints = merged
		if err := c.Validate(); err != nil {
			c.Endpoints = prev
			return err
		}
	}

	return nil
}

// ConfigUpdate is a partial configuration change. Nil fields are left
// untouched.
type ConfigUpdate struct {
	PollIntervalSeconds *int       `json:"pollIntervalSeconds,omitempty"`
	StalenessCycles     *int       `json:"stalenessCycles,omitempty"`
	DebounceMillis      *int       `json:"debounceMillis,omitempty"`
	Endpoints           []Endpoint `json:"endpoints,omitempty"`
}
