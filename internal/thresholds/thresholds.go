// Package thresholds stores per-guest alert threshold overrides. The
// store is consulted by health classification but is persisted and
// mutated independently of polling: overrides survive restarts and are
// never rebuilt by a reconciliation cycle.
package thresholds

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned for edit/delete/toggle of an unknown key.
	ErrNotFound = errors.New("threshold override not found")
	// ErrValidation is returned for structurally invalid overrides.
	ErrValidation = errors.New("invalid threshold override")
)

// MetricPair is a warning/critical threshold pair. The unit depends on
// the metric: percent for cpu/memory/disk, days for backup age.
type MetricPair struct {
	Warning  float64 `json:"warning"`
	Critical float64 `json:"critical"`
}

// Key identifies the guest an override applies to.
type Key struct {
	EndpointID string `json:"endpointId"`
	Node       string `json:"node"`
	VMID       int    `json:"vmid"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%d", k.EndpointID, k.Node, k.VMID)
}

func (k Key) validate() error {
	if k.EndpointID == "" || k.Node == "" || k.VMID <= 0 {
		return fmt.Errorf("%w: endpoint id, node and vmid are all required", ErrValidation)
	}
	return nil
}

// Override holds the custom thresholds for one guest.
type Override struct {
	Key       Key         `json:"key"`
	Enabled   bool        `json:"enabled"`
	CPU       *MetricPair `json:"cpu,omitempty"`       // percent
	Memory    *MetricPair `json:"memory,omitempty"`    // percent
	Disk      *MetricPair `json:"disk,omitempty"`      // percent
	BackupAge *MetricPair `json:"backupAge,omitempty"` // days
	UpdatedAt time.Time   `json:"updatedAt"`
}

// Validate checks the key and every provided metric pair. A pair where
// critical <= warning is rejected.
func (o Override) Validate() error {
	if err := o.Key.validate(); err != nil {
		return err
	}
	pairs := map[string]*MetricPair{
		"cpu":       o.CPU,
		"memory":    o.Memory,
		"disk":      o.Disk,
		"backupAge": o.BackupAge,
	}
	for name, pair := range pairs {
		if pair == nil {
			continue
		}
		if pair.Warning < 0 || pair.Critical < 0 {
			return fmt.Errorf("%w: %s thresholds must not be negative", ErrValidation, name)
		}
		if pair.Critical <= pair.Warning {
			return fmt.Errorf("%w: %s critical (%g) must be greater than warning (%g)",
				ErrValidation, name, pair.Critical, pair.Warning)
		}
	}
	return nil
}
