package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// fingerprintView is the observable content of an AggregateState.
// Generation and BuiltAt are bookkeeping, not content: two states with
// the same view must produce the same fingerprint.
type fingerprintView struct {
	Guests  []GuestRecord         `json:"guests"`
	Stats   Stats                 `json:"stats"`
	Sources map[string]sourceView `json:"sources"`
}

// sourceView strips LastSuccess from the fingerprint: it advances on
// every successful poll, and hashing it would bump the generation each
// cycle even when nothing a subscriber cares about has changed.
type sourceView struct {
	Healthy   bool   `json:"healthy"`
	Stale     bool   `json:"stale"`
	LastError string `json:"lastError"`
}

// ComputeFingerprint hashes the observable fields of a state. Guests
// must already be sorted (SortGuests); map keys are serialized in sorted
// order by encoding/json, so the representation is deterministic.
func ComputeFingerprint(guests []GuestRecord, stats Stats, sources map[string]SourceStatus) string {
	views := make(map[string]sourceView, len(sources))
	for id, s := range sources {
		views[id] = sourceView{Healthy: s.Healthy, Stale: s.Stale, LastError: s.LastError}
	}
	data, err := json.Marshal(fingerprintView{
		Guests:  guests,
		Stats:   stats,
		Sources: views,
	})
	if err != nil {
		// Only unsupported types can fail here, and the view contains none.
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
