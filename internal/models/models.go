package models

import (
	"fmt"
	"sort"
	"time"
)

// SourceKind identifies the type of upstream an endpoint talks to.
type SourceKind string

const (
	SourceHypervisor   SourceKind = "hypervisor"
	SourceBackupServer SourceKind = "backup-server"
)

// Mechanism identifies how a backup or snapshot was produced.
type Mechanism string

const (
	MechanismBackupServer Mechanism = "backupServer"
	MechanismHypervisor   Mechanism = "hypervisor"
	MechanismSnapshot     Mechanism = "snapshot"
)

// Health is the freshness classification of a guest's most recent backup.
type Health string

const (
	HealthCurrent  Health = "current"
	HealthOutdated Health = "outdated"
	HealthCritical Health = "critical"
	HealthNone     Health = "none"
	HealthFailed   Health = "failed"
)

// GuestType distinguishes VMs from containers.
type GuestType string

const (
	GuestVM        GuestType = "vm"
	GuestContainer GuestType = "container"
)

// GuestKey uniquely identifies a guest. VMIDs are only unique within a
// node, so the node name is part of the identity.
type GuestKey struct {
	Node string `json:"node"`
	VMID int    `json:"vmid"`
}

func (k GuestKey) String() string {
	return fmt.Sprintf("%s/%d", k.Node, k.VMID)
}

// GuestInfo is one guest as reported by a single source poll.
type GuestInfo struct {
	VMID   int       `json:"vmid"`
	Name   string    `json:"name"`
	Node   string    `json:"node"`
	Type   GuestType `json:"type"`
	Status string    `json:"status"`
}

func (g GuestInfo) Key() GuestKey {
	return GuestKey{Node: g.Node, VMID: g.VMID}
}

// Observation is one backup or snapshot record reported by a source.
// Exactly one concrete type exists per mechanism; the reconciler
// type-switches over them and treats any unknown implementation as a
// reconciliation conflict rather than silently dropping it.
type Observation interface {
	Key() GuestKey
	Mechanism() Mechanism
	Timestamp() time.Time
}

// BackupServerObservation is a backup stored on a backup server
// instance. Node is empty when the server does not know hypervisor
// topology; Type is empty when the archive kind is unknown.
type BackupServerObservation struct {
	VMID      int       `json:"vmid"`
	Node      string    `json:"node"`
	Type      GuestType `json:"type,omitempty"`
	Namespace string    `json:"namespace"`
	Time      time.Time `json:"time"`
	Size      int64     `json:"size"`
	Verified  bool      `json:"verified"`
	Failed    bool      `json:"failed"`
}

func (o BackupServerObservation) Key() GuestKey        { return GuestKey{Node: o.Node, VMID: o.VMID} }
func (o BackupServerObservation) Mechanism() Mechanism { return MechanismBackupServer }
func (o BackupServerObservation) Timestamp() time.Time { return o.Time }

// HypervisorBackupObservation is a backup archive on hypervisor-attached
// storage (e.g. a vzdump file), or a finished backup task outcome.
type HypervisorBackupObservation struct {
	VMID    int       `json:"vmid"`
	Node    string    `json:"node"`
	Storage string    `json:"storage"`
	Time    time.Time `json:"time"`
	Size    int64     `json:"size"`
	Failed  bool      `json:"failed"`
}

func (o HypervisorBackupObservation) Key() GuestKey        { return GuestKey{Node: o.Node, VMID: o.VMID} }
func (o HypervisorBackupObservation) Mechanism() Mechanism { return MechanismHypervisor }
func (o HypervisorBackupObservation) Timestamp() time.Time { return o.Time }

// SnapshotObservation is a point-in-time guest snapshot on the hypervisor.
type SnapshotObservation struct {
	VMID int       `json:"vmid"`
	Node string    `json:"node"`
	Name string    `json:"name"`
	Time time.Time `json:"time"`
}

func (o SnapshotObservation) Key() GuestKey        { return GuestKey{Node: o.Node, VMID: o.VMID} }
func (o SnapshotObservation) Mechanism() Mechanism { return MechanismSnapshot }
func (o SnapshotObservation) Timestamp() time.Time { return o.Time }

// RawSnapshot is the result of one successful poll of one endpoint.
// Immutable once created; the reconciler keeps at most the latest one
// per source.
type RawSnapshot struct {
	SourceID     string        `json:"sourceId"`
	Kind         SourceKind    `json:"kind"`
	FetchedAt    time.Time     `json:"fetchedAt"`
	Guests       []GuestInfo   `json:"guests"`
	Observations []Observation `json:"observations"`
}

// GuestRecord is the canonical merged view of one guest across all
// sources and mechanisms. Rebuilt wholesale every reconciliation cycle.
type GuestRecord struct {
	Node              string         `json:"node"`
	VMID              int            `json:"vmid"`
	Name              string         `json:"name"`
	Type              GuestType      `json:"type"`
	Status            string         `json:"status"`
	BackupServerCount int            `json:"backupServerCount"`
	HypervisorCount   int            `json:"hypervisorCount"`
	SnapshotCount     int            `json:"snapshotCount"`
	LastBackupServer  time.Time      `json:"lastBackupServer,omitempty"`
	LastHypervisor    time.Time      `json:"lastHypervisor,omitempty"`
	LastSnapshot      time.Time      `json:"lastSnapshot,omitempty"`
	LastBackup        time.Time      `json:"lastBackup,omitempty"`
	LastOutcomeFailed bool           `json:"lastOutcomeFailed"`
	Health            Health         `json:"health"`
	Namespaces        []string       `json:"namespaces,omitempty"`
	NamespaceCounts   map[string]int `json:"namespaceCounts,omitempty"`
	Sources           []string       `json:"sources"`
	Stale             bool           `json:"stale"`
}

func (g GuestRecord) Key() GuestKey {
	return GuestKey{Node: g.Node, VMID: g.VMID}
}

// CountFor returns the record count for one mechanism.
func (g GuestRecord) CountFor(m Mechanism) int {
	switch m {
	case MechanismBackupServer:
		return g.BackupServerCount
	case MechanismHypervisor:
		return g.HypervisorCount
	case MechanismSnapshot:
		return g.SnapshotCount
	}
	return 0
}

// SourceStatus summarizes the reachability of one endpoint as of the
// current aggregate generation.
type SourceStatus struct {
	Healthy     bool      `json:"healthy"`
	Stale       bool      `json:"stale"`
	LastSuccess time.Time `json:"lastSuccess,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
}

// Stats holds aggregate-wide totals.
type Stats struct {
	Guests            int            `json:"guests"`
	BackupServerTotal int            `json:"backupServerTotal"`
	HypervisorTotal   int            `json:"hypervisorTotal"`
	SnapshotTotal     int            `json:"snapshotTotal"`
	ByHealth          map[Health]int `json:"byHealth"`
}

// AggregateState is one immutable generation of the merged view. The
// store swaps whole values; nothing mutates an AggregateState after the
// reconciler publishes it.
type AggregateState struct {
	Generation  uint64                  `json:"generation"`
	Fingerprint string                  `json:"fingerprint"`
	BuiltAt     time.Time               `json:"builtAt"`
	Guests      []GuestRecord           `json:"guests"`
	Stats       Stats                   `json:"stats"`
	Sources     map[string]SourceStatus `json:"sources"`
}

// Guest returns the record for key, if present.
func (a *AggregateState) Guest(key GuestKey) (GuestRecord, bool) {
	for _, g := range a.Guests {
		if g.Node == key.Node && g.VMID == key.VMID {
			return g, true
		}
	}
	return GuestRecord{}, false
}

// SortKeys orders keys by node then vmid.
func SortKeys(keys []GuestKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Node != keys[j].Node {
			return keys[i].Node < keys[j].Node
		}
		return keys[i].VMID < keys[j].VMID
	})
}

// SortGuests orders records by node then vmid so serialization is stable.
func SortGuests(guests []GuestRecord) {
	sort.Slice(guests, func(i, j int) bool {
		if guests[i].Node != guests[j].Node {
			return guests[i].Node < guests[j].Node
		}
		return guests[i].VMID < guests[j].VMID
	})
}
