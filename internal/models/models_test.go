package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuestKeyString(t *testing.T) {
	key := GuestKey{Node: "pve1", VMID: 105}
	assert.Equal(t, "pve1/105", key.String())
}

func TestObservationKeys(t *testing.T) {
	now := time.Now()

	obs := []Observation{
		BackupServerObservation{VMID: 100, Node: "pve1", Namespace: "prod", Time: now},
		HypervisorBackupObservation{VMID: 100, Node: "pve1", Storage: "local", Time: now},
		SnapshotObservation{VMID: 100, Node: "pve1", Name: "pre-upgrade", Time: now},
	}

	mechs := map[Mechanism]bool{}
	for _, o := range obs {
		assert.Equal(t, GuestKey{Node: "pve1", VMID: 100}, o.Key())
		assert.Equal(t, now, o.Timestamp())
		mechs[o.Mechanism()] = true
	}
	assert.Len(t, mechs, 3)
}

func TestSortGuestsStableOrder(t *testing.T) {
	guests := []GuestRecord{
		{Node: "pve2", VMID: 101},
		{Node: "pve1", VMID: 200},
		{Node: "pve1", VMID: 100},
	}
	SortGuests(guests)

	require.Len(t, guests, 3)
	assert.Equal(t, GuestKey{Node: "pve1", VMID: 100}, guests[0].Key())
	assert.Equal(t, GuestKey{Node: "pve1", VMID: 200}, guests[1].Key())
	assert.Equal(t, GuestKey{Node: "pve2", VMID: 101}, guests[2].Key())
}

func TestComputeFingerprintDeterministic(t *testing.T) {
	guests := []GuestRecord{{Node: "pve1", VMID: 100, Name: "web", Health: HealthCurrent}}
	stats := Stats{Guests: 1, ByHealth: map[Health]int{HealthCurrent: 1}}
	sources := map[string]SourceStatus{"pve-main": {Healthy: true}}

	a := ComputeFingerprint(guests, stats, sources)
	b := ComputeFingerprint(guests, stats, sources)
	require.NotEmpty(t, a)
	assert.Equal(t, a, b)
}

func TestComputeFingerprintChangesWithContent(t *testing.T) {
	stats := Stats{Guests: 1}
	before := ComputeFingerprint([]GuestRecord{{Node: "pve1", VMID: 100, Health: HealthCurrent}}, stats, nil)
	after := ComputeFingerprint([]GuestRecord{{Node: "pve1", VMID: 100, Health: HealthOutdated}}, stats, nil)
	assert.NotEqual(t, before, after)
}

func TestComputeFingerprintIgnoresLastSuccess(t *testing.T) {
	guests := []GuestRecord{{Node: "pve1", VMID: 100}}
	stats := Stats{Guests: 1}
	before := ComputeFingerprint(guests, stats, map[string]SourceStatus{
		"pve-main": {Healthy: true, LastSuccess: time.Unix(1000, 0)},
	})
	after := ComputeFingerprint(guests, stats, map[string]SourceStatus{
		"pve-main": {Healthy: true, LastSuccess: time.Unix(2000, 0)},
	})
	assert.Equal(t, before, after, "poll timestamps alone must not produce a new generation")
}

func TestAggregateStateGuestLookup(t *testing.T) {
	state := &AggregateState{
		Guests: []GuestRecord{
			{Node: "pve1", VMID: 100, Name: "web"},
			{Node: "pve1", VMID: 101, Name: "db"},
		},
	}

	g, ok := state.Guest(GuestKey{Node: "pve1", VMID: 101})
	require.True(t, ok)
	assert.Equal(t, "db", g.Name)

	_, ok = state.Guest(GuestKey{Node: "pve9", VMID: 101})
	assert.False(t, ok)
}

func TestCountFor(t *testing.T) {
	g := GuestRecord{BackupServerCount: 3, HypervisorCount: 2, SnapshotCount: 1}
	assert.Equal(t, 3, g.CountFor(MechanismBackupServer))
	assert.Equal(t, 2, g.CountFor(MechanismHypervisor))
	assert.Equal(t, 1, g.CountFor(MechanismSnapshot))
	assert.Equal(t, 0, g.CountFor(Mechanism("bogus")))
}
