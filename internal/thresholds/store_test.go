package thresholds

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "overrides.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testOverride() Override {
	return Override{
		Key:       Key{EndpointID: "pve-main", Node: "pve1", VMID: 105},
		Enabled:   true,
		BackupAge: &MetricPair{Warning: 10, Critical: 20},
	}
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create(testOverride()))

	got, err := s.Get(Key{EndpointID: "pve-main", Node: "pve1", VMID: 105})
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	require.NotNil(t, got.BackupAge)
	assert.Equal(t, 10.0, got.BackupAge.Warning)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestCreateDuplicateFails(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create(testOverride()))
	assert.ErrorIs(t, s.Create(testOverride()), ErrValidation)
}

func TestValidationRejectsBadPairs(t *testing.T) {
	s := newTestStore(t)

	o := testOverride()
	o.BackupAge = &MetricPair{Warning: 20, Critical: 10}
	assert.ErrorIs(t, s.Create(o), ErrValidation)

	o = testOverride()
	o.CPU = &MetricPair{Warning: 80, Critical: 80}
	assert.ErrorIs(t, s.Create(o), ErrValidation)

	o = testOverride()
	o.Memory = &MetricPair{Warning: -1, Critical: 90}
	assert.ErrorIs(t, s.Create(o), ErrValidation)
}

func TestValidationRejectsMissingKeyComponents(t *testing.T) {
	s := newTestStore(t)

	o := testOverride()
	o.Key.Node = ""
	assert.ErrorIs(t, s.Create(o), ErrValidation)

	o = testOverride()
	o.Key.VMID = 0
	assert.ErrorIs(t, s.Create(o), ErrValidation)
}

func TestUpdateUnknownKeyIsNotFound(t *testing.T) {
	s := newTestStore(t)
	assert.ErrorIs(t, s.Update(testOverride()), ErrNotFound)
	assert.ErrorIs(t, s.Delete(testOverride().Key), ErrNotFound)
	assert.ErrorIs(t, s.Toggle(testOverride().Key, false), ErrNotFound)
}

func TestToggle(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create(testOverride()))

	require.NoError(t, s.Toggle(testOverride().Key, false))
	got, err := s.Get(testOverride().Key)
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	_, found := s.Lookup([]string{"pve-main"}, "pve1", 105)
	assert.False(t, found, "disabled overrides must not be returned by Lookup")
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create(testOverride()))
	require.NoError(t, s.Delete(testOverride().Key))
	_, err := s.Get(testOverride().Key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overrides.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Create(testOverride()))
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Get(testOverride().Key)
	require.NoError(t, err)
	require.NotNil(t, got.BackupAge)
	assert.Equal(t, 20.0, got.BackupAge.Critical)
}

func TestLookupPrefersSortedEndpointOrder(t *testing.T) {
	s := newTestStore(t)

	a := testOverride()
	a.Key.EndpointID = "a-endpoint"
	a.BackupAge = &MetricPair{Warning: 1, Critical: 2}
	require.NoError(t, s.Create(a))

	b := testOverride()
	b.Key.EndpointID = "b-endpoint"
	b.BackupAge = &MetricPair{Warning: 3, Critical: 4}
	require.NoError(t, s.Create(b))

	got, found := s.Lookup([]string{"b-endpoint", "a-endpoint"}, "pve1", 105)
	require.True(t, found)
	assert.Equal(t, "a-endpoint", got.Key.EndpointID)
}

func TestList(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create(testOverride()))

	other := testOverride()
	other.Key.VMID = 200
	require.NoError(t, s.Create(other))

	all := s.List()
	require.Len(t, all, 2)
	assert.Equal(t, 105, all[0].Key.VMID)
	assert.Equal(t, 200, all[1].Key.VMID)
}
