package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backwatch/backwatch/internal/models"
	"github.com/backwatch/backwatch/internal/store"
)

type captureSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *captureSink) Deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *captureSink) all() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func publish(t *testing.T, st *store.Store, guests ...models.GuestRecord) *models.AggregateState {
	t.Helper()
	models.SortGuests(guests)
	state, changed := st.Replace(guests, models.Stats{Guests: len(guests)}, nil)
	require.True(t, changed)
	return state
}

func guest(node string, vmid int, health models.Health) models.GuestRecord {
	return models.GuestRecord{Node: node, VMID: vmid, Name: "g", Type: models.GuestVM, Health: health}
}

func TestImmediateDeliveryWithoutDebounce(t *testing.T) {
	st := store.New()
	sink := &captureSink{}
	n := New(st, sink, 0)

	state := publish(t, st, guest("pve1", 100, models.HealthCurrent))
	n.StateChanged(state)

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, state.Generation, events[0].Generation)
	assert.NotEmpty(t, events[0].ID)
	assert.Equal(t, []models.GuestKey{{Node: "pve1", VMID: 100}}, events[0].Diff.Added)
}

func TestDebounceCoalescesRapidChanges(t *testing.T) {
	st := store.New()
	sink := &captureSink{}
	n := New(st, sink, 50*time.Millisecond)

	publish(t, st, guest("pve1", 100, models.HealthCurrent))
	n.StateChanged(st.Current())
	publish(t, st, guest("pve1", 100, models.HealthOutdated))
	n.StateChanged(st.Current())
	final := publish(t, st, guest("pve1", 100, models.HealthCritical))
	n.StateChanged(final)

	assert.Empty(t, sink.all(), "nothing delivered before the debounce window lapses")

	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, time.Second, 5*time.Millisecond)
	ev := sink.all()[0]
	assert.Equal(t, final.Generation, ev.Generation, "coalesced delivery carries the latest state, never an intermediate")
	assert.Equal(t, models.HealthCritical, ev.State.Guests[0].Health)
}

func TestUnchangedStateIsNotRedelivered(t *testing.T) {
	st := store.New()
	sink := &captureSink{}
	n := New(st, sink, 0)

	state := publish(t, st, guest("pve1", 100, models.HealthCurrent))
	n.StateChanged(state)
	n.StateChanged(state)

	assert.Len(t, sink.all(), 1)
}

func TestGenerationOrdering(t *testing.T) {
	st := store.New()
	sink := &captureSink{}
	n := New(st, sink, 0)

	for _, h := range []models.Health{models.HealthCurrent, models.HealthOutdated, models.HealthCritical} {
		n.StateChanged(publish(t, st, guest("pve1", 100, h)))
	}

	events := sink.all()
	require.Len(t, events, 3)
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Generation, events[i-1].Generation)
		assert.Greater(t, events[i].ID, events[i-1].ID, "event ids are lexically ordered by creation time")
	}
}

func TestFlushDeliversPendingChange(t *testing.T) {
	st := store.New()
	sink := &captureSink{}
	n := New(st, sink, time.Hour)

	state := publish(t, st, guest("pve1", 100, models.HealthCurrent))
	n.StateChanged(state)
	require.Empty(t, sink.all())

	n.Flush()
	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, state.Generation, events[0].Generation)
}

func TestDiffAddedRemovedChanged(t *testing.T) {
	st := store.New()
	sink := &captureSink{}
	n := New(st, sink, 0)

	n.StateChanged(publish(t, st,
		guest("pve1", 100, models.HealthCurrent),
		guest("pve1", 101, models.HealthCurrent),
	))
	n.StateChanged(publish(t, st,
		guest("pve1", 101, models.HealthOutdated),
		guest("pve2", 200, models.HealthCurrent),
	))

	events := sink.all()
	require.Len(t, events, 2)

	diff := events[1].Diff
	assert.Equal(t, []models.GuestKey{{Node: "pve2", VMID: 200}}, diff.Added)
	assert.Equal(t, []models.GuestKey{{Node: "pve1", VMID: 100}}, diff.Removed)
	assert.Equal(t, []models.GuestKey{{Node: "pve1", VMID: 101}}, diff.Changed)
	assert.Equal(t, events[0].Generation, diff.FromGeneration)
	assert.Equal(t, events[1].Generation, diff.ToGeneration)
}
