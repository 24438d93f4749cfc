// Package notify turns published aggregate generations into subscriber
// events. Rapid successive generations coalesce behind a trailing-edge
// debounce: every change pushes the deadline out, and when it lapses a
// single event carrying the latest state is delivered. Events are
// delivered strictly in generation order.
package notify

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/backwatch/backwatch/internal/metrics"
	"github.com/backwatch/backwatch/internal/models"
	"github.com/backwatch/backwatch/internal/store"
)

// Event is one change notification. State is the full aggregate for
// subscribers that want snapshots; Diff is the minimal form for
// subscribers that track state incrementally.
type Event struct {
	ID         string                 `json:"id"`
	Generation uint64                 `json:"generation"`
	State      *models.AggregateState `json:"state"`
	Diff       *Diff                  `json:"diff"`
}

// Diff lists the guests that changed between two delivered generations.
type Diff struct {
	FromGeneration uint64            `json:"fromGeneration"`
	ToGeneration   uint64            `json:"toGeneration"`
	Added          []models.GuestKey `json:"added,omitempty"`
	Removed        []models.GuestKey `json:"removed,omitempty"`
	Changed        []models.GuestKey `json:"changed,omitempty"`
	Stats          models.Stats      `json:"stats"`
}

// Sink receives events. Implemented by the websocket hub.
type Sink interface {
	Deliver(Event)
}

// Notifier debounces state changes into events.
type Notifier struct {
	store    *store.Store
	sink     Sink
	debounce time.Duration

	mu    sync.Mutex
	timer *time.Timer
	// last is the state most recently delivered; diffs are computed
	// against it, not against the store's previous generation, so
	// coalesced generations are not lost from the diff.
	last *models.AggregateState
}

// New builds a notifier delivering to sink. debounce <= 0 disables
// coalescing and delivers on every change.
func New(st *store.Store, sink Sink, debounce time.Duration) *Notifier {
	return &Notifier{store: st, sink: sink, debounce: debounce}
}

// StateChanged schedules a delivery. Safe for concurrent use; intended
// as the reconciler's publish callback.
func (n *Notifier) StateChanged(*models.AggregateState) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.debounce <= 0 {
		n.fireLocked()
		return
	}
	if n.timer == nil {
		n.timer = time.AfterFunc(n.debounce, n.fire)
		return
	}
	n.timer.Reset(n.debounce)
}

// Flush delivers any pending change immediately. Called on shutdown so
// the final state is never lost to an unexpired debounce window.
func (n *Notifier) Flush() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	n.fireLocked()
}

func (n *Notifier) fire() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.timer = nil
	n.fireLocked()
}

// fireLocked delivers the latest state if it is newer than what was
// last delivered. Running under the mutex keeps deliveries in
// generation order.
func (n *Notifier) fireLocked() {
	current := n.store.Current()
	if n.last != nil && current.Generation <= n.last.Generation {
		return
	}

	event := Event{
		ID:         ulid.Make().String(),
		Generation: current.Generation,
		State:      current,
		Diff:       diffStates(n.last, current),
	}
	n.last = current

	metrics.NotificationsSent.Inc()
	log.Debug().
		Str("event", event.ID).
		Uint64("generation", event.Generation).
		Int("added", len(event.Diff.Added)).
		Int("removed", len(event.Diff.Removed)).
		Int("changed", len(event.Diff.Changed)).
		Msg("Delivering change notification")

	n.sink.Deliver(event)
}

// diffStates computes the guest-level delta between two generations.
// A nil previous state means everything is an addition.
func diffStates(prev, current *models.AggregateState) *Diff {
	diff := &Diff{
		ToGeneration: current.Generation,
		Stats:        current.Stats,
	}
	if prev != nil {
		diff.FromGeneration = prev.Generation
	}

	prevByKey := make(map[models.GuestKey]models.GuestRecord)
	if prev != nil {
		for _, g := range prev.Guests {
			prevByKey[g.Key()] = g
		}
	}

	for _, g := range current.Guests {
		old, existed := prevByKey[g.Key()]
		if !existed {
			diff.Added = append(diff.Added, g.Key())
			continue
		}
		delete(prevByKey, g.Key())
		if !guestEqual(old, g) {
			diff.Changed = append(diff.Changed, g.Key())
		}
	}
	for key := range prevByKey {
		diff.Removed = append(diff.Removed, key)
	}
	models.SortKeys(diff.Added)
	models.SortKeys(diff.Removed)
	models.SortKeys(diff.Changed)
	return diff
}

func guestEqual(a, b models.GuestRecord) bool {
	return models.ComputeFingerprint([]models.GuestRecord{a}, models.Stats{}, nil) ==
		models.ComputeFingerprint([]models.GuestRecord{b}, models.Stats{}, nil)
}
