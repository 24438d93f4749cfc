// Package store holds the current aggregate generation. The reconciler
// is the only writer; any number of readers may fetch the current state
// concurrently. States are immutable once published, so readers never
// need a lock and never observe a half-built aggregate.
package store

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/backwatch/backwatch/internal/models"
)

// Store is the single shared point between the reconciler and readers.
type Store struct {
	mu       sync.Mutex // serializes writers; readers go through the pointers
	current  atomic.Pointer[models.AggregateState]
	previous atomic.Pointer[models.AggregateState]
}

// New returns a store seeded with an empty generation-zero state.
func New() *Store {
	s := &Store{}
	empty := &models.AggregateState{
		Generation:  0,
		Fingerprint: models.ComputeFingerprint(nil, models.Stats{}, nil),
		BuiltAt:     time.Now(),
		Guests:      []models.GuestRecord{},
		Sources:     map[string]models.SourceStatus{},
	}
	s.current.Store(empty)
	return s
}

// Current returns the latest published state. The returned value must be
// treated as read-only.
func (s *Store) Current() *models.AggregateState {
	return s.current.Load()
}

// Previous returns the generation before the current one, or nil if only
// one generation has ever been published. Used by the notifier to diff.
func (s *Store) Previous() *models.AggregateState {
	return s.previous.Load()
}

// Replace publishes a freshly reconciled view. Guests must already be
// sorted. If the content fingerprint matches the current generation the
// state is discarded and the current generation stands; otherwise the
// generation counter is bumped and the new state becomes current.
// Returns the state now current and whether it changed.
func (s *Store) Replace(guests []models.GuestRecord, stats models.Stats, sources map[string]models.SourceStatus) (*models.AggregateState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fingerprint := models.ComputeFingerprint(guests, stats, sources)
	cur := s.current.Load()
	if cur.Fingerprint == fingerprint {
		return cur, false
	}

	next := &models.AggregateState{
		Generation:  cur.Generation + 1,
		Fingerprint: fingerprint,
		BuiltAt:     time.Now(),
		Guests:      guests,
		Stats:       stats,
		Sources:     sources,
	}

	s.previous.Store(cur)
	s.current.Store(next)

	log.Debug().
		Uint64("generation", next.Generation).
		Int("guests", len(next.Guests)).
		Msg("Published new aggregate state")

	return next, true
}
