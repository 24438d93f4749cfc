// Package reconcile merges the latest snapshot from every source into
// one immutable aggregate view. It is the single writer of the state
// store: pollers hand their results in concurrently, but reconciliation
// itself is serialized in one goroutine, and rapid successive results
// coalesce into a single follow-up run.
package reconcile

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/backwatch/backwatch/internal/metrics"
	"github.com/backwatch/backwatch/internal/models"
	"github.com/backwatch/backwatch/internal/poller"
	"github.com/backwatch/backwatch/internal/store"
	"github.com/backwatch/backwatch/internal/thresholds"
)

// Overrides is the threshold lookup consulted during classification.
type Overrides interface {
	Lookup(endpointIDs []string, node string, vmid int) (thresholds.Override, bool)
}

// sourceEntry is the reconciler's memory of one endpoint: the last
// successful snapshot plus the current fault status. The snapshot is
// kept through faults so a flapping endpoint degrades to stale data
// instead of an empty view.
type sourceEntry struct {
	snapshot    *models.RawSnapshot
	stale       bool
	lastSuccess time.Time
	lastError   string
}

// Reconciler implements poller.Sink and publishes to the state store.
type Reconciler struct {
	store     *store.Store
	overrides Overrides
	onPublish func(*models.AggregateState)
	now       func() time.Time

	mu      sync.Mutex
	sources map[string]*sourceEntry
	trigger chan struct{}

	// rebuildMu serializes whole rebuild cycles, so a forced rebuild
	// racing the Run loop can never publish an older merge on top of a
	// newer generation.
	rebuildMu sync.Mutex
}

var _ poller.Sink = (*Reconciler)(nil)

// New builds a reconciler. overrides may be nil when no threshold store
// is configured; classification then always uses cadence defaults.
func New(st *store.Store, overrides Overrides) *Reconciler {
	return &Reconciler{
		store:     st,
		overrides: overrides,
		now:       time.Now,
		sources:   make(map[string]*sourceEntry),
		trigger:   make(chan struct{}, 1),
	}
}

// OnPublish registers a callback invoked with each newly published
// generation. Set before Run; the notifier subscribes here.
func (r *Reconciler) OnPublish(fn func(*models.AggregateState)) {
	r.onPublish = fn
}

// OfferSnapshot accepts a fresh successful poll result.
func (r *Reconciler) OfferSnapshot(snapshot *models.RawSnapshot) {
	r.mu.Lock()
	r.sources[snapshot.SourceID] = &sourceEntry{
		snapshot:    snapshot,
		lastSuccess: snapshot.FetchedAt,
	}
	r.mu.Unlock()
	r.kick()
}

// OfferFault records a failed poll. The endpoint's last-known snapshot
// is retained and marked stale once the fault says so.
func (r *Reconciler) OfferFault(fault poller.Fault) {
	r.mu.Lock()
	entry, ok := r.sources[fault.EndpointID]
	if !ok {
		entry = &sourceEntry{}
		r.sources[fault.EndpointID] = entry
	}
	entry.lastError = fault.Err.Error()
	if fault.Stale {
		entry.stale = true
	}
	r.mu.Unlock()
	r.kick()
}

// Forget drops all state for an endpoint removed from configuration.
func (r *Reconciler) Forget(endpointID string) {
	r.mu.Lock()
	delete(r.sources, endpointID)
	r.mu.Unlock()
	r.kick()
}

// Trigger requests a reconciliation run from the Run loop, e.g. after
// a threshold edit. Requests arriving while a run is in flight coalesce
// into one follow-up run.
func (r *Reconciler) Trigger() {
	r.kick()
}

// kick requests a reconciliation run. The buffered channel coalesces
// requests arriving while a run is in flight into one follow-up run.
func (r *Reconciler) kick() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run processes reconciliation requests until ctx is cancelled. At most
// one rebuild is ever in flight.
func (r *Reconciler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.trigger:
			r.Rebuild()
		}
	}
}

// Rebuild performs one full reconciliation cycle: merge all current
// snapshots into a fresh guest list, classify, and publish. Cycles are
// serialized; a concurrent caller waits for the in-flight cycle and
// then runs its own against the then-current snapshots.
func (r *Reconciler) Rebuild() {
	r.rebuildMu.Lock()
	defer r.rebuildMu.Unlock()

	r.mu.Lock()
	entries := make(map[string]*sourceEntry, len(r.sources))
	for id, entry := range r.sources {
		copied := *entry
		entries[id] = &copied
	}
	r.mu.Unlock()

	guests, stats := r.merge(entries)
	sources := sourceStatuses(entries)

	state, changed := r.store.Replace(guests, stats, sources)
	if !changed {
		return
	}

	metrics.Generation.Set(float64(state.Generation))
	metrics.GuestCount.Set(float64(len(state.Guests)))
	log.Info().
		Uint64("generation", state.Generation).
		Int("guests", len(state.Guests)).
		Msg("Reconciled aggregate state")

	if r.onPublish != nil {
		r.onPublish(state)
	}
}

// guestBuild accumulates one guest's merged record during a cycle.
type guestBuild struct {
	record      models.GuestRecord
	backupTimes []time.Time
	lastFailure time.Time
	namespaces  map[string]bool
	sources     map[string]bool
}

func (r *Reconciler) merge(entries map[string]*sourceEntry) ([]models.GuestRecord, models.Stats) {
	builds := make(map[models.GuestKey]*guestBuild)
	// Latest inventory sighting per guest, and per node: identity fields
	// follow the freshest source, and ambiguous vmids resolve to the
	// most recently observed node.
	seenAt := make(map[models.GuestKey]time.Time)
	nodeSeenAt := make(map[string]time.Time)
	vmidNodes := make(map[int][]string)

	for sourceID, entry := range entries {
		if entry.snapshot == nil || entry.snapshot.Kind != models.SourceHypervisor {
			continue
		}
		for _, info := range entry.snapshot.Guests {
			key := info.Key()
			build, ok := builds[key]
			if !ok {
				build = &guestBuild{
					record: models.GuestRecord{
						Node: info.Node,
						VMID: info.VMID,
						Type: info.Type,
					},
					namespaces: make(map[string]bool),
					sources:    make(map[string]bool),
				}
				builds[key] = build
				vmidNodes[info.VMID] = append(vmidNodes[info.VMID], info.Node)
			}
			if entry.snapshot.FetchedAt.After(seenAt[key]) || build.record.Name == "" {
				seenAt[key] = entry.snapshot.FetchedAt
				build.record.Name = info.Name
				build.record.Status = info.Status
			}
			if entry.snapshot.FetchedAt.After(nodeSeenAt[info.Node]) {
				nodeSeenAt[info.Node] = entry.snapshot.FetchedAt
			}
			build.sources[sourceID] = true
			if entry.stale {
				build.record.Stale = true
			}
		}
	}

	for sourceID, entry := range entries {
		if entry.snapshot == nil {
			continue
		}
		for _, obs := range entry.snapshot.Observations {
			key, ok := r.resolveKey(obs.Key(), vmidNodes, nodeSeenAt)
			if !ok {
				continue
			}
			build, found := builds[key]
			if !found {
				// No inventory lists this guest, but the key is
				// complete: the observation carried its own node.
				// Backup-only deployments still get a record; identity
				// fields beyond (node, vmid) stay empty until a
				// hypervisor reports the guest.
				build = &guestBuild{
					record: models.GuestRecord{
						Node: key.Node,
						VMID: key.VMID,
					},
					namespaces: make(map[string]bool),
					sources:    make(map[string]bool),
				}
				builds[key] = build
			}

			build.sources[sourceID] = true
			if entry.stale {
				build.record.Stale = true
			}
			r.apply(build, obs, sourceID)
		}
	}

	guests := make([]models.GuestRecord, 0, len(builds))
	stats := models.Stats{ByHealth: map[models.Health]int{
		models.HealthCurrent:  0,
		models.HealthOutdated: 0,
		models.HealthCritical: 0,
		models.HealthNone:     0,
		models.HealthFailed:   0,
	}}
	now := r.now()

	for _, build := range builds {
		rec := r.finish(build, now)
		guests = append(guests, rec)

		stats.Guests++
		stats.BackupServerTotal += rec.BackupServerCount
		stats.HypervisorTotal += rec.HypervisorCount
		stats.SnapshotTotal += rec.SnapshotCount
		stats.ByHealth[rec.Health]++
	}

	models.SortGuests(guests)
	return guests, stats
}

// resolveKey fills in the node for observations that only carry a vmid
// (backup servers do not know hypervisor topology). A vmid present on
// exactly one node resolves cleanly; on several nodes the most recently
// observed node wins and the ambiguity is surfaced as a conflict.
func (r *Reconciler) resolveKey(key models.GuestKey, vmidNodes map[int][]string, nodeSeenAt map[string]time.Time) (models.GuestKey, bool) {
	if key.Node != "" {
		return key, true
	}
	nodes := vmidNodes[key.VMID]
	switch len(nodes) {
	case 0:
		metrics.ReconcileConflicts.Inc()
		log.Debug().Int("vmid", key.VMID).Msg("Backup observation for vmid unknown to any hypervisor")
		return key, false
	case 1:
		key.Node = nodes[0]
		return key, true
	}

	metrics.ReconcileConflicts.Inc()
	sort.Strings(nodes)
	best := nodes[0]
	for _, node := range nodes[1:] {
		if nodeSeenAt[node].After(nodeSeenAt[best]) {
			best = node
		}
	}
	log.Warn().
		Int("vmid", key.VMID).
		Strs("nodes", nodes).
		Str("resolved", best).
		Msg("Ambiguous vmid across nodes, attributing backup to most recently observed node")
	key.Node = best
	return key, true
}

// apply folds one observation into a guest build. The type switch is
// exhaustive over the known mechanisms; an unrecognized shape is a
// reconciliation conflict, never silently zeroed.
func (r *Reconciler) apply(build *guestBuild, obs models.Observation, sourceID string) {
	switch o := obs.(type) {
	case models.BackupServerObservation:
		if build.record.Type == "" {
			build.record.Type = o.Type
		}
		if o.Failed {
			build.noteFailure(o.Time)
			return
		}
		build.record.BackupServerCount++
		build.record.LastBackupServer = laterOf(build.record.LastBackupServer, o.Time)
		build.backupTimes = append(build.backupTimes, o.Time)
		build.namespaces[o.Namespace] = true
		if build.record.NamespaceCounts == nil {
			build.record.NamespaceCounts = make(map[string]int)
		}
		build.record.NamespaceCounts[o.Namespace]++
	case models.HypervisorBackupObservation:
		if o.Failed {
			build.noteFailure(o.Time)
			return
		}
		build.record.HypervisorCount++
		build.record.LastHypervisor = laterOf(build.record.LastHypervisor, o.Time)
		build.backupTimes = append(build.backupTimes, o.Time)
	case models.SnapshotObservation:
		build.record.SnapshotCount++
		build.record.LastSnapshot = laterOf(build.record.LastSnapshot, o.Time)
	default:
		metrics.ReconcileConflicts.Inc()
		log.Error().
			Str("source", sourceID).
			Str("mechanism", string(obs.Mechanism())).
			Msg("Unrecognized observation shape, dropping")
	}
}

func (b *guestBuild) noteFailure(at time.Time) {
	b.lastFailure = laterOf(b.lastFailure, at)
}

// finish computes the derived fields of one guest record: overall
// latest timestamp, failed-outcome flag, namespace list and health.
func (r *Reconciler) finish(build *guestBuild, now time.Time) models.GuestRecord {
	rec := build.record

	rec.LastBackup = laterOf(laterOf(rec.LastBackupServer, rec.LastHypervisor), rec.LastSnapshot)

	lastSuccess := laterOf(rec.LastBackupServer, rec.LastHypervisor)
	rec.LastOutcomeFailed = !build.lastFailure.IsZero() && build.lastFailure.After(lastSuccess)

	for ns := range build.namespaces {
		rec.Namespaces = append(rec.Namespaces, ns)
	}
	sort.Strings(rec.Namespaces)

	for id := range build.sources {
		rec.Sources = append(rec.Sources, id)
	}
	sort.Strings(rec.Sources)

	warn, critical := r.effectiveThresholds(rec, build.backupTimes)
	rec.Health = classifyHealth(rec.LastBackup, rec.LastOutcomeFailed, now, warn, critical)
	return rec
}

// effectiveThresholds returns the backup-age thresholds for one guest:
// an enabled override wins, otherwise cadence-derived defaults.
func (r *Reconciler) effectiveThresholds(rec models.GuestRecord, backupTimes []time.Time) (warn, critical time.Duration) {
	if r.overrides != nil {
		if o, ok := r.overrides.Lookup(rec.Sources, rec.Node, rec.VMID); ok && o.BackupAge != nil {
			return time.Duration(o.BackupAge.Warning * float64(day)),
				time.Duration(o.BackupAge.Critical * float64(day))
		}
	}
	return defaultThresholds(detectCadence(backupTimes))
}

func sourceStatuses(entries map[string]*sourceEntry) map[string]models.SourceStatus {
	out := make(map[string]models.SourceStatus, len(entries))
	for id, entry := range entries {
		out[id] = models.SourceStatus{
			Healthy:     entry.lastError == "",
			Stale:       entry.stale,
			LastSuccess: entry.lastSuccess,
			LastError:   entry.lastError,
		}
	}
	return out
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
