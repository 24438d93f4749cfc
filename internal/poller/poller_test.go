package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/backwatch/backwatch/internal/config"
	"github.com/backwatch/backwatch/internal/models"
	"github.com/backwatch/backwatch/pkg/pve"
)

type recordingSink struct {
	mu        sync.Mutex
	snapshots []*models.RawSnapshot
	faults    []Fault
	forgotten []string
}

func (s *recordingSink) OfferSnapshot(snap *models.RawSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snap)
}

func (s *recordingSink) OfferFault(f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, f)
}

func (s *recordingSink) Forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forgotten = append(s.forgotten, id)
}

func (s *recordingSink) snapshotCount(sourceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, snap := range s.snapshots {
		if snap.SourceID == sourceID {
			n++
		}
	}
	return n
}

func (s *recordingSink) faultsFor(endpointID string) []Fault {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Fault
	for _, f := range s.faults {
		if f.EndpointID == endpointID {
			out = append(out, f)
		}
	}
	return out
}

type fakeSource struct {
	id    string
	err   error
	delay time.Duration
}

func (f *fakeSource) Fetch(ctx context.Context) (*models.RawSnapshot, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &models.RawSnapshot{
		SourceID:  f.id,
		Kind:      models.SourceHypervisor,
		FetchedAt: time.Now(),
	}, nil
}

func fakeFactory(sources map[string]*fakeSource) Factory {
	return func(ep config.Endpoint) (Source, error) {
		src, ok := sources[ep.ID]
		if !ok {
			return nil, fmt.Errorf("no fake source for %s", ep.ID)
		}
		return src, nil
	}
}

func fastConfig(endpoints ...config.Endpoint) *config.Config {
	cfg := config.Defaults()
	cfg.PollIntervalSeconds = 1
	cfg.Endpoints = endpoints
	return cfg
}

func fastEndpoint(id string) config.Endpoint {
	return config.Endpoint{
		ID:      id,
		Kind:    models.SourceHypervisor,
		Host:    id + ".example.test",
		Enabled: true,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestFaultIsolation(t *testing.T) {
	sources := map[string]*fakeSource{
		"a": {id: "a", err: errors.New("connection refused")},
		"b": {id: "b"},
	}
	sink := &recordingSink{}
	p := New(sink, 3, fakeFactory(sources))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx, fastConfig(fastEndpoint("a"), fastEndpoint("b")))
	defer p.Stop(time.Second)

	// b keeps delivering snapshots even while a faults every cycle.
	waitFor(t, 5*time.Second, func() bool {
		return sink.snapshotCount("b") >= 2 && len(sink.faultsFor("a")) >= 2
	})
	assert.Zero(t, sink.snapshotCount("a"))
}

func TestStaleAfterMissedCycles(t *testing.T) {
	sources := map[string]*fakeSource{
		"a": {id: "a", err: errors.New("timeout")},
	}
	sink := &recordingSink{}
	p := New(sink, 3, fakeFactory(sources))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx, fastConfig(fastEndpoint("a")))
	defer p.Stop(time.Second)

	waitFor(t, 10*time.Second, func() bool {
		return len(sink.faultsFor("a")) >= 3
	})

	faults := sink.faultsFor("a")
	assert.False(t, faults[0].Stale, "first miss is not yet stale")
	assert.False(t, faults[1].Stale)
	assert.True(t, faults[2].Stale, "third consecutive miss crosses the staleness threshold")
	assert.Equal(t, 3, faults[2].ConsecutiveMisses)
}

func TestStalenessThreshold(t *testing.T) {
	fault := classifyFault("a", errors.New("x"), 2, 3)
	assert.False(t, fault.Stale)

	fault = classifyFault("a", errors.New("x"), 3, 3)
	assert.True(t, fault.Stale)
}

func TestAuthFaultsAreNotRetryEligible(t *testing.T) {
	fault := classifyFault("a", fmt.Errorf("probe: %w", pve.ErrAuth), 1, 3)
	assert.Equal(t, FaultAuth, fault.Kind)
	assert.False(t, fault.RetryEligible)

	fault = classifyFault("a", errors.New("dial tcp: timeout"), 1, 3)
	assert.Equal(t, FaultUnreachable, fault.Kind)
	assert.True(t, fault.RetryEligible)
}

func TestReloadStopsRemovedEndpoints(t *testing.T) {
	sources := map[string]*fakeSource{
		"a": {id: "a"},
		"b": {id: "b"},
	}
	sink := &recordingSink{}
	p := New(sink, 3, fakeFactory(sources))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx, fastConfig(fastEndpoint("a"), fastEndpoint("b")))
	defer p.Stop(time.Second)

	waitFor(t, 5*time.Second, func() bool {
		return sink.snapshotCount("a") >= 1 && sink.snapshotCount("b") >= 1
	})

	p.Reload(fastConfig(fastEndpoint("b")))

	sink.mu.Lock()
	forgotten := append([]string(nil), sink.forgotten...)
	sink.mu.Unlock()
	assert.Contains(t, forgotten, "a")

	countA := sink.snapshotCount("a")
	waitFor(t, 5*time.Second, func() bool {
		return sink.snapshotCount("b") >= countA+2
	})
	// a may have had one in-flight poll; it must not keep producing.
	assert.LessOrEqual(t, sink.snapshotCount("a"), countA+1)
}

func TestStopWaitsForInflightPolls(t *testing.T) {
	sources := map[string]*fakeSource{
		"slow": {id: "slow", delay: 100 * time.Millisecond},
	}
	sink := &recordingSink{}
	p := New(sink, 3, fakeFactory(sources))

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx, fastConfig(fastEndpoint("slow")))

	time.Sleep(20 * time.Millisecond)
	cancel()
	p.Stop(time.Second) // must return promptly, not hang
}

func TestCallTimeoutStaysUnderInterval(t *testing.T) {
	assert.Less(t, callTimeout(10*time.Second), 10*time.Second)
	assert.Equal(t, 30*time.Second, callTimeout(2*time.Minute))
	assert.Equal(t, time.Second, callTimeout(time.Second))
}
