// Package poller runs one independent fetch loop per configured
// endpoint. A slow or failing endpoint only ever delays itself: every
// loop has its own timer and its own per-call timeout, and results are
// handed to the sink as they arrive.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/backwatch/backwatch/internal/config"
	"github.com/backwatch/backwatch/internal/metrics"
	"github.com/backwatch/backwatch/internal/models"
	"github.com/backwatch/backwatch/pkg/pbs"
	"github.com/backwatch/backwatch/pkg/pve"
)

// FaultKind classifies a failed poll.
type FaultKind string

const (
	// FaultUnreachable covers timeouts and network errors; the next tick
	// retries as normal.
	FaultUnreachable FaultKind = "unreachable"
	// FaultAuth covers credential errors; polling continues on the
	// normal cadence but the fault is surfaced for the admin.
	FaultAuth FaultKind = "auth"
)

// Fault describes one failed poll of one endpoint.
type Fault struct {
	EndpointID        string
	Kind              FaultKind
	Err               error
	RetryEligible     bool
	ConsecutiveMisses int
	// Stale is set once the endpoint has missed enough consecutive
	// cycles that its last-known snapshot should no longer be treated
	// as fresh.
	Stale bool
	At    time.Time
}

// Sink receives poll results. Implemented by the reconciler.
type Sink interface {
	OfferSnapshot(*models.RawSnapshot)
	OfferFault(Fault)
	// Forget drops all state for an endpoint removed from config.
	Forget(endpointID string)
}

// Source fetches the full state of one endpoint.
type Source interface {
	Fetch(ctx context.Context) (*models.RawSnapshot, error)
}

// Factory builds a Source for an endpoint. Swapped out in tests.
type Factory func(config.Endpoint) (Source, error)

// NewSource is the default factory.
func NewSource(ep config.Endpoint) (Source, error) {
	switch ep.Kind {
	case models.SourceHypervisor:
		client, err := pve.NewClient(pve.ClientConfig{
			Host:        ep.Host,
			TokenID:     ep.TokenID,
			TokenSecret: ep.TokenSecret,
			Fingerprint: ep.Fingerprint,
			VerifySSL:   ep.VerifySSL,
		})
		if err != nil {
			return nil, err
		}
		return &hypervisorSource{id: ep.ID, client: client}, nil
	case models.SourceBackupServer:
		client, err := pbs.NewClient(pbs.ClientConfig{
			Host:        ep.Host,
			TokenID:     ep.TokenID,
			TokenSecret: ep.TokenSecret,
			Fingerprint: ep.Fingerprint,
			VerifySSL:   ep.VerifySSL,
		})
		if err != nil {
			return nil, err
		}
		return &backupServerSource{id: ep.ID, client: client}, nil
	}
	return nil, errors.New("unknown endpoint kind " + string(ep.Kind))
}

type endpointLoop struct {
	endpoint config.Endpoint
	interval time.Duration
	cancel   context.CancelFunc
}

// Poller owns all endpoint loops.
type Poller struct {
	sink            Sink
	factory         Factory
	stalenessCycles int

	mu    sync.Mutex
	ctx   context.Context
	group *errgroup.Group
	loops map[string]*endpointLoop
}

// New builds a poller. factory may be nil to use the real clients.
func New(sink Sink, stalenessCycles int, factory Factory) *Poller {
	if factory == nil {
		factory = NewSource
	}
	if stalenessCycles <= 0 {
		stalenessCycles = 3
	}
	return &Poller{
		sink:            sink,
		factory:         factory,
		stalenessCycles: stalenessCycles,
		loops:           make(map[string]*endpointLoop),
	}
}

// Start launches one loop per enabled endpoint and returns immediately.
func (p *Poller) Start(ctx context.Context, cfg *config.Config) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.group, p.ctx = errgroup.WithContext(ctx)
	for _, ep := range cfg.Endpoints {
		if ep.Enabled {
			p.startLoopLocked(ep, cfg.EndpointInterval(ep))
		}
	}
	log.Info().Int("endpoints", len(p.loops)).Msg("Poller started")
}

// Reload reconfigures the running loops to match cfg: removed or
// disabled endpoints stop, new ones start, changed ones restart.
func (p *Poller) Reload(cfg *config.Config) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.group == nil {
		return
	}

	desired := make(map[string]config.Endpoint)
	for _, ep := range cfg.Endpoints {
		if ep.Enabled {
			desired[ep.ID] = ep
		}
	}

	for id, loop := range p.loops {
		ep, keep := desired[id]
		if keep && ep == loop.endpoint && cfg.EndpointInterval(ep) == loop.interval {
			delete(desired, id)
			continue
		}
		loop.cancel()
		delete(p.loops, id)
		if !keep {
			log.Info().Str("endpoint", id).Msg("Endpoint removed from polling")
			p.sink.Forget(id)
		}
	}

	for _, ep := range desired {
		p.startLoopLocked(ep, cfg.EndpointInterval(ep))
	}
}

// Stop cancels all loops and waits for in-flight polls to finish, up to
// a bounded grace period.
func (p *Poller) Stop(grace time.Duration) {
	p.mu.Lock()
	for id, loop := range p.loops {
		loop.cancel()
		delete(p.loops, id)
	}
	group := p.group
	p.mu.Unlock()

	if group == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		group.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		log.Warn().Dur("grace", grace).Msg("Poller shutdown grace period expired")
	}
}

func (p *Poller) startLoopLocked(ep config.Endpoint, interval time.Duration) {
	source, err := p.factory(ep)
	if err != nil {
		log.Error().Str("endpoint", ep.ID).Err(err).Msg("Cannot build source client, endpoint not polled")
		return
	}

	loopCtx, cancel := context.WithCancel(p.ctx)
	loop := &endpointLoop{endpoint: ep, interval: interval, cancel: cancel}
	p.loops[ep.ID] = loop

	p.group.Go(func() error {
		p.run(loopCtx, ep, interval, source)
		return nil
	})

	log.Info().
		Str("endpoint", ep.ID).
		Str("kind", string(ep.Kind)).
		Dur("interval", interval).
		Msg("Polling endpoint")
}

func (p *Poller) run(ctx context.Context, ep config.Endpoint, interval time.Duration, source Source) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	misses := 0
	p.pollOnce(ctx, ep, interval, source, &misses)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx, ep, interval, source, &misses)
		}
	}
}

// callTimeout keeps a single fetch well under the poll interval so a
// hung upstream cannot push one tick into the next.
func callTimeout(interval time.Duration) time.Duration {
	timeout := interval * 8 / 10
	if timeout > 30*time.Second {
		timeout = 30 * time.Second
	}
	if timeout < time.Second {
		timeout = time.Second
	}
	return timeout
}

func (p *Poller) pollOnce(ctx context.Context, ep config.Endpoint, interval time.Duration, source Source, misses *int) {
	fetchCtx, cancel := context.WithTimeout(ctx, callTimeout(interval))
	defer cancel()

	start := time.Now()
	snapshot, err := source.Fetch(fetchCtx)
	metrics.PollDuration.WithLabelValues(ep.ID, string(ep.Kind)).Observe(time.Since(start).Seconds())

	if ctx.Err() != nil {
		return
	}

	if err != nil {
		*misses++
		fault := classifyFault(ep.ID, err, *misses, p.stalenessCycles)
		metrics.PollFailures.WithLabelValues(ep.ID, string(fault.Kind)).Inc()
		log.Warn().
			Str("endpoint", ep.ID).
			Str("fault", string(fault.Kind)).
			Int("consecutiveMisses", *misses).
			Bool("stale", fault.Stale).
			Err(err).
			Msg("Poll failed")
		p.sink.OfferFault(fault)
		return
	}

	*misses = 0
	log.Debug().
		Str("endpoint", ep.ID).
		Int("guests", len(snapshot.Guests)).
		Int("observations", len(snapshot.Observations)).
		Dur("duration", time.Since(start)).
		Msg("Poll completed")
	p.sink.OfferSnapshot(snapshot)
}

func classifyFault(endpointID string, err error, misses, stalenessCycles int) Fault {
	kind := FaultUnreachable
	retry := true
	if errors.Is(err, pve.ErrAuth) || errors.Is(err, pbs.ErrAuth) {
		kind = FaultAuth
		retry = false
	}
	return Fault{
		EndpointID:        endpointID,
		Kind:              kind,
		Err:               err,
		RetryEligible:     retry,
		ConsecutiveMisses: misses,
		Stale:             misses >= stalenessCycles,
		At:                time.Now(),
	}
}
