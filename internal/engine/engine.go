// Package engine composes the daemon: the intent cache, embedder, vector
// index, negotiator, settlement tracker, reputation ledger, challenge
// detector, and chain adapter, driven by three periodic loops (ingest,
// cycle, monitor) under one errgroup.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meshalign/alignd/internal/chain"
	"github.com/meshalign/alignd/internal/challenge"
	"github.com/meshalign/alignd/internal/config"
	"github.com/meshalign/alignd/internal/embed"
	"github.com/meshalign/alignd/internal/events"
	"github.com/meshalign/alignd/internal/intent"
	"github.com/meshalign/alignd/internal/journal"
	"github.com/meshalign/alignd/internal/keys"
	"github.com/meshalign/alignd/internal/metrics"
	"github.com/meshalign/alignd/internal/negotiate"
	"github.com/meshalign/alignd/internal/reputation"
	"github.com/meshalign/alignd/internal/settle"
	"github.com/meshalign/alignd/internal/vector"
)

// Engine owns every long-lived component and the loops that drive them.
type Engine struct {
	cfg *config.Config
	log *zap.Logger

	identity   *keys.Identity
	journal    *journal.Journal
	chain      *chain.Client
	cache      *intent.Cache
	embedder   *embed.Embedder
	index      *vector.Index
	negotiator *negotiate.Negotiator
	tracker    *settle.Tracker
	reputation *reputation.Ledger
	detector   *challenge.Detector
	bus        *events.Bus
	metrics    *metrics.Metrics

	feePercent float64

	// Ingest re-entrancy guard: a tick is skipped while the previous
	// ingest is still in flight.
	ingesting atomic.Bool

	mu         sync.Mutex
	started    time.Time
	lastIngest time.Time
	lastCycle  time.Time
	lastStats  events.CycleStats
}

// Build wires the full component graph. A nil llm client selects the
// configured provider; tests inject stubs. Build is fatal on an unloadable
// key, an unusable vector directory, or the fallback embedder running in
// production.
func Build(ctx context.Context, cfg *config.Config, llm negotiate.Client, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}

	if cfg.Engine.Production && cfg.Embedding.Provider == "fallback" {
		return nil, fmt.Errorf("fallback embedder is not allowed in production: its vectors are hash-derived, not semantic")
	}

	identity, err := keys.Load(cfg)
	if err != nil {
		return nil, fmt.Errorf("loading mediator identity: %w", err)
	}

	jl, err := journal.Open(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("opening submission journal: %w", err)
	}

	ch := chain.New(cfg, identity, jl, log)

	embedder, err := embed.New(cfg, log)
	if err != nil {
		jl.Close()
		return nil, fmt.Errorf("building embedder: %w", err)
	}

	index, err := vector.Open(vector.Options{
		Dir:            cfg.VectorDir(),
		Dimension:      embedder.Dimension(),
		MaxElements:    cfg.Vector.MaxElements,
		MinSimilarity:  cfg.Engine.MinSimilarity,
		M:              cfg.Vector.M,
		EfConstruction: cfg.Vector.EfConstruction,
		EfSearch:       cfg.Vector.EfSearch,
	}, log)
	if err != nil {
		jl.Close()
		return nil, fmt.Errorf("opening vector index: %w", err)
	}

	if llm == nil {
		llm, err = negotiate.NewClient(cfg)
		if err != nil {
			jl.Close()
			return nil, fmt.Errorf("building llm client: %w", err)
		}
	}

	ledger, err := reputation.Open(ctx, identity.MediatorID(), cfg, ch, log)
	if err != nil {
		jl.Close()
		return nil, fmt.Errorf("opening reputation ledger: %w", err)
	}

	detector, err := challenge.NewDetector(ch, llm, cfg, identity.MediatorID(), log)
	if err != nil {
		jl.Close()
		return nil, fmt.Errorf("building challenge detector: %w", err)
	}

	m := metrics.New()
	bus := events.NewBus()
	bus.Subscribe(m)
	ch.SetObserver(m.ChainObserver())

	e := &Engine{
		cfg:        cfg,
		log:        log.Named("engine"),
		identity:   identity,
		journal:    jl,
		chain:      ch,
		cache:      intent.NewCache(cfg.Vector.MaxElements),
		embedder:   embedder,
		index:      index,
		negotiator: negotiate.New(llm, cfg, log),
		tracker:    settle.NewTracker(log),
		reputation: ledger,
		detector:   detector,
		bus:        bus,
		metrics:    m,
		feePercent: cfg.Mediator.FeePercent,
		started:    time.Now(),
	}
	m.ReputationWeight.Set(ledger.Weight())

	log.Info("engine assembled",
		zap.String("mediator", identity.MediatorID()),
		zap.String("chain", ch.Endpoint()),
		zap.String("llm", llm.Name()),
		zap.String("embedder", embedder.ProviderName()),
		zap.Int("indexed", index.Len()))
	return e, nil
}

// MediatorID returns this process's on-chain identity.
func (e *Engine) MediatorID() string { return e.identity.MediatorID() }

// Metrics exposes the collector set for the health server.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Run drives the three loops until ctx is cancelled, then persists state
// under the shutdown grace deadline. Cancellation is a clean exit.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("engine starting",
		zap.Duration("ingestPeriod", e.cfg.IngestPeriod()),
		zap.Duration("cyclePeriod", e.cfg.CyclePeriod()),
		zap.Duration("monitorPeriod", e.cfg.MonitorPeriod()))

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.ingestLoop(gCtx) })
	g.Go(func() error { return e.cycleLoop(gCtx) })
	g.Go(func() error { return e.monitorLoop(gCtx) })

	err := g.Wait()
	e.shutdown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Engine) ingestLoop(ctx context.Context) error {
	// Prime the cache immediately rather than idling one full period.
	if err := e.IngestOnce(ctx); err != nil && ctx.Err() == nil {
		e.log.Warn("initial ingest failed", zap.Error(err))
	}

	ticker := time.NewTicker(e.cfg.IngestPeriod())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.IngestOnce(ctx); err != nil && ctx.Err() == nil {
				e.log.Warn("ingest failed, keeping stale cache", zap.Error(err))
			}
		}
	}
}

func (e *Engine) cycleLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.CyclePeriod())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.CycleOnce(ctx)
		}
	}
}

func (e *Engine) monitorLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.MonitorPeriod())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.MonitorOnce(ctx)
		}
	}
}

// shutdown persists the vector index and closes the journal, bounded by
// the configured grace period.
func (e *Engine) shutdown() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := e.index.Save(); err != nil {
			e.log.Error("saving vector index on shutdown", zap.Error(err))
		}
		if err := e.journal.Close(); err != nil {
			e.log.Error("closing submission journal", zap.Error(err))
		}
	}()

	select {
	case <-done:
		e.log.Info("engine stopped", zap.Duration("uptime", time.Since(e.started)))
	case <-time.After(e.cfg.ShutdownGrace()):
		e.log.Warn("shutdown grace expired before state was persisted")
	}
}

// Status is the live snapshot served on the /status route.
type Status struct {
	MediatorID        string            `json:"mediatorId"`
	UptimeSeconds     int64             `json:"uptimeSeconds"`
	LastIngest        time.Time         `json:"lastIngest"`
	LastCycle         time.Time         `json:"lastCycle"`
	IntentsCached     int               `json:"intentsCached"`
	IndexSize         int               `json:"indexSize"`
	OpenSettlements   int               `json:"openSettlements"`
	PendingChallenges int               `json:"pendingChallenges"`
	BreakerState      string            `json:"breakerState"`
	ReputationWeight  float64           `json:"reputationWeight"`
	LastCycleStats    events.CycleStats `json:"lastCycleStats"`
}

// Status reports the engine's current state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	lastIngest, lastCycle, lastStats := e.lastIngest, e.lastCycle, e.lastStats
	started := e.started
	e.mu.Unlock()

	return Status{
		MediatorID:        e.identity.MediatorID(),
		UptimeSeconds:     int64(time.Since(started).Seconds()),
		LastIngest:        lastIngest,
		LastCycle:         lastCycle,
		IntentsCached:     e.cache.Len(),
		IndexSize:         e.index.Len(),
		OpenSettlements:   len(e.tracker.Open()),
		PendingChallenges: e.detector.PendingCount(),
		BreakerState:      e.chain.BreakerState(),
		ReputationWeight:  e.reputation.Weight(),
		LastCycleStats:    lastStats,
	}
}
