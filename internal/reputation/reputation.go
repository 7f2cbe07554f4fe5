// Package reputation mirrors this mediator's on-chain reputation
// counters. The chain's tally is authoritative; the local ledger exists
// so the engine can weigh itself without a network round trip and so
// counter increments survive chain outages.
package reputation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshalign/alignd/internal/atomicfile"
	"github.com/meshalign/alignd/internal/config"
)

// MediatorReputation is one mediator's counters and derived weight.
// All four counters are monotone non-decreasing.
type MediatorReputation struct {
	MediatorID              string    `json:"mediatorId"`
	SuccessfulClosures      uint64    `json:"successfulClosures"`
	FailedChallenges        uint64    `json:"failedChallenges"`
	UpheldChallengesAgainst uint64    `json:"upheldChallengesAgainst"`
	ForfeitedFees           uint64    `json:"forfeitedFees"`
	Weight                  float64   `json:"weight"`
	LastUpdated             time.Time `json:"lastUpdated"`
}

// ComputeWeight applies the weight formula:
// (successfulClosures + 2*failedChallenges) / (1 + upheldChallengesAgainst + forfeitedFees).
// The denominator's +1 keeps a clean record finite.
func ComputeWeight(rep *MediatorReputation) float64 {
	favourable := float64(rep.SuccessfulClosures) + 2*float64(rep.FailedChallenges)
	adverse := 1 + float64(rep.UpheldChallengesAgainst) + float64(rep.ForfeitedFees)
	return favourable / adverse
}

// Publisher loads and publishes reputation records on the chain.
type Publisher interface {
	GetReputation(ctx context.Context, mediatorID string) (*MediatorReputation, error)
	PublishReputation(ctx context.Context, rep *MediatorReputation) error
}

// Ledger owns the local counters. Increments recompute the weight, write
// the JSON cache atomically, and republish to the chain best-effort; a
// failed publish marks the ledger dirty for a later FlushDirty.
type Ledger struct {
	mu    sync.Mutex
	rep   MediatorReputation
	dirty bool
	seq   uint64

	cachePath string
	publisher Publisher
	log       *zap.Logger
}

// Open builds the ledger for the given mediator. Counters come from the
// chain when reachable, else from the JSON cache, else start at zero.
func Open(ctx context.Context, mediatorID string, cfg *config.Config, publisher Publisher, log *zap.Logger) (*Ledger, error) {
	if mediatorID == "" {
		return nil, errors.New("reputation ledger requires a mediator id")
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("reputation")

	l := &Ledger{
		cachePath: cfg.ReputationPath(),
		publisher: publisher,
		log:       log,
	}
	l.rep = l.initialState(ctx, mediatorID)
	l.rep.MediatorID = mediatorID
	l.rep.Weight = ComputeWeight(&l.rep)

	log.Info("reputation ledger open",
		zap.String("mediator", mediatorID),
		zap.Uint64("closures", l.rep.SuccessfulClosures),
		zap.Float64("weight", l.rep.Weight))
	return l, nil
}

// initialState resolves startup counters: chain, then cache, then zeroes.
func (l *Ledger) initialState(ctx context.Context, mediatorID string) MediatorReputation {
	if l.publisher != nil {
		rep, err := l.publisher.GetReputation(ctx, mediatorID)
		if err == nil && rep != nil {
			return *rep
		}
		if err != nil {
			l.log.Warn("reputation load from chain failed, trying cache", zap.Error(err))
		}
	}

	cached, err := l.loadCache(mediatorID)
	if err == nil {
		return *cached
	}
	if !errors.Is(err, os.ErrNotExist) {
		l.log.Warn("reputation cache unreadable, starting from zero", zap.Error(err))
	}
	return MediatorReputation{}
}

func (l *Ledger) loadCache(mediatorID string) (*MediatorReputation, error) {
	data, err := os.ReadFile(l.cachePath)
	if err != nil {
		return nil, err
	}
	var rep MediatorReputation
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil, fmt.Errorf("decode %s: %w", l.cachePath, err)
	}
	if rep.MediatorID != mediatorID {
		return nil, fmt.Errorf("cache %s belongs to mediator %q", l.cachePath, rep.MediatorID)
	}
	return &rep, nil
}

// Snapshot returns a copy of the current record.
func (l *Ledger) Snapshot() MediatorReputation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rep
}

// Weight returns the current reputation weight.
func (l *Ledger) Weight() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rep.Weight
}

// Dirty reports whether the last publish attempt failed.
func (l *Ledger) Dirty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dirty
}

// RecordClosure counts a settlement that closed with the payout
// acknowledged.
func (l *Ledger) RecordClosure(ctx context.Context) MediatorReputation {
	return l.bump(ctx, func(rep *MediatorReputation) {
		rep.SuccessfulClosures++
	})
}

// RecordFailedChallenge counts a challenge this mediator filed that the
// chain rejected.
func (l *Ledger) RecordFailedChallenge(ctx context.Context) MediatorReputation {
	return l.bump(ctx, func(rep *MediatorReputation) {
		rep.FailedChallenges++
	})
}

// RecordUpheldChallenge counts a challenge against this mediator that
// was upheld.
func (l *Ledger) RecordUpheldChallenge(ctx context.Context) MediatorReputation {
	return l.bump(ctx, func(rep *MediatorReputation) {
		rep.UpheldChallengesAgainst++
	})
}

// RecordForfeitedFee counts a facilitation fee forfeited to an upheld
// challenge.
func (l *Ledger) RecordForfeitedFee(ctx context.Context) MediatorReputation {
	return l.bump(ctx, func(rep *MediatorReputation) {
		rep.ForfeitedFees++
	})
}

func (l *Ledger) bump(ctx context.Context, apply func(*MediatorReputation)) MediatorReputation {
	l.mu.Lock()
	apply(&l.rep)
	l.rep.Weight = ComputeWeight(&l.rep)
	l.rep.LastUpdated = time.Now().UTC()
	l.seq++
	seq := l.seq
	snapshot := l.rep
	l.mu.Unlock()

	l.saveCache(&snapshot)
	l.publish(ctx, &snapshot, seq)
	return snapshot
}

// FlushDirty republishes the current record if a previous publish
// failed. The monitor loop calls this every tick.
func (l *Ledger) FlushDirty(ctx context.Context) {
	l.mu.Lock()
	if !l.dirty {
		l.mu.Unlock()
		return
	}
	seq := l.seq
	snapshot := l.rep
	l.mu.Unlock()

	l.publish(ctx, &snapshot, seq)
}

func (l *Ledger) saveCache(rep *MediatorReputation) {
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		l.log.Warn("reputation cache encode failed", zap.Error(err))
		return
	}
	if err := atomicfile.WriteFile(l.cachePath, data, 0o644); err != nil {
		l.log.Warn("reputation cache write failed", zap.Error(err))
	}
}

// publish pushes a snapshot to the chain. The dirty flag only clears
// when no newer local update raced the publish.
func (l *Ledger) publish(ctx context.Context, rep *MediatorReputation, seq uint64) {
	if l.publisher == nil {
		return
	}
	if err := l.publisher.PublishReputation(ctx, rep); err != nil {
		l.mu.Lock()
		l.dirty = true
		l.mu.Unlock()
		l.log.Warn("reputation publish failed", zap.Error(err))
		return
	}
	l.mu.Lock()
	if l.seq == seq {
		l.dirty = false
	}
	l.mu.Unlock()
}
