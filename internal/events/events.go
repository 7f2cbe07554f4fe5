// Package events defines the engine's observation points. Collaborators
// subscribe to a Bus; with no subscribers every event is dropped, so the
// engine never blocks or branches on who is listening.
package events

import (
	"sync"
	"time"

	"github.com/meshalign/alignd/internal/reputation"
	"github.com/meshalign/alignd/internal/settle"
)

// CycleStats summarises one alignment cycle, successful or not.
type CycleStats struct {
	Intents      int
	Embedded     int
	EmbedErrors  int
	Candidates   int
	Negotiations int
	Refusals     int
	Injections   int
	Submitted    int
	Deferred     int
	Errors       int
	InputTokens  int
	OutputTokens int
	Duration     time.Duration
}

// Observer receives engine events. Implementations must not block: calls
// happen inline on the engine loops.
type Observer interface {
	CycleCompleted(stats CycleStats)
	SettlementTransitioned(tr settle.Transition, s *settle.Settlement)
	ReputationUpdated(rep reputation.MediatorReputation)
}

// Bus fans events out to every subscriber. It satisfies Observer itself so
// components can publish through the same surface they subscribe on.
type Bus struct {
	mu   sync.RWMutex
	subs []Observer
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers an observer. Subscribers cannot be removed; the bus
// lives exactly as long as the engine run.
func (b *Bus) Subscribe(o Observer) {
	if o == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, o)
}

// CycleCompleted publishes cycle statistics.
func (b *Bus) CycleCompleted(stats CycleStats) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, o := range b.subs {
		o.CycleCompleted(stats)
	}
}

// SettlementTransitioned publishes one settlement state change.
func (b *Bus) SettlementTransitioned(tr settle.Transition, s *settle.Settlement) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, o := range b.subs {
		o.SettlementTransitioned(tr, s)
	}
}

// ReputationUpdated publishes a fresh reputation snapshot.
func (b *Bus) ReputationUpdated(rep reputation.MediatorReputation) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, o := range b.subs {
		o.ReputationUpdated(rep)
	}
}
