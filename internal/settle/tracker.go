package settle

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshalign/alignd/internal/intent"
)

var (
	ErrUnknownSettlement = errors.New("unknown settlement")
	ErrDuplicateID       = errors.New("settlement id already registered")
	ErrOpenPair          = errors.New("pair already has a non-terminal settlement")
)

// Tracker owns the settlements this mediator proposed. All transitions are
// idempotent: re-applying an observed chain state is a no-op after the
// first, and chain regressions are ignored with a warning because local
// state is authoritative.
type Tracker struct {
	mu        sync.RWMutex
	byID      map[string]*Settlement
	order     []string
	openPairs map[string]string
	log       *zap.Logger

	payouts uint64
}

// TrackerStats is a snapshot of tracker occupancy.
type TrackerStats struct {
	Proposed   int
	Accepted   int
	Challenged int
	Closed     int
	Rejected   int
	Payouts    uint64
}

func NewTracker(log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{
		byID:      make(map[string]*Settlement),
		openPairs: make(map[string]string),
		log:       log.Named("settle"),
	}
}

// Register adds a freshly proposed settlement. At most one non-terminal
// settlement may exist per unordered intent pair.
func (t *Tracker) Register(s *Settlement) error {
	if s.ID == "" {
		return fmt.Errorf("settlement id is required")
	}
	if s.IntentA == "" || s.IntentB == "" || s.IntentA == s.IntentB {
		return fmt.Errorf("settlement %s: needs two distinct intent fingerprints", s.ID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.byID[s.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, s.ID)
	}
	key := intent.PairKey(s.IntentA, s.IntentB)
	if other, ok := t.openPairs[key]; ok {
		return fmt.Errorf("%w: %s held by %s", ErrOpenPair, key, other)
	}

	stored := s.clone()
	if stored.Status == "" {
		stored.Status = StatusProposed
	}
	t.byID[stored.ID] = stored
	t.order = append(t.order, stored.ID)
	if !stored.Status.Terminal() {
		t.openPairs[key] = stored.ID
	}
	return nil
}

// Get returns a copy of the settlement.
func (t *Tracker) Get(id string) (*Settlement, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	return s.clone(), true
}

// Open returns copies of all non-terminal settlements in registration
// order.
func (t *Tracker) Open() []*Settlement {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*Settlement
	for _, id := range t.order {
		if s := t.byID[id]; s != nil && !s.Status.Terminal() {
			out = append(out, s.clone())
		}
	}
	return out
}

// HasOpenFor reports whether the unordered pair already has a non-terminal
// settlement. Checked before every proposal submission.
func (t *Tracker) HasOpenFor(a, b string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.openPairs[intent.PairKey(a, b)]
	return ok
}

// Apply folds the chain's view of a settlement into local state and
// returns the transitions that resulted, possibly more than one when the
// chain was observed late. Terminal settlements ignore further updates.
func (t *Tracker) Apply(id string, upd StatusUpdate, now time.Time) ([]Transition, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSettlement, id)
	}
	if s.Status.Terminal() {
		return nil, nil
	}

	// Acceptance flags only ever move forward.
	if upd.PartyAAccepted {
		s.PartyAAccepted = true
	}
	if upd.PartyBAccepted {
		s.PartyBAccepted = true
	}

	var trs []Transition
	for {
		next, reason := nextState(s, upd, now)
		if next == s.Status {
			break
		}
		trs = append(trs, Transition{ID: s.ID, From: s.Status, To: next, Reason: reason})
		if next == StatusRejected && upd.UpheldChallenges > 0 {
			s.FeeForfeited = true
		}
		s.Status = next
		if next.Terminal() {
			delete(t.openPairs, intent.PairKey(s.IntentA, s.IntentB))
			break
		}
	}

	if len(trs) == 0 && regressed(s.Status, upd.Status) {
		t.log.Warn("ignoring chain status regression",
			zap.String("settlement", id),
			zap.String("local", string(s.Status)),
			zap.String("chain", string(upd.Status)))
	}
	for _, tr := range trs {
		t.log.Info("settlement transition",
			zap.String("settlement", tr.ID),
			zap.String("from", string(tr.From)),
			zap.String("to", string(tr.To)),
			zap.String("reason", tr.Reason))
	}
	return trs, nil
}

// nextState evaluates one step of the settlement state machine.
func nextState(s *Settlement, upd StatusUpdate, now time.Time) (Status, string) {
	nowMS := now.UnixMilli()
	switch s.Status {
	case StatusProposed:
		if upd.UpheldChallenges > 0 || upd.PendingChallenges > 0 {
			return StatusChallenged, "challenge observed"
		}
		if upd.Status == StatusRejected {
			return StatusRejected, "rejected on chain"
		}
		if s.PartyAAccepted && s.PartyBAccepted {
			// A poll after the deadline can still observe an acceptance
			// the chain recorded in time.
			if nowMS <= s.AcceptanceDeadline || upd.Status == StatusAccepted || upd.Status == StatusClosed {
				return StatusAccepted, "both parties accepted"
			}
		}
		if nowMS > s.AcceptanceDeadline && !(s.PartyAAccepted && s.PartyBAccepted) {
			return StatusRejected, "acceptance deadline passed"
		}
	case StatusChallenged:
		if upd.UpheldChallenges > 0 {
			return StatusRejected, "challenge upheld"
		}
		if upd.PendingChallenges == 0 && s.PartyAAccepted && s.PartyBAccepted {
			return StatusClosed, "challenges cleared"
		}
	case StatusAccepted:
		if upd.Status == StatusClosed {
			return StatusClosed, "payout acknowledged"
		}
	}
	return s.Status, ""
}

// regressed reports whether the chain claims an earlier lifecycle stage
// than local state.
func regressed(local, chain Status) bool {
	if !chain.Valid() {
		return false
	}
	rank := map[Status]int{
		StatusProposed:   0,
		StatusChallenged: 1,
		StatusAccepted:   1,
		StatusClosed:     2,
		StatusRejected:   2,
	}
	return rank[chain] < rank[local]
}

// MarkRejected forces a settlement to rejected, used when the proposal
// submission itself failed terminally.
func (t *Tracker) MarkRejected(id, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSettlement, id)
	}
	if s.Status.Terminal() {
		return nil
	}
	t.log.Info("settlement transition",
		zap.String("settlement", id),
		zap.String("from", string(s.Status)),
		zap.String("to", string(StatusRejected)),
		zap.String("reason", reason))
	s.Status = StatusRejected
	delete(t.openPairs, intent.PairKey(s.IntentA, s.IntentB))
	return nil
}

// MarkPayoutSubmitted records that the fee claim for this settlement went
// out. The first call returns true; every later call returns false so the
// claim is never submitted twice by this process.
func (t *Tracker) MarkPayoutSubmitted(id string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.byID[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownSettlement, id)
	}
	if s.PayoutSubmitted {
		return false, nil
	}
	s.PayoutSubmitted = true
	t.payouts++
	return true, nil
}

// Stats counts settlements by state.
func (t *Tracker) Stats() TrackerStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var st TrackerStats
	for _, s := range t.byID {
		switch s.Status {
		case StatusProposed:
			st.Proposed++
		case StatusAccepted:
			st.Accepted++
		case StatusChallenged:
			st.Challenged++
		case StatusClosed:
			st.Closed++
		case StatusRejected:
			st.Rejected++
		}
	}
	st.Payouts = t.payouts
	return st
}

// PruneTerminal drops terminal settlements older than the cutoff and
// returns how many were removed.
func (t *Tracker) PruneTerminal(before int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	kept := t.order[:0]
	for _, id := range t.order {
		s := t.byID[id]
		if s != nil && s.Status.Terminal() && s.Timestamp < before {
			delete(t.byID, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	t.order = kept
	return removed
}
