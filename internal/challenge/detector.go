package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/meshalign/alignd/internal/chain"
	"github.com/meshalign/alignd/internal/config"
	"github.com/meshalign/alignd/internal/intent"
	"github.com/meshalign/alignd/internal/negotiate"
	"github.com/meshalign/alignd/internal/settle"
)

// examinedCap bounds the set of settlement ids already analysed. The scan
// window is short relative to this, so eviction only drops ids the window
// has long since left behind.
const examinedCap = 4096

// Chain is the ledger surface the detector needs. *chain.Client
// satisfies it.
type Chain interface {
	ListRecentSettlements(ctx context.Context, since time.Time, limit int) ([]*settle.Settlement, error)
	GetIntent(ctx context.Context, fingerprint string) (*intent.Intent, error)
	GetSettlementStatus(ctx context.Context, id string) (*chain.SettlementStatus, error)
	SubmitEntry(ctx context.Context, e *chain.Entry) (*chain.SubmitReceipt, error)
}

// ScanReport summarises one pass over foreign settlements.
type ScanReport struct {
	Listed       int
	Analysed     int
	Skipped      int
	Flagged      int
	Submitted    int
	InputTokens  int
	OutputTokens int
}

// Detector runs the verification model over foreign settlements and
// submits challenges on this mediator's behalf.
type Detector struct {
	chain      Chain
	client     negotiate.Client
	mediatorID string
	enabled    bool
	minConf    float64
	window     time.Duration
	limit      int
	timeout    time.Duration
	log        *zap.Logger

	// Settlement ids already analysed, successfully or not. A settlement
	// is audited at most once per process lifetime.
	examined *lru.Cache[string, struct{}]

	mu      sync.Mutex
	tracked map[string]*Challenge
	order   []string
}

// NewDetector wires the detector to the chain and the verification model.
// The mediator id filters out this process's own settlements.
func NewDetector(ch Chain, client negotiate.Client, cfg *config.Config, mediatorID string, log *zap.Logger) (*Detector, error) {
	if log == nil {
		log = zap.NewNop()
	}
	examined, err := lru.New[string, struct{}](examinedCap)
	if err != nil {
		return nil, fmt.Errorf("creating examined set: %w", err)
	}

	limit := cfg.Challenge.ScanLimit
	if limit <= 0 {
		limit = 25
	}
	return &Detector{
		chain:      ch,
		client:     client,
		mediatorID: mediatorID,
		enabled:    cfg.Challenge.Enabled,
		minConf:    cfg.Challenge.MinConfidence,
		window:     cfg.ChallengeScanWindow(),
		limit:      limit,
		timeout:    cfg.LLMTimeout(),
		log:        log.Named("challenge"),
		examined:   examined,
		tracked:    make(map[string]*Challenge),
	}, nil
}

// Enabled reports whether scanning is switched on.
func (d *Detector) Enabled() bool { return d.enabled }

// Scan lists recent foreign settlements and audits each one at most once.
// A challenge entry is submitted for every contradiction the model flags
// with confidence at or above the configured floor.
func (d *Detector) Scan(ctx context.Context) (*ScanReport, error) {
	report := &ScanReport{}
	if !d.enabled {
		return report, nil
	}

	since := time.Now().Add(-d.window)
	settlements, err := d.chain.ListRecentSettlements(ctx, since, d.limit)
	if err != nil {
		return report, fmt.Errorf("listing recent settlements: %w", err)
	}
	report.Listed = len(settlements)

	for _, s := range settlements {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if !d.auditable(s) {
			report.Skipped++
			continue
		}
		d.audit(ctx, s, report)
	}
	return report, nil
}

// auditable filters out settlements the detector must not or need not
// examine: its own, already-examined ones, and ones already terminal.
func (d *Detector) auditable(s *settle.Settlement) bool {
	if s == nil || s.ID == "" {
		return false
	}
	if s.MediatorID == d.mediatorID {
		return false
	}
	if s.Status.Terminal() {
		return false
	}
	if _, seen := d.examined.Get(s.ID); seen {
		return false
	}
	return true
}

func (d *Detector) audit(ctx context.Context, s *settle.Settlement, report *ScanReport) {
	a, b, err := d.fetchIntents(ctx, s)
	if err != nil {
		if chain.IsTransient(err) {
			// Leave unexamined; the next scan retries.
			report.Skipped++
			return
		}
		d.log.Debug("skipping unauditable settlement",
			zap.String("settlement", s.ID), zap.Error(err))
		d.examined.Add(s.ID, struct{}{})
		report.Skipped++
		return
	}

	if hits := injectionHits(s, a, b); len(hits) > 0 {
		d.log.Warn("refusing to audit settlement, injection patterns in ledger content",
			zap.String("settlement", s.ID), zap.Strings("patterns", hits))
		d.examined.Add(s.ID, struct{}{})
		report.Skipped++
		return
	}

	analysis, tokens, err := d.analyse(ctx, s, a, b)
	report.InputTokens += tokens.in
	report.OutputTokens += tokens.out
	if err != nil {
		// The model call itself failed; retry on a later scan.
		d.log.Warn("settlement audit failed", zap.String("settlement", s.ID), zap.Error(err))
		report.Skipped++
		return
	}
	d.examined.Add(s.ID, struct{}{})
	report.Analysed++

	if analysis == nil || !analysis.HasContradiction {
		return
	}
	if analysis.Confidence < d.minConf {
		d.log.Debug("contradiction below submission floor",
			zap.String("settlement", s.ID),
			zap.Float64("confidence", analysis.Confidence),
			zap.Float64("floor", d.minConf))
		return
	}
	report.Flagged++

	if d.submit(ctx, s.ID, analysis) {
		report.Submitted++
	}
}

func (d *Detector) fetchIntents(ctx context.Context, s *settle.Settlement) (*intent.Intent, *intent.Intent, error) {
	a, err := d.chain.GetIntent(ctx, s.IntentA)
	if err != nil {
		return nil, nil, fmt.Errorf("intent %s: %w", s.IntentA, err)
	}
	b, err := d.chain.GetIntent(ctx, s.IntentB)
	if err != nil {
		return nil, nil, fmt.Errorf("intent %s: %w", s.IntentB, err)
	}
	return a, b, nil
}

// injectionHits scans every piece of ledger-supplied text that would be
// inserted into the verification prompt.
func injectionHits(s *settle.Settlement, a, b *intent.Intent) []string {
	var hits []string
	for _, h := range negotiate.ScanIntent(a) {
		hits = append(hits, "a."+h.Field+":"+h.Pattern)
	}
	for _, h := range negotiate.ScanIntent(b) {
		hits = append(hits, "b."+h.Field+":"+h.Pattern)
	}
	for _, name := range negotiate.ScanText(s.ReasoningTrace) {
		hits = append(hits, "trace:"+name)
	}
	return hits
}

type tokenCount struct{ in, out int }

func (d *Detector) analyse(ctx context.Context, s *settle.Settlement, a, b *intent.Intent) (*Analysis, tokenCount, error) {
	system, user := BuildVerificationPrompt(s, a, b)

	cctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	comp, err := d.client.Complete(cctx, system, user)
	if err != nil {
		return nil, tokenCount{}, fmt.Errorf("verification call failed: %w", err)
	}
	tokens := tokenCount{in: comp.InputTokens, out: comp.OutputTokens}

	raw, err := negotiate.ExtractJSON(comp.Text)
	if err != nil {
		// An unparseable audit is inconclusive, not an error worth
		// re-spending tokens on.
		d.log.Warn("verification reply did not parse",
			zap.String("settlement", s.ID), zap.Error(err))
		return nil, tokens, nil
	}
	var analysis Analysis
	if err := json.Unmarshal([]byte(raw), &analysis); err != nil {
		d.log.Warn("verification reply did not decode",
			zap.String("settlement", s.ID), zap.Error(err))
		return nil, tokens, nil
	}
	analysis.Confidence = clamp01(analysis.Confidence)
	return &analysis, tokens, nil
}

// submit posts the challenge entry and tracks it. Returns true when a
// fresh submission went out; journal-deduplicated ones are tracked but
// not counted.
func (d *Detector) submit(ctx context.Context, settlementID string, analysis *Analysis) bool {
	ch := &Challenge{
		ID:                  NewID(),
		SettlementID:        settlementID,
		Challenger:          d.mediatorID,
		ViolatedConstraints: analysis.ViolatedConstraints,
		ContradictionProof:  analysis.ContradictionProof,
		ParaphraseEvidence:  analysis.ParaphraseEvidence,
		AffectedParty:       analysis.AffectedParty,
		Severity:            analysis.Severity,
		Confidence:          analysis.Confidence,
		Status:              StatusPending,
		SubmittedAt:         time.Now().UnixMilli(),
	}
	entry, err := chain.NewChallengeEntry(&chain.ChallengePayload{
		ID:                  ch.ID,
		SettlementID:        ch.SettlementID,
		Challenger:          ch.Challenger,
		ViolatedConstraints: ch.ViolatedConstraints,
		ContradictionProof:  ch.ContradictionProof,
		ParaphraseEvidence:  ch.ParaphraseEvidence,
		AffectedParty:       ch.AffectedParty,
		Severity:            ch.Severity,
		Confidence:          ch.Confidence,
		Timestamp:           ch.SubmittedAt,
	})
	if err != nil {
		d.log.Error("challenge entry construction failed",
			zap.String("settlement", settlementID), zap.Error(err))
		return false
	}

	receipt, err := d.chain.SubmitEntry(ctx, entry)
	if err != nil {
		d.log.Warn("challenge submission failed",
			zap.String("settlement", settlementID), zap.Error(err))
		return false
	}

	d.mu.Lock()
	d.tracked[ch.ID] = ch
	d.order = append(d.order, ch.ID)
	d.mu.Unlock()

	d.log.Info("challenge submitted",
		zap.String("challenge", ch.ID),
		zap.String("settlement", settlementID),
		zap.Float64("confidence", ch.Confidence),
		zap.String("severity", ch.Severity),
		zap.Bool("duplicate", receipt.Duplicate))
	return !receipt.Duplicate
}

// ResolveTracked polls the settlements behind pending challenges and
// returns every challenge the chain has since ruled on. The consumed API
// exposes challenge tallies, not per-challenge records: an upheld tally
// means upheld; a drained pending tally without an upheld one means
// rejected.
func (d *Detector) ResolveTracked(ctx context.Context) []Resolution {
	d.mu.Lock()
	pending := make([]*Challenge, 0, len(d.tracked))
	for _, id := range d.order {
		if ch := d.tracked[id]; ch != nil && ch.Status == StatusPending {
			pending = append(pending, ch)
		}
	}
	d.mu.Unlock()

	var resolved []Resolution
	for _, ch := range pending {
		if ctx.Err() != nil {
			break
		}
		st, err := d.chain.GetSettlementStatus(ctx, ch.SettlementID)
		if err != nil {
			if !errors.Is(err, chain.ErrNotFound) {
				d.log.Debug("challenge resolution poll failed",
					zap.String("challenge", ch.ID), zap.Error(err))
			}
			continue
		}

		var status Status
		switch {
		case st.UpheldChallenges > 0:
			status = StatusUpheld
		case st.PendingChallenges == 0:
			status = StatusRejected
		default:
			continue
		}

		d.mu.Lock()
		ch.Status = status
		cp := ch.clone()
		d.mu.Unlock()

		d.log.Info("challenge resolved",
			zap.String("challenge", ch.ID),
			zap.String("settlement", ch.SettlementID),
			zap.String("status", string(status)))
		resolved = append(resolved, Resolution{Challenge: *cp, Status: status})
	}
	return resolved
}

// PendingCount reports how many submitted challenges await resolution.
func (d *Detector) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, ch := range d.tracked {
		if ch.Status == StatusPending {
			n++
		}
	}
	return n
}

// Tracked returns copies of every challenge in submission order.
func (d *Detector) Tracked() []Challenge {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Challenge, 0, len(d.order))
	for _, id := range d.order {
		if ch := d.tracked[id]; ch != nil {
			out = append(out, *ch.clone())
		}
	}
	return out
}

func clamp01(f float64) float64 {
	if math.IsNaN(f) || f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
