package engine

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/meshalign/alignd/internal/chain"
	"github.com/meshalign/alignd/internal/events"
	"github.com/meshalign/alignd/internal/intent"
	"github.com/meshalign/alignd/internal/negotiate"
	"github.com/meshalign/alignd/internal/settle"
	"github.com/meshalign/alignd/internal/vector"
)

// CycleOnce runs one alignment pass: embed the cached intents, rank
// candidate pairs, negotiate the best ones within the cycle's budgets,
// and submit successful proposals. Stats are published regardless of
// outcome.
func (e *Engine) CycleOnce(ctx context.Context) events.CycleStats {
	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, e.cfg.CycleBudget())
	defer cancel()

	var stats events.CycleStats
	snapshot := e.cache.Snapshot()
	stats.Intents = len(snapshot)

	ready, embeds := e.embedSnapshot(cctx, snapshot, &stats)
	stats.Embedded = len(ready)

	candidates := e.index.TopAlignmentCandidates(ready, embeds, e.cfg.Engine.TopK)
	stats.Candidates = len(candidates)

	e.negotiateCandidates(cctx, candidates, &stats)

	stats.Duration = time.Since(start)
	e.mu.Lock()
	e.lastCycle = time.Now()
	e.lastStats = stats
	e.mu.Unlock()

	e.bus.CycleCompleted(stats)
	e.metrics.SetBreakerState(e.chain.BreakerState())
	e.log.Info("cycle completed",
		zap.Int("intents", stats.Intents),
		zap.Int("embedded", stats.Embedded),
		zap.Int("candidates", stats.Candidates),
		zap.Int("negotiations", stats.Negotiations),
		zap.Int("submitted", stats.Submitted),
		zap.Int("deferred", stats.Deferred),
		zap.Int("errors", stats.Errors),
		zap.Duration("elapsed", stats.Duration))
	return stats
}

// embedSnapshot ensures every cached intent has a vector and is present in
// the index. Suspect intents embed a neutralised copy under the same
// fingerprint; the indexed record is always the original. Failures skip
// the intent until the next cycle.
func (e *Engine) embedSnapshot(ctx context.Context, snapshot []*intent.Intent, stats *events.CycleStats) ([]*intent.Intent, map[string][]float32) {
	ready := make([]*intent.Intent, 0, len(snapshot))
	embeds := make(map[string][]float32, len(snapshot))

	for i, in := range snapshot {
		if ctx.Err() != nil {
			stats.Deferred += len(snapshot) - i
			break
		}
		target := in
		if e.cache.Suspect(in.Fingerprint) {
			target, _ = negotiate.NeutraliseIntent(in)
		}

		ectx, cancel := context.WithTimeout(ctx, e.cfg.EmbeddingTimeout())
		vec, err := e.embedder.EmbedIntent(ectx, target)
		cancel()
		if err != nil {
			stats.EmbedErrors++
			e.log.Warn("embedding failed, skipping intent this cycle",
				zap.String("fingerprint", in.Fingerprint), zap.Error(err))
			continue
		}
		if err := e.index.Upsert(in, vec); err != nil {
			stats.EmbedErrors++
			e.log.Warn("index upsert failed",
				zap.String("fingerprint", in.Fingerprint), zap.Error(err))
			continue
		}
		ready = append(ready, in)
		embeds[in.Fingerprint] = vec
	}
	return ready, embeds
}

// negotiateCandidates walks the ranked candidates, skipping pairs with an
// open settlement, until the per-cycle slot, LLM call, or wall-clock
// budget runs out. Whatever is left over is deferred to the next cycle.
func (e *Engine) negotiateCandidates(ctx context.Context, candidates []*vector.AlignmentCandidate, stats *events.CycleStats) {
	slots := e.cfg.Engine.MaxPerCycle
	llmCalls := e.cfg.Engine.LLMCallsPerCycle

	for i, cand := range candidates {
		if e.tracker.HasOpenFor(cand.A.Fingerprint, cand.B.Fingerprint) {
			continue
		}
		if slots <= 0 || llmCalls <= 0 || ctx.Err() != nil {
			stats.Deferred += len(candidates) - i
			return
		}
		slots--
		llmCalls--

		stats.Negotiations++
		outcome, err := e.negotiator.Negotiate(ctx, cand.A, cand.B)
		if err != nil {
			stats.Errors++
			e.log.Warn("negotiation failed",
				zap.String("intentA", cand.A.Fingerprint),
				zap.String("intentB", cand.B.Fingerprint),
				zap.Error(err))
			continue
		}
		stats.InputTokens += outcome.InputTokens
		stats.OutputTokens += outcome.OutputTokens
		if outcome.Latency > 0 {
			e.metrics.ObserveLLM(outcome.Latency)
		}

		switch {
		case len(outcome.InjectionHits) > 0:
			stats.Injections++
			for _, hit := range outcome.InjectionHits {
				switch {
				case strings.HasPrefix(hit.Field, "a."):
					e.cache.MarkSuspect(cand.A.Fingerprint)
				case strings.HasPrefix(hit.Field, "b."):
					e.cache.MarkSuspect(cand.B.Fingerprint)
				}
			}
		case !outcome.Success:
			stats.Refusals++
			e.log.Debug("negotiation declined",
				zap.String("intentA", cand.A.Fingerprint),
				zap.String("intentB", cand.B.Fingerprint),
				zap.String("reason", outcome.RefusalReason))
		default:
			if e.submitProposal(ctx, cand, outcome) {
				stats.Submitted++
			} else {
				stats.Errors++
			}
		}
	}
}

// submitProposal registers the settlement locally, then submits it. On
// submission failure the local record is marked rejected so the pair can
// be retried with a fresh proposal later.
func (e *Engine) submitProposal(ctx context.Context, cand *vector.AlignmentCandidate, out *negotiate.Outcome) bool {
	now := time.Now()
	s := &settle.Settlement{
		ID:                 settle.NewID(),
		IntentA:            cand.A.Fingerprint,
		IntentB:            cand.B.Fingerprint,
		ReasoningTrace:     out.Reasoning,
		Terms:              out.Terms,
		FeePercent:         e.feePercent,
		FacilitationFee:    facilitationFee(e.feePercent, out.Terms, cand.EstimatedValue),
		ModelIntegrityHash: out.IntegrityHash,
		MediatorID:         e.identity.MediatorID(),
		Timestamp:          now.UnixMilli(),
		AcceptanceDeadline: now.Add(e.cfg.AcceptanceWindow()).UnixMilli(),
		Status:             settle.StatusProposed,
	}

	if err := e.tracker.Register(s); err != nil {
		e.log.Warn("not submitting settlement, registration refused",
			zap.String("settlement", s.ID), zap.Error(err))
		return false
	}

	entry, err := chain.NewSettlementEntry(s)
	if err != nil {
		e.tracker.MarkRejected(s.ID, "entry construction failed")
		e.log.Error("settlement entry construction failed",
			zap.String("settlement", s.ID), zap.Error(err))
		return false
	}

	receipt, err := e.chain.SubmitEntry(ctx, entry)
	if err != nil {
		e.tracker.MarkRejected(s.ID, "submission failed")
		e.log.Warn("settlement submission failed",
			zap.String("settlement", s.ID), zap.Error(err))
		return false
	}

	e.log.Info("settlement proposed",
		zap.String("settlement", s.ID),
		zap.String("intentA", s.IntentA),
		zap.String("intentB", s.IntentB),
		zap.Float64("confidence", out.Confidence),
		zap.Float64("fee", s.FacilitationFee),
		zap.String("entryId", receipt.EntryID),
		zap.Bool("duplicate", receipt.Duplicate))
	return true
}

// facilitationFee computes the mediator's cut. The negotiated price is the
// preferred basis; proposals without one fall back to the pair's combined
// offered fee.
func facilitationFee(percent float64, terms *negotiate.Terms, estimated float64) float64 {
	basis := estimated
	if terms != nil && terms.Price != nil && *terms.Price > 0 {
		basis = *terms.Price
	}
	if basis < 0 {
		basis = 0
	}
	return percent / 100 * basis
}
