package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/meshalign/alignd/internal/chain"
	"github.com/meshalign/alignd/internal/challenge"
	"github.com/meshalign/alignd/internal/settle"
)

// MonitorOnce runs one settlement-monitor pass: poll every open
// settlement and apply transitions, claim payouts for accepted ones,
// resolve and scan challenges, flush an unpublished reputation update,
// and sweep expired journal entries.
func (e *Engine) MonitorOnce(ctx context.Context) {
	e.pollSettlements(ctx)
	e.claimPayouts(ctx)

	if e.detector.Enabled() {
		for _, res := range e.detector.ResolveTracked(ctx) {
			e.recordResolution(ctx, res)
		}
		report, err := e.detector.Scan(ctx)
		if err != nil && ctx.Err() == nil {
			e.log.Warn("challenge scan failed", zap.Error(err))
		} else if report.Analysed > 0 || report.Submitted > 0 {
			e.log.Info("challenge scan completed",
				zap.Int("listed", report.Listed),
				zap.Int("analysed", report.Analysed),
				zap.Int("flagged", report.Flagged),
				zap.Int("submitted", report.Submitted))
		}
	}

	e.reputation.FlushDirty(ctx)
	e.sweepJournal()

	e.metrics.OpenSettlements.Set(float64(len(e.tracker.Open())))
	e.metrics.SetBreakerState(e.chain.BreakerState())
}

// pollSettlements fetches the chain's view of every non-terminal
// settlement and applies it. A settlement the chain does not know yet
// still gets an empty update so the acceptance deadline can expire
// locally.
func (e *Engine) pollSettlements(ctx context.Context) {
	for _, s := range e.tracker.Open() {
		if ctx.Err() != nil {
			return
		}

		var upd settle.StatusUpdate
		st, err := e.chain.GetSettlementStatus(ctx, s.ID)
		switch {
		case err == nil:
			upd = st.StatusUpdate
		case errors.Is(err, chain.ErrNotFound):
			upd = settle.StatusUpdate{Status: s.Status}
		default:
			e.log.Warn("settlement status poll failed",
				zap.String("settlement", s.ID), zap.Error(err))
			continue
		}

		transitions, err := e.tracker.Apply(s.ID, upd, time.Now())
		if err != nil {
			e.log.Warn("applying settlement status failed",
				zap.String("settlement", s.ID), zap.Error(err))
			continue
		}
		for _, tr := range transitions {
			e.recordTransition(ctx, tr)
		}
	}
}

// recordTransition publishes the transition and folds terminal outcomes
// into the reputation ledger.
func (e *Engine) recordTransition(ctx context.Context, tr settle.Transition) {
	s, _ := e.tracker.Get(tr.ID)
	e.bus.SettlementTransitioned(tr, s)

	switch tr.To {
	case settle.StatusClosed:
		rep := e.reputation.RecordClosure(ctx)
		e.bus.ReputationUpdated(rep)
	case settle.StatusRejected:
		if s != nil && s.FeeForfeited {
			e.reputation.RecordForfeitedFee(ctx)
			rep := e.reputation.RecordUpheldChallenge(ctx)
			e.bus.ReputationUpdated(rep)
			e.log.Warn("settlement fee forfeited to an upheld challenge",
				zap.String("settlement", tr.ID),
				zap.Float64("fee", s.FacilitationFee))
		}
	}
}

// claimPayouts submits the fee claim for every accepted settlement that
// has not claimed yet. The tracker latch and the journal token together
// keep the claim at most once.
func (e *Engine) claimPayouts(ctx context.Context) {
	for _, s := range e.tracker.Open() {
		if ctx.Err() != nil {
			return
		}
		if s.Status != settle.StatusAccepted || s.PayoutSubmitted {
			continue
		}

		entry, err := chain.NewPayoutEntry(s.ID, s.FacilitationFee)
		if err != nil {
			e.log.Error("payout entry construction failed",
				zap.String("settlement", s.ID), zap.Error(err))
			continue
		}
		if _, err := e.chain.SubmitEntry(ctx, entry); err != nil {
			e.log.Warn("payout claim failed, retrying next tick",
				zap.String("settlement", s.ID), zap.Error(err))
			continue
		}

		first, err := e.tracker.MarkPayoutSubmitted(s.ID)
		if err != nil {
			e.log.Warn("payout latch failed",
				zap.String("settlement", s.ID), zap.Error(err))
			continue
		}
		if first {
			e.log.Info("payout claimed",
				zap.String("settlement", s.ID),
				zap.Float64("fee", s.FacilitationFee))
		}
	}
}

// recordResolution folds a resolved challenge into reputation and
// metrics. A rejected challenge costs this mediator a failed-challenge
// mark; an upheld one feeds the target's tallies on chain, not ours.
func (e *Engine) recordResolution(ctx context.Context, res challenge.Resolution) {
	e.metrics.ChallengesTotal.WithLabelValues(string(res.Status)).Inc()
	if res.Status == challenge.StatusRejected {
		rep := e.reputation.RecordFailedChallenge(ctx)
		e.bus.ReputationUpdated(rep)
	}
}

// sweepJournal drops journal entries old enough that the settlements they
// guarded are long terminal.
func (e *Engine) sweepJournal() {
	cutoff := time.Now().Add(-2 * e.cfg.AcceptanceWindow())
	removed, err := e.journal.Sweep(cutoff)
	if err != nil {
		e.log.Warn("journal sweep failed", zap.Error(err))
		return
	}
	if removed > 0 {
		e.log.Debug("journal swept", zap.Int("removed", removed))
	}
}
