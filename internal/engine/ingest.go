package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/meshalign/alignd/internal/negotiate"
)

// IngestOnce refreshes the intent cache from the chain's pending set:
// fetch, reconcile, propagate removals to the index and the embedding
// memo, validate additions, and flag adversarial content. A failed fetch
// keeps the stale view. Concurrent calls are skipped, not queued.
func (e *Engine) IngestOnce(ctx context.Context) error {
	if !e.ingesting.CompareAndSwap(false, true) {
		e.log.Debug("skipping ingest tick, previous ingest still in flight")
		return nil
	}
	defer e.ingesting.Store(false)

	pending, err := e.chain.ListPendingIntents(ctx, e.cfg.Vector.MaxElements)
	if err != nil {
		return fmt.Errorf("listing pending intents: %w", err)
	}

	added, removed := e.cache.Reconcile(pending)
	for _, fp := range removed {
		e.index.Remove(fp)
		e.embedder.Forget(fp)
	}

	var invalid, suspect int
	for _, fp := range added {
		in, ok := e.cache.Get(fp)
		if !ok {
			continue
		}
		if err := in.Validate(); err != nil {
			e.cache.MarkUnalignable(fp)
			invalid++
			e.log.Warn("rejecting invalid intent",
				zap.String("fingerprint", fp), zap.Error(err))
			continue
		}
		if hits := negotiate.ScanIntent(in); len(hits) > 0 {
			e.cache.MarkSuspect(fp)
			suspect++
			patterns := make([]string, len(hits))
			for i, h := range hits {
				patterns[i] = h.Field + ":" + h.Pattern
			}
			e.log.Warn("flagging intent with injection patterns",
				zap.String("fingerprint", fp), zap.Strings("patterns", patterns))
		}
	}

	e.metrics.IntentsCached.Set(float64(e.cache.Len()))
	e.mu.Lock()
	e.lastIngest = time.Now()
	e.mu.Unlock()

	if len(added) > 0 || len(removed) > 0 {
		e.log.Info("pending set reconciled",
			zap.Int("cached", e.cache.Len()),
			zap.Int("added", len(added)),
			zap.Int("removed", len(removed)),
			zap.Int("invalid", invalid),
			zap.Int("suspect", suspect))
	}
	return nil
}
