// Package embed turns intents into fixed-dimension vectors.
//
// A provider produces the raw vector, either over HTTP (openai, voyage,
// cohere) or deterministically from a hash (fallback, development only).
// The Embedder facade memoises results under the intent fingerprint so an
// intent is embedded at most once while it remains in the cache.
package embed

import (
	"context"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/meshalign/alignd/internal/config"
	"github.com/meshalign/alignd/internal/intent"
)

// CanonicalText renders an intent into the exact text handed to the
// embedding provider. The layout is fixed; changing it invalidates every
// persisted vector.
func CanonicalText(in *intent.Intent) string {
	var b strings.Builder
	b.WriteString(in.Prose)
	b.WriteByte('\n')
	b.WriteString(strings.Join(in.Desires, "\n"))
	b.WriteByte('\n')
	b.WriteString(strings.Join(in.Constraints, "\n"))
	return b.String()
}

// Embedder wraps a provider with a fingerprint-keyed memo cache.
type Embedder struct {
	provider Provider
	memo     *lru.Cache[string, []float32]
	log      *zap.Logger
}

// New builds the configured provider and a memo cache sized to the intent
// cache bound.
func New(cfg *config.Config, log *zap.Logger) (*Embedder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("embed")

	provider, err := newProvider(cfg, log)
	if err != nil {
		return nil, err
	}
	memo, err := lru.New[string, []float32](cfg.Vector.MaxElements)
	if err != nil {
		return nil, fmt.Errorf("creating embedding memo: %w", err)
	}
	return &Embedder{provider: provider, memo: memo, log: log}, nil
}

// ProviderName identifies the active provider in logs.
func (e *Embedder) ProviderName() string { return e.provider.Name() }

// Dimension reports the vector length the active provider produces.
func (e *Embedder) Dimension() int { return e.provider.Dimension() }

// EmbedIntent returns the vector for an intent, consulting the memo first.
// Failures are not memoised; the next call retries the provider. When two
// goroutines race on the same fingerprint the first stored vector wins.
func (e *Embedder) EmbedIntent(ctx context.Context, in *intent.Intent) ([]float32, error) {
	if vec, ok := e.memo.Get(in.Fingerprint); ok {
		return vec, nil
	}
	vec, err := e.provider.Embed(ctx, CanonicalText(in))
	if err != nil {
		return nil, fmt.Errorf("embedding %s: %w", in.Fingerprint, err)
	}
	if prev, ok, _ := e.memo.PeekOrAdd(in.Fingerprint, vec); ok {
		return prev, nil
	}
	return vec, nil
}

// Memoised reports whether a vector for the fingerprint is already cached.
func (e *Embedder) Memoised(fp string) bool {
	return e.memo.Contains(fp)
}

// Forget drops the memo entry for a fingerprint. Called when reconciliation
// removes the intent from mediation candidacy.
func (e *Embedder) Forget(fp string) {
	e.memo.Remove(fp)
}
