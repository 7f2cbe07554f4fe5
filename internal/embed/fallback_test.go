package embed

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFallbackDeterministic(t *testing.T) {
	p := newFallbackProvider(256)

	a1, err := p.Embed(context.Background(), "the same text")
	require.NoError(t, err)
	a2, err := p.Embed(context.Background(), "the same text")
	require.NoError(t, err)
	assert.Equal(t, a1, a2)

	b, err := p.Embed(context.Background(), "different text")
	require.NoError(t, err)
	assert.NotEqual(t, a1, b)
}

func TestFallbackUnitNorm(t *testing.T) {
	for _, dim := range []int{8, 33, 256} {
		p := newFallbackProvider(dim)
		vec, err := p.Embed(context.Background(), "norm check")
		require.NoError(t, err)
		require.Len(t, vec, dim)

		var norm float64
		for _, v := range vec {
			norm += float64(v) * float64(v)
		}
		assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-3, "dim %d", dim)
	}
}

func TestFallbackSpreadsTexts(t *testing.T) {
	p := newFallbackProvider(64)

	// Hash-derived vectors of distinct texts should be near-orthogonal,
	// far below the candidate similarity floor.
	a, err := p.Embed(context.Background(), "sell surplus solar power")
	require.NoError(t, err)
	b, err := p.Embed(context.Background(), "buy cheap electricity")
	require.NoError(t, err)

	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	assert.Less(t, math.Abs(dot), 0.5)
}
