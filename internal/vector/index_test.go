package vector

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshalign/alignd/internal/intent"
)

func testOptions(dim int) Options {
	return Options{
		Dimension:      dim,
		MaxElements:    100,
		MinSimilarity:  0.5,
		M:              8,
		EfConstruction: 64,
		EfSearch:       64,
	}
}

func mkIntent(fp string, fee float64, ts int64) *intent.Intent {
	return &intent.Intent{
		Fingerprint: fp,
		Author:      "acct:" + fp,
		Prose:       "prose for " + fp,
		OfferedFee:  fee,
		Timestamp:   ts,
		Status:      intent.StatusPending,
	}
}

func TestUpsertAndQuery(t *testing.T) {
	ix, err := Open(testOptions(4), nil)
	require.NoError(t, err)

	require.NoError(t, ix.Upsert(mkIntent("in:a", 1, 100), []float32{1, 0, 0, 0}))
	require.NoError(t, ix.Upsert(mkIntent("in:b", 2, 200), []float32{0.9, 0.1, 0, 0}))
	require.NoError(t, ix.Upsert(mkIntent("in:c", 3, 300), []float32{0, 0, 1, 0}))

	got, err := ix.QueryTopK([]float32{1, 0, 0, 0}, 5, "in:a")
	require.NoError(t, err)

	// in:c is orthogonal and falls below the 0.5 floor.
	require.Len(t, got, 1)
	assert.Equal(t, "in:b", got[0].Intent.Fingerprint)
	assert.Greater(t, got[0].Similarity, 0.9)
	assert.LessOrEqual(t, got[0].Similarity, 1.0)
}

func TestQueryDimensionMismatch(t *testing.T) {
	ix, err := Open(testOptions(4), nil)
	require.NoError(t, err)

	assert.ErrorIs(t, ix.Upsert(mkIntent("in:a", 0, 1), []float32{1, 0}), ErrDimensionMismatch)
	_, err = ix.QueryTopK([]float32{1, 0}, 3, "")
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestQueryTieBreaks(t *testing.T) {
	ix, err := Open(testOptions(4), nil)
	require.NoError(t, err)

	same := []float32{0, 1, 0, 0}
	// All three neighbours are identical vectors: similarity ties across
	// the board, so ordering falls to fee, then timestamp, then name.
	require.NoError(t, ix.Upsert(mkIntent("in:cheap-late", 1, 900), same))
	require.NoError(t, ix.Upsert(mkIntent("in:rich", 9, 500), same))
	require.NoError(t, ix.Upsert(mkIntent("in:cheap-early", 1, 100), same))

	got, err := ix.QueryTopK(same, 3, "")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "in:rich", got[0].Intent.Fingerprint)
	assert.Equal(t, "in:cheap-early", got[1].Intent.Fingerprint)
	assert.Equal(t, "in:cheap-late", got[2].Intent.Fingerprint)
}

func TestRemoveTombstonesAreInvisible(t *testing.T) {
	ix, err := Open(testOptions(4), nil)
	require.NoError(t, err)

	v := []float32{1, 0, 0, 0}
	require.NoError(t, ix.Upsert(mkIntent("in:a", 1, 1), v))
	require.NoError(t, ix.Upsert(mkIntent("in:b", 1, 2), []float32{0.9, 0.1, 0, 0}))

	ix.Remove("in:b")
	assert.False(t, ix.Contains("in:b"))
	assert.Equal(t, 1, ix.Len())
	assert.Equal(t, 1, ix.Stats().Tombstones)

	got, err := ix.QueryTopK(v, 5, "in:a")
	require.NoError(t, err)
	assert.Empty(t, got)

	// Removing twice is a no-op.
	ix.Remove("in:b")
	assert.Equal(t, 1, ix.Stats().Tombstones)
}

func TestUpsertRemoveUpsertBehavesLikeSingleUpsert(t *testing.T) {
	ix, err := Open(testOptions(4), nil)
	require.NoError(t, err)

	v := []float32{0.5, 0.5, 0, 0}
	probe := []float32{0.6, 0.4, 0, 0}
	in := mkIntent("in:x", 2, 10)

	require.NoError(t, ix.Upsert(in, v))
	ix.Remove("in:x")
	require.NoError(t, ix.Upsert(in, v))

	got, err := ix.QueryTopK(probe, 1, "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "in:x", got[0].Intent.Fingerprint)

	single, err := Open(testOptions(4), nil)
	require.NoError(t, err)
	require.NoError(t, single.Upsert(in, v))
	want, err := single.QueryTopK(probe, 1, "")
	require.NoError(t, err)
	assert.InDelta(t, want[0].Similarity, got[0].Similarity, 1e-9)
}

func TestUpsertSameVectorRefreshesSnapshot(t *testing.T) {
	ix, err := Open(testOptions(4), nil)
	require.NoError(t, err)

	v := []float32{1, 0, 0, 0}
	require.NoError(t, ix.Upsert(mkIntent("in:a", 1, 1), v))
	updated := mkIntent("in:a", 7, 1)
	require.NoError(t, ix.Upsert(updated, v))

	assert.Equal(t, 0, ix.Stats().Tombstones)
	got, err := ix.QueryTopK(v, 1, "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 7.0, got[0].Intent.OfferedFee)
}

func TestTopAlignmentCandidates(t *testing.T) {
	ix, err := Open(testOptions(4), nil)
	require.NoError(t, err)

	// Two well-aligned pairs, one decoy. The (c,d) pair carries more fee
	// and must outrank (a,b).
	a := mkIntent("in:a", 1, 1)
	b := mkIntent("in:b", 1, 2)
	c := mkIntent("in:c", 10, 3)
	d := mkIntent("in:d", 10, 4)
	e := mkIntent("in:e", 100, 5)

	embeds := map[string][]float32{
		"in:a": {1, 0, 0, 0},
		"in:b": {0.95, 0.05, 0, 0},
		"in:c": {0, 1, 0, 0},
		"in:d": {0, 0.95, 0.05, 0},
		"in:e": {0, 0, 0, 1},
	}
	intents := []*intent.Intent{a, b, c, d, e}
	for _, in := range intents {
		require.NoError(t, ix.Upsert(in, embeds[in.Fingerprint]))
	}

	cands := ix.TopAlignmentCandidates(intents, embeds, 10)
	require.Len(t, cands, 2, "decoy must produce no pair and pairs must deduplicate")

	assert.Equal(t, intent.PairKey("in:c", "in:d"), cands[0].PairKey())
	assert.Equal(t, intent.PairKey("in:a", "in:b"), cands[1].PairKey())
	assert.Equal(t, 20.0, cands[0].EstimatedValue)
	assert.Greater(t, cands[0].Priority, cands[1].Priority)
	for _, cand := range cands {
		assert.NotEqual(t, cand.A.Fingerprint, cand.B.Fingerprint)
		assert.GreaterOrEqual(t, cand.Similarity, 0.5)
	}

	// topK truncation keeps the highest priority pair.
	one := ix.TopAlignmentCandidates(intents, embeds, 1)
	require.Len(t, one, 1)
	assert.Equal(t, intent.PairKey("in:c", "in:d"), one[0].PairKey())
}

func TestTopAlignmentCandidatesSingleIntent(t *testing.T) {
	ix, err := Open(testOptions(4), nil)
	require.NoError(t, err)

	a := mkIntent("in:solo", 1, 1)
	embeds := map[string][]float32{"in:solo": {1, 0, 0, 0}}
	require.NoError(t, ix.Upsert(a, embeds["in:solo"]))

	assert.Empty(t, ix.TopAlignmentCandidates([]*intent.Intent{a}, embeds, 10))
}

func TestRecallOnFixedCorpus(t *testing.T) {
	const (
		n   = 400
		dim = 16
	)
	opts := testOptions(dim)
	opts.MaxElements = n
	opts.MinSimilarity = 0
	ix, err := Open(opts, nil)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	vecs := make(map[string][]float32, n)
	var intents []*intent.Intent
	for i := 0; i < n; i++ {
		fp := fmt.Sprintf("in:%03d", i)
		vec := make([]float32, dim)
		for j := range vec {
			vec[j] = rng.Float32()*2 - 1
		}
		in := mkIntent(fp, 1, int64(i+1))
		require.NoError(t, ix.Upsert(in, vec))
		vecs[fp] = vec
		intents = append(intents, in)
	}

	// Compare ANN results against brute force on a sample of queries.
	const k = 10
	hits, total := 0, 0
	for i := 0; i < 20; i++ {
		fp := fmt.Sprintf("in:%03d", i*17%n)
		got, err := ix.QueryTopK(vecs[fp], k, fp)
		require.NoError(t, err)

		truth := bruteForceTopK(vecs, fp, k)
		gotSet := make(map[string]bool, len(got))
		for _, nb := range got {
			gotSet[nb.Intent.Fingerprint] = true
		}
		for _, want := range truth {
			total++
			if gotSet[want] {
				hits++
			}
		}
	}
	recall := float64(hits) / float64(total)
	assert.GreaterOrEqual(t, recall, 0.95, "recall %f", recall)
	_ = intents
}

func bruteForceTopK(vecs map[string][]float32, query string, k int) []string {
	type hit struct {
		fp  string
		sim float64
	}
	var hits []hit
	q := vecs[query]
	for fp, v := range vecs {
		if fp == query {
			continue
		}
		hits = append(hits, hit{fp, CosineSimilarity(q, v)})
	}
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0; j-- {
			less := hits[j].sim > hits[j-1].sim ||
				(hits[j].sim == hits[j-1].sim && hits[j].fp < hits[j-1].fp)
			if !less {
				break
			}
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}
	out := make([]string, 0, k)
	for i := 0; i < k && i < len(hits); i++ {
		out = append(out, hits[i].fp)
	}
	return out
}
