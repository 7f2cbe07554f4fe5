// Package vector provides the approximate-nearest-neighbour index over
// intent embeddings. Search is cosine-based HNSW; removed fingerprints
// leave tombstoned labels behind until a rebuild compacts them.
package vector

import "math"

// CosineSimilarity computes the cosine similarity between two vectors of
// equal dimension. Either vector having zero magnitude yields 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// clipSimilarity maps a raw cosine similarity into [0,1]. Negative
// similarities carry no alignment signal and clamp to zero.
func clipSimilarity(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// normalize returns a unit-length copy of v, or the original slice when it
// has zero magnitude. Normalised storage makes cosine distance a plain dot
// product at query time.
func normalize(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	inv := 1 / math.Sqrt(norm)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}

// dot computes the inner product of two equal-length vectors.
func dot(a, b []float32) float64 {
	var d float64
	for i := range a {
		d += float64(a[i]) * float64(b[i])
	}
	return d
}
