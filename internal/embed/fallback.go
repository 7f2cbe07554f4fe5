package embed

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// fallbackProvider derives vectors from a SHA-256 hash of the text in
// counter mode. Output is stable across runs and platforms but carries no
// semantic signal: only identical texts land near each other. Development
// and testing only; configuration validation rejects it in production.
type fallbackProvider struct {
	dim int
}

func newFallbackProvider(dim int) *fallbackProvider {
	return &fallbackProvider{dim: dim}
}

func (p *fallbackProvider) Name() string   { return "fallback" }
func (p *fallbackProvider) Dimension() int { return p.dim }

func (p *fallbackProvider) Embed(_ context.Context, text string) ([]float32, error) {
	seed := sha256.Sum256([]byte(text))

	var block [sha256.Size + 4]byte
	copy(block[:], seed[:])

	// Each digest yields eight components mapped into [-1, 1].
	vec := make([]float32, p.dim)
	var digest [sha256.Size]byte
	for i := 0; i < p.dim; i++ {
		if i%8 == 0 {
			binary.LittleEndian.PutUint32(block[sha256.Size:], uint32(i/8))
			digest = sha256.Sum256(block[:])
		}
		u := binary.LittleEndian.Uint32(digest[(i%8)*4:])
		vec[i] = float32(float64(u)/float64(math.MaxUint32)*2 - 1)
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec, nil
	}
	inv := 1 / math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) * inv)
	}
	return vec, nil
}
