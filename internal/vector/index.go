package vector

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/meshalign/alignd/internal/intent"
)

// priorityEpsilon keeps zero-fee pairs rankable: priority stays positive
// whenever similarity is.
const priorityEpsilon = 1.0

// ErrDimensionMismatch reports a vector whose length does not match the
// index dimension.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Options configures the index.
type Options struct {
	Dir            string
	Dimension      int
	MaxElements    int
	MinSimilarity  float64
	M              int
	EfConstruction int
	EfSearch       int
}

// Neighbor is one query result: the neighbouring intent snapshot and its
// clipped cosine similarity to the query vector.
type Neighbor struct {
	Intent     *intent.Intent
	Similarity float64
}

// AlignmentCandidate pairs two intents the index considers plausibly
// compatible. Priority weighs similarity by the pair's combined offered
// fee so the negotiation budget goes to the most valuable pairs first.
type AlignmentCandidate struct {
	A              *intent.Intent
	B              *intent.Intent
	Similarity     float64
	EstimatedValue float64
	Priority       float64
}

// PairKey identifies the unordered fingerprint pair.
func (c *AlignmentCandidate) PairKey() string {
	return intent.PairKey(c.A.Fingerprint, c.B.Fingerprint)
}

// Index is the fingerprint-addressed ANN index. The graph only grows;
// removing a fingerprint drops its record and leaves the underlying label
// as a tombstone that queries filter out. Rebuilds compact tombstones.
type Index struct {
	mu   sync.RWMutex
	opts Options
	log  *zap.Logger

	g       *hnsw
	labels  map[string]uint32         // fingerprint -> live label
	records map[uint32]*intent.Intent // live label -> intent snapshot

	rebuilds uint64
	dirty    bool
}

// IndexStats is a point-in-time view of index occupancy.
type IndexStats struct {
	Live       int     `json:"live"`
	Tombstones int     `json:"tombstones"`
	Ratio      float64 `json:"tombstoneRatio"`
	Rebuilds   uint64  `json:"rebuilds"`
	Dimension  int     `json:"dimension"`
}

// Open creates the index and loads any persisted state from opts.Dir.
// Opening is idempotent: a second Open over the same directory restores
// the same live set. A corrupt or unreadable snapshot is logged and the
// index starts empty; embeddings recur through the normal cycle.
func Open(opts Options, log *zap.Logger) (*Index, error) {
	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("vector index: dimension must be positive, got %d", opts.Dimension)
	}
	if opts.MaxElements <= 0 {
		return nil, fmt.Errorf("vector index: max elements must be positive, got %d", opts.MaxElements)
	}
	if opts.M <= 1 {
		opts.M = 16
	}
	if opts.EfConstruction <= 0 {
		opts.EfConstruction = 200
	}
	if opts.EfSearch <= 0 {
		opts.EfSearch = 64
	}
	if log == nil {
		log = zap.NewNop()
	}

	ix := &Index{
		opts:    opts,
		log:     log.Named("vector"),
		g:       newHNSW(opts.Dimension, opts.M, opts.EfConstruction),
		labels:  make(map[string]uint32),
		records: make(map[uint32]*intent.Intent),
	}
	if opts.Dir != "" {
		if err := ix.load(); err != nil {
			ix.log.Warn("failed to load persisted index, starting empty", zap.Error(err))
			ix.g = newHNSW(opts.Dimension, opts.M, opts.EfConstruction)
			ix.labels = make(map[string]uint32)
			ix.records = make(map[uint32]*intent.Intent)
		}
	}
	return ix, nil
}

// Upsert binds the intent's fingerprint to vec. Re-upserting an unchanged
// vector only refreshes the intent snapshot; a changed vector tombstones
// the old label.
func (ix *Index) Upsert(in *intent.Intent, vec []float32) error {
	if len(vec) != ix.opts.Dimension {
		return fmt.Errorf("%w: got %d, index has %d", ErrDimensionMismatch, len(vec), ix.opts.Dimension)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	normalized := normalize(vec)
	if old, ok := ix.labels[in.Fingerprint]; ok {
		if vecEqual(ix.g.vector(old), normalized) {
			ix.records[old] = in
			return nil
		}
		delete(ix.records, old)
	}

	label := ix.g.insert(normalized)
	ix.labels[in.Fingerprint] = label
	ix.records[label] = in
	ix.dirty = true

	// Keep memory bounded when tombstones pile up between saves.
	if ix.g.size() >= 2*ix.opts.MaxElements {
		ix.rebuildLocked()
	}
	return nil
}

// Remove drops the fingerprint from the live set. The underlying vector
// stays in the graph as a tombstone until the next rebuild.
func (ix *Index) Remove(fp string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	label, ok := ix.labels[fp]
	if !ok {
		return
	}
	delete(ix.labels, fp)
	delete(ix.records, label)
	ix.dirty = true
}

// Contains reports whether fp is live in the index.
func (ix *Index) Contains(fp string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, ok := ix.labels[fp]
	return ok
}

// Len returns the live element count.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.labels)
}

// Stats returns occupancy counters.
func (ix *Index) Stats() IndexStats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.statsLocked()
}

func (ix *Index) statsLocked() IndexStats {
	live := len(ix.labels)
	tombs := ix.g.size() - live
	ratio := 0.0
	if ix.g.size() > 0 {
		ratio = float64(tombs) / float64(ix.g.size())
	}
	return IndexStats{
		Live:       live,
		Tombstones: tombs,
		Ratio:      ratio,
		Rebuilds:   ix.rebuilds,
		Dimension:  ix.opts.Dimension,
	}
}

// QueryTopK returns up to k live neighbours of vec, most similar first.
// Similarity is clipped to [0,1] and the configured floor is applied.
// Ties break by higher neighbour fee, then earlier timestamp, then
// lexicographic fingerprint.
func (ix *Index) QueryTopK(vec []float32, k int, exclude string) ([]Neighbor, error) {
	if len(vec) != ix.opts.Dimension {
		return nil, fmt.Errorf("%w: got %d, index has %d", ErrDimensionMismatch, len(vec), ix.opts.Dimension)
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.queryLocked(normalize(vec), k, exclude), nil
}

func (ix *Index) queryLocked(normalized []float32, k int, exclude string) []Neighbor {
	if k <= 0 || len(ix.labels) == 0 {
		return nil
	}

	// Tombstones and the excluded fingerprint are filtered after the
	// graph search, so widen the beam to keep k live results reachable.
	searchK := k + (ix.g.size() - len(ix.labels)) + 1
	if searchK > ix.g.size() {
		searchK = ix.g.size()
	}
	ef := ix.opts.EfSearch
	if ef < searchK {
		ef = searchK
	}

	raw := ix.g.search(normalized, searchK, ef)
	out := make([]Neighbor, 0, k)
	for _, s := range raw {
		rec, live := ix.records[s.label]
		if !live || rec.Fingerprint == exclude {
			continue
		}
		sim := clipSimilarity(1 - s.dist)
		if sim < ix.opts.MinSimilarity {
			continue
		}
		out = append(out, Neighbor{Intent: rec, Similarity: sim})
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if a.Intent.OfferedFee != b.Intent.OfferedFee {
			return a.Intent.OfferedFee > b.Intent.OfferedFee
		}
		if a.Intent.Timestamp != b.Intent.Timestamp {
			return a.Intent.Timestamp < b.Intent.Timestamp
		}
		return a.Intent.Fingerprint < b.Intent.Fingerprint
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// TopAlignmentCandidates queries neighbours for every intent that has an
// embedding, deduplicates unordered pairs, and returns the topK candidates
// by priority.
func (ix *Index) TopAlignmentCandidates(intents []*intent.Intent, embeds map[string][]float32, topK int) []*AlignmentCandidate {
	if topK <= 0 {
		return nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	byPair := make(map[string]*AlignmentCandidate)
	for _, a := range intents {
		vec, ok := embeds[a.Fingerprint]
		if !ok || len(vec) != ix.opts.Dimension {
			continue
		}
		for _, n := range ix.queryLocked(normalize(vec), topK, a.Fingerprint) {
			cand := &AlignmentCandidate{
				A:              a,
				B:              n.Intent,
				Similarity:     n.Similarity,
				EstimatedValue: a.OfferedFee + n.Intent.OfferedFee,
				Priority:       n.Similarity * (a.OfferedFee + n.Intent.OfferedFee + priorityEpsilon),
			}
			key := cand.PairKey()
			if prev, dup := byPair[key]; !dup || cand.Priority > prev.Priority {
				byPair[key] = cand
			}
		}
	}

	out := make([]*AlignmentCandidate, 0, len(byPair))
	for _, c := range byPair {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return strings.Compare(out[i].PairKey(), out[j].PairKey()) < 0
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out
}

// rebuildLocked reconstructs the graph from live vectors only. Caller must
// hold the write lock.
func (ix *Index) rebuildLocked() {
	fresh := newHNSW(ix.opts.Dimension, ix.opts.M, ix.opts.EfConstruction)
	labels := make(map[string]uint32, len(ix.labels))
	records := make(map[uint32]*intent.Intent, len(ix.records))

	// Insert in stable fingerprint order so the rebuilt graph does not
	// depend on map iteration.
	fps := make([]string, 0, len(ix.labels))
	for fp := range ix.labels {
		fps = append(fps, fp)
	}
	sort.Strings(fps)
	for _, fp := range fps {
		old := ix.labels[fp]
		label := fresh.insert(ix.g.vector(old))
		labels[fp] = label
		records[label] = ix.records[old]
	}

	ix.g = fresh
	ix.labels = labels
	ix.records = records
	ix.rebuilds++
	ix.dirty = true
	ix.log.Info("rebuilt vector index", zap.Int("live", len(labels)))
}

func vecEqual(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
