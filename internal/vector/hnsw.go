package vector

import (
	"container/heap"
	"math"
	"math/rand"
)

// hnsw is a hierarchical navigable small-world graph over unit vectors.
// Distance is cosine distance (1 - dot) on normalised inputs. Labels are
// assigned densely in insertion order and never reused; logical deletion
// is handled a layer above by dropping the label's record.
type hnsw struct {
	dim   int
	m     int // max links per node above level 0
	mMax0 int // max links at level 0
	efC   int
	ml    float64

	entry    int // entry label, -1 while empty
	maxLevel int
	nodes    []*hnswNode
	rng      *rand.Rand
}

type hnswNode struct {
	vec   []float32
	level int
	links [][]uint32
}

type scored struct {
	label uint32
	dist  float64
}

func newHNSW(dim, m, efConstruction int) *hnsw {
	return &hnsw{
		dim:   dim,
		m:     m,
		mMax0: 2 * m,
		efC:   efConstruction,
		ml:    1 / math.Log(float64(m)),
		entry: -1,
		// Level draws only shape the graph; a fixed seed keeps index
		// construction reproducible across runs.
		rng: rand.New(rand.NewSource(42)),
	}
}

func (h *hnsw) size() int { return len(h.nodes) }

func (h *hnsw) vector(label uint32) []float32 {
	return h.nodes[label].vec
}

func (h *hnsw) distance(a []float32, label uint32) float64 {
	return 1 - dot(a, h.nodes[label].vec)
}

// insert adds a normalised vector and returns its label.
func (h *hnsw) insert(vec []float32) uint32 {
	label := uint32(len(h.nodes))
	level := h.randomLevel()

	node := &hnswNode{vec: vec, level: level, links: make([][]uint32, level+1)}
	h.nodes = append(h.nodes, node)

	if h.entry < 0 {
		h.entry = int(label)
		h.maxLevel = level
		return label
	}

	ep := uint32(h.entry)
	for l := h.maxLevel; l > level; l-- {
		ep = h.greedyStep(vec, ep, l)
	}

	top := level
	if top > h.maxLevel {
		top = h.maxLevel
	}
	for l := top; l >= 0; l-- {
		found := h.searchLayer(vec, ep, h.efC, l)
		neighbors := h.closest(found, h.m)
		for _, n := range neighbors {
			h.link(label, n.label, l)
			h.link(n.label, label, l)
		}
		if len(found) > 0 {
			ep = h.closest(found, 1)[0].label
		}
	}

	if level > h.maxLevel {
		h.maxLevel = level
		h.entry = int(label)
	}
	return label
}

// search returns up to k labels nearest to query, closest first. ef bounds
// the candidate frontier at the base layer.
func (h *hnsw) search(query []float32, k, ef int) []scored {
	if h.entry < 0 || k <= 0 {
		return nil
	}
	if ef < k {
		ef = k
	}

	ep := uint32(h.entry)
	for l := h.maxLevel; l >= 1; l-- {
		ep = h.greedyStep(query, ep, l)
	}

	found := h.searchLayer(query, ep, ef, 0)
	return h.closest(found, k)
}

// greedyStep walks level l from ep to the locally closest node.
func (h *hnsw) greedyStep(query []float32, ep uint32, l int) uint32 {
	cur := ep
	curDist := h.distance(query, cur)
	for {
		improved := false
		for _, n := range h.linksAt(cur, l) {
			if d := h.distance(query, n); d < curDist {
				cur, curDist = n, d
				improved = true
			}
		}
		if !improved {
			return cur
		}
	}
}

// searchLayer is the beam search over one level.
func (h *hnsw) searchLayer(query []float32, ep uint32, ef, l int) []scored {
	visited := map[uint32]struct{}{ep: {}}
	epDist := h.distance(query, ep)

	candidates := &minQueue{{ep, epDist}}
	results := &maxQueue{{ep, epDist}}

	for candidates.Len() > 0 {
		c := heap.Pop(candidates).(scored)
		if c.dist > (*results)[0].dist && results.Len() >= ef {
			break
		}
		for _, n := range h.linksAt(c.label, l) {
			if _, seen := visited[n]; seen {
				continue
			}
			visited[n] = struct{}{}
			d := h.distance(query, n)
			if results.Len() < ef || d < (*results)[0].dist {
				heap.Push(candidates, scored{n, d})
				heap.Push(results, scored{n, d})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}
	return *results
}

// link attaches neighbor to from's adjacency at level l, pruning to the
// level's degree bound by keeping the closest links.
func (h *hnsw) link(from, neighbor uint32, l int) {
	if from == neighbor {
		return
	}
	node := h.nodes[from]
	if l > node.level {
		return
	}
	for _, existing := range node.links[l] {
		if existing == neighbor {
			return
		}
	}
	node.links[l] = append(node.links[l], neighbor)

	bound := h.m
	if l == 0 {
		bound = h.mMax0
	}
	if len(node.links[l]) > bound {
		links := make([]scored, 0, len(node.links[l]))
		for _, n := range node.links[l] {
			links = append(links, scored{n, h.distance(node.vec, n)})
		}
		keep := h.closest(links, bound)
		pruned := make([]uint32, 0, bound)
		for _, s := range keep {
			pruned = append(pruned, s.label)
		}
		node.links[l] = pruned
	}
}

func (h *hnsw) linksAt(label uint32, l int) []uint32 {
	node := h.nodes[label]
	if l > node.level {
		return nil
	}
	return node.links[l]
}

// closest returns the k lowest-distance entries of s, closest first.
func (h *hnsw) closest(s []scored, k int) []scored {
	out := make([]scored, len(s))
	copy(out, s)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].dist < out[j-1].dist; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	if len(out) > k {
		out = out[:k]
	}
	return out
}

func (h *hnsw) randomLevel() int {
	u := h.rng.Float64()
	for u == 0 {
		u = h.rng.Float64()
	}
	level := int(math.Floor(-math.Log(u) * h.ml))
	if level > 32 {
		level = 32
	}
	return level
}

// minQueue pops the closest entry first.
type minQueue []scored

func (q minQueue) Len() int            { return len(q) }
func (q minQueue) Less(i, j int) bool  { return q[i].dist < q[j].dist }
func (q minQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *minQueue) Push(x interface{}) { *q = append(*q, x.(scored)) }
func (q *minQueue) Pop() interface{} {
	old := *q
	n := len(old)
	x := old[n-1]
	*q = old[:n-1]
	return x
}

// maxQueue pops the farthest entry first, so the root is the current
// worst result and trimming to ef is O(log n).
type maxQueue []scored

func (q maxQueue) Len() int            { return len(q) }
func (q maxQueue) Less(i, j int) bool  { return q[i].dist > q[j].dist }
func (q maxQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *maxQueue) Push(x interface{}) { *q = append(*q, x.(scored)) }
func (q *maxQueue) Pop() interface{} {
	old := *q
	n := len(old)
	x := old[n-1]
	*q = old[:n-1]
	return x
}
