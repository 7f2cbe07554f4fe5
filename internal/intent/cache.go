package intent

import (
	"container/list"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache is the authoritative in-process view of pending intents. It is
// keyed by fingerprint and preserves insertion order so scanning stays fair.
// The ingest loop is the single writer; readers take snapshots of
// references and tolerate concurrent reconciliation.
type Cache struct {
	mu    sync.RWMutex
	max   int
	order *list.List // of *Intent, oldest at front
	byFP  map[string]*list.Element

	// Fingerprints rejected by validation. Reconcile refuses to re-admit
	// them so a malformed intent is skipped once, not re-validated and
	// re-logged every tick.
	unalignable *lru.Cache[string, struct{}]

	// Fingerprints flagged for adversarial content. Flagged intents stay
	// cached; the flag only feeds the status surface and logging.
	suspects map[string]struct{}

	additions uint64
	removals  uint64
	evictions uint64
}

// CacheStats is a point-in-time snapshot of cache occupancy and churn.
type CacheStats struct {
	Size        int    `json:"size"`
	Capacity    int    `json:"capacity"`
	Unalignable int    `json:"unalignable"`
	Suspects    int    `json:"suspects"`
	Additions   uint64 `json:"additions"`
	Removals    uint64 `json:"removals"`
	Evictions   uint64 `json:"evictions"`
}

// NewCache creates a cache bounded to max intents. max must be positive.
func NewCache(max int) *Cache {
	if max <= 0 {
		max = 1
	}
	rejected, _ := lru.New[string, struct{}](max)
	return &Cache{
		max:         max,
		order:       list.New(),
		byFP:        make(map[string]*list.Element),
		unalignable: rejected,
		suspects:    make(map[string]struct{}),
	}
}

// Len returns the number of cached intents.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.order.Len()
}

// Get returns the cached intent for fp, if present.
func (c *Cache) Get(fp string) (*Intent, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	el, ok := c.byFP[fp]
	if !ok {
		return nil, false
	}
	return el.Value.(*Intent), true
}

// Snapshot returns the cached intents in insertion order. The slice is
// fresh; the intent records are shared references and must be treated as
// read-only.
func (c *Cache) Snapshot() []*Intent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Intent, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*Intent))
	}
	return out
}

// Reconcile replaces the cache's view with the authoritative pending set
// from the chain. Intents present on chain but absent here are inserted;
// intents present here but absent on chain are dropped. The returned
// removed list includes capacity evictions so the caller can propagate
// every departure to the vector index and the embedding memo.
//
// Callers must not invoke Reconcile when the pending fetch itself failed:
// a fetch failure keeps the stale view rather than erasing knowledge.
func (c *Cache) Reconcile(pending []*Intent) (added, removed []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	onChain := make(map[string]struct{}, len(pending))
	for _, in := range pending {
		if in == nil || in.Status != StatusPending {
			continue
		}
		if _, rejected := c.unalignable.Get(in.Fingerprint); rejected {
			continue
		}
		onChain[in.Fingerprint] = struct{}{}
	}

	// Drop everything the chain no longer reports as pending.
	var next *list.Element
	for el := c.order.Front(); el != nil; el = next {
		next = el.Next()
		fp := el.Value.(*Intent).Fingerprint
		if _, ok := onChain[fp]; !ok {
			c.dropLocked(el)
			removed = append(removed, fp)
			c.removals++
		}
	}

	// Insert newcomers in the order the chain reported them.
	for _, in := range pending {
		if _, ok := onChain[in.Fingerprint]; !ok {
			continue
		}
		if _, exists := c.byFP[in.Fingerprint]; exists {
			continue
		}
		c.byFP[in.Fingerprint] = c.order.PushBack(in)
		added = append(added, in.Fingerprint)
		c.additions++
	}

	// Evict from the front (oldest) when over capacity. Evicted intents
	// are still pending on chain but leave local candidacy entirely, so
	// they count as removals for propagation purposes.
	for c.order.Len() > c.max {
		el := c.order.Front()
		fp := el.Value.(*Intent).Fingerprint
		c.dropLocked(el)
		removed = append(removed, fp)
		c.evictions++
	}

	return added, removed
}

// MarkUnalignable records that fp failed validation. The entry, if cached,
// is dropped and will not be re-admitted by Reconcile.
func (c *Cache) MarkUnalignable(fp string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unalignable.Add(fp, struct{}{})
	if el, ok := c.byFP[fp]; ok {
		c.dropLocked(el)
		c.removals++
	}
}

// MarkSuspect flags a cached intent as carrying adversarial content.
func (c *Cache) MarkSuspect(fp string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byFP[fp]; ok {
		c.suspects[fp] = struct{}{}
	}
}

// Suspect reports whether fp is flagged.
func (c *Cache) Suspect(fp string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.suspects[fp]
	return ok
}

// Stats returns a snapshot of occupancy and churn counters.
func (c *Cache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CacheStats{
		Size:        c.order.Len(),
		Capacity:    c.max,
		Unalignable: c.unalignable.Len(),
		Suspects:    len(c.suspects),
		Additions:   c.additions,
		Removals:    c.removals,
		Evictions:   c.evictions,
	}
}

// dropLocked removes el from the order list, the index, and the suspect
// set. Caller must hold the lock.
func (c *Cache) dropLocked(el *list.Element) {
	fp := el.Value.(*Intent).Fingerprint
	c.order.Remove(el)
	delete(c.byFP, fp)
	delete(c.suspects, fp)
}
