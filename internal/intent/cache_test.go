package intent

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pendingIntent(fp string) *Intent {
	in := validIntent()
	in.Fingerprint = fp
	return in
}

func TestCacheReconcileAddsAndRemoves(t *testing.T) {
	c := NewCache(10)

	a, b := pendingIntent("in:a"), pendingIntent("in:b")
	added, removed := c.Reconcile([]*Intent{a, b})
	assert.ElementsMatch(t, []string{"in:a", "in:b"}, added)
	assert.Empty(t, removed)
	assert.Equal(t, 2, c.Len())

	// b leaves the pending set, c arrives.
	cc := pendingIntent("in:c")
	added, removed = c.Reconcile([]*Intent{a, cc})
	assert.Equal(t, []string{"in:c"}, added)
	assert.Equal(t, []string{"in:b"}, removed)

	_, ok := c.Get("in:b")
	assert.False(t, ok)
	got, ok := c.Get("in:a")
	require.True(t, ok)
	assert.Same(t, a, got)
}

func TestCacheSnapshotPreservesInsertionOrder(t *testing.T) {
	c := NewCache(10)
	c.Reconcile([]*Intent{pendingIntent("in:1"), pendingIntent("in:2")})
	c.Reconcile([]*Intent{pendingIntent("in:1"), pendingIntent("in:2"), pendingIntent("in:3")})

	snap := c.Snapshot()
	require.Len(t, snap, 3)
	for i, want := range []string{"in:1", "in:2", "in:3"} {
		assert.Equal(t, want, snap[i].Fingerprint)
	}
}

func TestCacheIgnoresNonPending(t *testing.T) {
	c := NewCache(10)
	closed := pendingIntent("in:closed")
	closed.Status = StatusClosed
	added, _ := c.Reconcile([]*Intent{closed, pendingIntent("in:open")})
	assert.Equal(t, []string{"in:open"}, added)
	assert.Equal(t, 1, c.Len())
}

func TestCacheEvictsOldestOverCapacity(t *testing.T) {
	c := NewCache(3)
	var set []*Intent
	for i := 0; i < 5; i++ {
		set = append(set, pendingIntent(fmt.Sprintf("in:%d", i)))
	}
	added, removed := c.Reconcile(set)
	assert.Len(t, added, 5)
	// The two oldest insertions are evicted and reported for propagation.
	assert.Equal(t, []string{"in:0", "in:1"}, removed)
	assert.Equal(t, 3, c.Len())

	snap := c.Snapshot()
	assert.Equal(t, "in:2", snap[0].Fingerprint)
}

func TestCacheUnalignableNotReadmitted(t *testing.T) {
	c := NewCache(10)
	c.Reconcile([]*Intent{pendingIntent("in:bad"), pendingIntent("in:good")})
	c.MarkUnalignable("in:bad")
	assert.Equal(t, 1, c.Len())

	// The chain still reports it pending; reconcile must not re-admit it,
	// and it must not be reported removed again.
	added, removed := c.Reconcile([]*Intent{pendingIntent("in:bad"), pendingIntent("in:good")})
	assert.Empty(t, added)
	assert.Empty(t, removed)
	_, ok := c.Get("in:bad")
	assert.False(t, ok)
}

func TestCacheSuspectFlag(t *testing.T) {
	c := NewCache(10)
	c.Reconcile([]*Intent{pendingIntent("in:x")})

	c.MarkSuspect("in:x")
	assert.True(t, c.Suspect("in:x"))

	// Flag does not survive removal from the cache.
	c.Reconcile(nil)
	assert.False(t, c.Suspect("in:x"))

	// Flagging an uncached fingerprint is a no-op.
	c.MarkSuspect("in:ghost")
	assert.False(t, c.Suspect("in:ghost"))
}

func TestCacheStats(t *testing.T) {
	c := NewCache(2)
	c.Reconcile([]*Intent{pendingIntent("in:1"), pendingIntent("in:2"), pendingIntent("in:3")})
	c.Reconcile([]*Intent{pendingIntent("in:2"), pendingIntent("in:3")})

	st := c.Stats()
	assert.Equal(t, 2, st.Size)
	assert.Equal(t, 2, st.Capacity)
	assert.Equal(t, uint64(3), st.Additions)
	assert.Equal(t, uint64(1), st.Evictions)
}
