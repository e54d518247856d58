// Package resultcache implements the short-lived, bounded in-memory result
// cache (§4.2) and the unbounded, externally-populated rank side-table.
package resultcache

import (
	"container/list"
	"sync"
	"time"

	"inspectd/internal/item"
)

const (
	// DefaultMaxEntries is the §3 default bound.
	DefaultMaxEntries = 2000
	// TTL is the fixed entry lifetime (§3, §4.2).
	TTL = time.Hour
)

// Entry is the cached record for one asset id (§3 CachedItem).
type Entry struct {
	Item       item.Decorated
	Price      *uint64
	InsertedAt time.Time
}

// Cache is the bounded, insertion-order-FIFO result cache. All operations
// are safe for concurrent use (§4.2: "readers do not observe torn
// entries").
type Cache struct {
	mu         sync.RWMutex
	maxEntries int
	entries    map[string]*list.Element // assetID -> element in order
	order      *list.List               // front = oldest insertion

	rankMu sync.RWMutex
	rank   map[string]item.RankInfo
}

type orderNode struct {
	assetID string
	entry   Entry
}

// New creates a Cache bounded at maxEntries (0 means DefaultMaxEntries).
func New(maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Cache{
		maxEntries: maxEntries,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		rank:       make(map[string]item.RankInfo),
	}
}

// Insert overwrites any existing entry for this asset, resetting its
// InsertedAt, and evicts the oldest entry first if at capacity (§4.2).
func (c *Cache) Insert(it item.Decorated, price *uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	if el, ok := c.entries[it.A]; ok {
		c.order.Remove(el)
		delete(c.entries, it.A)
	}

	for c.order.Len() >= c.maxEntries {
		c.evictOldestLocked()
	}

	node := &orderNode{assetID: it.A, entry: Entry{Item: it, Price: price, InsertedAt: now}}
	el := c.order.PushBack(node)
	c.entries[it.A] = el
}

func (c *Cache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	node := front.Value.(*orderNode)
	c.order.Remove(front)
	delete(c.entries, node.assetID)
}

// GetMany looks up a batch of asset ids in one call (§4.2, §9: canonicalize
// the lookup contract at the scheduler boundary to a list of asset ids).
// The returned slice has the same length and order as assetIDs; a missing
// entry is represented by a nil *Entry at that position.
func (c *Cache) GetMany(assetIDs []string) []*Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Entry, len(assetIDs))
	for i, id := range assetIDs {
		if el, ok := c.entries[id]; ok {
			node := el.Value.(*orderNode)
			cp := node.entry
			out[i] = &cp
		}
	}
	return out
}

// Get is a single-asset convenience wrapper over GetMany.
func (c *Cache) Get(assetID string) (Entry, bool) {
	res := c.GetMany([]string{assetID})[0]
	if res == nil {
		return Entry{}, false
	}
	return *res, true
}

// UpdatePrice is a no-op if the asset is not cached (§4.2).
func (c *Cache) UpdatePrice(assetID string, price uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[assetID]
	if !ok {
		return
	}
	node := el.Value.(*orderNode)
	node.entry.Price = &price
}

// CleanupExpired removes entries older than TTL. Intended to be called on
// a ≥15-minute timer (§4.2); lookups do not check TTL inline.
func (c *Cache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-TTL)
	removed := 0

	var next *list.Element
	for el := c.order.Front(); el != nil; el = next {
		next = el.Next()
		node := el.Value.(*orderNode)
		if node.entry.InsertedAt.Before(cutoff) {
			c.order.Remove(el)
			delete(c.entries, node.assetID)
			removed++
			continue
		}
		// the whole list is scanned; the loop does not stop at the first fresh entry.
	}
	return removed
}

// Size reports the current number of cached entries (for /stats and tests).
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.order.Len()
}

// GetRank returns the rank side-table entry for assetID, or the zero value
// if absent (§4.2, §9: rank cache is read-only here, populated externally).
func (c *Cache) GetRank(assetID string) item.RankInfo {
	c.rankMu.RLock()
	defer c.rankMu.RUnlock()
	return c.rank[assetID]
}

// SetRank is exposed for the external game-data pipeline to populate the
// rank side-table (§9: empty in the MVP, but the write path must exist).
func (c *Cache) SetRank(assetID string, info item.RankInfo) {
	c.rankMu.Lock()
	defer c.rankMu.Unlock()
	c.rank[assetID] = info
}

// RankSize reports the number of rank entries currently held.
func (c *Cache) RankSize() int {
	c.rankMu.RLock()
	defer c.rankMu.RUnlock()
	return len(c.rank)
}
