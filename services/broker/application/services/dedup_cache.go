package services

import (
	"container/list"
	"sync"
)

// dedupCache is a bounded LRU set of seen message IDs, used for optional
// duplicate suppression on redelivery. Capacity 0 disables it: Seen always
// reports false and Add is a no-op, so callers don't need a separate
// enabled flag.
type dedupCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

func newDedupCache(capacity int) *dedupCache {
	return &dedupCache{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
}

// Seen reports whether messageID was already recorded, refreshing its
// recency if so.
func (d *dedupCache) Seen(messageID string) bool {
	if d.capacity <= 0 {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	el, ok := d.index[messageID]
	if !ok {
		return false
	}
	d.order.MoveToFront(el)
	return true
}

// Add records messageID as seen, evicting the least-recently-used entry
// if the cache is at capacity.
func (d *dedupCache) Add(messageID string) {
	if d.capacity <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if el, ok := d.index[messageID]; ok {
		d.order.MoveToFront(el)
		return
	}

	el := d.order.PushFront(messageID)
	d.index[messageID] = el

	for d.order.Len() > d.capacity {
		oldest := d.order.Back()
		if oldest == nil {
			break
		}
		d.order.Remove(oldest)
		delete(d.index, oldest.Value.(string))
	}
}
