// Package classify caches per-region trivial-content summaries so the
// streaming controller can skip empty/solid regions. Entries are derived,
// invalidatable facts: they are never authoritative over pending edits or a
// Modified status.
package classify

import (
	"sync"

	"terrastream.dev/internal/sim/terrain/region"
)

// Entry summarizes a region's content at classification time.
type Entry struct {
	Empty    bool
	Solid    bool
	Modified bool
}

// Sink receives entries persisted from the pending save queue. May be nil,
// in which case processed saves are dropped after updating the in-memory map.
type Sink interface {
	SaveClassification(c region.Coord, e Entry) error
}

type pendingSave struct {
	coord region.Coord
	entry Entry
}

type Cache struct {
	mu      sync.Mutex
	entries map[region.Coord]Entry
	pending []pendingSave
	sink    Sink
}

func NewCache(sink Sink) *Cache {
	return &Cache{entries: map[region.Coord]Entry{}, sink: sink}
}

// Warm seeds the in-memory map from persisted entries without queueing
// writes back to the sink.
func (c *Cache) Warm(entries map[region.Coord]Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for coord, e := range entries {
		c.entries[coord] = e
	}
}

func (c *Cache) TryGet(coord region.Coord) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[coord]
	return e, ok
}

// Save records the entry immediately and queues the persistence write; the
// streaming and mutation paths never block on the sink.
func (c *Cache) Save(coord region.Coord, e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[coord] = e
	if c.sink != nil {
		c.pending = append(c.pending, pendingSave{coord: coord, entry: e})
	}
}

// Invalidate removes the entry and any queued save for it. A TryGet after
// Invalidate never returns the invalidated value.
func (c *Cache) Invalidate(coord region.Coord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, coord)
	kept := c.pending[:0]
	for _, p := range c.pending {
		if p.coord != coord {
			kept = append(kept, p)
		}
	}
	c.pending = kept
}

func (c *Cache) HasPendingWork() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending) > 0
}

// ProcessPendingSavesImmediate flushes up to n queued saves through the sink.
// Used to pace throughput during bulk initial load.
func (c *Cache) ProcessPendingSavesImmediate(n int) int {
	c.mu.Lock()
	if n <= 0 || n > len(c.pending) {
		n = len(c.pending)
	}
	batch := make([]pendingSave, n)
	copy(batch, c.pending[:n])
	c.pending = append(c.pending[:0], c.pending[n:]...)
	sink := c.sink
	c.mu.Unlock()

	done := 0
	for _, p := range batch {
		if sink != nil {
			if err := sink.SaveClassification(p.coord, p.entry); err != nil {
				continue
			}
		}
		done++
	}
	return done
}
