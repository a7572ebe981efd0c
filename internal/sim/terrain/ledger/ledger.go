// Package ledger queues density edits for regions that are not yet resident.
// Once a coordinate has an entry, no transition may drop it; the queue is
// drained exactly once, in receipt order, when the region becomes resident.
package ledger

import (
	"sync"

	"terrastream.dev/internal/sim/terrain/region"
)

// Edit is one queued density edit. The world position is kept (rather than a
// local coordinate) so the radius resolves correctly on replay.
type Edit struct {
	WorldPos region.Vec3
	Radius   float64
	Adding   bool
	// ForceFalloff pins falloff to 1 on replay. Set only when the edit was
	// queued for a region outside its normal radius because that region was
	// marked for modification; both sides of the boundary must agree on the
	// shape of the same cut.
	ForceFalloff bool
}

type Ledger struct {
	mu     sync.Mutex
	queues map[region.Coord][]Edit
}

func New() *Ledger {
	return &Ledger{queues: map[region.Coord][]Edit{}}
}

func (l *Ledger) Append(c region.Coord, e Edit) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queues[c] = append(l.queues[c], e)
}

// Drain removes and returns the queue for c in receipt order.
func (l *Ledger) Drain(c region.Coord) []Edit {
	l.mu.Lock()
	defer l.mu.Unlock()
	q := l.queues[c]
	delete(l.queues, c)
	return q
}

func (l *Ledger) Has(c region.Coord) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queues[c]) > 0
}

func (l *Ledger) Len(c region.Coord) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queues[c])
}

// Coords lists every coordinate with at least one queued edit.
func (l *Ledger) Coords() []region.Coord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]region.Coord, 0, len(l.queues))
	for c := range l.queues {
		out = append(out, c)
	}
	return out
}
