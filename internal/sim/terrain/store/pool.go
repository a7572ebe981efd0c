package store

// Pool is a capacity-limited supply of region data instances. Exhaustion
// degrades to retry-later: Acquire reports false and the caller keeps the
// request queued.
type Pool struct {
	free chan *RegionData
}

func NewPool(capacity, size int, voxelSize float64) *Pool {
	p := &Pool{free: make(chan *RegionData, capacity)}
	for i := 0; i < capacity; i++ {
		p.free <- NewRegionData(size, voxelSize)
	}
	return p
}

func (p *Pool) Acquire() (*RegionData, bool) {
	select {
	case d := <-p.free:
		return d, true
	default:
		return nil, false
	}
}

func (p *Pool) Release(d *RegionData) {
	if d == nil {
		return
	}
	d.Reset(d.Coord)
	select {
	case p.free <- d:
	default:
		// Pool already full; drop the instance.
	}
}

// Free reports how many instances remain available.
func (p *Pool) Free() int { return len(p.free) }

// Capacity is the configured pool size.
func (p *Pool) Capacity() int { return cap(p.free) }

// Utilization is 1 when the pool is exhausted; the recovery supervisor uses
// it as its ambient memory-pressure signal.
func (p *Pool) Utilization() float64 {
	c := cap(p.free)
	if c == 0 {
		return 1
	}
	return 1 - float64(len(p.free))/float64(c)
}
