// Package stream decides, per tick, which regions to load and unload around
// the current observers, and recovers regions stuck in transient states.
package stream

import (
	"math"
	"sort"
	"time"

	"terrastream.dev/internal/sim/terrain/classify"
	"terrastream.dev/internal/sim/terrain/ledger"
	"terrastream.dev/internal/sim/terrain/region"
	"terrastream.dev/internal/sim/tuning"
)

type ControllerConfig struct {
	RegionSize int
	VoxelSize  float64
	Streaming  tuning.StreamingTuning
}

// Controller runs the per-tick load/unload scan. All collaborators are
// injected; requestLoad and requestUnload must be idempotent.
type Controller struct {
	cfg    ControllerConfig
	states *region.Table
	ledger *ledger.Ledger
	cache  *classify.Cache

	resident       func(region.Coord) bool
	residentCoords func() []region.Coord
	requestLoad    func(region.Coord)
	requestUnload  func(region.Coord)

	// Deferred unloads keyed by wake time; the coroutine-style delayed
	// unload of old engines becomes an explicit queue drained on tick.
	deferred map[region.Coord]time.Time
}

func NewController(cfg ControllerConfig, states *region.Table, led *ledger.Ledger, cache *classify.Cache,
	resident func(region.Coord) bool,
	residentCoords func() []region.Coord,
	requestLoad func(region.Coord),
	requestUnload func(region.Coord)) *Controller {
	return &Controller{
		cfg:            cfg,
		states:         states,
		ledger:         led,
		cache:          cache,
		resident:       resident,
		residentCoords: residentCoords,
		requestLoad:    requestLoad,
		requestUnload:  requestUnload,
		deferred:       map[region.Coord]time.Time{},
	}
}

type candidate struct {
	coord region.Coord
	dist  float64
}

// Tick runs one streaming pass for the union of observer interest volumes.
// An empty observer set is a valid union: nothing loads and every resident
// region is outside every radius, so an observerless world drains.
func (c *Controller) Tick(now time.Time, observers []region.Vec3) {
	c.scanLoads(observers)
	c.scanUnloads(now, observers)
	c.drainDeferred(now, observers)
}

// RequestUnload forces the region's deferred entry due on the next drain.
// The drain still applies the cancellation checks: a pending edit, a
// modification mark, or an observer in range keeps the region resident.
func (c *Controller) RequestUnload(coord region.Coord) {
	c.deferred[coord] = time.Time{}
}

func (c *Controller) regionWorld() float64 {
	return float64(c.cfg.RegionSize) * c.cfg.VoxelSize
}

func (c *Controller) scanLoads(observers []region.Vec3) {
	s := c.cfg.Streaming
	rw := c.regionWorld()

	// The observer's own region and its 8 lateral neighbors load with no
	// shortcut and outside the budget.
	forced := map[region.Coord]bool{}
	for _, p := range observers {
		oc := region.CoordAt(p, rw)
		for dz := -1; dz <= 1; dz++ {
			for dx := -1; dx <= 1; dx++ {
				forced[region.Coord{X: oc.X + dx, Y: oc.Y, Z: oc.Z + dz}] = true
			}
		}
	}
	for fc := range forced {
		if !c.resident(fc) && c.loadable(fc) {
			c.requestLoad(fc)
		}
	}

	seen := map[region.Coord]bool{}
	var cands []candidate
	for _, p := range observers {
		oc := region.CoordAt(p, rw)
		for dy := -s.VerticalLoadRadius; dy <= s.VerticalLoadRadius; dy++ {
			for dz := -s.LoadRadius; dz <= s.LoadRadius; dz++ {
				for dx := -s.LoadRadius; dx <= s.LoadRadius; dx++ {
					cc := region.Coord{X: oc.X + dx, Y: oc.Y + dy, Z: oc.Z + dz}
					if forced[cc] || seen[cc] {
						continue
					}
					seen[cc] = true
					if !c.ShouldLoad(cc, observers) {
						continue
					}
					// Sort key only; the radius test above is the square scan.
					d := math.Sqrt(float64(dx*dx+dz*dz) + float64(dy*dy))
					cands = append(cands, candidate{coord: cc, dist: d})
				}
			}
		}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].dist < cands[j].dist })

	budget := s.LoadBudgetPerTick
	for _, cand := range cands {
		if budget <= 0 {
			break
		}
		c.requestLoad(cand.coord)
		budget--
	}
}

// loadable reports whether the coordinate is in a state a load request can
// act on.
func (c *Controller) loadable(coord region.Coord) bool {
	st := c.states.GetState(coord)
	return st == region.StatusNone || st == region.StatusUnloaded
}

// ShouldLoad is the load decision for one coordinate, evaluated with
// short-circuiting precedence:
//
//  1. already resident -> false
//  2. pending edit or cache-marked modified -> true (overrides everything)
//  3. quarantined with no pending edit -> false
//  4. status in flight (not None/Unloaded) -> false
//  5. cache says empty/solid -> true only within interaction distance
//  6. otherwise -> true
func (c *Controller) ShouldLoad(coord region.Coord, observers []region.Vec3) bool {
	if c.resident(coord) {
		return false
	}
	entry, known := c.cache.TryGet(coord)
	if c.ledger.Has(coord) || (known && entry.Modified) {
		return true
	}
	if c.states.IsQuarantined(coord) {
		return false
	}
	if !c.loadable(coord) {
		return false
	}
	if known && (entry.Empty || entry.Solid) {
		// Trivial regions are still loaded once an observer is close enough
		// to mine into them.
		return c.nearObserver(coord, observers, c.cfg.Streaming.InteractionDistance)
	}
	return true
}

func (c *Controller) nearObserver(coord region.Coord, observers []region.Vec3, within float64) bool {
	box := coord.Bounds(c.regionWorld())
	for _, p := range observers {
		if box.DistTo(p) <= within {
			return true
		}
	}
	return false
}

func (c *Controller) scanUnloads(now time.Time, observers []region.Vec3) {
	s := c.cfg.Streaming
	rw := c.regionWorld()
	for _, rc := range c.residentCoords() {
		if c.withinAnyObserver(rc, observers, s.UnloadRadius, s.VerticalUnloadRadius, rw) {
			delete(c.deferred, rc)
			continue
		}
		if c.ledger.Has(rc) || c.states.IsMarkedForModification(rc) {
			continue
		}
		if _, queued := c.deferred[rc]; !queued {
			c.deferred[rc] = now.Add(time.Duration(s.UnloadDelayMs) * time.Millisecond)
		}
	}
}

func (c *Controller) withinAnyObserver(coord region.Coord, observers []region.Vec3, radius, vertical int, rw float64) bool {
	for _, p := range observers {
		oc := region.CoordAt(p, rw)
		dx, dy, dz := coord.X-oc.X, coord.Y-oc.Y, coord.Z-oc.Z
		if abs(dx) <= radius && abs(dz) <= radius && abs(dy) <= vertical {
			return true
		}
	}
	return false
}

// drainDeferred fires unloads whose wake time has passed, re-checking the
// cancellation conditions: an edit that arrived during the delay cancels the
// unload.
func (c *Controller) drainDeferred(now time.Time, observers []region.Vec3) {
	s := c.cfg.Streaming
	rw := c.regionWorld()
	for coord, wake := range c.deferred {
		if wake.After(now) {
			continue
		}
		delete(c.deferred, coord)
		if !c.resident(coord) {
			continue
		}
		if c.ledger.Has(coord) || c.states.IsMarkedForModification(coord) {
			continue
		}
		if c.withinAnyObserver(coord, observers, s.UnloadRadius, s.VerticalUnloadRadius, rw) {
			continue
		}
		c.requestUnload(coord)
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
