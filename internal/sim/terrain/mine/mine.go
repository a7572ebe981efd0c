// Package mine applies spherical density edits to the terrain. An edit
// either lands directly on resident region data or is queued in the ledger
// and replayed, in receipt order, when the region becomes resident.
package mine

import (
	"math"

	"terrastream.dev/internal/sim/terrain/classify"
	"terrastream.dev/internal/sim/terrain/ledger"
	"terrastream.dev/internal/sim/terrain/region"
	"terrastream.dev/internal/sim/terrain/store"
	"terrastream.dev/internal/sim/tuning"
)

type Config struct {
	RegionSize       int
	VoxelSize        float64
	SurfaceThreshold float32
	Mining           tuning.MiningTuning
}

// Engine resolves the affected-region set for an edit and performs the
// per-region density update. Collaborators are injected; there is no ambient
// global lookup.
type Engine struct {
	cfg    Config
	states *region.Table
	ledger *ledger.Ledger
	cache  *classify.Cache

	// resident returns allocated region data for a coordinate, or nil.
	resident func(region.Coord) *store.RegionData
	// requestLoad issues an immediate-load request for a queued edit target.
	requestLoad func(region.Coord)
	// remesh is the fire-and-forget surface re-extraction request.
	remesh func(region.Coord)
}

func New(cfg Config, states *region.Table, led *ledger.Ledger, cache *classify.Cache,
	resident func(region.Coord) *store.RegionData,
	requestLoad func(region.Coord),
	remesh func(region.Coord)) *Engine {
	return &Engine{
		cfg:         cfg,
		states:      states,
		ledger:      led,
		cache:       cache,
		resident:    resident,
		requestLoad: requestLoad,
		remesh:      remesh,
	}
}

// Falloff is the edit weight at dist for an edit of the given radius:
// 1 at distance 0, strictly decreasing, exactly 0 at and beyond radius.
func Falloff(dist, radius float64) float64 {
	if radius <= 0 || dist >= radius {
		return 0
	}
	if dist <= 0 {
		return 1
	}
	q := dist / radius
	return 1 - q*q
}

// Affected is one region admitted to an edit's affected set.
type Affected struct {
	Coord region.Coord
	// Force marks a region admitted only because it was marked for
	// modification or already had queued edits; its replayed edit pins
	// falloff to 1 so both sides of the boundary agree on the cut.
	Force bool
	Solid bool
}

// AffectedRegions computes every region the edit at p with radius r can
// touch. Admission uses closest-point-on-AABB distance against the region
// box padded by r*solidRadiusScale + 2*voxelSize; regions the cache calls
// solid are admitted with the scaled radius, and regions marked for
// modification or already in the ledger are always included.
func (e *Engine) AffectedRegions(p region.Vec3, r float64) []Affected {
	m := e.cfg.Mining
	regionWorld := float64(e.cfg.RegionSize) * e.cfg.VoxelSize
	pad := r*m.SolidRadiusScale + 2*e.cfg.VoxelSize

	reach := r*m.SolidRadiusScale + pad + e.cfg.VoxelSize
	lo := region.CoordAt(region.Vec3{X: p.X - reach, Y: p.Y - reach, Z: p.Z - reach}, regionWorld)
	hi := region.CoordAt(region.Vec3{X: p.X + reach, Y: p.Y + reach, Z: p.Z + reach}, regionWorld)

	var out []Affected
	for z := lo.Z; z <= hi.Z; z++ {
		for y := lo.Y; y <= hi.Y; y++ {
			for x := lo.X; x <= hi.X; x++ {
				c := region.Coord{X: x, Y: y, Z: z}
				marked := e.states.IsMarkedForModification(c) || e.ledger.Has(c)
				solid := false
				if entry, ok := e.cache.TryGet(c); ok {
					solid = entry.Solid
				}
				admitR := r
				if solid {
					admitR = r * m.SolidRadiusScale
				}
				box := c.Bounds(regionWorld).Expand(pad)
				within := box.DistTo(p) <= admitR+e.cfg.VoxelSize
				if !within && !marked {
					continue
				}
				out = append(out, Affected{Coord: c, Force: marked && !within, Solid: solid})
			}
		}
	}
	return out
}

// Apply performs a spherical density edit at world point p. Resident regions
// are updated immediately; non-resident ones get the edit queued and an
// immediate load request. Never suspends.
func (e *Engine) Apply(p region.Vec3, r float64, adding bool) {
	for _, a := range e.AffectedRegions(p, r) {
		ed := ledger.Edit{WorldPos: p, Radius: r, Adding: adding, ForceFalloff: a.Force}
		d := e.resident(a.Coord)
		if d != nil && d.Allocated() {
			if e.ApplyToRegion(d, ed) {
				e.remesh(a.Coord)
			}
			if !e.ledger.Has(a.Coord) {
				e.states.ClearModificationMark(a.Coord)
			}
			continue
		}
		e.states.MarkForModification(a.Coord)
		e.ledger.Append(a.Coord, ed)
		e.requestLoad(a.Coord)
	}
}

// Replay drains the queued edits for c and applies them in receipt order
// against the now-resident data. It is the first thing that happens once the
// region loads. A single remesh is requested if any sample changed.
func (e *Engine) Replay(c region.Coord, d *store.RegionData) (applied int, changed bool) {
	edits := e.ledger.Drain(c)
	for _, ed := range edits {
		if e.ApplyToRegion(d, ed) {
			changed = true
		}
		applied++
	}
	e.states.ClearModificationMark(c)
	if changed {
		e.remesh(c)
	}
	return applied, changed
}

// ApplyToRegion runs the per-region density update for one edit and, when
// any sample changed, recomputes occupancy over the touched sub-box, marks
// the region Modified and invalidates its classification entry. The caller
// decides when to request a remesh.
func (e *Engine) ApplyToRegion(d *store.RegionData, ed ledger.Edit) bool {
	if err := d.EnsureAllocated(); err != nil {
		return false
	}
	m := e.cfg.Mining

	solid := false
	if entry, ok := e.cache.TryGet(d.Coord); ok {
		solid = entry.Solid
	}
	r := ed.Radius
	if solid {
		r *= m.SolidRadiusScale
	}

	origin := d.Origin()
	local := ed.WorldPos.Sub(origin)
	n := d.PointsPerAxis()

	// Sample index nearest the edit center. When the edit originates from a
	// neighboring region the raw index falls outside [0, n); pin the sub-box
	// to the nearest face instead of letting it go empty.
	cx := clampIndex(int(math.Round(local.X/d.VoxelSize)), n)
	cy := clampIndex(int(math.Round(local.Y/d.VoxelSize)), n)
	cz := clampIndex(int(math.Round(local.Z/d.VoxelSize)), n)
	reach := int(math.Ceil(r / d.VoxelSize))

	x0, x1 := max(0, cx-reach), min(n-1, cx+reach)
	y0, y1 := max(0, cy-reach), min(n-1, cy+reach)
	z0, z1 := max(0, cz-reach), min(n-1, cz+reach)

	target := m.RemoveTarget
	if ed.Adding {
		target = m.AddTarget
	}
	if solid {
		target *= m.SolidTargetScale
	}

	changed := false
	chMinX, chMinY, chMinZ := n, n, n
	chMaxX, chMaxY, chMaxZ := -1, -1, -1

	for z := z0; z <= z1; z++ {
		for y := y0; y <= y1; y++ {
			for x := x0; x <= x1; x++ {
				sample := region.Vec3{
					X: origin.X + float64(x)*d.VoxelSize,
					Y: origin.Y + float64(y)*d.VoxelSize,
					Z: origin.Z + float64(z)*d.VoxelSize,
				}
				f := Falloff(region.Dist(sample, ed.WorldPos), r)
				if ed.ForceFalloff {
					f = 1
				} else if f < m.FalloffCutoff {
					// Near-zero falloff would produce perpetual sub-threshold
					// "changes"; treat as untouched.
					continue
				}
				if f <= 0 {
					continue
				}
				cur, err := d.Density(x, y, z)
				if err != nil {
					continue
				}
				delta := (target - cur) * float32(f)
				if solid {
					// Minimum-delta floor: a single edit into a solid mass
					// must not produce an imperceptible dent.
					if absf(delta) < m.SolidMinDelta {
						delta = float32(math.Copysign(float64(m.SolidMinDelta), float64(target-cur)))
					}
				} else if absf(delta) < m.MinDensityDelta {
					continue
				}
				if delta == 0 {
					continue
				}
				_ = d.SetDensity(x, y, z, cur+delta)
				changed = true
				chMinX, chMaxX = min(chMinX, x), max(chMaxX, x)
				chMinY, chMaxY = min(chMinY, y), max(chMaxY, y)
				chMinZ, chMaxZ = min(chMinZ, z), max(chMaxZ, z)
			}
		}
	}

	if !changed {
		return false
	}

	// Recompute occupancy for every voxel with a corner in the changed box.
	// Corner i belongs to voxels i-1 and i on each axis.
	vx0, vx1 := max(0, chMinX-1), min(d.Size-1, chMaxX)
	vy0, vy1 := max(0, chMinY-1), min(d.Size-1, chMaxY)
	vz0, vz1 := max(0, chMinZ-1), min(d.Size-1, chMaxZ)
	for z := vz0; z <= vz1; z++ {
		for y := vy0; y <= vy1; y++ {
			for x := vx0; x <= vx1; x++ {
				d.RebuildVoxel(x, y, z, e.cfg.SurfaceThreshold)
			}
		}
	}

	d.MarkModified()
	e.states.TryChangeState(d.Coord, region.StatusModified, 0)
	e.cache.Invalidate(d.Coord)
	return true
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

func absf(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
