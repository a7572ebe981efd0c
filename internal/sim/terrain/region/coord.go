package region

import "math"

// Coord identifies a cubic region on the fixed world grid.
type Coord struct {
	X, Y, Z int
}

// Vec3 is a world-space position in voxel units.
type Vec3 struct {
	X, Y, Z float64
}

func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }

func (v Vec3) Length() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

func Dist(a, b Vec3) float64 { return a.Sub(b).Length() }

// FloorDiv divides rounding toward negative infinity. b > 0.
func FloorDiv(a, b int) int {
	q := a / b
	r := a % b
	if r < 0 {
		q--
	}
	return q
}

// Mod returns a mod b in [0, b). b > 0.
func Mod(a, b int) int {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

// CoordAt returns the coordinate of the region containing p, for regions of
// worldSize voxel units per axis.
func CoordAt(p Vec3, worldSize float64) Coord {
	return Coord{
		X: int(math.Floor(p.X / worldSize)),
		Y: int(math.Floor(p.Y / worldSize)),
		Z: int(math.Floor(p.Z / worldSize)),
	}
}

// Origin returns the world-space minimum corner of the region.
func (c Coord) Origin(worldSize float64) Vec3 {
	return Vec3{
		X: float64(c.X) * worldSize,
		Y: float64(c.Y) * worldSize,
		Z: float64(c.Z) * worldSize,
	}
}

// AABB is an axis-aligned box in world space.
type AABB struct {
	Min, Max Vec3
}

// Bounds returns the region's world-space box.
func (c Coord) Bounds(worldSize float64) AABB {
	min := c.Origin(worldSize)
	return AABB{
		Min: min,
		Max: Vec3{min.X + worldSize, min.Y + worldSize, min.Z + worldSize},
	}
}

// Expand grows the box by pad on every face.
func (b AABB) Expand(pad float64) AABB {
	return AABB{
		Min: Vec3{b.Min.X - pad, b.Min.Y - pad, b.Min.Z - pad},
		Max: Vec3{b.Max.X + pad, b.Max.Y + pad, b.Max.Z + pad},
	}
}

// DistTo returns the distance from p to the closest point on the box.
// Center distance under-estimates proximity for edits near a corner, so all
// affected-region checks go through this instead.
func (b AABB) DistTo(p Vec3) float64 {
	dx := axisDist(p.X, b.Min.X, b.Max.X)
	dy := axisDist(p.Y, b.Min.Y, b.Max.Y)
	dz := axisDist(p.Z, b.Min.Z, b.Max.Z)
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

func axisDist(v, lo, hi float64) float64 {
	if v < lo {
		return lo - v
	}
	if v > hi {
		return v - hi
	}
	return 0
}
