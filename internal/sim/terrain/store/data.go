package store

import (
	"errors"
	"fmt"
	"math"

	"terrastream.dev/internal/sim/terrain/region"
)

var (
	ErrOutOfRange = errors.New("coordinate outside region grid")
	ErrDisposed   = errors.New("region data disposed")
)

// OutsideDensity is the sentinel a corrupt density sample is clamped to:
// comfortably on the outside-surface side of any sane threshold.
const OutsideDensity = float32(10)

// Classification is the trivial-content summary derived from sparse sampling.
type Classification struct {
	Empty bool
	Solid bool
}

// Voxel is one occupancy cell.
type Voxel struct {
	Active     bool
	Durability float32
}

// FlushFunc persists a serialized region exactly once on disposal.
type FlushFunc func(c region.Coord, density []float32, occupancy []byte) error

// RegionData owns a region's density field of (Size+1)^3 corner samples and
// its occupancy grid of Size^3 cells. Both grids are materialized together
// or not at all.
type RegionData struct {
	Size      int
	VoxelSize float64
	Coord     region.Coord

	density  []float32
	voxels   []Voxel
	modified bool
	disposed bool
}

func NewRegionData(size int, voxelSize float64) *RegionData {
	return &RegionData{Size: size, VoxelSize: voxelSize}
}

// PointsPerAxis is the density sample count per axis (corner-sampled).
func (d *RegionData) PointsPerAxis() int { return d.Size + 1 }

// Origin is the world-space minimum corner.
func (d *RegionData) Origin() region.Vec3 {
	return d.Coord.Origin(float64(d.Size) * d.VoxelSize)
}

// Reset rebinds pooled data to a new coordinate.
func (d *RegionData) Reset(c region.Coord) {
	d.Coord = c
	d.modified = false
	d.disposed = false
	d.density = nil
	d.voxels = nil
}

// EnsureAllocated lazily materializes both grids.
func (d *RegionData) EnsureAllocated() error {
	if d.disposed {
		return ErrDisposed
	}
	if d.density != nil {
		return nil
	}
	n := d.PointsPerAxis()
	d.density = make([]float32, n*n*n)
	d.voxels = make([]Voxel, d.Size*d.Size*d.Size)
	return nil
}

func (d *RegionData) Allocated() bool { return d.density != nil }
func (d *RegionData) Modified() bool  { return d.modified }
func (d *RegionData) MarkModified()   { d.modified = true }

func (d *RegionData) densityIndex(x, y, z int) int {
	n := d.PointsPerAxis()
	return x + y*n + z*n*n
}

func (d *RegionData) voxelIndex(x, y, z int) int {
	return x + y*d.Size + z*d.Size*d.Size
}

// Density reads a corner sample. Valid for x,y,z in [0, Size].
func (d *RegionData) Density(x, y, z int) (float32, error) {
	if d.disposed {
		return 0, ErrDisposed
	}
	if x < 0 || y < 0 || z < 0 || x > d.Size || y > d.Size || z > d.Size {
		return 0, ErrOutOfRange
	}
	if err := d.EnsureAllocated(); err != nil {
		return 0, err
	}
	return d.density[d.densityIndex(x, y, z)], nil
}

func (d *RegionData) SetDensity(x, y, z int, v float32) error {
	if d.disposed {
		return ErrDisposed
	}
	if x < 0 || y < 0 || z < 0 || x > d.Size || y > d.Size || z > d.Size {
		return ErrOutOfRange
	}
	if err := d.EnsureAllocated(); err != nil {
		return err
	}
	d.density[d.densityIndex(x, y, z)] = v
	return nil
}

// Voxel reads an occupancy cell. Valid for x,y,z in [0, Size).
func (d *RegionData) Voxel(x, y, z int) (Voxel, error) {
	if d.disposed {
		return Voxel{}, ErrDisposed
	}
	if x < 0 || y < 0 || z < 0 || x >= d.Size || y >= d.Size || z >= d.Size {
		return Voxel{}, ErrOutOfRange
	}
	if err := d.EnsureAllocated(); err != nil {
		return Voxel{}, err
	}
	return d.voxels[d.voxelIndex(x, y, z)], nil
}

func (d *RegionData) SetVoxel(x, y, z int, v Voxel) error {
	if d.disposed {
		return ErrDisposed
	}
	if x < 0 || y < 0 || z < 0 || x >= d.Size || y >= d.Size || z >= d.Size {
		return ErrOutOfRange
	}
	if err := d.EnsureAllocated(); err != nil {
		return err
	}
	d.voxels[d.voxelIndex(x, y, z)] = v
	return nil
}

// RebuildVoxel recomputes one cell's active state from its 8 corner samples:
// active if any corner lies below the surface threshold.
func (d *RegionData) RebuildVoxel(x, y, z int, threshold float32) {
	active := false
	for dz := 0; dz <= 1 && !active; dz++ {
		for dy := 0; dy <= 1 && !active; dy++ {
			for dx := 0; dx <= 1; dx++ {
				if d.density[d.densityIndex(x+dx, y+dy, z+dz)] < threshold {
					active = true
					break
				}
			}
		}
	}
	d.voxels[d.voxelIndex(x, y, z)].Active = active
}

// Classify samples the density field at the given stride. Sparse sampling is
// a heuristic: it can miss a modification that only touched points between
// samples, so callers must let an explicit modified signal override it.
func (d *RegionData) Classify(stride int, threshold float32) Classification {
	if d.density == nil {
		return Classification{}
	}
	if stride < 1 {
		stride = 1
	}
	below, above := 0, 0
	n := d.PointsPerAxis()
	for z := 0; z < n; z += stride {
		for y := 0; y < n; y += stride {
			for x := 0; x < n; x += stride {
				if d.density[d.densityIndex(x, y, z)] < threshold {
					below++
				} else {
					above++
				}
			}
		}
	}
	return Classification{Empty: below == 0, Solid: above == 0}
}

// Serialize copies both grids into flat arrays suitable for storage.
// Occupancy packs each cell as {active byte, durability float32 LE}.
func (d *RegionData) Serialize() (density []float32, occupancy []byte, err error) {
	if d.disposed {
		return nil, nil, ErrDisposed
	}
	if err := d.EnsureAllocated(); err != nil {
		return nil, nil, err
	}
	density = make([]float32, len(d.density))
	copy(density, d.density)
	occupancy = make([]byte, len(d.voxels)*5)
	for i, v := range d.voxels {
		off := i * 5
		if v.Active {
			occupancy[off] = 1
		}
		bits := math.Float32bits(v.Durability)
		occupancy[off+1] = byte(bits)
		occupancy[off+2] = byte(bits >> 8)
		occupancy[off+3] = byte(bits >> 16)
		occupancy[off+4] = byte(bits >> 24)
	}
	return density, occupancy, nil
}

// Deserialize restores both grids from storage arrays, validating as it goes:
// NaN/Inf density samples are clamped to the outside-surface sentinel and any
// correction marks the region modified so the repaired data is flushed back.
func (d *RegionData) Deserialize(density []float32, occupancy []byte) error {
	if d.disposed {
		return ErrDisposed
	}
	if err := d.EnsureAllocated(); err != nil {
		return err
	}
	if len(density) != len(d.density) {
		return fmt.Errorf("density length %d, want %d", len(density), len(d.density))
	}
	if len(occupancy) != len(d.voxels)*5 {
		return fmt.Errorf("occupancy length %d, want %d", len(occupancy), len(d.voxels)*5)
	}
	corrected := false
	for i, v := range density {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			v = OutsideDensity
			corrected = true
		}
		d.density[i] = v
	}
	for i := range d.voxels {
		off := i * 5
		bits := uint32(occupancy[off+1]) | uint32(occupancy[off+2])<<8 |
			uint32(occupancy[off+3])<<16 | uint32(occupancy[off+4])<<24
		dur := math.Float32frombits(bits)
		if math.IsNaN(float64(dur)) || math.IsInf(float64(dur), 0) {
			dur = 0
			corrected = true
		}
		d.voxels[i] = Voxel{Active: occupancy[off] != 0, Durability: dur}
	}
	if corrected {
		d.modified = true
	}
	return nil
}

// Dispose flushes modified data through flush exactly once and releases the
// grids. Further operations fail with ErrDisposed.
func (d *RegionData) Dispose(flush FlushFunc) error {
	if d.disposed {
		return ErrDisposed
	}
	var err error
	if d.modified && d.density != nil && flush != nil {
		var density []float32
		var occ []byte
		density, occ, err = d.Serialize()
		if err == nil {
			err = flush(d.Coord, density, occ)
		}
	}
	d.disposed = true
	d.density = nil
	d.voxels = nil
	d.modified = false
	return err
}
