// Package gen seeds virgin regions with a deterministic density field. The
// specific noise function is a stand-in; anything deterministic per seed
// works behind the engine's Generator interface.
package gen

import (
	"terrastream.dev/internal/sim/terrain/store"
)

type HeightField struct {
	Seed      int64
	SeaLevel  float64
	Amplitude float64
}

// Generate fills the density field with signed distance to a rolling
// heightmap surface (positive above ground, negative below) and derives the
// occupancy grid from it.
func (g *HeightField) Generate(d *store.RegionData, threshold float32) error {
	if err := d.EnsureAllocated(); err != nil {
		return err
	}
	origin := d.Origin()
	n := d.PointsPerAxis()
	amp := g.Amplitude
	if amp <= 0 {
		amp = 8
	}
	for z := 0; z < n; z++ {
		for x := 0; x < n; x++ {
			wx := int(origin.X) + x
			wz := int(origin.Z) + z
			h := g.SeaLevel + amp*(float64(hash2(g.Seed, wx, wz)%2048)/1024.0-1.0)
			for y := 0; y < n; y++ {
				wy := origin.Y + float64(y)*d.VoxelSize
				_ = d.SetDensity(x, y, z, float32(wy-h))
			}
		}
	}
	for z := 0; z < d.Size; z++ {
		for y := 0; y < d.Size; y++ {
			for x := 0; x < d.Size; x++ {
				d.RebuildVoxel(x, y, z, threshold)
			}
		}
	}
	return nil
}

func mix64(z uint64) uint64 {
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

func hash2(seed int64, x, z int) uint64 {
	ux := uint64(uint32(int32(x)))
	uz := uint64(uint32(int32(z)))
	return mix64(uint64(seed) ^ (ux * 0x9e3779b97f4a7c15) ^ (uz * 0xbf58476d1ce4e5b9))
}
