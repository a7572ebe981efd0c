package mine

import (
	"math"
	"testing"

	"terrastream.dev/internal/sim/terrain/classify"
	"terrastream.dev/internal/sim/terrain/ledger"
	"terrastream.dev/internal/sim/terrain/region"
	"terrastream.dev/internal/sim/terrain/store"
	"terrastream.dev/internal/sim/tuning"
)

type mineFixture struct {
	eng    *Engine
	states *region.Table
	led    *ledger.Ledger
	cache  *classify.Cache

	resident map[region.Coord]*store.RegionData
	loads    []region.Coord
	remeshes []region.Coord
}

func newMineFixture() *mineFixture {
	f := &mineFixture{
		states:   region.NewTable(),
		led:      ledger.New(),
		cache:    classify.NewCache(nil),
		resident: map[region.Coord]*store.RegionData{},
	}
	cfg := Config{
		RegionSize:       16,
		VoxelSize:        1,
		SurfaceThreshold: 0,
		Mining:           tuning.Defaults().Mining,
	}
	f.eng = New(cfg, f.states, f.led, f.cache,
		func(c region.Coord) *store.RegionData { return f.resident[c] },
		func(c region.Coord) { f.loads = append(f.loads, c) },
		func(c region.Coord) { f.remeshes = append(f.remeshes, c) })
	return f
}

func (f *mineFixture) addResident(c region.Coord) *store.RegionData {
	d := store.NewRegionData(16, 1)
	d.Reset(c)
	_ = d.EnsureAllocated()
	f.resident[c] = d
	// Mirror the engine: resident data arrives through Loading->Loaded.
	f.states.TryChangeState(c, region.StatusLoading, 0)
	f.states.TryChangeState(c, region.StatusLoaded, 0)
	return d
}

func TestFalloff(t *testing.T) {
	if f := Falloff(0, 4); f != 1 {
		t.Fatalf("Falloff(0) = %v, want 1", f)
	}
	if f := Falloff(4, 4); f != 0 {
		t.Fatalf("Falloff(radius) = %v, want 0", f)
	}
	if f := Falloff(5, 4); f != 0 {
		t.Fatalf("Falloff(beyond radius) = %v, want 0", f)
	}
	if f := Falloff(1, 0); f != 0 {
		t.Fatalf("Falloff with zero radius = %v, want 0", f)
	}
	// Strictly decreasing on (0, radius).
	prev := 1.0
	for d := 0.5; d < 4; d += 0.5 {
		f := Falloff(d, 4)
		if f >= prev {
			t.Fatalf("Falloff not strictly decreasing at d=%v: %v >= %v", d, f, prev)
		}
		if f <= 0 || f >= 1 {
			t.Fatalf("Falloff(%v) = %v out of (0,1)", d, f)
		}
		prev = f
	}
	// 1 - (d/r)^2 exactly.
	if f := Falloff(2, 4); math.Abs(f-0.75) > 1e-12 {
		t.Fatalf("Falloff(2,4) = %v, want 0.75", f)
	}
}

func TestAffectedRegions_Neighborhood(t *testing.T) {
	f := newMineFixture()
	got := f.eng.AffectedRegions(region.Vec3{X: 8, Y: 8, Z: 8}, 4)

	coords := map[region.Coord]Affected{}
	for _, a := range got {
		coords[a.Coord] = a
	}
	center, ok := coords[region.Coord{X: 0, Y: 0, Z: 0}]
	if !ok {
		t.Fatalf("center region not in affected set")
	}
	if center.Force || center.Solid {
		t.Fatalf("center admitted as %+v", center)
	}
	// Boundary padding pulls in the face neighbors as well.
	if _, ok := coords[region.Coord{X: 1, Y: 0, Z: 0}]; !ok {
		t.Fatalf("face neighbor not admitted")
	}
}

func TestAffectedRegions_MarkedForce(t *testing.T) {
	f := newMineFixture()
	marked := region.Coord{X: 2, Y: 0, Z: 0}
	f.states.MarkForModification(marked)

	got := f.eng.AffectedRegions(region.Vec3{X: 8, Y: 8, Z: 8}, 8)
	var found *Affected
	for i := range got {
		if got[i].Coord == marked {
			found = &got[i]
		}
	}
	if found == nil {
		t.Fatalf("marked region dropped from affected set")
	}
	if !found.Force {
		t.Fatalf("marked out-of-range region admitted without force")
	}
}

func TestAffectedRegions_SolidScale(t *testing.T) {
	f := newMineFixture()
	far := region.Coord{X: 2, Y: 0, Z: 0}
	p := region.Vec3{X: 8, Y: 8, Z: 8}

	got := f.eng.AffectedRegions(p, 8)
	for _, a := range got {
		if a.Coord == far {
			t.Fatalf("distant region admitted without solid classification")
		}
	}

	// Solid classification widens the admission radius by the solid scale.
	f.cache.Save(far, classify.Entry{Solid: true})
	got = f.eng.AffectedRegions(p, 8)
	var found *Affected
	for i := range got {
		if got[i].Coord == far {
			found = &got[i]
		}
	}
	if found == nil {
		t.Fatalf("solid region not admitted at scaled radius")
	}
	if !found.Solid || found.Force {
		t.Fatalf("solid region admitted as %+v", *found)
	}
}

func TestApplyToRegion_RemovesMaterial(t *testing.T) {
	f := newMineFixture()
	c := region.Coord{X: 0, Y: 0, Z: 0}
	d := f.addResident(c)
	// Solid block: every sample below threshold, every voxel active.
	fillDensity(d, -4)
	f.cache.Save(c, classify.Entry{})

	ed := ledger.Edit{WorldPos: region.Vec3{X: 8, Y: 8, Z: 8}, Radius: 4, Adding: false}
	if !f.eng.ApplyToRegion(d, ed) {
		t.Fatalf("edit reported no change")
	}

	// Center sample pulled toward the remove target.
	v, _ := d.Density(8, 8, 8)
	if v <= -4 {
		t.Fatalf("center density %v not raised", v)
	}
	// A sample outside the radius is untouched.
	v, _ = d.Density(0, 0, 0)
	if v != -4 {
		t.Fatalf("out-of-radius density %v, want -4", v)
	}

	if !d.Modified() {
		t.Fatalf("changed region not marked modified")
	}
	if st := f.states.GetState(c); st != region.StatusModified {
		t.Fatalf("status = %v, want MODIFIED", st)
	}
	if _, ok := f.cache.TryGet(c); ok {
		t.Fatalf("classification entry survived a density change")
	}
}

func TestApplyToRegion_OccupancyFollowsDensity(t *testing.T) {
	f := newMineFixture()
	c := region.Coord{X: 0, Y: 0, Z: 0}
	d := f.addResident(c)
	fillDensity(d, -0.5)
	for z := 0; z < 16; z++ {
		for y := 0; y < 16; y++ {
			for x := 0; x < 16; x++ {
				d.RebuildVoxel(x, y, z, 0)
			}
		}
	}
	if v, _ := d.Voxel(8, 8, 8); !v.Active {
		t.Fatalf("setup: center voxel inactive")
	}

	ed := ledger.Edit{WorldPos: region.Vec3{X: 8, Y: 8, Z: 8}, Radius: 4, Adding: false}
	if !f.eng.ApplyToRegion(d, ed) {
		t.Fatalf("edit reported no change")
	}
	if v, _ := d.Voxel(8, 8, 8); v.Active {
		t.Fatalf("mined-out voxel still active")
	}
	// Far corner untouched.
	if v, _ := d.Voxel(0, 0, 0); !v.Active {
		t.Fatalf("untouched voxel deactivated")
	}
}

func TestApplyToRegion_SolidUsesScaledRadiusAndMinDelta(t *testing.T) {
	f := newMineFixture()
	c := region.Coord{X: 0, Y: 0, Z: 0}
	d := f.addResident(c)
	fillDensity(d, -4)
	f.cache.Save(c, classify.Entry{Solid: true})

	ed := ledger.Edit{WorldPos: region.Vec3{X: 8, Y: 8, Z: 8}, Radius: 4, Adding: false}
	if !f.eng.ApplyToRegion(d, ed) {
		t.Fatalf("edit reported no change")
	}
	// Distance 5 from center is outside the base radius but inside the
	// 1.5x solid radius; the minimum-delta floor guarantees a visible dent.
	v, _ := d.Density(13, 8, 8)
	if v <= -4 {
		t.Fatalf("sample inside scaled radius unchanged: %v", v)
	}
	m := tuning.Defaults().Mining
	if v-(-4) < m.SolidMinDelta-1e-6 {
		t.Fatalf("delta %v below solid minimum %v", v-(-4), m.SolidMinDelta)
	}
}

func TestApplyToRegion_ForceFalloffFromNeighborOrigin(t *testing.T) {
	f := newMineFixture()
	c := region.Coord{X: 0, Y: 0, Z: 0}
	d := f.addResident(c)
	fillDensity(d, -4)

	// Edit centered in the negative-x neighbor; the sub-box pins to this
	// region's face and falloff is forced to 1 across it.
	ed := ledger.Edit{WorldPos: region.Vec3{X: -4, Y: 8, Z: 8}, Radius: 4, Adding: false, ForceFalloff: true}
	if !f.eng.ApplyToRegion(d, ed) {
		t.Fatalf("forced edit reported no change")
	}
	v, _ := d.Density(0, 8, 8)
	if v != 4 {
		t.Fatalf("face sample = %v, want full-falloff target 4", v)
	}
	// The force is confined to the pinned sub-box.
	v, _ = d.Density(12, 8, 8)
	if v != -4 {
		t.Fatalf("distant sample = %v, want untouched -4", v)
	}
}

func TestApply_QueuesForNonResident(t *testing.T) {
	f := newMineFixture()
	p := region.Vec3{X: 8, Y: 8, Z: 8}

	f.eng.Apply(p, 4, false)

	c := region.Coord{X: 0, Y: 0, Z: 0}
	if !f.led.Has(c) {
		t.Fatalf("edit not queued for non-resident region")
	}
	if !f.states.IsMarkedForModification(c) {
		t.Fatalf("non-resident target not marked for modification")
	}
	if len(f.loads) == 0 {
		t.Fatalf("no immediate load requested")
	}
	if len(f.remeshes) != 0 {
		t.Fatalf("remesh requested with no resident data")
	}
}

func TestApply_ResidentAppliesImmediately(t *testing.T) {
	f := newMineFixture()
	c := region.Coord{X: 0, Y: 0, Z: 0}
	d := f.addResident(c)
	fillDensity(d, -4)

	f.eng.Apply(region.Vec3{X: 8, Y: 8, Z: 8}, 4, false)

	if f.led.Has(c) {
		t.Fatalf("resident region got a queued edit")
	}
	n := 0
	for _, rc := range f.remeshes {
		if rc == c {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("remesh count for %v = %d, want 1", c, n)
	}
	if st := f.states.GetState(c); st != region.StatusModified {
		t.Fatalf("status = %v, want MODIFIED", st)
	}
}

func TestReplay_AppliesInReceiptOrder(t *testing.T) {
	f := newMineFixture()
	c := region.Coord{X: 0, Y: 0, Z: 0}
	d := f.addResident(c)
	f.states.MarkForModification(c)

	p := region.Vec3{X: 8, Y: 8, Z: 8}
	f.led.Append(c, ledger.Edit{WorldPos: p, Radius: 4, Adding: false})
	f.led.Append(c, ledger.Edit{WorldPos: p, Radius: 4, Adding: true})

	applied, changed := f.eng.Replay(c, d)
	if applied != 2 || !changed {
		t.Fatalf("replay = (%d, %v), want (2, true)", applied, changed)
	}
	// Remove pulls the center to +4, then add pulls it back negative; the
	// final sign proves the add ran last.
	v, _ := d.Density(8, 8, 8)
	if v >= 0 {
		t.Fatalf("center density %v, want negative after remove-then-add", v)
	}

	if f.led.Has(c) {
		t.Fatalf("ledger not drained by replay")
	}
	if f.states.IsMarkedForModification(c) {
		t.Fatalf("modification mark not cleared by replay")
	}
	n := 0
	for _, rc := range f.remeshes {
		if rc == c {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("remesh count = %d, want exactly 1 for the whole replay", n)
	}
}

func fillDensity(d *store.RegionData, v float32) {
	n := d.PointsPerAxis()
	for z := 0; z < n; z++ {
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				_ = d.SetDensity(x, y, z, v)
			}
		}
	}
}
