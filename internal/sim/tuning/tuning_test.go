package tuning

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	d := Defaults()
	if d.TickRateHz <= 0 {
		t.Fatalf("tick rate %d", d.TickRateHz)
	}
	if d.RegionSize <= 0 || d.VoxelSize <= 0 {
		t.Fatalf("region geometry %d/%v", d.RegionSize, d.VoxelSize)
	}
	if d.Mining.SolidRadiusScale <= 1 {
		t.Fatalf("solid radius scale %v must exceed 1", d.Mining.SolidRadiusScale)
	}
	if d.Streaming.UnloadRadius <= d.Streaming.LoadRadius {
		t.Fatalf("unload radius %d must exceed load radius %d to avoid thrash",
			d.Streaming.UnloadRadius, d.Streaming.LoadRadius)
	}
	if d.PoolCapacity <= 0 || d.Streaming.LoadBudgetPerTick <= 0 {
		t.Fatalf("capacity/budget %d/%d", d.PoolCapacity, d.Streaming.LoadBudgetPerTick)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.yaml")
	doc := []byte(`
tick_rate_hz: 5
region_size: 8
streaming:
  load_radius: 2
  unload_delay_ms: 500
mining:
  solid_radius_scale: 2.0
`)
	if err := os.WriteFile(path, doc, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.TickRateHz != 5 || got.RegionSize != 8 {
		t.Fatalf("overrides not applied: %+v", got)
	}
	if got.Streaming.LoadRadius != 2 || got.Streaming.UnloadDelayMs != 500 {
		t.Fatalf("streaming overrides not applied: %+v", got.Streaming)
	}
	if got.Mining.SolidRadiusScale != 2.0 {
		t.Fatalf("mining override not applied: %+v", got.Mining)
	}
	// Untouched fields keep their defaults.
	if got.VoxelSize != Defaults().VoxelSize {
		t.Fatalf("voxel size clobbered: %v", got.VoxelSize)
	}
	if got.Streaming.UnloadRadius != Defaults().Streaming.UnloadRadius {
		t.Fatalf("unload radius clobbered: %v", got.Streaming.UnloadRadius)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if !os.IsNotExist(err) {
		t.Fatalf("err = %v, want not-exist", err)
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.yaml")
	if err := os.WriteFile(path, []byte("tick_rate_hz: [nope"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("malformed yaml accepted")
	}
}
