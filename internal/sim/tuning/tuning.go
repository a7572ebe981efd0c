package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	TickRateHz int `yaml:"tick_rate_hz"`

	RegionSize int     `yaml:"region_size"`
	VoxelSize  float64 `yaml:"voxel_size"`
	Seed       int64   `yaml:"seed"`

	SurfaceThreshold float32 `yaml:"surface_threshold"`

	Streaming StreamingTuning `yaml:"streaming"`
	Mining    MiningTuning    `yaml:"mining"`
	Recovery  RecoveryTuning  `yaml:"recovery"`

	PoolCapacity      int `yaml:"pool_capacity"`
	ClassifyStride    int `yaml:"classify_stride"`
	CacheFlushPerTick int `yaml:"cache_flush_per_tick"`

	ObserverTimeoutMs int `yaml:"observer_timeout_ms"`
}

type StreamingTuning struct {
	LoadRadius           int     `yaml:"load_radius"`
	VerticalLoadRadius   int     `yaml:"vertical_load_radius"`
	UnloadRadius         int     `yaml:"unload_radius"`
	VerticalUnloadRadius int     `yaml:"vertical_unload_radius"`
	InteractionDistance  float64 `yaml:"interaction_distance"`
	LoadBudgetPerTick    int     `yaml:"load_budget_per_tick"`
	UnloadDelayMs        int     `yaml:"unload_delay_ms"`
}

type MiningTuning struct {
	FalloffCutoff   float64 `yaml:"falloff_cutoff"`
	MinDensityDelta float32 `yaml:"min_density_delta"`
	// Single authoritative scale for solid-classified regions: admission to
	// the affected set and the per-region mining radius both use it.
	SolidRadiusScale float64 `yaml:"solid_radius_scale"`
	AddTarget        float32 `yaml:"add_target"`
	RemoveTarget     float32 `yaml:"remove_target"`
	SolidTargetScale float32 `yaml:"solid_target_scale"`
	SolidMinDelta    float32 `yaml:"solid_min_delta"`
}

type RecoveryTuning struct {
	StuckLoadTimeoutMs      int     `yaml:"stuck_load_timeout_ms"`
	MemoryPressureThreshold float64 `yaml:"memory_pressure_threshold"`
}

func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func Defaults() Tuning {
	return Tuning{
		TickRateHz:       20,
		RegionSize:       16,
		VoxelSize:        1.0,
		Seed:             1337,
		SurfaceThreshold: 0,
		Streaming: StreamingTuning{
			LoadRadius:           4,
			VerticalLoadRadius:   2,
			UnloadRadius:         6,
			VerticalUnloadRadius: 3,
			InteractionDistance:  24,
			LoadBudgetPerTick:    8,
			UnloadDelayMs:        2000,
		},
		Mining: MiningTuning{
			FalloffCutoff:    0.05,
			MinDensityDelta:  0.01,
			SolidRadiusScale: 1.5,
			AddTarget:        -4,
			RemoveTarget:     4,
			SolidTargetScale: 2,
			SolidMinDelta:    0.05,
		},
		Recovery: RecoveryTuning{
			StuckLoadTimeoutMs:      5000,
			MemoryPressureThreshold: 0.85,
		},
		PoolCapacity:      512,
		ClassifyStride:    4,
		CacheFlushPerTick: 32,
		ObserverTimeoutMs: 10000,
	}
}
