package stream

import (
	"testing"
	"time"

	"terrastream.dev/internal/sim/terrain/ledger"
	"terrastream.dev/internal/sim/terrain/region"
	"terrastream.dev/internal/sim/tuning"
)

type supFixture struct {
	sup    *Supervisor
	states *region.Table
	led    *ledger.Ledger

	released []region.Coord
	loads    []region.Coord
	pressure float64
}

func newSupFixture(cfg tuning.RecoveryTuning) *supFixture {
	f := &supFixture{
		states: region.NewTable(),
		led:    ledger.New(),
	}
	f.sup = NewSupervisor(cfg, f.states, f.led,
		func(c region.Coord) { f.released = append(f.released, c) },
		func(c region.Coord) { f.loads = append(f.loads, c) },
		func() float64 { return f.pressure })
	return f
}

func TestSupervisor_RecoversStuckLoad(t *testing.T) {
	cfg := tuning.Defaults().Recovery
	cfg.StuckLoadTimeoutMs = 1
	f := newSupFixture(cfg)

	c := region.Coord{X: 1, Y: 0, Z: 0}
	f.states.TryChangeState(c, region.StatusLoading, 0)
	f.led.Append(c, ledger.Edit{Radius: 2})

	f.sup.Tick(time.Now().Add(time.Second))

	if st := f.states.GetState(c); st != region.StatusNone {
		t.Fatalf("recovered state = %v, want NONE", st)
	}
	if f.states.ErrorCount(c) != 1 {
		t.Fatalf("error history = %d entries, want 1", f.states.ErrorCount(c))
	}
	if len(f.released) != 1 || f.released[0] != c {
		t.Fatalf("released = %v, want [%v]", f.released, c)
	}
	if len(f.loads) != 1 || f.loads[0] != c {
		t.Fatalf("loads = %v, want [%v]", f.loads, c)
	}
	// The queued edit survives the forced recovery.
	if !f.led.Has(c) {
		t.Fatalf("pending edit lost during recovery")
	}
}

func TestSupervisor_FreshLoadLeftAlone(t *testing.T) {
	cfg := tuning.Defaults().Recovery
	cfg.StuckLoadTimeoutMs = 60_000
	f := newSupFixture(cfg)

	c := region.Coord{X: 1, Y: 0, Z: 0}
	f.states.TryChangeState(c, region.StatusLoading, 0)

	f.sup.Tick(time.Now())

	if st := f.states.GetState(c); st != region.StatusLoading {
		t.Fatalf("fresh load state = %v, want LOADING", st)
	}
	if len(f.released) != 0 || len(f.loads) != 0 {
		t.Fatalf("fresh load touched: released=%v loads=%v", f.released, f.loads)
	}
}

func TestSupervisor_RetriesQuarantinedWhenPressureAllows(t *testing.T) {
	cfg := tuning.Defaults().Recovery
	f := newSupFixture(cfg)

	c := region.Coord{X: 2, Y: 0, Z: 0}
	f.states.TryChangeState(c, region.StatusLoading, 0)
	f.states.TryChangeState(c, region.StatusError, 0)
	f.states.Quarantine(c, "load failed", region.StatusError)

	// Above threshold: quarantine holds.
	f.pressure = 0.95
	f.sup.Tick(time.Now())
	if !f.states.IsQuarantined(c) {
		t.Fatalf("quarantine released under memory pressure")
	}
	if len(f.loads) != 0 {
		t.Fatalf("retry issued under memory pressure")
	}

	// Below threshold: Error walks back to None and the load is retried.
	f.pressure = 0.1
	f.sup.Tick(time.Now())
	if f.states.IsQuarantined(c) {
		t.Fatalf("quarantine held with pressure low")
	}
	if st := f.states.GetState(c); st != region.StatusNone {
		t.Fatalf("retried state = %v, want NONE", st)
	}
	if len(f.loads) != 1 || f.loads[0] != c {
		t.Fatalf("loads = %v, want [%v]", f.loads, c)
	}
}

func TestSupervisor_QuarantinedInFlightNotRetried(t *testing.T) {
	cfg := tuning.Defaults().Recovery
	f := newSupFixture(cfg)

	c := region.Coord{X: 2, Y: 0, Z: 0}
	f.states.TryChangeState(c, region.StatusLoading, 0)
	f.states.TryChangeState(c, region.StatusLoaded, 0)
	f.states.Quarantine(c, "late failure", region.StatusLoaded)

	f.sup.Tick(time.Now())
	if !f.states.IsQuarantined(c) {
		t.Fatalf("in-flight quarantined region released")
	}
	if len(f.loads) != 0 {
		t.Fatalf("retry issued for a region that is not loadable")
	}
}
