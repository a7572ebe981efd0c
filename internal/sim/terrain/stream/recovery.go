package stream

import (
	"time"

	"terrastream.dev/internal/sim/terrain/ledger"
	"terrastream.dev/internal/sim/terrain/region"
	"terrastream.dev/internal/sim/tuning"
)

// Supervisor un-sticks regions every tick: loads wedged past the stuck
// timeout are forced through Loading->Error->None (never Loading->Unloaded,
// which is not a legal edge), and quarantined regions are retried when
// ambient memory pressure allows. Pending edits are never discarded.
type Supervisor struct {
	cfg    tuning.RecoveryTuning
	states *region.Table
	ledger *ledger.Ledger

	releaseData func(region.Coord)
	requestLoad func(region.Coord)
	memPressure func() float64
}

func NewSupervisor(cfg tuning.RecoveryTuning, states *region.Table, led *ledger.Ledger,
	releaseData func(region.Coord),
	requestLoad func(region.Coord),
	memPressure func() float64) *Supervisor {
	return &Supervisor{
		cfg:         cfg,
		states:      states,
		ledger:      led,
		releaseData: releaseData,
		requestLoad: requestLoad,
		memPressure: memPressure,
	}
}

func (s *Supervisor) Tick(now time.Time) {
	s.recoverStuckLoads(now)
	s.retryQuarantined()
}

func (s *Supervisor) recoverStuckLoads(now time.Time) {
	timeout := time.Duration(s.cfg.StuckLoadTimeoutMs) * time.Millisecond
	cutoff := now.Add(-timeout)
	for _, c := range s.states.StuckSince(region.StatusLoading, cutoff) {
		s.states.RecordError(c, "stuck in LOADING past timeout")
		if !s.states.TryChangeState(c, region.StatusError, 0) {
			continue
		}
		s.states.TryChangeState(c, region.StatusNone, 0)
		s.releaseData(c)
		s.requestLoad(c)
	}
}

func (s *Supervisor) retryQuarantined() {
	if s.memPressure() >= s.cfg.MemoryPressureThreshold {
		return
	}
	for _, c := range s.states.Quarantined() {
		switch s.states.GetState(c) {
		case region.StatusError:
			if !s.states.TryChangeState(c, region.StatusNone, 0) {
				continue
			}
		case region.StatusNone, region.StatusUnloaded:
			// Already loadable; just drop quarantine and retry.
		default:
			continue
		}
		s.states.Unquarantine(c)
		s.requestLoad(c)
	}
}
