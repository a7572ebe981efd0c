package region

import (
	"sync"
	"time"
)

// ErrorEntry is one recorded failure for a coordinate. The history is
// append-only; retry back-off counts entries.
type ErrorEntry struct {
	At     time.Time
	Reason string
}

// QuarantineInfo records why a region was pulled out of normal streaming.
type QuarantineInfo struct {
	At         time.Time
	Reason     string
	LastStatus Status
}

// Record is the per-coordinate lifecycle record. Owned exclusively by the
// Table; all mutation goes through the transition API.
type Record struct {
	Status Status
	Flags  Flags
	Since  time.Time
	Errors []ErrorEntry
}

// Table owns every region record and the quarantine set under one lock.
// Transitions are atomic with respect to concurrent callers.
type Table struct {
	mu         sync.Mutex
	records    map[Coord]*Record
	quarantine map[Coord]QuarantineInfo
	now        func() time.Time
}

func NewTable() *Table {
	return &Table{
		records:    map[Coord]*Record{},
		quarantine: map[Coord]QuarantineInfo{},
		now:        time.Now,
	}
}

func (t *Table) record(c Coord) *Record {
	r, ok := t.records[c]
	if !ok {
		r = &Record{Status: StatusNone, Since: t.now()}
		t.records[c] = r
	}
	return r
}

// TryChangeState applies the transition if it is in the legal table.
// An illegal transition returns false and leaves state unchanged; callers
// must treat that as a no-op, never as an error to unwind.
func (t *Table) TryChangeState(c Coord, next Status, flags Flags) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.record(c)
	if !LegalTransition(r.Status, next) {
		return false
	}
	r.Status = next
	r.Since = t.now()
	r.Flags |= flags
	if next == StatusError {
		r.Flags |= FlagError
	} else {
		r.Flags &^= FlagError
	}
	return true
}

func (t *Table) GetState(c Coord) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.records[c]; ok {
		return r.Status
	}
	return StatusNone
}

// StateSince returns the status and when it was entered.
func (t *Table) StateSince(c Coord) (Status, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.records[c]; ok {
		return r.Status, r.Since
	}
	return StatusNone, time.Time{}
}

func (t *Table) RecordError(c Coord, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.record(c)
	r.Errors = append(r.Errors, ErrorEntry{At: t.now(), Reason: reason})
}

func (t *Table) ErrorCount(c Coord) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.records[c]; ok {
		return len(r.Errors)
	}
	return 0
}

// StuckSince returns every coordinate that has held status s since before
// cutoff. Used by the recovery supervisor to find wedged loads.
func (t *Table) StuckSince(s Status, cutoff time.Time) []Coord {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Coord
	for c, r := range t.records {
		if r.Status == s && r.Since.Before(cutoff) {
			out = append(out, c)
		}
	}
	return out
}

func (t *Table) MarkForModification(c Coord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record(c).Flags |= FlagMarkedForModification
}

func (t *Table) ClearModificationMark(c Coord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.records[c]; ok {
		r.Flags &^= FlagMarkedForModification
	}
}

func (t *Table) IsMarkedForModification(c Coord) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[c]
	return ok && r.Flags&FlagMarkedForModification != 0
}

// Quarantine pulls a region out of normal streaming. The caller's pending
// edit queue is never touched here; an edit is the reason the region still
// matters.
func (t *Table) Quarantine(c Coord, reason string, last Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.quarantine[c] = QuarantineInfo{At: t.now(), Reason: reason, LastStatus: last}
}

func (t *Table) Unquarantine(c Coord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.quarantine, c)
}

func (t *Table) IsQuarantined(c Coord) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.quarantine[c]
	return ok
}

func (t *Table) Quarantined() []Coord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Coord, 0, len(t.quarantine))
	for c := range t.quarantine {
		out = append(out, c)
	}
	return out
}

// Retire drops the record for a coordinate that has settled back to
// None/Unloaded with no quarantine membership. Absence equals StatusNone.
func (t *Table) Retire(c Coord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[c]
	if !ok {
		return
	}
	if r.Status != StatusNone && r.Status != StatusUnloaded {
		return
	}
	if _, q := t.quarantine[c]; q {
		return
	}
	delete(t.records, c)
}
