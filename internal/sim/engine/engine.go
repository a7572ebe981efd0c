// Package engine drives the terrain streaming core: a single-threaded tick
// loop in the style of an authoritative world loop. Observer positions and
// edit requests arrive on channels and are consumed at tick boundaries;
// region loads run as background work items whose completion is consumed on
// the tick goroutine.
package engine

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"terrastream.dev/internal/sim/terrain/classify"
	"terrastream.dev/internal/sim/terrain/ledger"
	"terrastream.dev/internal/sim/terrain/mine"
	"terrastream.dev/internal/sim/terrain/region"
	"terrastream.dev/internal/sim/terrain/store"
	"terrastream.dev/internal/sim/terrain/stream"
	"terrastream.dev/internal/sim/tuning"
)

// Persistence stores serialized region grids. Format and compression are the
// implementation's business.
type Persistence interface {
	SaveRegion(c region.Coord, density []float32, occupancy []byte) error
	// LoadRegion reports ok=false when the region has never been saved.
	LoadRegion(c region.Coord) (density []float32, occupancy []byte, ok bool, err error)
}

// Generator seeds virgin regions that persistence does not know.
type Generator interface {
	Generate(d *store.RegionData, threshold float32) error
}

// Remesher is the fire-and-forget surface extraction collaborator. A remesh
// is requested after every density change that actually altered a sample.
type Remesher interface {
	RequestRemesh(c region.Coord)
}

// LifecycleEvent is one machine-readable region lifecycle record.
type LifecycleEvent struct {
	Tick   uint64 `json:"tick"`
	Coord  [3]int `json:"coord"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// EditEvent records one applied or queued edit request.
type EditEvent struct {
	Tick   uint64     `json:"tick"`
	Pos    [3]float64 `json:"pos"`
	Radius float64    `json:"radius"`
	Adding bool       `json:"adding"`
}

type LifecycleLogger interface {
	WriteLifecycle(ev LifecycleEvent) error
}

type EditLogger interface {
	WriteEdit(ev EditEvent) error
}

// Metrics is a point-in-time snapshot of engine health counters, refreshed at
// each tick boundary. Safe to read from any goroutine.
type Metrics struct {
	Tick            uint64  `json:"tick"`
	Observers       int     `json:"observers"`
	ResidentRegions int     `json:"resident_regions"`
	InflightLoads   int     `json:"inflight_loads"`
	LoadQueueDepth  int     `json:"load_queue_depth"`
	PendingEdits    int     `json:"pending_edits"`
	Quarantined     int     `json:"quarantined"`
	PoolFree        int     `json:"pool_free"`
	PoolCapacity    int     `json:"pool_capacity"`
	StepMS          float64 `json:"step_ms"`
}

// EditRequest is the external ApplyEdit surface.
type EditRequest struct {
	Pos    region.Vec3
	Radius float64
	Adding bool
}

type posUpdate struct {
	id  string
	pos region.Vec3
}

type observerState struct {
	pos      region.Vec3
	lastSeen time.Time
}

type loadResult struct {
	coord region.Coord
	gen   uint64
	data  *store.RegionData
	err   error
}

// Deps are the external collaborators. Persist, Gen, Remesh and the loggers
// may be nil.
type Deps struct {
	Logger       *log.Logger
	Persist      Persistence
	Gen          Generator
	Remesh       Remesher
	ClassifySink classify.Sink
	LifecycleLog LifecycleLogger
	EditLog      EditLogger
}

type Engine struct {
	cfg    tuning.Tuning
	logger *log.Logger

	states *region.Table
	ledger *ledger.Ledger
	cache  *classify.Cache
	pool   *store.Pool
	ctrl   *stream.Controller
	sup    *stream.Supervisor
	miner  *mine.Engine

	persist      Persistence
	gen          Generator
	remesh       Remesher
	lifecycleLog LifecycleLogger
	editLog      EditLogger

	// Tick-thread state.
	resident  map[region.Coord]*store.RegionData
	observers map[string]observerState
	inflight  map[region.Coord]uint64
	loadGen   uint64

	// Request queues, guarded: RequestLoad and RequestUnload are callable
	// from any goroutine.
	loadMu       sync.Mutex
	loadQueue    []region.Coord
	loadQueued   map[region.Coord]bool
	unloadQueue  []region.Coord
	unloadQueued map[region.Coord]bool

	tick    atomic.Uint64
	metrics atomic.Value // Metrics

	loadDone chan loadResult
	posCh    chan posUpdate
	editCh   chan EditRequest
	stop     chan struct{}

	notifyMu sync.Mutex
	notify   func(c region.Coord, st region.Status)
}

func New(cfg tuning.Tuning, deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}
	e := &Engine{
		cfg:          cfg,
		logger:       logger,
		states:       region.NewTable(),
		ledger:       ledger.New(),
		cache:        classify.NewCache(deps.ClassifySink),
		pool:         store.NewPool(cfg.PoolCapacity, cfg.RegionSize, cfg.VoxelSize),
		persist:      deps.Persist,
		gen:          deps.Gen,
		remesh:       deps.Remesh,
		lifecycleLog: deps.LifecycleLog,
		editLog:      deps.EditLog,
		resident:     map[region.Coord]*store.RegionData{},
		observers:    map[string]observerState{},
		inflight:     map[region.Coord]uint64{},
		loadQueued:   map[region.Coord]bool{},
		unloadQueued: map[region.Coord]bool{},
		loadDone:     make(chan loadResult, 256),
		posCh:        make(chan posUpdate, 256),
		editCh:       make(chan EditRequest, 256),
		stop:         make(chan struct{}),
	}
	e.miner = mine.New(mine.Config{
		RegionSize:       cfg.RegionSize,
		VoxelSize:        cfg.VoxelSize,
		SurfaceThreshold: cfg.SurfaceThreshold,
		Mining:           cfg.Mining,
	}, e.states, e.ledger, e.cache,
		e.residentData, e.RequestLoad, e.requestRemesh)
	e.ctrl = stream.NewController(stream.ControllerConfig{
		RegionSize: cfg.RegionSize,
		VoxelSize:  cfg.VoxelSize,
		Streaming:  cfg.Streaming,
	}, e.states, e.ledger, e.cache,
		e.isResident, e.residentCoords, e.RequestLoad, e.unload)
	e.sup = stream.NewSupervisor(cfg.Recovery, e.states, e.ledger,
		e.abandonLoad, e.RequestLoad, e.pool.Utilization)
	return e
}

// SetNotifier registers a region lifecycle listener (e.g. the transport).
func (e *Engine) SetNotifier(fn func(c region.Coord, st region.Status)) {
	e.notifyMu.Lock()
	e.notify = fn
	e.notifyMu.Unlock()
}

func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }
func (e *Engine) States() *region.Table  { return e.states }
func (e *Engine) Cache() *classify.Cache { return e.cache }
func (e *Engine) CurrentTick() uint64    { return e.tick.Load() }

// IsPendingEdit reports whether any edit is queued for the coordinate.
func (e *Engine) IsPendingEdit(c region.Coord) bool { return e.ledger.Has(c) }

// RegionStatus returns the lifecycle status for the coordinate.
func (e *Engine) RegionStatus(c region.Coord) region.Status { return e.states.GetState(c) }

// ApplyEdit queues a spherical density edit for the next tick.
func (e *Engine) ApplyEdit(pos region.Vec3, radius float64, adding bool) {
	e.editCh <- EditRequest{Pos: pos, Radius: radius, Adding: adding}
}

// SetObserver updates (or registers) an observer position.
func (e *Engine) SetObserver(id string, pos region.Vec3) {
	e.posCh <- posUpdate{id: id, pos: pos}
}

// RequestLoad enqueues a load request. Idempotent; safe from any goroutine.
func (e *Engine) RequestLoad(c region.Coord) {
	e.loadMu.Lock()
	defer e.loadMu.Unlock()
	if e.loadQueued[c] {
		return
	}
	e.loadQueued[c] = true
	e.loadQueue = append(e.loadQueue, c)
}

// RequestUnload forces the region's deferred unload entry due immediately.
// The streaming controller applies its usual cancellation checks on the next
// tick: a pending edit, a modification mark, or an observer in range keeps
// the region resident. Idempotent; safe from any goroutine.
func (e *Engine) RequestUnload(c region.Coord) {
	e.loadMu.Lock()
	defer e.loadMu.Unlock()
	if e.unloadQueued[c] {
		return
	}
	e.unloadQueued[c] = true
	e.unloadQueue = append(e.unloadQueue, c)
}

func (e *Engine) Stop() { close(e.stop) }

// Run drives the tick loop until the context is canceled or Stop is called.
func (e *Engine) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(e.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var pendingPos []posUpdate
	var pendingEdits []EditRequest

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.stop:
			return nil
		case res := <-e.loadDone:
			e.finishLoad(res)
		case u := <-e.posCh:
			pendingPos = append(pendingPos, u)
		case req := <-e.editCh:
			pendingEdits = append(pendingEdits, req)
		case now := <-ticker.C:
			e.step(now, pendingPos, pendingEdits)
			pendingPos = pendingPos[:0]
			pendingEdits = pendingEdits[:0]
		}
	}
}

// StepOnce advances one tick and settles every load dispatched during it.
// Deterministic entry point for tests and replays.
func (e *Engine) StepOnce(now time.Time) uint64 {
	var pos []posUpdate
	var edits []EditRequest
	for {
		select {
		case u := <-e.posCh:
			pos = append(pos, u)
			continue
		case req := <-e.editCh:
			edits = append(edits, req)
			continue
		default:
		}
		break
	}
	e.step(now, pos, edits)
	for len(e.inflight) > 0 {
		e.finishLoad(<-e.loadDone)
	}
	return e.tick.Load()
}

// step is one tick. A panic inside the pass is caught here: one region's
// failure must never stop the world from streaming.
func (e *Engine) step(now time.Time, pos []posUpdate, edits []EditRequest) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Printf("tick %d: recovered from panic: %v", e.tick.Load(), r)
		}
		e.tick.Add(1)
		e.snapshotMetrics(start)
	}()

	for _, u := range pos {
		e.observers[u.id] = observerState{pos: u.pos, lastSeen: now}
	}
	e.expireObservers(now)

	for _, req := range edits {
		e.miner.Apply(req.Pos, req.Radius, req.Adding)
		if e.editLog != nil {
			_ = e.editLog.WriteEdit(EditEvent{
				Tick:   e.tick.Load(),
				Pos:    [3]float64{req.Pos.X, req.Pos.Y, req.Pos.Z},
				Radius: req.Radius,
				Adding: req.Adding,
			})
		}
	}

	for _, c := range e.takeUnloadQueue() {
		e.ctrl.RequestUnload(c)
	}
	e.sup.Tick(now)
	e.ctrl.Tick(now, e.observerPositions())
	e.dispatchLoads()

	if e.cache.HasPendingWork() {
		e.cache.ProcessPendingSavesImmediate(e.cfg.CacheFlushPerTick)
	}
}

// Metrics returns the most recent tick-boundary snapshot.
func (e *Engine) Metrics() Metrics {
	if m, ok := e.metrics.Load().(Metrics); ok {
		return m
	}
	return Metrics{}
}

func (e *Engine) snapshotMetrics(start time.Time) {
	e.loadMu.Lock()
	queued := len(e.loadQueue)
	e.loadMu.Unlock()
	e.metrics.Store(Metrics{
		Tick:            e.tick.Load(),
		Observers:       len(e.observers),
		ResidentRegions: len(e.resident),
		InflightLoads:   len(e.inflight),
		LoadQueueDepth:  queued,
		PendingEdits:    len(e.ledger.Coords()),
		Quarantined:     len(e.states.Quarantined()),
		PoolFree:        e.pool.Free(),
		PoolCapacity:    e.pool.Capacity(),
		StepMS:          float64(time.Since(start).Microseconds()) / 1000.0,
	})
}

func (e *Engine) expireObservers(now time.Time) {
	timeout := time.Duration(e.cfg.ObserverTimeoutMs) * time.Millisecond
	for id, st := range e.observers {
		if now.Sub(st.lastSeen) > timeout {
			delete(e.observers, id)
		}
	}
}

func (e *Engine) observerPositions() []region.Vec3 {
	out := make([]region.Vec3, 0, len(e.observers))
	for _, st := range e.observers {
		out = append(out, st.pos)
	}
	return out
}

func (e *Engine) isResident(c region.Coord) bool {
	_, ok := e.resident[c]
	return ok
}

func (e *Engine) residentData(c region.Coord) *store.RegionData {
	return e.resident[c]
}

func (e *Engine) residentCoords() []region.Coord {
	out := make([]region.Coord, 0, len(e.resident))
	for c := range e.resident {
		out = append(out, c)
	}
	return out
}

func (e *Engine) requestRemesh(c region.Coord) {
	if e.remesh != nil {
		e.remesh.RequestRemesh(c)
	}
}

// dispatchLoads starts background loads for queued coordinates. Pool
// exhaustion leaves the remainder queued for a later tick; an exhausted pool
// never drops an edit.
func (e *Engine) dispatchLoads() {
	batch := e.takeLoadQueue()
	for i, c := range batch {
		if e.isResident(c) {
			continue
		}
		if _, busy := e.inflight[c]; busy {
			continue
		}
		st := e.states.GetState(c)
		if st != region.StatusNone && st != region.StatusUnloaded {
			// In flight or quarantined-in-error; the supervisor owns those.
			if e.ledger.Has(c) {
				e.RequestLoad(c) // keep edit targets queued for a later tick
			}
			continue
		}
		d, got := e.pool.Acquire()
		if !got {
			// PoolExhausted: retry the rest later.
			for _, rest := range batch[i:] {
				e.RequestLoad(rest)
			}
			return
		}
		if !e.states.TryChangeState(c, region.StatusLoading, region.FlagActive) {
			e.pool.Release(d)
			continue
		}
		d.Reset(c)
		e.loadGen++
		gen := e.loadGen
		e.inflight[c] = gen
		go e.loadWorker(c, gen, d)
		e.logLifecycle(c, region.StatusLoading, "")
	}
}

func (e *Engine) takeLoadQueue() []region.Coord {
	e.loadMu.Lock()
	defer e.loadMu.Unlock()
	batch := e.loadQueue
	e.loadQueue = nil
	for _, c := range batch {
		delete(e.loadQueued, c)
	}
	return batch
}

func (e *Engine) takeUnloadQueue() []region.Coord {
	e.loadMu.Lock()
	defer e.loadMu.Unlock()
	batch := e.unloadQueue
	e.unloadQueue = nil
	for _, c := range batch {
		delete(e.unloadQueued, c)
	}
	return batch
}

func (e *Engine) loadWorker(c region.Coord, gen uint64, d *store.RegionData) {
	err := e.populate(c, d)
	e.loadDone <- loadResult{coord: c, gen: gen, data: d, err: err}
}

func (e *Engine) populate(c region.Coord, d *store.RegionData) error {
	if err := d.EnsureAllocated(); err != nil {
		return err
	}
	if e.persist != nil {
		density, occ, ok, err := e.persist.LoadRegion(c)
		if err != nil {
			return err
		}
		if ok {
			return d.Deserialize(density, occ)
		}
	}
	if e.gen != nil {
		return e.gen.Generate(d, e.cfg.SurfaceThreshold)
	}
	return nil
}

// finishLoad consumes a load completion on the tick thread.
func (e *Engine) finishLoad(res loadResult) {
	cur, ok := e.inflight[res.coord]
	if !ok || cur != res.gen {
		// Stale worker from a force-recovered load; return its unit.
		e.pool.Release(res.data)
		return
	}
	delete(e.inflight, res.coord)

	if res.err != nil {
		e.states.RecordError(res.coord, res.err.Error())
		e.states.TryChangeState(res.coord, region.StatusError, 0)
		e.states.Quarantine(res.coord, res.err.Error(), region.StatusError)
		e.pool.Release(res.data)
		e.logger.Printf("load %v failed: %v", res.coord, res.err)
		e.logLifecycle(res.coord, region.StatusError, res.err.Error())
		e.notifyStatus(res.coord, region.StatusError)
		return
	}

	e.resident[res.coord] = res.data
	e.states.TryChangeState(res.coord, region.StatusLoaded, 0)

	// Drain the ledger before the region is considered settled.
	applied, _ := e.miner.Replay(res.coord, res.data)
	if applied > 0 {
		e.logger.Printf("replayed %d queued edits for %v", applied, res.coord)
	}

	if res.data.Modified() {
		e.cache.Save(res.coord, classify.Entry{Modified: true})
	} else {
		cl := res.data.Classify(e.cfg.ClassifyStride, e.cfg.SurfaceThreshold)
		e.cache.Save(res.coord, classify.Entry{Empty: cl.Empty, Solid: cl.Solid})
	}

	st := e.states.GetState(res.coord)
	e.logLifecycle(res.coord, st, "")
	e.notifyStatus(res.coord, st)
}

// unload is invoked by the streaming controller once a deferred unload comes
// due with no pending edits.
func (e *Engine) unload(c region.Coord) {
	d := e.resident[c]
	if d == nil || e.ledger.Has(c) {
		return
	}
	if !e.states.TryChangeState(c, region.StatusUnloading, 0) {
		return
	}
	wasModified := d.Modified()
	if err := d.Dispose(e.flushRegion); err != nil {
		e.states.RecordError(c, err.Error())
		e.logger.Printf("unload flush %v: %v", c, err)
	}
	delete(e.resident, c)
	e.pool.Release(d)
	e.states.TryChangeState(c, region.StatusUnloaded, 0)
	if wasModified {
		// Remember the modification so the region always reloads fully.
		e.cache.Save(c, classify.Entry{Modified: true})
	}
	e.logLifecycle(c, region.StatusUnloaded, "")
	e.notifyStatus(c, region.StatusUnloaded)

	if e.ledger.Has(c) || e.states.IsMarkedForModification(c) {
		// An edit landed while the unload was in flight: cancel by walking
		// Unloaded->None and re-queueing the load.
		e.states.TryChangeState(c, region.StatusNone, 0)
		e.RequestLoad(c)
		return
	}
	e.states.TryChangeState(c, region.StatusNone, 0)
	e.states.Retire(c)
}

func (e *Engine) flushRegion(c region.Coord, density []float32, occ []byte) error {
	if e.persist == nil {
		return nil
	}
	return e.persist.SaveRegion(c, density, occ)
}

// abandonLoad is the supervisor's hook for a force-recovered load: forget
// the in-flight worker so its eventual result is discarded.
func (e *Engine) abandonLoad(c region.Coord) {
	delete(e.inflight, c)
}

func (e *Engine) logLifecycle(c region.Coord, st region.Status, detail string) {
	if e.lifecycleLog == nil {
		return
	}
	_ = e.lifecycleLog.WriteLifecycle(LifecycleEvent{
		Tick:   e.tick.Load(),
		Coord:  [3]int{c.X, c.Y, c.Z},
		Status: st.String(),
		Detail: detail,
	})
}

func (e *Engine) notifyStatus(c region.Coord, st region.Status) {
	e.notifyMu.Lock()
	fn := e.notify
	e.notifyMu.Unlock()
	if fn != nil {
		fn(c, st)
	}
}
