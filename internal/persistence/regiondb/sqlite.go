// Package regiondb persists serialized region grids in sqlite. Density and
// occupancy arrays are stored as zstd-compressed blobs; saves go through a
// dedicated writer goroutine so the tick thread never blocks on the disk.
package regiondb

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"terrastream.dev/internal/sim/terrain/classify"
	"terrastream.dev/internal/sim/terrain/region"
)

type Store struct {
	db *sql.DB

	enc *zstd.Encoder
	dec *zstd.Decoder

	ch     chan saveReq
	wg     sync.WaitGroup
	once   sync.Once
	closed atomic.Bool
}

type saveReq struct {
	kind  saveKind
	coord region.Coord
	dens  []byte
	occ   []byte
	entry classify.Entry
}

type saveKind int

const (
	saveRegion saveKind = iota + 1
	saveClassification
)

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db:  db,
		enc: enc,
		dec: dec,
		// Generous buffer: a burst of unload flushes must not stall the sim.
		ch: make(chan saveReq, 4096),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL suits the append-style save workload.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS regions (
			rx INTEGER NOT NULL,
			ry INTEGER NOT NULL,
			rz INTEGER NOT NULL,
			density BLOB NOT NULL,
			occupancy BLOB NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (datetime('now')),
			PRIMARY KEY (rx, ry, rz)
		);`,
		`CREATE TABLE IF NOT EXISTS classifications (
			rx INTEGER NOT NULL,
			ry INTEGER NOT NULL,
			rz INTEGER NOT NULL,
			is_empty INTEGER NOT NULL,
			is_solid INTEGER NOT NULL,
			was_modified INTEGER NOT NULL,
			PRIMARY KEY (rx, ry, rz)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) loop() {
	for req := range s.ch {
		var err error
		switch req.kind {
		case saveRegion:
			_, err = s.db.Exec(
				`INSERT INTO regions (rx, ry, rz, density, occupancy, updated_at)
				 VALUES (?, ?, ?, ?, ?, datetime('now'))
				 ON CONFLICT(rx, ry, rz) DO UPDATE SET
				   density=excluded.density,
				   occupancy=excluded.occupancy,
				   updated_at=excluded.updated_at;`,
				req.coord.X, req.coord.Y, req.coord.Z, req.dens, req.occ)
		case saveClassification:
			_, err = s.db.Exec(
				`INSERT INTO classifications (rx, ry, rz, is_empty, is_solid, was_modified)
				 VALUES (?, ?, ?, ?, ?, ?)
				 ON CONFLICT(rx, ry, rz) DO UPDATE SET
				   is_empty=excluded.is_empty,
				   is_solid=excluded.is_solid,
				   was_modified=excluded.was_modified;`,
				req.coord.X, req.coord.Y, req.coord.Z,
				b2i(req.entry.Empty), b2i(req.entry.Solid), b2i(req.entry.Modified))
		}
		_ = err // best effort; the authoritative copy is in memory until the next flush
	}
}

// SaveRegion queues a region write. Implements engine.Persistence.
func (s *Store) SaveRegion(c region.Coord, density []float32, occupancy []byte) error {
	if s.closed.Load() {
		return fmt.Errorf("region store closed")
	}
	dens := s.enc.EncodeAll(packFloats(density), nil)
	occ := s.enc.EncodeAll(occupancy, nil)
	select {
	case s.ch <- saveReq{kind: saveRegion, coord: c, dens: dens, occ: occ}:
		return nil
	default:
		return fmt.Errorf("region store write queue full")
	}
}

// LoadRegion reads a region synchronously. ok=false when never saved.
func (s *Store) LoadRegion(c region.Coord) (density []float32, occupancy []byte, ok bool, err error) {
	var dens, occ []byte
	row := s.db.QueryRow(`SELECT density, occupancy FROM regions WHERE rx=? AND ry=? AND rz=?;`,
		c.X, c.Y, c.Z)
	if err := row.Scan(&dens, &occ); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, false, nil
		}
		return nil, nil, false, err
	}
	rawDens, err := s.dec.DecodeAll(dens, nil)
	if err != nil {
		return nil, nil, false, fmt.Errorf("decode density: %w", err)
	}
	rawOcc, err := s.dec.DecodeAll(occ, nil)
	if err != nil {
		return nil, nil, false, fmt.Errorf("decode occupancy: %w", err)
	}
	floats, err := unpackFloats(rawDens)
	if err != nil {
		return nil, nil, false, err
	}
	return floats, rawOcc, true, nil
}

// SaveClassification implements classify.Sink.
func (s *Store) SaveClassification(c region.Coord, e classify.Entry) error {
	if s.closed.Load() {
		return fmt.Errorf("region store closed")
	}
	select {
	case s.ch <- saveReq{kind: saveClassification, coord: c, entry: e}:
		return nil
	default:
		return fmt.Errorf("region store write queue full")
	}
}

// LoadClassifications returns every persisted classification entry, used to
// warm the cache on startup.
func (s *Store) LoadClassifications() (map[region.Coord]classify.Entry, error) {
	rows, err := s.db.Query(`SELECT rx, ry, rz, is_empty, is_solid, was_modified FROM classifications;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[region.Coord]classify.Entry{}
	for rows.Next() {
		var c region.Coord
		var empty, solid, modified int
		if err := rows.Scan(&c.X, &c.Y, &c.Z, &empty, &solid, &modified); err != nil {
			return nil, err
		}
		out[c] = classify.Entry{Empty: empty != 0, Solid: solid != 0, Modified: modified != 0}
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		s.dec.Close()
		_ = s.enc.Close()
		err = s.db.Close()
	})
	return err
}

func packFloats(vals []float32) []byte {
	out := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func unpackFloats(raw []byte) ([]float32, error) {
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("density blob length %d not a multiple of 4", len(raw))
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}

func b2i(v bool) int {
	if v {
		return 1
	}
	return 0
}
