// Package record persists electrode, capacitance and move history to SQLite.
package record

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/itohio/purpledrop/pkg/events"
	"github.com/itohio/purpledrop/pkg/motion"
)

var ErrNotInitialized = errors.New("record store is not initialized")

// MoveRecord is a stored droplet move.
type MoveRecord struct {
	ID     string
	Time   time.Time
	Move   motion.Move
	Result motion.MoveDropResult
}

// Store records broker events and move results.
type Store struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

var _ motion.MoveRecorder = (*Store)(nil)

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Init opens the database and creates missing tables.
func (s *Store) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

// Handler returns a broker handler that stores electrode state, bulk
// capacitance and image transform events. Other kinds are ignored.
func (s *Store) Handler() events.Handler {
	return func(ev events.Event) error {
		switch ev.Kind() {
		case events.KindElectrodeState, events.KindBulkCapacitance, events.KindImageTransform:
			return s.SaveEvent(context.Background(), ev)
		default:
			return nil
		}
	}
}

// SaveEvent stores one event in its wire encoding.
func (s *Store) SaveEvent(ctx context.Context, ev events.Event) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := events.Encode(ev)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO events (id, kind, timestamp, payload)
		VALUES (?, ?, ?, ?)
	`, uuid.NewString(), int(ev.Kind()), ev.Time().UnixNano(), payload)
	return err
}

// Events returns up to limit stored events of the given kind, oldest first.
func (s *Store) Events(ctx context.Context, kind events.Kind, limit int) ([]events.Event, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT payload FROM events
		WHERE kind = ?
		ORDER BY timestamp, rowid
		LIMIT ?
	`, int(kind), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		ev, _, err := events.Decode(payload)
		if err != nil {
			return nil, fmt.Errorf("decode %s event: %w", kind, err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// RecordMove stores a completed move.
func (s *Store) RecordMove(ctx context.Context, move motion.Move, result *motion.MoveDropResult) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	moveJSON, err := json.Marshal(move)
	if err != nil {
		return err
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return err
	}

	var pre, post sql.NullFloat64
	if cl := result.ClosedLoopResult; cl != nil {
		pre = sql.NullFloat64{Float64: float64(cl.PreCapacitance), Valid: true}
		post = sql.NullFloat64{Float64: float64(cl.PostCapacitance), Valid: true}
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO moves (id, timestamp, direction, success, closed_loop, pre_capacitance, post_capacitance, move, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), time.Now().UnixNano(), move.Direction.String(),
		result.Success, result.ClosedLoop, pre, post, moveJSON, resultJSON)
	return err
}

// Moves returns up to limit stored moves, oldest first.
func (s *Store) Moves(ctx context.Context, limit int) ([]MoveRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, timestamp, move, result FROM moves
		ORDER BY timestamp, rowid
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MoveRecord
	for rows.Next() {
		var (
			rec        MoveRecord
			ts         int64
			moveJSON   []byte
			resultJSON []byte
		)
		if err := rows.Scan(&rec.ID, &ts, &moveJSON, &resultJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(moveJSON, &rec.Move); err != nil {
			return nil, fmt.Errorf("decode move %s: %w", rec.ID, err)
		}
		if err := json.Unmarshal(resultJSON, &rec.Result); err != nil {
			return nil, fmt.Errorf("decode move result %s: %w", rec.ID, err)
		}
		rec.Time = time.Unix(0, ts)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, ErrNotInitialized
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			kind INTEGER NOT NULL,
			timestamp INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS events_kind_timestamp ON events (kind, timestamp);
		CREATE TABLE IF NOT EXISTS moves (
			id TEXT PRIMARY KEY,
			timestamp INTEGER NOT NULL,
			direction TEXT NOT NULL,
			success INTEGER NOT NULL,
			closed_loop INTEGER NOT NULL,
			pre_capacitance REAL,
			post_capacitance REAL,
			move BLOB NOT NULL,
			result BLOB NOT NULL
		);
	`)
	return err
}
