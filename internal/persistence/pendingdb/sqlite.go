// Package pendingdb is the durable store of in-flight fleets and exits. Records are
// kept as JSON next to the indexed columns the lifecycle queries need; wide integers
// (location ids) are stored as decimal TEXT.
package pendingdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	_ "modernc.org/sqlite"

	"conquest.eth/internal/game/location"
)

var (
	ErrNotFound = errors.New("pendingdb: record not found")
	ErrExists   = errors.New("pendingdb: record already exists")
)

const schemaVersion = "1"

type Store struct {
	db *sql.DB

	// single writer; sqlite serializes anyway but we want whole read-modify-write cycles atomic
	mu sync.Mutex

	closeOnce sync.Once
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
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
	return &Store{db: db}, nil
}

func initPragmas(db *sql.DB) error {
	// Records carry secrets that cannot be recovered, so commits are fully synced.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
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
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS fleets (
			fleet_id TEXT PRIMARY KEY,
			sender TEXT NOT NULL,
			from_id TEXT NOT NULL,
			to_id TEXT NOT NULL,
			quantity INTEGER NOT NULL,
			committed_at INTEGER NOT NULL,
			estimated_arrival INTEGER NOT NULL,
			submitted INTEGER NOT NULL,
			resolved INTEGER NOT NULL,
			resolved_at INTEGER NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_fleets_sender ON fleets(sender, resolved);`,
		`CREATE INDEX IF NOT EXISTS idx_fleets_arrival ON fleets(resolved, estimated_arrival);`,
		`CREATE TABLE IF NOT EXISTS exits (
			planet_id TEXT PRIMARY KEY,
			player TEXT NOT NULL,
			exit_start_time INTEGER NOT NULL,
			exit_complete_time INTEGER NOT NULL,
			completed INTEGER NOT NULL,
			interrupted INTEGER NOT NULL,
			withdrawn INTEGER NOT NULL,
			last_checked_at INTEGER NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_exits_player ON exits(player, withdrawn, interrupted);`,
		`INSERT OR IGNORE INTO meta(key,value) VALUES('schema_version','` + schemaVersion + `');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.db.Close()
	})
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func addrKey(a common.Address) string { return strings.ToLower(a.Hex()) }

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return fmt.Errorf("pendingdb: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("pendingdb: commit: %w", err)
	}
	return nil
}

// ---- fleets ----

func writeFleet(ex execer, f Fleet) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("pendingdb: encode fleet: %w", err)
	}
	_, err = ex.ExecContext(context.Background(),
		`INSERT OR REPLACE INTO fleets(fleet_id,sender,from_id,to_id,quantity,committed_at,estimated_arrival,submitted,resolved,resolved_at,raw_json)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		f.FleetID.Hex(),
		addrKey(f.Sender),
		f.From.String(),
		f.To.String(),
		int64(f.Quantity),
		f.CommittedAt,
		f.EstimatedArrival,
		boolInt(f.Submitted()),
		boolInt(f.Resolved),
		f.ResolvedAt,
		string(raw),
	)
	if err != nil {
		return fmt.Errorf("pendingdb: write fleet %s: %w", f.FleetID.Hex(), err)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readFleet(q queryer, id common.Hash) (Fleet, error) {
	var raw string
	err := q.QueryRowContext(context.Background(), `SELECT raw_json FROM fleets WHERE fleet_id=?`, id.Hex()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Fleet{}, ErrNotFound
	}
	if err != nil {
		return Fleet{}, fmt.Errorf("pendingdb: read fleet %s: %w", id.Hex(), err)
	}
	var f Fleet
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return Fleet{}, fmt.Errorf("pendingdb: decode fleet %s: %w", id.Hex(), err)
	}
	return f, nil
}

// PutFleet inserts a new fleet and fails with ErrExists if the id is taken.
func (s *Store) PutFleet(f Fleet) error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := readFleet(tx, f.FleetID); err == nil {
			return ErrExists
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		return writeFleet(tx, f)
	})
}

// UpsertFleet writes f unconditionally. Used by restore.
func (s *Store) UpsertFleet(f Fleet) error {
	return s.withTx(func(tx *sql.Tx) error { return writeFleet(tx, f) })
}

func (s *Store) GetFleet(id common.Hash) (Fleet, error) {
	return readFleet(s.db, id)
}

// UpdateFleet applies fn to the stored record inside one transaction. Returning an
// error from fn aborts without writing.
func (s *Store) UpdateFleet(id common.Hash, fn func(*Fleet) error) (Fleet, error) {
	var out Fleet
	err := s.withTx(func(tx *sql.Tx) error {
		f, err := readFleet(tx, id)
		if err != nil {
			return err
		}
		if err := fn(&f); err != nil {
			return err
		}
		if f.FleetID != id {
			return fmt.Errorf("pendingdb: update changed fleet id %s -> %s", id.Hex(), f.FleetID.Hex())
		}
		if err := writeFleet(tx, f); err != nil {
			return err
		}
		out = f
		return nil
	})
	return out, err
}

func (s *Store) ListFleets(filter FleetFilter) ([]Fleet, error) {
	q := `SELECT raw_json FROM fleets WHERE 1=1`
	var args []any
	if filter.Sender != (common.Address{}) {
		q += ` AND sender=?`
		args = append(args, addrKey(filter.Sender))
	}
	if filter.Unresolved {
		q += ` AND resolved=0`
	}
	if filter.Unsubmitted {
		q += ` AND submitted=0`
	}
	if filter.ArrivedBy != 0 {
		q += ` AND estimated_arrival<=?`
		args = append(args, filter.ArrivedBy)
	}
	q += ` ORDER BY committed_at, fleet_id`

	rows, err := s.db.QueryContext(context.Background(), q, args...)
	if err != nil {
		return nil, fmt.Errorf("pendingdb: list fleets: %w", err)
	}
	defer rows.Close()
	var out []Fleet
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("pendingdb: list fleets: %w", err)
		}
		var f Fleet
		if err := json.Unmarshal([]byte(raw), &f); err != nil {
			return nil, fmt.Errorf("pendingdb: decode fleet: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pendingdb: list fleets: %w", err)
	}
	return out, nil
}

// DeleteResolvedFleetsBefore removes resolved fleets whose resolution is older than t.
// Unresolved fleets are never deleted.
func (s *Store) DeleteResolvedFleetsBefore(t int64) (int, error) {
	var n int64
	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM fleets WHERE resolved=1 AND resolved_at<?`, t)
		if err != nil {
			return fmt.Errorf("pendingdb: delete fleets: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return int(n), err
}

// ---- exits ----

func writeExit(ex execer, e Exit) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("pendingdb: encode exit: %w", err)
	}
	_, err = ex.ExecContext(context.Background(),
		`INSERT OR REPLACE INTO exits(planet_id,player,exit_start_time,exit_complete_time,completed,interrupted,withdrawn,last_checked_at,raw_json)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		e.Planet.String(),
		addrKey(e.Player),
		e.ExitStartTime,
		e.ExitCompleteTime,
		boolInt(e.Completed),
		boolInt(e.Interrupted),
		boolInt(e.Withdrawn),
		e.LastCheckedAt,
		string(raw),
	)
	if err != nil {
		return fmt.Errorf("pendingdb: write exit %s: %w", e.Planet, err)
	}
	return nil
}

func readExit(q queryer, planet location.ID) (Exit, error) {
	var raw string
	err := q.QueryRowContext(context.Background(), `SELECT raw_json FROM exits WHERE planet_id=?`, planet.String()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Exit{}, ErrNotFound
	}
	if err != nil {
		return Exit{}, fmt.Errorf("pendingdb: read exit %s: %w", planet, err)
	}
	var e Exit
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Exit{}, fmt.Errorf("pendingdb: decode exit %s: %w", planet, err)
	}
	return e, nil
}

// PutExit records an exit for a planet. An earlier record for the same planet is
// replaced only when it is no longer open.
func (s *Store) PutExit(e Exit) error {
	return s.withTx(func(tx *sql.Tx) error {
		prev, err := readExit(tx, e.Planet)
		switch {
		case err == nil && prev.Open():
			return ErrExists
		case err != nil && !errors.Is(err, ErrNotFound):
			return err
		}
		return writeExit(tx, e)
	})
}

func (s *Store) UpsertExit(e Exit) error {
	return s.withTx(func(tx *sql.Tx) error { return writeExit(tx, e) })
}

func (s *Store) GetExit(planet location.ID) (Exit, error) {
	return readExit(s.db, planet)
}

func (s *Store) UpdateExit(planet location.ID, fn func(*Exit) error) (Exit, error) {
	var out Exit
	err := s.withTx(func(tx *sql.Tx) error {
		e, err := readExit(tx, planet)
		if err != nil {
			return err
		}
		if err := fn(&e); err != nil {
			return err
		}
		if e.Planet != planet {
			return fmt.Errorf("pendingdb: update changed exit planet %s -> %s", planet, e.Planet)
		}
		if err := writeExit(tx, e); err != nil {
			return err
		}
		out = e
		return nil
	})
	return out, err
}

func (s *Store) ListExits(filter ExitFilter) ([]Exit, error) {
	q := `SELECT raw_json FROM exits WHERE 1=1`
	var args []any
	if filter.Player != (common.Address{}) {
		q += ` AND player=?`
		args = append(args, addrKey(filter.Player))
	}
	if filter.OpenOnly {
		q += ` AND withdrawn=0 AND interrupted=0`
	}
	q += ` ORDER BY exit_start_time, planet_id`

	rows, err := s.db.QueryContext(context.Background(), q, args...)
	if err != nil {
		return nil, fmt.Errorf("pendingdb: list exits: %w", err)
	}
	defer rows.Close()
	var out []Exit
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("pendingdb: list exits: %w", err)
		}
		var e Exit
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("pendingdb: decode exit: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pendingdb: list exits: %w", err)
	}
	return out, nil
}

// DeleteClosedExitsBefore removes withdrawn or interrupted exits last checked before t.
func (s *Store) DeleteClosedExitsBefore(t int64) (int, error) {
	var n int64
	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM exits WHERE (withdrawn=1 OR interrupted=1) AND last_checked_at<?`, t)
		if err != nil {
			return fmt.Errorf("pendingdb: delete exits: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return int(n), err
}

// ---- stats ----

func (s *Store) Stats() (Stats, error) {
	var st Stats
	row := s.db.QueryRow(`SELECT
		COALESCE(SUM(CASE WHEN submitted=0 AND resolved=0 THEN 1 ELSE 0 END),0),
		COALESCE(SUM(CASE WHEN submitted=1 AND resolved=0 THEN 1 ELSE 0 END),0),
		COALESCE(SUM(CASE WHEN resolved=1 THEN 1 ELSE 0 END),0)
		FROM fleets`)
	if err := row.Scan(&st.FleetsUnsubmitted, &st.FleetsInFlight, &st.FleetsResolved); err != nil {
		return Stats{}, fmt.Errorf("pendingdb: fleet stats: %w", err)
	}
	row = s.db.QueryRow(`SELECT
		COALESCE(SUM(CASE WHEN completed=0 AND interrupted=0 AND withdrawn=0 THEN 1 ELSE 0 END),0),
		COALESCE(SUM(CASE WHEN completed=1 AND interrupted=0 AND withdrawn=0 THEN 1 ELSE 0 END),0),
		COALESCE(SUM(CASE WHEN interrupted=1 THEN 1 ELSE 0 END),0),
		COALESCE(SUM(CASE WHEN withdrawn=1 THEN 1 ELSE 0 END),0)
		FROM exits`)
	if err := row.Scan(&st.ExitsInProgress, &st.ExitsCompleted, &st.ExitsInterrupted, &st.ExitsWithdrawn); err != nil {
		return Stats{}, fmt.Errorf("pendingdb: exit stats: %w", err)
	}
	return st, nil
}
