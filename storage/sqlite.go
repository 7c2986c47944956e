package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
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

func (s *SQLiteStore) SaveRun(ctx context.Context, run Run) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if run.ID == "" {
		return errors.New("run id is required")
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO runs (id, name, source, started_at, spring_gain, damper_gain)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			source = excluded.source,
			started_at = excluded.started_at,
			spring_gain = excluded.spring_gain,
			damper_gain = excluded.damper_gain
	`, run.ID, run.Name, run.Source, run.StartedAt.UTC().Format(time.RFC3339Nano), run.SpringGain, run.DamperGain)
	return err
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (Run, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return Run{}, false, err
	}

	var (
		run     Run
		started string
	)
	err = db.QueryRowContext(ctx, `
		SELECT id, name, source, started_at, spring_gain, damper_gain FROM runs WHERE id = ?
	`, id).Scan(&run.ID, &run.Name, &run.Source, &started, &run.SpringGain, &run.DamperGain)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, false, nil
		}
		return Run{}, false, err
	}

	run.StartedAt, err = time.Parse(time.RFC3339Nano, started)
	if err != nil {
		return Run{}, false, fmt.Errorf("decode run %s started_at: %w", id, err)
	}
	return run, true, nil
}

func (s *SQLiteStore) AppendTrace(ctx context.Context, records []TraceRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	checked := make(map[string]bool)
	for _, r := range records {
		if checked[r.RunID] {
			continue
		}
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = ?`, r.RunID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrRunNotFound, r.RunID)
		}
		if err != nil {
			return err
		}
		checked[r.RunID] = true
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO trace (run_id, seq, t_s, steer_norm, yaw_rate_dps, torque_nm, command_nm)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.RunID, r.Seq, r.TimeS, r.SteerNorm, r.YawRateDPS, r.TorqueNm, r.CommandNm); err != nil {
			return fmt.Errorf("insert trace %s/%d: %w", r.RunID, r.Seq, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListTrace(ctx context.Context, runID string) ([]TraceRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT run_id, seq, t_s, steer_norm, yaw_rate_dps, torque_nm, command_nm
		FROM trace WHERE run_id = ? ORDER BY seq
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TraceRecord
	for rows.Next() {
		var r TraceRecord
		if err := rows.Scan(&r.RunID, &r.Seq, &r.TimeS, &r.SteerNorm, &r.YawRateDPS, &r.TorqueNm, &r.CommandNm); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			source TEXT NOT NULL,
			started_at TEXT NOT NULL,
			spring_gain REAL NOT NULL,
			damper_gain REAL NOT NULL
		);
		CREATE TABLE IF NOT EXISTS trace (
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			t_s REAL NOT NULL,
			steer_norm REAL NOT NULL,
			yaw_rate_dps REAL NOT NULL,
			torque_nm REAL NOT NULL,
			command_nm REAL NOT NULL,
			PRIMARY KEY (run_id, seq)
		);
	`)
	return err
}
