// Package evalstore records evaluation runs and their per-frame statistics
// in sqlite.
package evalstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ticdso/depthserve/metrics"
)

// ErrRunNotFound is returned for unknown run ids.
var ErrRunNotFound = errors.New("run not found")

// Run status values.
const (
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusFailed   = "failed"
)

// Run is one evaluation pass over a split.
type Run struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	Dataset    string             `json:"dataset"`
	Checkpoint string             `json:"checkpoint"`
	Status     string             `json:"status"`
	Error      string             `json:"error,omitempty"`
	Frames     int                `json:"frames"`
	Summary    map[string]float64 `json:"summary,omitempty"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at,omitempty"`
}

// Frame holds the statistics of one evaluated sample.
type Frame struct {
	Index   int                `json:"index"`
	Name    string             `json:"name"`
	Metrics map[string]float64 `json:"metrics"`
}

// Store wraps a database handle.
type Store struct {
	db *sql.DB
}

// New creates the tables if needed.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create eval tables: %w", err)
	}
	return s, nil
}

func (s *Store) createTables() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		dataset TEXT NOT NULL,
		checkpoint TEXT,
		status TEXT NOT NULL,
		error TEXT,
		frames INTEGER NOT NULL DEFAULT 0,
		summary TEXT,
		started_at INTEGER NOT NULL,
		finished_at INTEGER
	);
	CREATE TABLE IF NOT EXISTS run_frames (
		run_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		name TEXT,
		metrics TEXT NOT NULL,
		PRIMARY KEY (run_id, idx),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`)
	return err
}

// CreateRun inserts a running run and returns its id.
func (s *Store) CreateRun(ctx context.Context, name, dataset, checkpoint string) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, name, dataset, checkpoint, status, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, name, dataset, checkpoint, StatusRunning, time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("failed to create run: %w", err)
	}
	return id, nil
}

// AddFrame stores the statistics of frame idx.
func (s *Store) AddFrame(ctx context.Context, runID string, idx int, name string, sample metrics.Sample) error {
	data, err := json.Marshal(sample.Map())
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO run_frames (run_id, idx, name, metrics) VALUES (?, ?, ?, ?)`,
		runID, idx, name, string(data))
	if err != nil {
		return fmt.Errorf("failed to add frame %d: %w", idx, err)
	}
	return nil
}

// FinishRun records the summary. A non-nil runErr marks the run failed.
func (s *Store) FinishRun(ctx context.Context, runID string, summary metrics.Summary, runErr error) error {
	data, err := json.Marshal(summary.Map())
	if err != nil {
		return err
	}
	status, msg := StatusFinished, ""
	if runErr != nil {
		status, msg = StatusFailed, runErr.Error()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, frames = ?, summary = ?, finished_at = ? WHERE id = ?`,
		status, msg, summary.Count, string(data), time.Now().UnixMilli(), runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRunNotFound
	}
	return nil
}

const runColumns = `id, name, dataset, checkpoint, status, error, frames, summary, started_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	var (
		r                   Run
		checkpoint, errText sql.NullString
		summary             sql.NullString
		started             int64
		finished            sql.NullInt64
	)
	if err := sc.Scan(&r.ID, &r.Name, &r.Dataset, &checkpoint, &r.Status, &errText,
		&r.Frames, &summary, &started, &finished); err != nil {
		return nil, err
	}
	r.Checkpoint = checkpoint.String
	r.Error = errText.String
	r.StartedAt = time.UnixMilli(started)
	if finished.Valid {
		r.FinishedAt = time.UnixMilli(finished.Int64)
	}
	if summary.Valid && summary.String != "" {
		if err := json.Unmarshal([]byte(summary.String), &r.Summary); err != nil {
			return nil, fmt.Errorf("run %s: bad summary: %w", r.ID, err)
		}
	}
	return &r, nil
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(ctx context.Context) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, rowid DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns a run and its frames in index order.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, []Frame, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrRunNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT idx, name, metrics FROM run_frames WHERE run_id = ? ORDER BY idx`, id)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var frames []Frame
	for rows.Next() {
		var (
			f    Frame
			name sql.NullString
			data string
		)
		if err := rows.Scan(&f.Index, &name, &data); err != nil {
			return nil, nil, err
		}
		f.Name = name.String
		if err := json.Unmarshal([]byte(data), &f.Metrics); err != nil {
			return nil, nil, err
		}
		frames = append(frames, f)
	}
	return r, frames, rows.Err()
}

// DeleteRun removes a run and its frames.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM run_frames WHERE run_id = ?`, id); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRunNotFound
	}
	return nil
}
