package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var ErrResultNotFound = errors.New("result not found")

const resultsSchema = `
CREATE TABLE IF NOT EXISTS results (
	session_id  TEXT PRIMARY KEY,
	sample_id   TEXT NOT NULL,
	state       TEXT NOT NULL,
	score       REAL NOT NULL DEFAULT 0,
	risk_level  TEXT NOT NULL DEFAULT '',
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	payload     BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS results_sample ON results (sample_id);
CREATE INDEX IF NOT EXISTS results_finished ON results (finished_at);
`

// ResultRecord is one finished analysis. Payload holds the full result document;
// the other columns exist for listing and filtering.
type ResultRecord struct {
	SessionID  string
	SampleID   string
	State      string
	Score      float64
	RiskLevel  string
	StartedAt  time.Time
	FinishedAt time.Time
	Payload    []byte
}

// ResultStore persists finished analyses in a SQLite database.
type ResultStore struct {
	db *sql.DB
}

// OpenResultStore opens (and migrates) the database at path. ":memory:" keeps
// everything in process.
func OpenResultStore(ctx context.Context, path string) (*ResultStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("ensure results directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open results database: %w", err)
	}
	// sqlite serialises writers; one connection also keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("configure results database: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, resultsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate results database: %w", err)
	}
	return &ResultStore{db: db}, nil
}

func (s *ResultStore) Close() error {
	return s.db.Close()
}

// Save inserts or replaces the record for its session.
func (s *ResultStore) Save(ctx context.Context, rec ResultRecord) error {
	if rec.SessionID == "" {
		return errors.New("session id is required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO results (session_id, sample_id, state, score, risk_level, started_at, finished_at, payload)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
	sample_id = excluded.sample_id,
	state = excluded.state,
	score = excluded.score,
	risk_level = excluded.risk_level,
	started_at = excluded.started_at,
	finished_at = excluded.finished_at,
	payload = excluded.payload`,
		rec.SessionID, rec.SampleID, rec.State, rec.Score, rec.RiskLevel,
		rec.StartedAt.UnixNano(), rec.FinishedAt.UnixNano(), rec.Payload,
	)
	if err != nil {
		return fmt.Errorf("save result %s: %w", rec.SessionID, err)
	}
	return nil
}

func (s *ResultStore) Get(ctx context.Context, sessionID string) (ResultRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT session_id, sample_id, state, score, risk_level, started_at, finished_at, payload
FROM results WHERE session_id = ?`, sessionID)
	rec, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ResultRecord{}, fmt.Errorf("%w: %s", ErrResultNotFound, sessionID)
	}
	return rec, err
}

// List returns records newest first. An empty sampleID lists all samples;
// limit <= 0 means no limit.
func (s *ResultStore) List(ctx context.Context, sampleID string, limit int) ([]ResultRecord, error) {
	query := `
SELECT session_id, sample_id, state, score, risk_level, started_at, finished_at, payload
FROM results WHERE (? = '' OR sample_id = ?) ORDER BY finished_at DESC, session_id`
	args := []any{sampleID, sampleID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var out []ResultRecord
	for rows.Next() {
		rec, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *ResultStore) Delete(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM results WHERE session_id = ?`, sessionID)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanResult(row scanner) (ResultRecord, error) {
	var (
		rec               ResultRecord
		started, finished int64
	)
	if err := row.Scan(&rec.SessionID, &rec.SampleID, &rec.State, &rec.Score, &rec.RiskLevel, &started, &finished, &rec.Payload); err != nil {
		return ResultRecord{}, err
	}
	rec.StartedAt = time.Unix(0, started).UTC()
	rec.FinishedAt = time.Unix(0, finished).UTC()
	return rec, nil
}
