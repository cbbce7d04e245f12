package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/rpaflow/rpaflow/model"
	"github.com/rpaflow/rpaflow/utils"
)

// SqliteStorage implements Storage on a local SQLite file.
type SqliteStorage struct {
	db *sql.DB
}

var _ Storage = (*SqliteStorage)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	flow_name TEXT,
	profile TEXT,
	inputs JSON,
	status TEXT,
	started_at INTEGER,
	ended_at INTEGER
);
CREATE TABLE IF NOT EXISTS steps (
	id TEXT PRIMARY KEY,
	run_id TEXT,
	step_id TEXT,
	action TEXT,
	status TEXT,
	started_at INTEGER,
	ended_at INTEGER,
	output JSON,
	error TEXT
);
CREATE INDEX IF NOT EXISTS idx_steps_run ON steps(run_id);
`

func NewSqliteStorage(dsn string) (*SqliteStorage, error) {
	if dsn == "" {
		dsn = ":memory:"
	}
	if dsn != ":memory:" {
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, utils.Errorf("failed to create db directory %q: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, err
	}
	return &SqliteStorage{db: db}, nil
}

func (s *SqliteStorage) SaveRun(ctx context.Context, run *model.Run) error {
	inputs, err := json.Marshal(run.Inputs)
	if err != nil {
		return utils.Errorf("failed to marshal run inputs: %w", err)
	}
	var endedAt any
	if run.EndedAt != nil {
		endedAt = run.EndedAt.Unix()
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO runs (id, flow_name, profile, inputs, status, started_at, ended_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET flow_name=excluded.flow_name, profile=excluded.profile,
	inputs=excluded.inputs, status=excluded.status, started_at=excluded.started_at, ended_at=excluded.ended_at
`, run.ID.String(), run.FlowName, run.Profile, inputs, run.Status, run.StartedAt.Unix(), endedAt)
	return err
}

func (s *SqliteStorage) GetRun(ctx context.Context, id uuid.UUID) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, flow_name, profile, inputs, status, started_at, ended_at FROM runs WHERE id=?`, id.String())
	return scanRun(row)
}

func (s *SqliteStorage) ListRuns(ctx context.Context) ([]*model.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, flow_name, profile, inputs, status, started_at, ended_at FROM runs ORDER BY started_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *SqliteStorage) DeleteRun(ctx context.Context, id uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM steps WHERE run_id=?`, id.String()); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id=?`, id.String())
	return err
}

func (s *SqliteStorage) SaveStep(ctx context.Context, step *model.StepRun) error {
	output, err := json.Marshal(step.Output)
	if err != nil {
		return utils.Errorf("failed to marshal step output: %w", err)
	}
	var endedAt any
	if step.EndedAt != nil {
		endedAt = step.EndedAt.Unix()
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO steps (id, run_id, step_id, action, status, started_at, ended_at, output, error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET status=excluded.status, ended_at=excluded.ended_at,
	output=excluded.output, error=excluded.error
`, step.ID.String(), step.RunID.String(), step.StepID, step.Action, step.Status,
		step.StartedAt.Unix(), endedAt, output, step.Error)
	return err
}

func (s *SqliteStorage) GetSteps(ctx context.Context, runID uuid.UUID) ([]*model.StepRun, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, run_id, step_id, action, status, started_at, ended_at, output, error
FROM steps WHERE run_id=? ORDER BY started_at`, runID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.StepRun
	for rows.Next() {
		var sr model.StepRun
		var output []byte
		var startedAt int64
		var endedAt sql.NullInt64
		if err := rows.Scan(&sr.ID, &sr.RunID, &sr.StepID, &sr.Action, &sr.Status,
			&startedAt, &endedAt, &output, &sr.Error); err != nil {
			return nil, err
		}
		if len(output) > 0 {
			if err := json.Unmarshal(output, &sr.Output); err != nil {
				return nil, err
			}
		}
		sr.StartedAt = time.Unix(startedAt, 0)
		if endedAt.Valid {
			t := time.Unix(endedAt.Int64, 0)
			sr.EndedAt = &t
		}
		out = append(out, &sr)
	}
	return out, rows.Err()
}

func (s *SqliteStorage) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*model.Run, error) {
	var run model.Run
	var inputs []byte
	var startedAt int64
	var endedAt sql.NullInt64
	if err := row.Scan(&run.ID, &run.FlowName, &run.Profile, &inputs, &run.Status, &startedAt, &endedAt); err != nil {
		return nil, err
	}
	if len(inputs) > 0 {
		if err := json.Unmarshal(inputs, &run.Inputs); err != nil {
			return nil, err
		}
	}
	run.StartedAt = time.Unix(startedAt, 0)
	if endedAt.Valid {
		t := time.Unix(endedAt.Int64, 0)
		run.EndedAt = &t
	}
	return &run, nil
}
