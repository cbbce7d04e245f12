package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/rpaflow/rpaflow/model"
	"github.com/rpaflow/rpaflow/utils"
)

// PostgresStorage implements Storage on PostgreSQL for shared deployments
// where several machines report into one history.
type PostgresStorage struct {
	db *sql.DB
}

var _ Storage = (*PostgresStorage)(nil)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	flow_name TEXT,
	profile TEXT,
	inputs JSONB,
	status TEXT,
	started_at BIGINT,
	ended_at BIGINT
);
CREATE TABLE IF NOT EXISTS steps (
	id TEXT PRIMARY KEY,
	run_id TEXT,
	step_id TEXT,
	action TEXT,
	status TEXT,
	started_at BIGINT,
	ended_at BIGINT,
	output JSONB,
	error TEXT
);
CREATE INDEX IF NOT EXISTS idx_steps_run ON steps(run_id);
`

func NewPostgresStorage(dsn string) (*PostgresStorage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, utils.Errorf("failed to connect to postgres: %w", err)
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresStorage{db: db}, nil
}

func (s *PostgresStorage) SaveRun(ctx context.Context, run *model.Run) error {
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
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT(id) DO UPDATE SET flow_name=excluded.flow_name, profile=excluded.profile,
	inputs=excluded.inputs, status=excluded.status, started_at=excluded.started_at, ended_at=excluded.ended_at
`, run.ID.String(), run.FlowName, run.Profile, inputs, run.Status, run.StartedAt.Unix(), endedAt)
	return err
}

func (s *PostgresStorage) GetRun(ctx context.Context, id uuid.UUID) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, flow_name, profile, inputs, status, started_at, ended_at FROM runs WHERE id=$1`, id.String())
	return scanRun(row)
}

func (s *PostgresStorage) ListRuns(ctx context.Context) ([]*model.Run, error) {
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

func (s *PostgresStorage) DeleteRun(ctx context.Context, id uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM steps WHERE run_id=$1`, id.String()); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id=$1`, id.String())
	return err
}

func (s *PostgresStorage) SaveStep(ctx context.Context, step *model.StepRun) error {
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
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT(id) DO UPDATE SET status=excluded.status, ended_at=excluded.ended_at,
	output=excluded.output, error=excluded.error
`, step.ID.String(), step.RunID.String(), step.StepID, step.Action, step.Status,
		step.StartedAt.Unix(), endedAt, output, step.Error)
	return err
}

func (s *PostgresStorage) GetSteps(ctx context.Context, runID uuid.UUID) ([]*model.StepRun, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, run_id, step_id, action, status, started_at, ended_at, output, error
FROM steps WHERE run_id=$1 ORDER BY started_at`, runID.String())
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

func (s *PostgresStorage) Close() error { return s.db.Close() }
