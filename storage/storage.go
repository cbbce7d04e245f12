package storage

import (
	"context"

	"github.com/google/uuid"

	"github.com/rpaflow/rpaflow/config"
	"github.com/rpaflow/rpaflow/model"
	"github.com/rpaflow/rpaflow/utils"
)

// Storage persists run and step history.
type Storage interface {
	SaveRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id uuid.UUID) (*model.Run, error)
	ListRuns(ctx context.Context) ([]*model.Run, error)
	DeleteRun(ctx context.Context, id uuid.UUID) error
	SaveStep(ctx context.Context, step *model.StepRun) error
	GetSteps(ctx context.Context, runID uuid.UUID) ([]*model.StepRun, error)
	Close() error
}

// New builds storage from configuration. Unknown drivers fall back to
// memory so a missing config never blocks a run.
func New(cfg config.StorageConfig) (Storage, error) {
	switch cfg.Driver {
	case "sqlite":
		return NewSqliteStorage(cfg.DSN)
	case "postgres":
		return NewPostgresStorage(cfg.DSN)
	case "", "memory":
		return NewMemoryStorage(), nil
	default:
		utils.Warn("unknown storage driver %q, using memory", cfg.Driver)
		return NewMemoryStorage(), nil
	}
}
