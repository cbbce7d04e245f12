package storage

import (
	"context"
	"database/sql"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/rpaflow/rpaflow/model"
)

// MemoryStorage keeps run history in process memory (dev and test mode).
type MemoryStorage struct {
	mu    sync.Mutex
	runs  map[uuid.UUID]*model.Run
	steps map[uuid.UUID][]*model.StepRun
}

var _ Storage = (*MemoryStorage)(nil)

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		runs:  make(map[uuid.UUID]*model.Run),
		steps: make(map[uuid.UUID][]*model.StepRun),
	}
}

func (m *MemoryStorage) SaveRun(ctx context.Context, run *model.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *MemoryStorage) GetRun(ctx context.Context, id uuid.UUID) (*model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *run
	return &cp, nil
}

func (m *MemoryStorage) ListRuns(ctx context.Context) ([]*model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Run, 0, len(m.runs))
	for _, run := range m.runs {
		cp := *run
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *MemoryStorage) DeleteRun(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, id)
	delete(m.steps, id)
	return nil
}

func (m *MemoryStorage) SaveStep(ctx context.Context, step *model.StepRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *step
	for i, existing := range m.steps[step.RunID] {
		if existing.ID == step.ID {
			m.steps[step.RunID][i] = &cp
			return nil
		}
	}
	m.steps[step.RunID] = append(m.steps[step.RunID], &cp)
	return nil
}

func (m *MemoryStorage) GetSteps(ctx context.Context, runID uuid.UUID) ([]*model.StepRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.StepRun, 0, len(m.steps[runID]))
	for _, s := range m.steps[runID] {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStorage) Close() error { return nil }
