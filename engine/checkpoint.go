package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Checkpoint is the pre-step snapshot written for resume. Local scopes
// are transient loop state and are not captured.
type Checkpoint struct {
	Globals  map[string]any `json:"globals"`
	FlowVars map[string]any `json:"flow_vars"`
}

// CheckpointPath names the snapshot file for a step inside a run dir.
func CheckpointPath(runDir, stepID string) string {
	return filepath.Join(runDir, stepID+"_ctx.json")
}

// SaveCheckpoint writes the context snapshot taken before a step runs.
func SaveCheckpoint(runDir, stepID string, ec *ExecutionContext) error {
	globals, flowVars := ec.Snapshot()
	data, err := json.Marshal(Checkpoint{Globals: globals, FlowVars: flowVars})
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(CheckpointPath(runDir, stepID), data, 0o644)
}

// LoadCheckpoint reads a snapshot written by SaveCheckpoint.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", path, err)
	}
	return &cp, nil
}
