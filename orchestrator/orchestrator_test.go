package orchestrator

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobLifecycle(t *testing.T) {
	o := New()
	id := o.Submit("invoice_entry", map[string]any{"batch": "b1"})

	j, ok := o.Get(id)
	require.True(t, ok)
	assert.Equal(t, StatusQueued, j.Status)

	assigned, ok := o.Assign("worker-1")
	require.True(t, ok)
	assert.Equal(t, id, assigned.ID)
	assert.Equal(t, "worker-1", assigned.Worker)
	assert.Equal(t, StatusAssigned, assigned.Status)

	require.NoError(t, o.UpdateStatus(id, StatusRunning, ""))
	require.NoError(t, o.UpdateStatus(id, StatusDone, ""))
	j, _ = o.Get(id)
	assert.Equal(t, StatusDone, j.Status)
}

func TestAssignOldestFirst(t *testing.T) {
	o := New()
	first := o.Submit("a", nil)
	o.Submit("b", nil)

	j, ok := o.Assign("w")
	require.True(t, ok)
	assert.Equal(t, first, j.ID)

	_, ok = o.Assign("w")
	assert.True(t, ok)
	_, ok = o.Assign("w")
	assert.False(t, ok)
}

func TestStopAndRerun(t *testing.T) {
	o := New()
	id := o.Submit("flow", map[string]any{"k": "v"})
	require.NoError(t, o.Stop(id))
	j, _ := o.Get(id)
	assert.Equal(t, StatusStopped, j.Status)

	newID, err := o.Rerun(id)
	require.NoError(t, err)
	assert.NotEqual(t, id, newID)
	clone, ok := o.Get(newID)
	require.True(t, ok)
	assert.Equal(t, StatusQueued, clone.Status)
	assert.Equal(t, "flow", clone.FlowName)
	assert.Equal(t, map[string]any{"k": "v"}, clone.Inputs)

	_, err = o.Rerun(uuid.New())
	assert.Error(t, err)
}

func TestStateOrdering(t *testing.T) {
	o := New()
	o.Submit("one", nil)
	o.Submit("two", nil)
	state := o.State()
	require.Len(t, state, 2)
	assert.Equal(t, "one", state[0].FlowName)
	assert.Equal(t, "two", state[1].FlowName)
}

func TestUpdateUnknownJob(t *testing.T) {
	o := New()
	assert.Error(t, o.UpdateStatus(uuid.New(), StatusRunning, ""))
}
