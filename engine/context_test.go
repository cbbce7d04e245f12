package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpaflow/rpaflow/errs"
	"github.com/rpaflow/rpaflow/model"
	"github.com/rpaflow/rpaflow/secrets"
)

func newTestContext(t *testing.T, flow *model.Flow, inputs map[string]any) *ExecutionContext {
	t.Helper()
	return NewContext(flow, inputs, secrets.NewMemStore(map[string]string{"api.key": "k"}), nil)
}

func TestSetVarTypeMatrix(t *testing.T) {
	flow := &model.Flow{
		Variables: map[string]model.VarDef{
			"count":  {Type: "int"},
			"ratio":  {Type: "float"},
			"name":   {Type: "string"},
			"ok":     {Type: "bool"},
			"due":    {Type: "date"},
			"dir":    {Type: "path"},
			"token":  {Type: "secret"},
			"items":  {Type: "array"},
			"config": {Type: "object"},
			"loose":  {Type: "any"},
		},
	}
	good := map[string]any{
		"count":  3,
		"ratio":  1.5,
		"name":   "ada",
		"ok":     true,
		"due":    "2026-08-26",
		"dir":    "/tmp/x",
		"token":  "s3cr3t",
		"items":  []any{1, 2},
		"config": map[string]any{"a": 1},
		"loose":  struct{}{},
	}
	bad := map[string]any{
		"count":  "three",
		"ratio":  "nope",
		"name":   7,
		"ok":     "yes",
		"due":    "tomorrow",
		"dir":    12,
		"token":  []any{},
		"items":  "not a list",
		"config": []any{},
	}

	ec := newTestContext(t, flow, nil)
	for name, v := range good {
		require.NoError(t, ec.SetVar(name, v, ScopeFlow), name)
		got, err := ec.GetVar(name)
		require.NoError(t, err, name)
		assert.Equal(t, v, got, name)
	}
	for name, v := range bad {
		err := ec.SetVar(name, v, ScopeFlow)
		var te *errs.TypeError
		require.ErrorAs(t, err, &te, name)
		assert.Equal(t, name, te.Var)
	}
}

func TestIntAcceptsWholeFloat(t *testing.T) {
	flow := &model.Flow{Variables: map[string]model.VarDef{"n": {Type: "int"}}}
	ec := newTestContext(t, flow, nil)
	require.NoError(t, ec.SetVar("n", float64(4), ScopeFlow))
	assert.Error(t, ec.SetVar("n", 4.5, ScopeFlow))
}

func TestPermissionAsymmetry(t *testing.T) {
	flow := &model.Flow{
		Variables: map[string]model.VarDef{
			"wonly": {Type: "any"},
			"ronly": {Type: "any", Value: "init"},
		},
		Permissions: map[string][]string{
			"wonly": {"write"},
			"ronly": {"read"},
		},
	}
	ec := newTestContext(t, flow, nil)

	require.NoError(t, ec.SetVar("wonly", 1, ScopeFlow))
	_, err := ec.GetVar("wonly")
	var pe *errs.PermissionError
	require.ErrorAs(t, err, &pe)

	got, err := ec.GetVar("ronly")
	require.NoError(t, err)
	assert.Equal(t, "init", got)
	err = ec.SetVar("ronly", "x", ScopeFlow)
	require.ErrorAs(t, err, &pe)
}

func TestScopeResolutionOrder(t *testing.T) {
	ec := newTestContext(t, &model.Flow{}, nil)
	require.NoError(t, ec.SetVar("x", "global", ScopeGlobal))
	require.NoError(t, ec.SetVar("x", "flow", ScopeFlow))

	ec.PushLocal(map[string]any{"x": "outer"})
	ec.PushLocal(map[string]any{"x": "inner"})
	v, err := ec.GetVar("x")
	require.NoError(t, err)
	assert.Equal(t, "inner", v)

	ec.PopLocal()
	v, _ = ec.GetVar("x")
	assert.Equal(t, "outer", v)

	ec.PopLocal()
	v, _ = ec.GetVar("x")
	assert.Equal(t, "flow", v)

	_, err = ec.GetVar("missing")
	assert.Error(t, err)
}

func TestRoleAndApprovalGuards(t *testing.T) {
	flow := &model.Flow{Meta: model.Meta{Permissions: []string{"desktop.uia"}}}
	ec := newTestContext(t, flow, map[string]any{
		"roles":          []any{"operator"},
		"approval_level": 2,
	})

	require.NoError(t, ec.RequireRoles("operator"))
	err := ec.RequireRoles("operator", "admin")
	var pe *errs.PermissionError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, err.Error(), "admin")

	require.NoError(t, ec.RequireApproval(2))
	assert.Error(t, ec.RequireApproval(3))

	require.NoError(t, ec.RequireFlowOp("desktop.uia"))
	assert.Error(t, ec.RequireFlowOp("net.http"))
}

func TestEvalReadPermissionEnforced(t *testing.T) {
	flow := &model.Flow{
		Variables:   map[string]model.VarDef{"hidden": {Type: "any", Value: 5}},
		Permissions: map[string][]string{"hidden": {"write"}},
	}
	ec := newTestContext(t, flow, map[string]any{"visible": 2})

	v, err := ec.Eval("visible * 2")
	require.NoError(t, err)
	assert.Equal(t, 4, v)

	_, err = ec.Eval("hidden + 1")
	var pe *errs.PermissionError
	assert.ErrorAs(t, err, &pe)
}

func TestSnapshotRestoreExcludesLocals(t *testing.T) {
	ec := newTestContext(t, &model.Flow{}, map[string]any{"a": 1})
	require.NoError(t, ec.SetVar("g", "G", ScopeGlobal))
	ec.PushLocal(map[string]any{"tmp": true})

	globals, flowVars := ec.Snapshot()
	assert.Equal(t, "G", globals["g"])
	assert.Equal(t, 1, flowVars["a"])
	assert.NotContains(t, flowVars, "tmp")

	fresh := newTestContext(t, &model.Flow{}, nil)
	fresh.Restore(globals, flowVars)
	v, err := fresh.GetVar("a")
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestSecretAccess(t *testing.T) {
	ec := newTestContext(t, &model.Flow{}, nil)
	v, err := ec.Secret("api.key")
	require.NoError(t, err)
	assert.Equal(t, "k", v)
	_, err = ec.Secret("nope")
	assert.Error(t, err)
}
