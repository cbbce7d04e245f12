package eval

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpaflow/rpaflow/errs"
)

func TestEvalLiteralsAndArithmetic(t *testing.T) {
	e := New(nil)
	src := MapSource{}

	for expr, want := range map[string]any{
		"1 + 2":          3,
		"2 * 3.5":        7.0,
		"'a' + 'b'":      "ab",
		"10 > 3":         true,
		"1 == 2":         false,
		"true && !false": true,
		"-4":             -4,
	} {
		got, err := e.Eval(expr, src)
		require.NoError(t, err, expr)
		assert.EqualValues(t, want, got, expr)
	}
}

func TestEvalVariableLookup(t *testing.T) {
	e := New(nil)
	src := MapSource{"count": 3, "name": "kyiv"}

	got, err := e.Eval("count * 2", src)
	require.NoError(t, err)
	assert.EqualValues(t, 6, got)

	got, err = e.Eval("vars['name']", src)
	require.NoError(t, err)
	assert.Equal(t, "kyiv", got)
}

func TestEvalSubscriptAndCollections(t *testing.T) {
	e := New(nil)
	src := MapSource{
		"items": []any{"a", "b", "c"},
		"row":   map[string]any{"total": 42},
	}

	got, err := e.Eval("items[1]", src)
	require.NoError(t, err)
	assert.Equal(t, "b", got)

	got, err = e.Eval("row['total'] + 1", src)
	require.NoError(t, err)
	assert.EqualValues(t, 43, got)

	got, err = e.Eval("[1, 2, 3]", src)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestEvalWhitelistedFunctionCall(t *testing.T) {
	e := New(map[string]any{
		"upper": strings.ToUpper,
	})
	got, err := e.Eval("upper('ok')", MapSource{})
	require.NoError(t, err)
	assert.Equal(t, "OK", got)
}

func TestEvalRejectsUnknownFunction(t *testing.T) {
	e := New(nil)
	_, err := e.Eval("exec('rm -rf /')", MapSource{})
	require.Error(t, err)
	var evalErr *errs.EvaluationError
	assert.True(t, errors.As(err, &evalErr))
}

func TestEvalRejectsNonIdentifierCallee(t *testing.T) {
	e := New(map[string]any{"f": func() int { return 1 }})
	_, err := e.Eval("vars['f']()", MapSource{"f": func() int { return 1 }})
	assert.Error(t, err)
}

func TestEvalSyntaxError(t *testing.T) {
	e := New(nil)
	_, err := e.Eval("1 +", MapSource{})
	var evalErr *errs.EvaluationError
	assert.True(t, errors.As(err, &evalErr))
}

type deniedSource struct {
	denied string
	vars   map[string]any
}

func (d deniedSource) CheckRead(name string) error {
	if name == d.denied {
		return errs.Permissionf("variable %q is not readable", name)
	}
	return nil
}

func (d deniedSource) ReadableVars() map[string]any { return d.vars }

func TestEvalPermissionCheckBeforeValueAccess(t *testing.T) {
	e := New(nil)
	src := deniedSource{denied: "salary", vars: map[string]any{"name": "x"}}

	_, err := e.Eval("salary + 1", src)
	require.Error(t, err)
	var permErr *errs.PermissionError
	assert.True(t, errors.As(err, &permErr))

	// the same guard covers constant subscripts of the vars view
	_, err = e.Eval("vars['salary']", src)
	assert.True(t, errors.As(err, &permErr))
}

func TestEvalComputedVarsSubscriptRejected(t *testing.T) {
	e := New(nil)
	src := deniedSource{denied: "salary", vars: map[string]any{"name": "x", "key": "salary"}}

	// A subscript assembled at runtime could name any variable, so it is
	// rejected outright rather than resolved.
	for _, expr := range []string{
		"vars['sal' + 'ary']",
		"vars[key]",
		"vars['name']",
	} {
		_, err := e.Eval(expr, src)
		if expr == "vars['name']" {
			assert.NoError(t, err, expr)
			continue
		}
		require.Error(t, err, expr)
		var evalErr *errs.EvaluationError
		assert.True(t, errors.As(err, &evalErr), expr)
	}
}

func TestEvalBoolTruthiness(t *testing.T) {
	e := New(nil)
	src := MapSource{"empty": "", "list": []any{1}}

	for expr, want := range map[string]bool{
		"1":     true,
		"0":     false,
		"empty": false,
		"list":  true,
		"'x'":   true,
		"nil":   false,
	} {
		got, err := e.EvalBool(expr, src)
		require.NoError(t, err, expr)
		assert.Equal(t, want, got, expr)
	}
}

func TestTruthy(t *testing.T) {
	assert.False(t, Truthy(nil))
	assert.False(t, Truthy(0.0))
	assert.False(t, Truthy(map[string]any{}))
	assert.True(t, Truthy(map[string]any{"k": 1}))
	assert.True(t, Truthy(struct{}{}))
}
