package selector

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpaflow/rpaflow/errs"
)

func TestBaseOrderAndVDIReversal(t *testing.T) {
	e := NewEngine()
	assert.Equal(t, []string{"uia", "win32", "anchor", "image", "coordinate"}, e.BaseOrder())

	rev := NewEngine(WithVDIMode(true))
	assert.Equal(t, []string{"coordinate", "image", "anchor", "win32", "uia"}, rev.BaseOrder())
}

func TestResolveUsesBaseOrderWithoutStats(t *testing.T) {
	e := NewEngine()
	var tried []string
	e.Register("image", func(data any) (any, error) {
		tried = append(tried, "image")
		return nil, errs.Selectionf("no match")
	})
	e.Register("uia", func(data any) (any, error) {
		tried = append(tried, "uia")
		return "handle", nil
	})

	res, err := e.Resolve(map[string]any{
		"image": map[string]any{"path": "btn.png"},
		"uia":   map[string]any{"name": "OK"},
	}, "")
	require.NoError(t, err)
	assert.Equal(t, "uia", res.Strategy)
	assert.Equal(t, []string{"uia"}, tried)
}

func TestStatsBiasTryOrder(t *testing.T) {
	e := NewEngine()
	// image failed never, uia failed often: image should now lead even
	// though uia precedes it in the base order.
	e.stats["uia"] = &Stat{Attempts: 10, Successes: 1}
	e.stats["image"] = &Stat{Attempts: 10, Successes: 9}

	names := e.orderedCandidates(map[string]any{
		"uia":   map[string]any{},
		"image": map[string]any{},
	})
	assert.Equal(t, []string{"image", "uia"}, names)
}

func TestResolveFallsThroughToNextStrategy(t *testing.T) {
	e := NewEngine()
	res, err := e.Resolve(map[string]any{
		"uia":   map[string]any{"exists": false},
		"image": map[string]any{"path": "btn.png"},
	}, "")
	require.NoError(t, err)
	assert.Equal(t, "image", res.Strategy)
}

func TestResolveAllStrategiesFail(t *testing.T) {
	e := NewEngine()
	_, err := e.Resolve(map[string]any{
		"uia":   map[string]any{"exists": false},
		"image": map[string]any{"exists": false},
	}, "")
	require.Error(t, err)
	var selErr *errs.SelectionError
	assert.True(t, errors.As(err, &selErr))
}

func TestResolveUnknownStrategyOnly(t *testing.T) {
	e := NewEngine()
	_, err := e.Resolve(map[string]any{"quantum": map[string]any{}}, "")
	assert.Error(t, err)
}

func TestScopeMergedIntoStrategyData(t *testing.T) {
	e := NewEngine()
	var got map[string]any
	e.Register("uia", func(data any) (any, error) {
		got = data.(map[string]any)
		return data, nil
	})

	_, err := e.Resolve(map[string]any{
		"scope": map[string]any{"window": "Invoices", "pane": "left"},
		"uia":   map[string]any{"name": "OK", "pane": "right"},
	}, "")
	require.NoError(t, err)
	assert.Equal(t, "Invoices", got["window"])
	// the strategy's own key wins over the scope
	assert.Equal(t, "right", got["pane"])
}

func TestAnyOfTriesCandidatesInOrder(t *testing.T) {
	e := NewEngine()
	res, err := e.Resolve(map[string]any{
		"anyOf": []any{
			map[string]any{"uia": map[string]any{"exists": false}},
			map[string]any{"image": map[string]any{"path": "btn.png"}},
		},
	}, "")
	require.NoError(t, err)
	assert.Equal(t, "image", res.Strategy)
}

func TestAnyOfInheritsOuterScope(t *testing.T) {
	e := NewEngine()
	var got map[string]any
	e.Register("uia", func(data any) (any, error) {
		got = data.(map[string]any)
		return data, nil
	})

	_, err := e.Resolve(map[string]any{
		"scope": map[string]any{"window": "Invoices"},
		"anyOf": []any{
			map[string]any{
				"scope": map[string]any{"pane": "detail"},
				"uia":   map[string]any{"name": "OK"},
			},
		},
	}, "")
	require.NoError(t, err)
	assert.Equal(t, "Invoices", got["window"])
	assert.Equal(t, "detail", got["pane"])
}

func TestAnyOfEmptyList(t *testing.T) {
	e := NewEngine()
	_, err := e.Resolve(map[string]any{"anyOf": []any{}}, "")
	assert.Error(t, err)
}

func TestStatsPersistAndReload(t *testing.T) {
	dir := t.TempDir()

	e := NewEngine()
	_, err := e.Resolve(map[string]any{"uia": map[string]any{"name": "OK"}}, dir)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, StatsFileName))
	require.NoError(t, err)
	var persisted map[string]Stat
	require.NoError(t, json.Unmarshal(data, &persisted))
	assert.Equal(t, 1, persisted["uia"].Attempts)
	assert.Equal(t, 1, persisted["uia"].Successes)

	// a fresh engine picks the counters back up from disk
	e2 := NewEngine()
	_, err = e2.Resolve(map[string]any{"uia": map[string]any{"name": "OK"}}, dir)
	require.NoError(t, err)
	assert.Equal(t, 2, e2.Stats()["uia"].Attempts)
}

func TestMalformedStatsFileIgnored(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, StatsFileName), []byte("{not json"), 0o644))

	e := NewEngine()
	res, err := e.Resolve(map[string]any{"uia": map[string]any{"name": "OK"}}, dir)
	require.NoError(t, err)
	assert.Equal(t, "uia", res.Strategy)
}
