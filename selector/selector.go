// Package selector resolves a step's target descriptor through one or more
// named strategies. Strategy try order adapts online: per-strategy success
// statistics bias the order, with a fixed base order breaking ties. With no
// persisted statistics the engine degrades to static base-order behavior.
package selector

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rpaflow/rpaflow/errs"
	"github.com/rpaflow/rpaflow/metrics"
	"github.com/rpaflow/rpaflow/utils"
)

// StatsFileName is the per-run statistics file under the run directory.
const StatsFileName = "selector_stats.json"

// reserved descriptor keys that are not strategy names.
const (
	keyScope = "scope"
	keyAnyOf = "anyOf"
)

// ResolverFunc resolves one strategy's data to a target handle.
type ResolverFunc func(data any) (any, error)

// Resolved is a successful resolution: which strategy matched and the handle
// it produced.
type Resolved struct {
	Strategy string `json:"strategy"`
	Target   any    `json:"target"`
}

// Stat is the per-strategy attempt/success counter pair.
type Stat struct {
	Attempts  int `json:"attempts"`
	Successes int `json:"successes"`
}

func (s Stat) rate() float64 {
	if s.Attempts == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Attempts)
}

// Engine owns the strategy registry and the learned statistics. Construct
// one per process and pass it by handle; it is not a hidden singleton so
// tests can build isolated instances.
type Engine struct {
	mu         sync.Mutex
	strategies map[string]ResolverFunc
	baseOrder  []string
	reversed   bool
	stats      map[string]*Stat
	loadedDirs map[string]bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithVDIMode reverses the base order so pixel-based strategies (image,
// coordinate) are tried before tree-based ones. The RPAFLOW_VDI environment
// variable turns it on as well.
func WithVDIMode(on bool) Option {
	return func(e *Engine) { e.reversed = on }
}

// NewEngine returns an engine with the built-in strategies registered in
// base priority order: uia, win32, anchor, image, coordinate.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		strategies: map[string]ResolverFunc{},
		stats:      map[string]*Stat{},
		loadedDirs: map[string]bool{},
	}
	e.Register("uia", resolveProbe)
	e.Register("win32", resolveProbe)
	e.Register("anchor", resolveProbe)
	e.Register("image", resolveProbe)
	e.Register("coordinate", resolveProbe)
	if os.Getenv("RPAFLOW_VDI") != "" {
		e.reversed = true
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register adds (or replaces) a strategy resolver. New names append to the
// base try order.
func (e *Engine) Register(name string, fn ResolverFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.strategies[name]; !exists {
		e.baseOrder = append(e.baseOrder, name)
	}
	e.strategies[name] = fn
}

// resolveProbe is the default resolver shared by the built-in strategies.
// Concrete automation backends replace it via Register; this one only
// understands the probe convention {"exists": false} meaning "not found",
// which keeps the engine exercisable without a UI driver.
func resolveProbe(data any) (any, error) {
	if m, ok := data.(map[string]any); ok {
		if exists, ok := m["exists"].(bool); ok && !exists {
			return nil, errs.Selectionf("element not found")
		}
	}
	return data, nil
}

// Resolve resolves descriptor, optionally persisting statistics under
// runDir. Descriptor keys other than "scope" and "anyOf" are strategy names;
// every strategy literally present is tried exactly once per attempt cycle.
func (e *Engine) Resolve(descriptor map[string]any, runDir string) (*Resolved, error) {
	e.loadStats(runDir)

	scope, _ := descriptor[keyScope].(map[string]any)

	// Ordered alternatives: merge the outer scope into each candidate
	// (candidate scope keys win) and return the first success.
	if raw, ok := descriptor[keyAnyOf]; ok {
		candidates, ok := raw.([]any)
		if !ok || len(candidates) == 0 {
			return nil, errs.Selectionf("anyOf must be a non-empty list")
		}
		var lastErr error
		for _, c := range candidates {
			cand, ok := c.(map[string]any)
			if !ok {
				lastErr = errs.Selectionf("anyOf candidate is not a selector descriptor")
				continue
			}
			merged := mergeScope(cand, scope)
			res, err := e.Resolve(merged, runDir)
			if err == nil {
				return res, nil
			}
			lastErr = err
		}
		return nil, lastErr
	}

	names := e.orderedCandidates(descriptor)
	if len(names) == 0 {
		return nil, errs.Selectionf("no known selector strategy in descriptor")
	}

	var lastErr error
	for _, name := range names {
		data := mergeInto(descriptor[name], scope)

		e.mu.Lock()
		stat := e.stat(name)
		stat.Attempts++
		fn := e.strategies[name]
		e.mu.Unlock()

		target, err := fn(data)
		if err != nil {
			metrics.SelectorAttempts.WithLabelValues(name, "error").Inc()
			utils.Debug("selector strategy %s failed: %v", name, err)
			lastErr = err
			continue
		}
		metrics.SelectorAttempts.WithLabelValues(name, "ok").Inc()
		e.mu.Lock()
		stat.Successes++
		e.mu.Unlock()
		e.persistStats(runDir)
		return &Resolved{Strategy: name, Target: target}, nil
	}

	e.persistStats(runDir)
	if lastErr == nil {
		lastErr = errs.Selectionf("no selector strategy could resolve the target")
	}
	return nil, &errs.SelectionError{Msg: "selector resolution failed", Err: lastErr}
}

// orderedCandidates returns the strategies present in both the descriptor
// and the registry, sorted by (-success rate, base-order position).
func (e *Engine) orderedCandidates(descriptor map[string]any) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	base := make([]string, len(e.baseOrder))
	copy(base, e.baseOrder)
	if e.reversed {
		for i, j := 0, len(base)-1; i < j; i, j = i+1, j-1 {
			base[i], base[j] = base[j], base[i]
		}
	}
	pos := make(map[string]int, len(base))
	for i, n := range base {
		pos[n] = i
	}

	var names []string
	for _, n := range base {
		if _, inDesc := descriptor[n]; inDesc {
			names = append(names, n)
		}
	}
	sort.SliceStable(names, func(i, j int) bool {
		ri, rj := e.stat(names[i]).rate(), e.stat(names[j]).rate()
		if ri != rj {
			return ri > rj
		}
		return pos[names[i]] < pos[names[j]]
	})
	return names
}

// stat must be called with e.mu held (orderedCandidates holds it for the
// duration of the sort).
func (e *Engine) stat(name string) *Stat {
	s, ok := e.stats[name]
	if !ok {
		s = &Stat{}
		e.stats[name] = s
	}
	return s
}

// BaseOrder returns the registered strategy priority, honoring the
// VDI reversal.
func (e *Engine) BaseOrder() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.baseOrder))
	copy(out, e.baseOrder)
	if e.reversed {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}

// Stats returns a copy of the current counters.
func (e *Engine) Stats() map[string]Stat {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]Stat, len(e.stats))
	for k, v := range e.stats {
		out[k] = *v
	}
	return out
}

// loadStats merges the persisted file into the live counters, once per
// distinct run directory.
func (e *Engine) loadStats(runDir string) {
	if runDir == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loadedDirs[runDir] {
		return
	}
	e.loadedDirs[runDir] = true
	data, err := os.ReadFile(filepath.Join(runDir, StatsFileName))
	if err != nil {
		return
	}
	var persisted map[string]Stat
	if err := json.Unmarshal(data, &persisted); err != nil {
		utils.Warn("ignoring malformed selector stats in %s: %v", runDir, err)
		return
	}
	for name, s := range persisted {
		cur := e.stat(name)
		cur.Attempts += s.Attempts
		cur.Successes += s.Successes
	}
}

// persistStats overwrites the stats file after every resolution attempt
// cycle. Failures to write never block resolution.
func (e *Engine) persistStats(runDir string) {
	if runDir == "" {
		return
	}
	snapshot := e.Stats()
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(filepath.Join(runDir, StatsFileName), data, 0o644); err != nil {
		utils.Warn("failed to persist selector stats: %v", err)
	}
}

// mergeScope merges outer scope keys under the candidate's own "scope",
// candidate keys winning, and returns a copy of the candidate.
func mergeScope(candidate, outer map[string]any) map[string]any {
	if len(outer) == 0 {
		return candidate
	}
	out := make(map[string]any, len(candidate)+1)
	for k, v := range candidate {
		out[k] = v
	}
	inner, _ := candidate[keyScope].(map[string]any)
	merged := make(map[string]any, len(outer)+len(inner))
	for k, v := range outer {
		merged[k] = v
	}
	for k, v := range inner {
		merged[k] = v
	}
	out[keyScope] = merged
	return out
}

// mergeInto merges scope keys into a strategy's data, data keys winning.
// Non-map strategy data passes through untouched.
func mergeInto(data any, scope map[string]any) any {
	m, ok := data.(map[string]any)
	if !ok || len(scope) == 0 {
		return data
	}
	out := make(map[string]any, len(m)+len(scope))
	for k, v := range scope {
		out[k] = v
	}
	for k, v := range m {
		out[k] = v
	}
	return out
}
