// Package engine interprets the step tree of a flow: control constructs,
// the profile/selector/retry action matrix, checkpointing and resume.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/rpaflow/rpaflow/actions"
	"github.com/rpaflow/rpaflow/config"
	"github.com/rpaflow/rpaflow/errs"
	"github.com/rpaflow/rpaflow/eval"
	"github.com/rpaflow/rpaflow/internal/lockfile"
	"github.com/rpaflow/rpaflow/metrics"
	"github.com/rpaflow/rpaflow/model"
	"github.com/rpaflow/rpaflow/runlog"
	"github.com/rpaflow/rpaflow/secrets"
	"github.com/rpaflow/rpaflow/selector"
	"github.com/rpaflow/rpaflow/storage"
	"github.com/rpaflow/rpaflow/utils"
)

// ErrStopped is returned when Stop cuts a run at a step boundary.
var ErrStopped = errors.New("run stopped")

// RunLockName is the base-directory lock serializing runs that share it.
const RunLockName = "run.lock"

// Requirement gates an action name before its callable runs.
type Requirement struct {
	Roles    []string
	Approval int
	Category string
}

// defaultRequirements maps sensitive built-in action names to the
// permission category a flow must declare to use them.
var defaultRequirements = map[string]Requirement{
	"click":        {Category: "desktop.uia"},
	"type":         {Category: "desktop.uia"},
	"attach":       {Category: "desktop.uia"},
	"launch":       {Category: "desktop.process"},
	"kill":         {Category: "desktop.process"},
	"http.request": {Category: "net.http"},
}

// control-flow signals returned up through step-list execution.
type signal int

const (
	sigNone signal = iota
	sigBreak
	sigContinue
)

// Runner executes flows. One Runner may serve many sequential runs;
// concurrent runs belong in separate Runners with separate base dirs.
type Runner struct {
	cfg     *config.Config
	reg     *actions.Registry
	sel     *selector.Engine
	store   storage.Storage
	secrets secrets.Store
	ev      *eval.Evaluator
	baseDir string

	requirements map[string]Requirement
	subflows     func(name string) (*model.Flow, error)

	hasUACPrompt    func() bool
	isSecureDesktop func() bool
	displayInfo     func() (dpi, monitors int)
	focus           func(target map[string]any) error
	screenshotMask  func(png []byte) []byte
	waitPresets     map[string]func(resolved any) bool

	pollInterval time.Duration
	backoffBase  time.Duration

	stopFlag  atomic.Bool
	skipFlag  atomic.Bool
	pauseFlag atomic.Bool
}

// Option configures a Runner.
type Option func(*Runner)

func WithRegistry(reg *actions.Registry) Option { return func(r *Runner) { r.reg = reg } }

func WithSelector(sel *selector.Engine) Option { return func(r *Runner) { r.sel = sel } }

func WithStorage(store storage.Storage) Option { return func(r *Runner) { r.store = store } }

func WithSecrets(store secrets.Store) Option { return func(r *Runner) { r.secrets = store } }

func WithEvaluator(ev *eval.Evaluator) Option { return func(r *Runner) { r.ev = ev } }

func WithBaseDir(dir string) Option { return func(r *Runner) { r.baseDir = dir } }

func WithBackoff(base time.Duration) Option { return func(r *Runner) { r.backoffBase = base } }

func WithPollInterval(d time.Duration) Option { return func(r *Runner) { r.pollInterval = d } }

func WithUACProbe(fn func() bool) Option { return func(r *Runner) { r.hasUACPrompt = fn } }

func WithSecureDesktopProbe(fn func() bool) Option {
	return func(r *Runner) { r.isSecureDesktop = fn }
}

func WithDisplayProbe(fn func() (int, int)) Option { return func(r *Runner) { r.displayInfo = fn } }

func WithFocus(fn func(map[string]any) error) Option { return func(r *Runner) { r.focus = fn } }
func WithScreenshotMask(fn func([]byte) []byte) Option {
	return func(r *Runner) { r.screenshotMask = fn }
}
func WithSubflowLoader(fn func(string) (*model.Flow, error)) Option {
	return func(r *Runner) { r.subflows = fn }
}

// WithRequirement overrides or adds the gate for one action name.
func WithRequirement(action string, req Requirement) Option {
	return func(r *Runner) { r.requirements[action] = req }
}

// WithWaitPreset registers a named wait predicate over resolved targets.
func WithWaitPreset(name string, fn func(any) bool) Option {
	return func(r *Runner) { r.waitPresets[name] = fn }
}

func NewRunner(cfg *config.Config, opts ...Option) *Runner {
	if cfg == nil {
		cfg = config.Default()
	}
	r := &Runner{
		cfg:             cfg,
		reg:             actions.Builtins(nil),
		sel:             selector.NewEngine(selector.WithVDIMode(cfg.VDIMode)),
		store:           storage.NewMemoryStorage(),
		secrets:         secrets.NewMemStore(nil),
		ev:              eval.New(nil),
		baseDir:         ".",
		requirements:    map[string]Requirement{},
		hasUACPrompt:    func() bool { return false },
		isSecureDesktop: func() bool { return false },
		displayInfo:     func() (int, int) { return 96, 1 },
		focus:           func(map[string]any) error { return nil },
		screenshotMask:  func(b []byte) []byte { return b },
		waitPresets: map[string]func(any) bool{
			"visible":   func(any) bool { return true },
			"clickable": func(any) bool { return true },
		},
		pollInterval: 50 * time.Millisecond,
		backoffBase:  100 * time.Millisecond,
	}
	for k, v := range defaultRequirements {
		r.requirements[k] = v
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.subflows == nil {
		r.subflows = r.loadSubflowFromDisk
	}
	return r
}

// Stop requests cancellation at the next step boundary.
func (r *Runner) Stop() { r.stopFlag.Store(true) }

// Skip marks exactly the next step to be logged as skipped.
func (r *Runner) Skip() { r.skipFlag.Store(true) }

// Pause suspends execution at the next step boundary until Resume.
func (r *Runner) Pause() { r.pauseFlag.Store(true) }

// Resume releases a Pause.
func (r *Runner) Resume() { r.pauseFlag.Store(false) }

// runState is the per-run bundle threaded through step execution.
type runState struct {
	flow   *model.Flow
	ec     *ExecutionContext
	run    *model.Run
	log    *runlog.Writer
	runDir string
}

// RunFlow executes a flow from its first step under the base-dir lock.
func (r *Runner) RunFlow(ctx context.Context, flow *model.Flow, inputs map[string]any) (*model.Run, error) {
	ec := NewContext(flow, inputs, r.secrets, r.ev)
	return r.run(ctx, flow, inputs, ec, flow.Steps)
}

// ResumeFlow seeds a fresh context from a checkpoint and continues from
// the top-level step whose id matches. That step runs again; callers
// are responsible for its idempotence.
func (r *Runner) ResumeFlow(ctx context.Context, flow *model.Flow, stepID, checkpointPath string, inputs map[string]any) (*model.Run, error) {
	cp, err := LoadCheckpoint(checkpointPath)
	if err != nil {
		return nil, err
	}
	idx := -1
	for i := range flow.Steps {
		if flow.Steps[i].ID == stepID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, errs.Validationf("no step %q in flow %q", stepID, flow.Meta.Name)
	}
	ec := NewContext(flow, inputs, r.secrets, r.ev)
	ec.Restore(cp.Globals, cp.FlowVars)
	return r.run(ctx, flow, inputs, ec, flow.Steps[idx:])
}

func (r *Runner) run(ctx context.Context, flow *model.Flow, inputs map[string]any, ec *ExecutionContext, steps []model.Step) (*model.Run, error) {
	chain := r.cfg.ProfileChain(flow.Defaults.EnvProfile)
	if len(chain) == 0 {
		return nil, errs.Validationf("no execution profile resolves for %q (default %q)", flow.Defaults.EnvProfile, r.cfg.DefaultProfile)
	}

	lock, err := lockfile.Acquire(filepath.Join(r.baseDir, RunLockName))
	if err != nil {
		return nil, err
	}
	defer lock.Release()
	r.stopFlag.Store(false)

	run := &model.Run{
		ID:        uuid.New(),
		FlowName:  flow.Meta.Name,
		Profile:   chain[0],
		Inputs:    inputs,
		Status:    model.RunRunning,
		StartedAt: time.Now(),
	}
	runDir := filepath.Join(r.baseDir, run.ID.String())
	lw, err := runlog.NewWriter(runDir, run.ID.String(), runlog.NewMasker(r.cfg.Log.Redact))
	if err != nil {
		return nil, err
	}
	defer lw.Close()
	if err := r.store.SaveRun(ctx, run); err != nil {
		utils.Warn("failed to persist run %s: %v", run.ID, err)
	}

	st := &runState{flow: flow, ec: ec, run: run, log: lw, runDir: runDir}
	_, execErr := r.execSteps(ctx, st, steps)

	ended := time.Now()
	run.EndedAt = &ended
	switch {
	case errors.Is(execErr, ErrStopped):
		run.Status = model.RunStopped
	case execErr != nil:
		run.Status = model.RunFailed
	default:
		run.Status = model.RunSucceeded
	}
	if err := r.store.SaveRun(ctx, run); err != nil {
		utils.Warn("failed to persist run %s: %v", run.ID, err)
	}
	metrics.RunsTotal.WithLabelValues(string(run.Status)).Inc()
	return run, execErr
}

// execSteps walks one step list, returning early on break/continue
// signals so the nearest loop can honor them.
func (r *Runner) execSteps(ctx context.Context, st *runState, steps []model.Step) (signal, error) {
	for i := range steps {
		step := &steps[i]
		if err := r.stepBoundary(ctx); err != nil {
			return sigNone, err
		}
		if err := SaveCheckpoint(st.runDir, step.ID, st.ec); err != nil {
			utils.Warn("checkpoint for step %s failed: %v", step.ID, err)
		}
		if r.skipFlag.CompareAndSwap(true, false) {
			r.record(st, step, runlog.Record{Status: "skipped"})
			r.persistStep(ctx, st, step, model.StepSkipped, nil, nil, time.Now())
			continue
		}
		sig, err := r.execStep(ctx, st, step)
		if err != nil {
			return sigNone, err
		}
		if sig != sigNone {
			return sig, nil
		}
	}
	return sigNone, nil
}

// stepBoundary honors stop, pause and context cancellation between steps.
func (r *Runner) stepBoundary(ctx context.Context) error {
	for r.pauseFlag.Load() && !r.stopFlag.Load() && ctx.Err() == nil {
		time.Sleep(r.pollInterval)
	}
	if r.stopFlag.Load() {
		return ErrStopped
	}
	return ctx.Err()
}

func (r *Runner) execStep(ctx context.Context, st *runState, step *model.Step) (signal, error) {
	switch {
	case step.Break:
		return sigBreak, nil
	case step.Continue:
		return sigContinue, nil
	case step.Condition != "":
		return r.execIf(ctx, st, step)
	case step.WhileCond != "":
		return r.execWhile(ctx, st, step)
	case step.SwitchExpr != "":
		return r.execSwitch(ctx, st, step)
	case step.ForEach != "":
		return r.execForEach(ctx, st, step)
	case len(step.Catch) > 0 || len(step.Finally) > 0:
		return r.execTry(ctx, st, step)
	case step.Subflow != "":
		return sigNone, r.execSubflow(ctx, st, step)
	case step.Action == "" && len(step.Steps) > 0:
		return r.execSteps(ctx, st, step.Steps)
	default:
		return sigNone, r.runAction(ctx, st, step)
	}
}

// Control-expression failures are not caught by the action matrix; they
// propagate to the nearest enclosing try step or end the run.

func (r *Runner) execIf(ctx context.Context, st *runState, step *model.Step) (signal, error) {
	ok, err := st.ec.EvalBool(step.Condition)
	if err != nil {
		return sigNone, err
	}
	if ok {
		return r.execSteps(ctx, st, step.Steps)
	}
	return r.execSteps(ctx, st, step.Else)
}

func (r *Runner) execWhile(ctx context.Context, st *runState, step *model.Step) (signal, error) {
	for {
		ok, err := st.ec.EvalBool(step.WhileCond)
		if err != nil {
			return sigNone, err
		}
		if !ok {
			return sigNone, nil
		}
		sig, err := r.execSteps(ctx, st, step.Steps)
		if err != nil {
			return sigNone, err
		}
		if sig == sigBreak {
			return sigNone, nil
		}
	}
}

func (r *Runner) execSwitch(ctx context.Context, st *runState, step *model.Step) (signal, error) {
	val, err := st.ec.Eval(step.SwitchExpr)
	if err != nil {
		return sigNone, err
	}
	for i := range step.Cases {
		caseVal := step.Cases[i].Value
		if s, ok := caseVal.(string); ok {
			if v, err := st.ec.Eval(s); err == nil {
				caseVal = v
			}
		}
		if equalValues(val, caseVal) {
			return r.execSteps(ctx, st, step.Cases[i].Steps)
		}
	}
	return r.execSteps(ctx, st, step.Default)
}

func (r *Runner) execForEach(ctx context.Context, st *runState, step *model.Step) (signal, error) {
	val, err := st.ec.Eval(step.ForEach)
	if err != nil {
		return sigNone, err
	}
	items, err := toSlice(val)
	if err != nil {
		return sigNone, errs.Validationf("for_each in step %q: %v", step.ID, err)
	}
	loopVar := step.As
	if loopVar == "" {
		loopVar = "item"
	}
	for _, item := range items {
		sig, err := r.runIteration(ctx, st, step.Steps, map[string]any{loopVar: item})
		if err != nil {
			return sigNone, err
		}
		if sig == sigBreak {
			break
		}
	}
	return sigNone, nil
}

// runIteration runs a body in a fresh local scope, popping it even when
// the body fails.
func (r *Runner) runIteration(ctx context.Context, st *runState, body []model.Step, scope map[string]any) (signal, error) {
	st.ec.PushLocal(scope)
	defer st.ec.PopLocal()
	return r.execSteps(ctx, st, body)
}

func (r *Runner) execTry(ctx context.Context, st *runState, step *model.Step) (signal, error) {
	sig, err := r.execSteps(ctx, st, step.Steps)
	if err != nil && !errors.Is(err, ErrStopped) && len(step.Catch) > 0 {
		sig, err = r.runIteration(ctx, st, step.Catch, map[string]any{"error": err.Error()})
	}
	if len(step.Finally) > 0 {
		fsig, ferr := r.execSteps(ctx, st, step.Finally)
		if ferr != nil {
			return sigNone, ferr
		}
		if fsig != sigNone {
			sig = fsig
		}
	}
	return sig, err
}

// execSubflow runs another flow against a new context that inherits the
// caller's flow variables by value but not its roles or approval. The
// variables are seeded directly, never through the inputs path, so a
// variable named after a reserved identity key cannot grant anything.
func (r *Runner) execSubflow(ctx context.Context, st *runState, step *model.Step) error {
	sub, err := r.subflows(step.Subflow)
	if err != nil {
		return errs.Validationf("subflow %q: %v", step.Subflow, err)
	}
	subCtx := NewContext(sub, nil, r.secrets, r.ev)
	subCtx.SeedFlowVars(st.ec.FlowVarsCopy())
	subState := &runState{flow: sub, ec: subCtx, run: st.run, log: st.log, runDir: st.runDir}
	_, err = r.execSteps(ctx, subState, sub.Steps)
	return err
}

func (r *Runner) loadSubflowFromDisk(name string) (*model.Flow, error) {
	data, err := os.ReadFile(filepath.Join(r.baseDir, name))
	if err != nil {
		return nil, err
	}
	var flow model.Flow
	if err := yaml.Unmarshal(data, &flow); err != nil {
		return nil, err
	}
	return &flow, nil
}

func toSlice(v any) ([]any, error) {
	switch t := v.(type) {
	case []any:
		return t, nil
	case nil:
		return nil, nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = rv.Index(i).Interface()
		}
		return out, nil
	case reflect.Map:
		keys := rv.MapKeys()
		out := make([]any, 0, len(keys))
		for _, k := range keys {
			out = append(out, k.Interface())
		}
		return out, nil
	}
	return nil, fmt.Errorf("value of type %T is not iterable", v)
}

// equalValues compares switch values with numeric tolerance so YAML ints
// match evaluated floats.
func equalValues(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}
