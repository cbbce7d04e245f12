package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/rpaflow/rpaflow/actions"
	"github.com/rpaflow/rpaflow/errs"
	"github.com/rpaflow/rpaflow/metrics"
	"github.com/rpaflow/rpaflow/model"
	"github.com/rpaflow/rpaflow/runlog"
	"github.com/rpaflow/rpaflow/selector"
	"github.com/rpaflow/rpaflow/utils"
)

// runAction drives the profile / selector-variant / attempt matrix for
// one action step. The first success wins; exhaustion re-raises the
// last failure.
func (r *Runner) runAction(ctx context.Context, st *runState, step *model.Step) error {
	start := time.Now()
	fn, known := r.reg.Get(step.Action)
	if !known {
		utils.Warn("unknown action %q in step %s", step.Action, step.ID)
		r.record(st, step, runlog.Record{Status: "unknown"})
		r.persistStep(ctx, st, step, model.StepSkipped, nil, nil, start)
		return nil
	}
	chain := r.cfg.ProfileChain(st.flow.Defaults.EnvProfile)
	var lastErr error

	for pi, profileName := range chain {
		prof := r.cfg.Profile(profileName)
		timeout := effectiveInt(step.TimeoutMs, st.flow.Defaults.TimeoutMs, prof.TimeoutMs)
		retry := effectiveInt(step.SelectorRetry, firstNonNil(step.Retry, st.flow.Defaults.Retry), prof.Retry)
		variants := r.selectorVariants(step, prof.Selectors)

		for vi, variant := range variants {
			for attempt := 0; attempt <= retry; attempt++ {
				output, err := r.attempt(ctx, st, step, fn, variant, profileName, timeout)
				fallback := pi > 0 || vi > 0 || attempt > 0
				if err == nil {
					if step.Out != "" {
						if serr := st.ec.SetVar(step.Out, output, ScopeFlow); serr != nil {
							err = serr
						}
					}
					if err == nil {
						r.record(st, step, runlog.Record{
							Status:     "succeeded",
							Profile:    profileName,
							Strategy:   variantStrategy(variant),
							Attempt:    attempt,
							Fallback:   fallback,
							DurationMs: time.Since(start).Milliseconds(),
							Extra:      map[string]any{"output": output},
						})
						r.persistStep(ctx, st, step, model.StepSucceeded, output, nil, start)
						metrics.StepsTotal.WithLabelValues("succeeded").Inc()
						return nil
					}
				}
				lastErr = err
				r.captureArtifacts(st, step)
				r.record(st, step, runlog.Record{
					Status:     "failed",
					Profile:    profileName,
					Strategy:   variantStrategy(variant),
					Attempt:    attempt,
					Fallback:   fallback,
					DurationMs: time.Since(start).Milliseconds(),
					Error:      err.Error(),
				})
				if fatal(err) {
					r.persistStep(ctx, st, step, model.StepFailed, nil, err, start)
					metrics.StepsTotal.WithLabelValues("failed").Inc()
					return err
				}
				if rerr := r.runRecovery(ctx, st, step); rerr != nil {
					r.persistStep(ctx, st, step, model.StepFailed, nil, rerr, start)
					metrics.StepsTotal.WithLabelValues("failed").Inc()
					return rerr
				}
				if step.OnError.Continue {
					r.persistStep(ctx, st, step, model.StepFailed, nil, err, start)
					metrics.StepsTotal.WithLabelValues("swallowed").Inc()
					return nil
				}
				if attempt < retry {
					time.Sleep(r.backoffBase * time.Duration(1<<attempt))
				}
			}
		}
	}
	if lastErr == nil {
		lastErr = errs.Selectionf("step %q produced no attempts", step.ID)
	}
	r.persistStep(ctx, st, step, model.StepFailed, nil, lastErr, start)
	metrics.StepsTotal.WithLabelValues("failed").Inc()
	return lastErr
}

// attempt performs one cell of the matrix: interlock wait, focus, wait
// predicate, permission gates, resolution, invocation, post-hoc budget
// check.
func (r *Runner) attempt(ctx context.Context, st *runState, step *model.Step, fn actions.Func, variant map[string]any, profileName string, timeoutMs int) (any, error) {
	if err := r.waitDesktopInterlocks(ctx, st, step, timeoutMs); err != nil {
		return nil, err
	}
	if err := r.gate(st, step); err != nil {
		return nil, err
	}
	if step.Target != nil {
		if err := r.focus(step.Target); err != nil {
			return nil, errs.Selectionf("focus target for step %q: %v", step.ID, err)
		}
	}

	var resolved *selector.Resolved
	if variant != nil {
		res, err := r.sel.Resolve(variant, st.runDir)
		if err != nil {
			return nil, err
		}
		resolved = res
	}

	if step.WaitFor != "" {
		if err := r.waitFor(ctx, st, step, resolved, timeoutMs); err != nil {
			return nil, err
		}
	}

	started := time.Now()
	req := actions.Request{StepID: step.ID, Action: step.Action, Profile: profileName, Params: step.Params}
	if resolved != nil {
		req.Target = resolved.Target
	}
	output, err := fn(ctx, st.ec, req)
	if err != nil {
		return nil, err
	}
	// The budget is only checked after the callable returns; a slow
	// call is failed, not interrupted.
	if timeoutMs > 0 && time.Since(started) > time.Duration(timeoutMs)*time.Millisecond {
		return nil, errs.Timeoutf("step %q exceeded %d ms budget", step.ID, timeoutMs)
	}
	return output, nil
}

// waitDesktopInterlocks holds the step while an elevation prompt or the
// secure desktop is up, logging why.
func (r *Runner) waitDesktopInterlocks(ctx context.Context, st *runState, step *model.Step, timeoutMs int) error {
	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	for {
		switch {
		case r.hasUACPrompt():
			r.record(st, step, runlog.Record{Status: "uacPrompt"})
		case r.isSecureDesktop():
			r.record(st, step, runlog.Record{Status: "secureDesktop"})
		default:
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if timeoutMs <= 0 || time.Now().After(deadline) {
			return errs.Timeoutf("desktop locked for step %q", step.ID)
		}
		time.Sleep(r.pollInterval)
	}
}

// gate enforces roles, approval and the declared permission category
// before any action side effect.
func (r *Runner) gate(st *runState, step *model.Step) error {
	req, ok := r.requirements[step.Action]
	if !ok {
		return nil
	}
	if len(req.Roles) > 0 {
		if err := st.ec.RequireRoles(req.Roles...); err != nil {
			return err
		}
	}
	if req.Approval > 0 {
		if err := st.ec.RequireApproval(req.Approval); err != nil {
			return err
		}
	}
	if req.Category != "" {
		if err := st.ec.RequireFlowOp(req.Category); err != nil {
			return err
		}
	}
	return nil
}

// waitFor blocks until a preset predicate or boolean expression holds,
// polling at the runner interval within the step budget. A non-positive
// budget allows a single probe before timing out.
func (r *Runner) waitFor(ctx context.Context, st *runState, step *model.Step, resolved *selector.Resolved, timeoutMs int) error {
	preset, isPreset := r.waitPresets[step.WaitFor]
	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	for {
		if isPreset {
			var target any
			if resolved != nil {
				target = resolved.Target
			}
			if preset(target) {
				return nil
			}
		} else {
			ok, err := st.ec.EvalBool(step.WaitFor)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if timeoutMs <= 0 || time.Now().After(deadline) {
			return errs.Timeoutf("waitFor %q unmet after %d ms in step %q", step.WaitFor, timeoutMs, step.ID)
		}
		time.Sleep(r.pollInterval)
	}
}

// selectorVariants expands a plain selector mapping into one
// single-strategy descriptor per variant, ordered by the step's explicit
// list, then the profile order, then the engine base order. Descriptors
// with anyOf pass through whole.
func (r *Runner) selectorVariants(step *model.Step, profileOrder []string) []map[string]any {
	sel := step.Selector
	if sel == nil {
		return []map[string]any{nil}
	}
	if _, ok := sel["anyOf"]; ok {
		return []map[string]any{sel}
	}
	scope, _ := sel["scope"].(map[string]any)
	present := map[string]bool{}
	for k := range sel {
		if k != "scope" && k != "anyOf" {
			present[k] = true
		}
	}
	var order []string
	seen := map[string]bool{}
	appendKnown := func(names []string) {
		for _, n := range names {
			if present[n] && !seen[n] {
				order = append(order, n)
				seen[n] = true
			}
		}
	}
	appendKnown(step.SelectorOrder)
	appendKnown(profileOrder)
	appendKnown(r.sel.BaseOrder())
	for k := range present {
		if !seen[k] {
			order = append(order, k)
			seen[k] = true
		}
	}
	variants := make([]map[string]any, 0, len(order))
	for _, name := range order {
		v := map[string]any{name: sel[name]}
		if scope != nil {
			v["scope"] = scope
		}
		variants = append(variants, v)
	}
	if len(variants) == 0 {
		return []map[string]any{nil}
	}
	return variants
}

func variantStrategy(variant map[string]any) string {
	if variant == nil {
		return ""
	}
	if _, ok := variant["anyOf"]; ok {
		return "anyOf"
	}
	for k := range variant {
		if k != "scope" {
			return k
		}
	}
	return ""
}

// captureArtifacts writes the diagnostics requested by onError flags and
// notes their paths in the step log.
func (r *Runner) captureArtifacts(st *runState, step *model.Step) {
	paths := map[string]any{}
	oe := step.OnError
	if oe.Screenshot {
		if p, err := r.writeScreenshot(st, step); err == nil {
			paths["screenshot"] = p
		}
	}
	capture := func(kind string, enabled bool) {
		if !enabled {
			return
		}
		p := filepath.Join(st.runDir, fmt.Sprintf("%s_%s.json", step.ID, kind))
		if err := os.WriteFile(p, []byte("{}"), 0o644); err == nil {
			paths[kind] = p
		}
	}
	capture("uiaTree", oe.UIATree)
	capture("webTrace", oe.WebTrace)
	capture("har", oe.HAR)
	capture("video", oe.Video)
	if len(paths) > 0 {
		r.record(st, step, runlog.Record{Status: "artifacts", Extra: paths})
	}
}

// writeScreenshot runs the capture through the masking hook so sensitive
// regions can be blanked before the bytes reach disk.
func (r *Runner) writeScreenshot(st *runState, step *model.Step) (string, error) {
	png := r.screenshotMask([]byte{0x89, 'P', 'N', 'G'})
	p := filepath.Join(st.runDir, step.ID+"_screenshot.png")
	if err := os.WriteFile(p, png, 0o644); err != nil {
		return "", err
	}
	return p, nil
}

// runRecovery executes the onError recovery, either a named shorthand
// or explicit step documents.
func (r *Runner) runRecovery(ctx context.Context, st *runState, step *model.Step) error {
	rec := step.OnError.Recover
	if rec == nil {
		return nil
	}
	switch t := rec.(type) {
	case string:
		fn, ok := r.reg.Get(t)
		if !ok {
			return errs.Validationf("unknown recovery %q in step %s", t, step.ID)
		}
		_, err := fn(ctx, st.ec, actions.Request{StepID: step.ID, Action: t, Params: step.Params})
		return err
	default:
		steps, err := decodeRecoverySteps(rec)
		if err != nil {
			return errs.Validationf("recovery in step %s: %v", step.ID, err)
		}
		_, err = r.execSteps(ctx, st, steps)
		return err
	}
}

func decodeRecoverySteps(rec any) ([]model.Step, error) {
	raw, err := yaml.Marshal(rec)
	if err != nil {
		return nil, err
	}
	var list []model.Step
	if err := yaml.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var single model.Step
	if err := yaml.Unmarshal(raw, &single); err != nil {
		return nil, err
	}
	return []model.Step{single}, nil
}

// fatal reports failures the matrix must not retry.
func fatal(err error) bool {
	var perm *errs.PermissionError
	var typ *errs.TypeError
	var ev *errs.EvaluationError
	var val *errs.ValidationError
	return errors.As(err, &perm) || errors.As(err, &typ) || errors.As(err, &ev) || errors.As(err, &val)
}

func effectiveInt(step *int, flowDefault *int, profile int) int {
	if step != nil {
		return *step
	}
	if flowDefault != nil {
		return *flowDefault
	}
	return profile
}

func firstNonNil(vals ...*int) *int {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

// record writes one masked step-log line, folding in host and display
// facts the dashboard reads.
func (r *Runner) record(st *runState, step *model.Step, rec runlog.Record) {
	rec.StepID = step.ID
	if rec.Action == "" {
		rec.Action = step.Action
	}
	dpi, monitors := r.displayInfo()
	host, _ := os.Hostname()
	if rec.Extra == nil {
		rec.Extra = map[string]any{}
	}
	rec.Extra["host"] = host
	rec.Extra["user"] = os.Getenv("USER")
	rec.Extra["dpi"] = dpi
	rec.Extra["monitors"] = monitors
	if err := st.log.Write(rec); err != nil {
		utils.Warn("step log write failed: %v", err)
	}
}

func (r *Runner) persistStep(ctx context.Context, st *runState, step *model.Step, status model.StepStatus, output any, stepErr error, started time.Time) {
	sr := &model.StepRun{
		ID:        uuid.New(),
		RunID:     st.run.ID,
		StepID:    step.ID,
		Action:    step.Action,
		Status:    status,
		StartedAt: started,
		Output:    output,
	}
	ended := time.Now()
	sr.EndedAt = &ended
	if stepErr != nil {
		sr.Error = stepErr.Error()
	}
	if err := r.store.SaveStep(ctx, sr); err != nil {
		utils.Warn("failed to persist step %s: %v", step.ID, err)
	}
}
