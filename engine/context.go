package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/rpaflow/rpaflow/errs"
	"github.com/rpaflow/rpaflow/eval"
	"github.com/rpaflow/rpaflow/model"
	"github.com/rpaflow/rpaflow/secrets"
)

// Variable scopes.
const (
	ScopeGlobal = "global"
	ScopeFlow   = "flow"
	ScopeLocal  = "local"
)

// ExecutionContext holds the live variable state of one run: a global
// scope shared with the host, the flow's own variables, and a stack of
// local scopes pushed by loops and catch bodies. Declared variables
// carry a type and a read/write permission set, both enforced on every
// access.
type ExecutionContext struct {
	globals  map[string]any
	flowVars map[string]any
	locals   []map[string]any

	varDefs map[string]model.VarDef
	perms   map[string]map[string]bool

	roles         map[string]bool
	approvalLevel int
	flowOps       map[string]bool

	secrets   secrets.Store
	evaluator *eval.Evaluator
}

var _ eval.VarSource = (*ExecutionContext)(nil)

// NewContext seeds a context from a flow's declarations and the run
// inputs. Input values land in the flow scope (overriding declared
// defaults); the reserved inputs "roles" and "approval_level" seed the
// caller's identity instead of becoming variables.
func NewContext(flow *model.Flow, inputs map[string]any, store secrets.Store, ev *eval.Evaluator) *ExecutionContext {
	if store == nil {
		store = secrets.NewMemStore(nil)
	}
	if ev == nil {
		ev = eval.New(nil)
	}
	ctx := &ExecutionContext{
		globals:   map[string]any{},
		flowVars:  map[string]any{},
		varDefs:   map[string]model.VarDef{},
		perms:     map[string]map[string]bool{},
		roles:     map[string]bool{},
		flowOps:   map[string]bool{},
		secrets:   store,
		evaluator: ev,
	}
	if flow != nil {
		for name, def := range flow.Variables {
			ctx.varDefs[name] = def
			if def.Value != nil {
				ctx.flowVars[name] = def.Value
			}
		}
		for name, ops := range flow.Permissions {
			set := map[string]bool{}
			for _, op := range ops {
				set[op] = true
			}
			ctx.perms[name] = set
		}
		for _, op := range flow.Meta.Permissions {
			ctx.flowOps[op] = true
		}
		for name, v := range flow.Inputs {
			if v != nil {
				if _, ok := ctx.flowVars[name]; !ok {
					ctx.flowVars[name] = v
				}
			}
		}
	}
	for k, v := range inputs {
		switch k {
		case "roles":
			ctx.SetRoles(toStringSlice(v)...)
		case "approval_level":
			ctx.approvalLevel = toInt(v)
		default:
			ctx.flowVars[k] = v
		}
	}
	return ctx
}

func toStringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			out = append(out, fmt.Sprintf("%v", e))
		}
		return out
	case string:
		return []string{t}
	}
	return nil
}

func toInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	}
	return 0
}

// SetRoles replaces the caller's role set.
func (c *ExecutionContext) SetRoles(roles ...string) {
	c.roles = map[string]bool{}
	for _, r := range roles {
		c.roles[r] = true
	}
}

// SetApproval sets the caller's approval level.
func (c *ExecutionContext) SetApproval(level int) { c.approvalLevel = level }

// PushLocal opens a new innermost local scope.
func (c *ExecutionContext) PushLocal(initial map[string]any) {
	scope := map[string]any{}
	for k, v := range initial {
		scope[k] = v
	}
	c.locals = append(c.locals, scope)
}

// PopLocal discards the innermost local scope.
func (c *ExecutionContext) PopLocal() {
	if len(c.locals) > 0 {
		c.locals = c.locals[:len(c.locals)-1]
	}
}

func (c *ExecutionContext) checkPerm(name, op string) error {
	set, declared := c.perms[name]
	if !declared {
		return nil
	}
	if !set[op] {
		return errs.Permissionf("variable %q does not permit %s", name, op)
	}
	return nil
}

// CheckRead reports whether the caller may read a variable. Part of
// the evaluator's variable source contract.
func (c *ExecutionContext) CheckRead(name string) error {
	return c.checkPerm(name, "read")
}

// SetVar writes a variable into the given scope, enforcing write
// permission first and the declared type second.
func (c *ExecutionContext) SetVar(name string, value any, scope string) error {
	if err := c.checkPerm(name, "write"); err != nil {
		return err
	}
	if def, ok := c.varDefs[name]; ok {
		if err := checkType(name, def.Type, value); err != nil {
			return err
		}
	}
	switch scope {
	case ScopeGlobal:
		c.globals[name] = value
	case ScopeLocal:
		if len(c.locals) == 0 {
			return fmt.Errorf("no local scope open for variable %q", name)
		}
		c.locals[len(c.locals)-1][name] = value
	case ScopeFlow, "":
		c.flowVars[name] = value
	default:
		return fmt.Errorf("unknown scope %q", scope)
	}
	return nil
}

// GetVar reads a variable, innermost local scope first, then flow,
// then global. Read permission is enforced before resolution.
func (c *ExecutionContext) GetVar(name string) (any, error) {
	if err := c.checkPerm(name, "read"); err != nil {
		return nil, err
	}
	for i := len(c.locals) - 1; i >= 0; i-- {
		if v, ok := c.locals[i][name]; ok {
			return v, nil
		}
	}
	if v, ok := c.flowVars[name]; ok {
		return v, nil
	}
	if v, ok := c.globals[name]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("variable %q is not defined", name)
}

// AllVars returns the merged view of every scope, inner scopes winning.
func (c *ExecutionContext) AllVars() map[string]any {
	out := map[string]any{}
	for k, v := range c.globals {
		out[k] = v
	}
	for k, v := range c.flowVars {
		out[k] = v
	}
	for _, scope := range c.locals {
		for k, v := range scope {
			out[k] = v
		}
	}
	return out
}

// ReadableVars is AllVars filtered to what the caller may read. Part
// of the evaluator's variable source contract.
func (c *ExecutionContext) ReadableVars() map[string]any {
	out := map[string]any{}
	for k, v := range c.AllVars() {
		if c.checkPerm(k, "read") == nil {
			out[k] = v
		}
	}
	return out
}

// Eval evaluates an expression against this context's variables.
func (c *ExecutionContext) Eval(expression string) (any, error) {
	return c.evaluator.Eval(expression, c)
}

// EvalBool evaluates an expression and coerces the result to a bool.
func (c *ExecutionContext) EvalBool(expression string) (bool, error) {
	return c.evaluator.EvalBool(expression, c)
}

// Secret resolves a secret by name from the context's store.
func (c *ExecutionContext) Secret(name string) (string, error) {
	return c.secrets.Get(name)
}

// RequireRoles checks that the caller holds every named role.
func (c *ExecutionContext) RequireRoles(roles ...string) error {
	var missing []string
	for _, r := range roles {
		if !c.roles[r] {
			missing = append(missing, r)
		}
	}
	if len(missing) > 0 {
		return errs.Permissionf("missing required roles: %s", strings.Join(missing, ", "))
	}
	return nil
}

// RequireFlowOp checks that the flow declared a permission category.
func (c *ExecutionContext) RequireFlowOp(op string) error {
	if !c.flowOps[op] {
		return errs.Permissionf("flow does not declare permission %q", op)
	}
	return nil
}

// RequireApproval checks the caller's approval level.
func (c *ExecutionContext) RequireApproval(level int) error {
	if c.approvalLevel < level {
		return errs.Permissionf("approval level %d required, have %d", level, c.approvalLevel)
	}
	return nil
}

// Snapshot captures globals and flow variables for checkpointing.
// Local scopes are transient and deliberately excluded.
func (c *ExecutionContext) Snapshot() (globals, flowVars map[string]any) {
	globals = map[string]any{}
	for k, v := range c.globals {
		globals[k] = v
	}
	flowVars = map[string]any{}
	for k, v := range c.flowVars {
		flowVars[k] = v
	}
	return globals, flowVars
}

// Restore replaces globals and flow variables from a checkpoint.
func (c *ExecutionContext) Restore(globals, flowVars map[string]any) {
	c.globals = map[string]any{}
	for k, v := range globals {
		c.globals[k] = v
	}
	c.flowVars = map[string]any{}
	for k, v := range flowVars {
		c.flowVars[k] = v
	}
	c.locals = nil
}

// SeedFlowVars copies values into the flow scope verbatim. Unlike run
// inputs, no key is reserved: a variable literally named "roles" stays
// a variable and never confers identity.
func (c *ExecutionContext) SeedFlowVars(vars map[string]any) {
	for k, v := range vars {
		c.flowVars[k] = v
	}
}

// FlowVarsCopy returns the flow scope by value, for subflow seeding.
func (c *ExecutionContext) FlowVarsCopy() map[string]any {
	out := map[string]any{}
	for k, v := range c.flowVars {
		out[k] = v
	}
	return out
}

// checkType validates a value against a declared variable type.
func checkType(name, typ string, value any) error {
	if typ == "" || typ == "any" || value == nil {
		return nil
	}
	ok := false
	got := fmt.Sprintf("%T", value)
	switch typ {
	case "int":
		switch v := value.(type) {
		case int, int32, int64:
			ok = true
		case float64:
			ok = v == float64(int64(v))
		}
	case "float":
		switch value.(type) {
		case float32, float64, int, int32, int64:
			ok = true
		}
	case "string", "path", "secret":
		_, ok = value.(string)
	case "bool":
		_, ok = value.(bool)
	case "date":
		switch v := value.(type) {
		case time.Time:
			ok = true
		case string:
			_, err := time.Parse("2006-01-02", v)
			ok = err == nil
		}
	case "array":
		switch value.(type) {
		case []any, []string, []int, []float64:
			ok = true
		}
	case "object":
		_, ok = value.(map[string]any)
	default:
		return &errs.TypeError{Var: name, Want: typ, Got: "unknown declared type"}
	}
	if !ok {
		return &errs.TypeError{Var: name, Want: typ, Got: got}
	}
	return nil
}
