// Package eval is the restricted expression language used for step
// conditions, values and wait predicates. It wraps expr-lang but only admits
// a fixed whitelist of syntactic forms: literals, variable lookups,
// subscripting, unary/binary arithmetic, comparisons, boolean and/or,
// list/map construction, and calls to an explicitly supplied function table.
// Everything else fails with an EvaluationError; flow authors can never
// reach arbitrary host capability through it.
package eval

import (
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"

	"github.com/rpaflow/rpaflow/errs"
)

// VarSource supplies variables to an evaluation. CheckRead must fail with a
// PermissionError when name is a declared variable that may not be read;
// ReadableVars returns the merged view of every readable variable.
type VarSource interface {
	CheckRead(name string) error
	ReadableVars() map[string]any
}

// MapSource adapts a plain map as an unrestricted VarSource, mainly for
// tests and wait presets.
type MapSource map[string]any

func (m MapSource) CheckRead(string) error { return nil }

func (m MapSource) ReadableVars() map[string]any { return m }

// Evaluator evaluates expressions against a VarSource with a fixed function
// table. It is stateless apart from the table and safe for concurrent use.
type Evaluator struct {
	funcs map[string]any
}

// New returns an Evaluator whose expressions may call exactly the functions
// in funcs (name to Go func value).
func New(funcs map[string]any) *Evaluator {
	table := make(map[string]any, len(funcs))
	for k, v := range funcs {
		table[k] = v
	}
	return &Evaluator{funcs: table}
}

// Eval parses and evaluates expression. Referenced variables are
// permission-checked through src before any value is touched, so a read of a
// forbidden variable fails with a PermissionError rather than being silently
// omitted. Unknown identifiers fail compilation.
func (e *Evaluator) Eval(expression string, src VarSource) (any, error) {
	tree, err := parser.Parse(expression)
	if err != nil {
		return nil, &errs.EvaluationError{Expr: expression, Err: err}
	}

	v := &refVisitor{funcs: e.funcs}
	ast.Walk(&tree.Node, v)
	if v.bad != "" {
		return nil, &errs.EvaluationError{Expr: expression, Err: errs.Validationf("unsupported expression form: %s", v.bad)}
	}
	for name := range v.refs {
		if err := src.CheckRead(name); err != nil {
			return nil, err
		}
	}

	vars := src.ReadableVars()
	env := make(map[string]any, len(vars)+len(e.funcs)+1)
	for k, val := range vars {
		env[k] = val
	}
	// The whole variable view is also reachable as vars['name'].
	env["vars"] = vars
	for k, fn := range e.funcs {
		env[k] = fn
	}

	program, err := expr.Compile(expression, expr.Env(env))
	if err != nil {
		return nil, &errs.EvaluationError{Expr: expression, Err: err}
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return nil, &errs.EvaluationError{Expr: expression, Err: err}
	}
	return out, nil
}

// EvalBool evaluates expression and reports its truthiness: false for nil,
// false, zero numbers and empty strings/collections.
func (e *Evaluator) EvalBool(expression string, src VarSource) (bool, error) {
	out, err := e.Eval(expression, src)
	if err != nil {
		return false, err
	}
	return Truthy(out), nil
}

// Truthy reports whether a value counts as true in flow conditions.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case int:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	case string:
		return x != ""
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	default:
		return true
	}
}

// refVisitor collects referenced variable names and rejects node kinds
// outside the whitelist. Constant subscripts on the synthetic "vars" map are
// treated as references to the named variable so they are permission-checked
// like bare identifiers; computed subscripts on "vars" are rejected outright
// so no lookup can dodge the check.
type refVisitor struct {
	funcs map[string]any
	refs  map[string]bool
	bad   string
}

func (v *refVisitor) ref(name string) {
	if v.refs == nil {
		v.refs = map[string]bool{}
	}
	v.refs[name] = true
}

func (v *refVisitor) Visit(node *ast.Node) {
	switch n := (*node).(type) {
	case *ast.IdentifierNode:
		if n.Value == "vars" {
			return
		}
		if _, isFunc := v.funcs[n.Value]; isFunc {
			return
		}
		v.ref(n.Value)
	case *ast.MemberNode:
		if id, ok := n.Node.(*ast.IdentifierNode); ok && id.Value == "vars" {
			key, ok := n.Property.(*ast.StringNode)
			if !ok {
				v.bad = "vars subscripts must be constant strings"
				return
			}
			v.ref(key.Value)
		}
	case *ast.CallNode:
		callee, ok := n.Callee.(*ast.IdentifierNode)
		if !ok {
			v.bad = "only calls to named functions are allowed"
			return
		}
		if _, allowed := v.funcs[callee.Value]; !allowed {
			v.bad = "call to function not in the whitelist: " + callee.Value
		}
	case *ast.IntegerNode, *ast.FloatNode, *ast.StringNode, *ast.BoolNode,
		*ast.NilNode, *ast.UnaryNode, *ast.BinaryNode, *ast.ArrayNode,
		*ast.MapNode, *ast.PairNode:
		// whitelisted
	default:
		v.bad = ast.Dump(*node)
	}
}
