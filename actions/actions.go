// Package actions holds the built-in action set. Desktop-specific
// actions (click, type, launch) are provided by host drivers; the
// builtins here are portable across environments.
package actions

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/rpaflow/rpaflow/utils"
)

// Runtime is the slice of the execution context an action may touch.
type Runtime interface {
	SetVar(name string, value any, scope string) error
	GetVar(name string) (any, error)
	Eval(expression string) (any, error)
	Secret(name string) (string, error)
}

// Request carries one step invocation into an action.
type Request struct {
	StepID  string
	Action  string
	Profile string
	Target  any
	Params  map[string]any
}

// Func executes one action against a resolved target.
type Func func(ctx context.Context, rt Runtime, req Request) (any, error)

// Registry maps action names to implementations.
type Registry struct {
	funcs map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{funcs: map[string]Func{}}
}

func (r *Registry) Register(name string, fn Func) {
	r.funcs[name] = fn
}

func (r *Registry) Get(name string) (Func, bool) {
	fn, ok := r.funcs[name]
	return fn, ok
}

// Builtins returns a registry preloaded with the portable action set.
func Builtins(httpClient *resty.Client) *Registry {
	if httpClient == nil {
		httpClient = resty.New()
	}
	r := NewRegistry()
	r.Register("log", logAction)
	r.Register("set", setAction)
	r.Register("wait", waitAction)
	r.Register("attach", attachAction)
	r.Register("http.request", httpRequestAction(httpClient))
	r.Register("reactivate", reactivateAction)
	r.Register("scroll", scrollAction)
	return r
}

func stringParam(params map[string]any, key string) string {
	v, _ := params[key].(string)
	return v
}

func logAction(ctx context.Context, rt Runtime, req Request) (any, error) {
	msg := stringParam(req.Params, "message")
	if expr := stringParam(req.Params, "expr"); expr != "" {
		v, err := rt.Eval(expr)
		if err != nil {
			return nil, err
		}
		msg = fmt.Sprintf("%v", v)
	}
	utils.Info("[%s] %s", req.StepID, msg)
	return msg, nil
}

// setAction writes a variable through the context so type and
// write-permission checks apply.
func setAction(ctx context.Context, rt Runtime, req Request) (any, error) {
	name := stringParam(req.Params, "name")
	if name == "" {
		return nil, fmt.Errorf("set: missing param %q", "name")
	}
	scope := stringParam(req.Params, "scope")
	if scope == "" {
		scope = "flow"
	}
	value, ok := req.Params["value"]
	if expr := stringParam(req.Params, "expr"); expr != "" {
		v, err := rt.Eval(expr)
		if err != nil {
			return nil, err
		}
		value = v
	} else if !ok {
		return nil, fmt.Errorf("set: missing param %q", "value")
	}
	if err := rt.SetVar(name, value, scope); err != nil {
		return nil, err
	}
	return value, nil
}

func waitAction(ctx context.Context, rt Runtime, req Request) (any, error) {
	ms := 0
	switch v := req.Params["ms"].(type) {
	case int:
		ms = v
	case float64:
		ms = int(v)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Duration(ms) * time.Millisecond):
	}
	return ms, nil
}

// attachAction hands the resolved target back so a following step (or
// an out variable) can hold on to it.
func attachAction(ctx context.Context, rt Runtime, req Request) (any, error) {
	if req.Target == nil {
		return nil, fmt.Errorf("attach: no target resolved for step %s", req.StepID)
	}
	return req.Target, nil
}

func httpRequestAction(client *resty.Client) Func {
	return func(ctx context.Context, rt Runtime, req Request) (any, error) {
		url := stringParam(req.Params, "url")
		if url == "" {
			return nil, fmt.Errorf("http.request: missing param %q", "url")
		}
		method := stringParam(req.Params, "method")
		if method == "" {
			method = "GET"
		}
		r := client.R().SetContext(ctx)
		if headers, ok := req.Params["headers"].(map[string]any); ok {
			for k, v := range headers {
				r.SetHeader(k, fmt.Sprintf("%v", v))
			}
		}
		if token := stringParam(req.Params, "authSecret"); token != "" {
			secret, err := rt.Secret(token)
			if err != nil {
				return nil, err
			}
			r.SetAuthToken(secret)
		}
		if body, ok := req.Params["body"]; ok {
			r.SetBody(body)
		}
		resp, err := r.Execute(method, url)
		if err != nil {
			return nil, fmt.Errorf("http.request: %w", err)
		}
		return map[string]any{
			"status": resp.StatusCode(),
			"body":   string(resp.Body()),
		}, nil
	}
}

// Recovery shorthands. On a headless backbone these only record that
// the gesture ran; desktop drivers override them.

func reactivateAction(ctx context.Context, rt Runtime, req Request) (any, error) {
	utils.Debug("reactivate window for step %s", req.StepID)
	return "reactivated", nil
}

func scrollAction(ctx context.Context, rt Runtime, req Request) (any, error) {
	utils.Debug("scroll toward target for step %s", req.StepID)
	return "scrolled", nil
}
