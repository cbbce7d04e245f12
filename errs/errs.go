// Package errs defines the error taxonomy shared by the flow runtime.
//
// The runner's retry matrix branches on these types: timeout, selection and
// plain action errors are retried; permission, type, evaluation and
// validation errors surface immediately.
package errs

import "fmt"

// PermissionError reports a role, approval, action-category or
// variable-permission violation. Never retried.
type PermissionError struct {
	Msg string
}

func (e *PermissionError) Error() string { return e.Msg }

// Permissionf builds a PermissionError from a format string.
func Permissionf(format string, args ...any) error {
	return &PermissionError{Msg: fmt.Sprintf(format, args...)}
}

// TypeError reports a declared-variable type mismatch. Never retried.
type TypeError struct {
	Var  string
	Want string
	Got  any
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("variable %q declared %s, got %v", e.Var, e.Want, e.Got)
}

// EvaluationError reports a malformed or unsafe expression. Never retried.
type EvaluationError struct {
	Expr string
	Err  error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("expression %q: %v", e.Expr, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// TimeoutError reports an unmet wait predicate or a step whose observed
// duration exceeded its budget. Retried within the action matrix.
type TimeoutError struct {
	Msg string
}

func (e *TimeoutError) Error() string { return e.Msg }

// Timeoutf builds a TimeoutError from a format string.
func Timeoutf(format string, args ...any) error {
	return &TimeoutError{Msg: fmt.Sprintf(format, args...)}
}

// SelectionError reports that no selector strategy resolved the target.
// Retried within the action matrix.
type SelectionError struct {
	Msg string
	Err error
}

func (e *SelectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *SelectionError) Unwrap() error { return e.Err }

// Selectionf builds a SelectionError from a format string.
func Selectionf(format string, args ...any) error {
	return &SelectionError{Msg: fmt.Sprintf(format, args...)}
}

// ValidationError reports an invalid flow document, signature or
// configuration value. Never retried.
type ValidationError struct {
	Msg string
	Err error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}
