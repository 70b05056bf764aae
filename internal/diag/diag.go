// Package diag carries the engine's typed error taxonomy and the diagnostic
// sink the runtime emits to when debug mode is enabled.
package diag

import "fmt"

// Kind names one engine failure class. Values are stable strings so they can
// be used directly as log attributes and metric labels.
type Kind string

const (
	DisallowedFunction   Kind = "disallowed_function"
	ForbiddenPattern     Kind = "forbidden_pattern"
	FunctionInExpression Kind = "function_in_expression"
	ExpressionTooLong    Kind = "expression_too_long"

	UnbalancedIf     Kind = "unbalanced_if"
	UnclosedIf       Kind = "unclosed_if"
	OrphanElse       Kind = "orphan_else"
	OrphanElseIf     Kind = "orphan_elseif"
	MultipleElse     Kind = "multiple_else"
	ElseIfAfterElse  Kind = "elseif_after_else"
	IfCloseWithoutIf Kind = "ifclose_without_if"
	UnbalancedFunc   Kind = "unbalanced_func"
	UnclosedFunc     Kind = "unclosed_func"
	NestingTooDeep   Kind = "nesting_too_deep"

	SecurityViolation Kind = "security_violation"
)

// excerptLimit caps how much offending source an error may quote.
const excerptLimit = 50

// Error is the engine's fatal error type. Every parse, compile, and policy
// failure is one of these; the runtime recovers them at the render boundary
// and degrades to the original template text.
type Error struct {
	Kind     Kind
	Reason   string
	Position int
	Template string
	Excerpt  string

	// Inner holds the policy error when Kind is SecurityViolation.
	Inner *Error
}

// Errorf builds an Error with a formatted reason.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// At returns a copy annotated with a source byte offset.
func (e *Error) At(position int) *Error {
	clone := *e
	clone.Position = position
	return &clone
}

// In returns a copy annotated with the template name.
func (e *Error) In(template string) *Error {
	clone := *e
	clone.Template = template
	return &clone
}

// Quoting returns a copy carrying a truncated excerpt of the offending text.
func (e *Error) Quoting(text string) *Error {
	clone := *e
	clone.Excerpt = Excerpt(text)
	return &clone
}

// Wrap marks a policy failure as a compiler-level security violation while
// preserving the inner kind and reason.
func Wrap(inner *Error) *Error {
	return &Error{
		Kind:     SecurityViolation,
		Reason:   inner.Reason,
		Position: inner.Position,
		Template: inner.Template,
		Excerpt:  inner.Excerpt,
		Inner:    inner,
	}
}

func (e *Error) Error() string {
	if e.Template != "" {
		return fmt.Sprintf("cortex: %s in %q at byte %d: %s", e.Kind, e.Template, e.Position, e.Reason)
	}
	return fmt.Sprintf("cortex: %s at byte %d: %s", e.Kind, e.Position, e.Reason)
}

// Unwrap exposes the inner policy error of a SecurityViolation.
func (e *Error) Unwrap() error {
	if e.Inner == nil {
		return nil
	}
	return e.Inner
}

// Excerpt truncates text to the excerpt cap.
func Excerpt(text string) string {
	if len(text) <= excerptLimit {
		return text
	}
	return text[:excerptLimit]
}

// Sink receives diagnostics emitted by the runtime in debug mode.
type Sink interface {
	Emit(err *Error)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(err *Error)

// Emit calls the wrapped function.
func (f SinkFunc) Emit(err *Error) { f(err) }
