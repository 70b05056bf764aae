package diag

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorAnnotation(t *testing.T) {
	err := Errorf(ForbiddenPattern, "eval() code execution").At(42).In("header").Quoting("eval($x)")
	require.Equal(t, ForbiddenPattern, err.Kind)
	require.Equal(t, 42, err.Position)
	require.Equal(t, "header", err.Template)
	require.Equal(t, "eval($x)", err.Excerpt)
	require.Contains(t, err.Error(), `"header"`)
	require.Contains(t, err.Error(), "byte 42")
}

func TestExcerptTruncation(t *testing.T) {
	require.Len(t, Excerpt(strings.Repeat("x", 200)), 50)
	require.Equal(t, "short", Excerpt("short"))
}

func TestWrapPreservesInner(t *testing.T) {
	inner := Errorf(DisallowedFunction, "function %q is not allowed", "exec").At(7).In("t")
	wrapped := Wrap(inner)
	require.Equal(t, SecurityViolation, wrapped.Kind)
	require.Equal(t, inner.Reason, wrapped.Reason)
	require.Equal(t, 7, wrapped.Position)

	var recovered *Error
	require.True(t, errors.As(wrapped.Unwrap(), &recovered))
	require.Equal(t, DisallowedFunction, recovered.Kind)
}
