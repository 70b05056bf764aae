// Package compiler translates a token stream into a single output expression
// in the host's interpolation dialect. It never evaluates anything itself:
// the emitted string, once interpolated by the host, reproduces the
// template's intended output.
package compiler

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/cortalabs/cortex/internal/diag"
	"github.com/cortalabs/cortex/internal/security"
	"github.com/cortalabs/cortex/internal/token"
)

// Config carries the host-dialect knobs.
type Config struct {
	// TemplateLookup is the host accessor emitted for nested template
	// inclusion, e.g. `$templates->get`.
	TemplateLookup string
}

// DefaultTemplateLookup matches the host forum's template accessor.
const DefaultTemplateLookup = "$templates->get"

// Result is the compiled template plus the variable slots it assigns.
type Result struct {
	// Output is the composite interpolation expression.
	Output string
	// Vars lists the sanitised SetVar slot names in assignment order.
	Vars []string
}

// condFrame mirrors one open conditional: whether its else branch was seen
// and how many else-ifs accumulated, which together determine the closing
// parenthesis run.
type condFrame struct {
	elseSeen bool
	elseIfs  int
}

var (
	templateNameRe = regexp.MustCompile(`[^A-Za-z0-9_\- ]+`)
	varNameRe      = regexp.MustCompile(`[^A-Za-z0-9_]+`)
	callPrefixRe   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*\s*\(`)
)

// Compile renders the token stream into the host's interpolation dialect.
// Function names and expressions are routed through the policy per token;
// any rejection surfaces as a SecurityViolation wrapping the policy error.
func Compile(name string, tokens []token.Token, policy *security.Policy, cfg Config) (Result, *diag.Error) {
	lookup := cfg.TemplateLookup
	if lookup == "" {
		lookup = DefaultTemplateLookup
	}

	var out strings.Builder
	var stack []condFrame
	var vars []string

	for _, tok := range tokens {
		switch tok.Kind {
		case token.Text:
			out.WriteString(tok.Raw)

		case token.IfOpen:
			cond, err := policy.ValidateExpression(tok.Condition)
			if err != nil {
				return Result{}, diag.Wrap(err.At(tok.Position).In(name))
			}
			stack = append(stack, condFrame{})
			out.WriteString(`".((`)
			out.WriteString(cond)
			out.WriteString(`)?"`)

		case token.ElseIf:
			if len(stack) == 0 {
				return Result{}, diag.Errorf(diag.OrphanElseIf, "else-if outside any conditional").At(tok.Position).In(name)
			}
			top := &stack[len(stack)-1]
			if top.elseSeen {
				return Result{}, diag.Errorf(diag.ElseIfAfterElse, "else-if after else in the same conditional").At(tok.Position).In(name)
			}
			cond, err := policy.ValidateExpression(tok.Condition)
			if err != nil {
				return Result{}, diag.Wrap(err.At(tok.Position).In(name))
			}
			top.elseIfs++
			out.WriteString(`":((`)
			out.WriteString(cond)
			out.WriteString(`)?"`)

		case token.Else:
			if len(stack) == 0 {
				return Result{}, diag.Errorf(diag.OrphanElse, "else outside any conditional").At(tok.Position).In(name)
			}
			top := &stack[len(stack)-1]
			if top.elseSeen {
				return Result{}, diag.Errorf(diag.MultipleElse, "second else in the same conditional").At(tok.Position).In(name)
			}
			top.elseSeen = true
			out.WriteString(`":"`)

		case token.IfClose:
			if len(stack) == 0 {
				return Result{}, diag.Errorf(diag.IfCloseWithoutIf, "conditional close without open").At(tok.Position).In(name)
			}
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			out.WriteString(`"`)
			if !top.elseSeen {
				out.WriteString(`:""`)
			}
			out.WriteString(strings.Repeat(")", top.elseIfs+1))
			out.WriteString(`."`)

		case token.FuncOpen:
			if tok.Name == "" {
				// Unreachable from parser output; refuse rather than emit a
				// null handler.
				return Result{}, diag.Errorf(diag.UnbalancedFunc, "function call without a name").At(tok.Position).In(name)
			}
			funcName, err := policy.ValidateFunction(tok.Name)
			if err != nil {
				return Result{}, diag.Wrap(err.At(tok.Position).In(name))
			}
			out.WriteString(`".`)
			out.WriteString(funcName)
			out.WriteString(`("`)

		case token.FuncClose:
			out.WriteString(`")."`)

		case token.Template:
			out.WriteString(`".`)
			out.WriteString(lookup)
			out.WriteString(`("`)
			out.WriteString(SanitizeTemplateName(tok.Name))
			out.WriteString(`")."`)

		case token.Expression:
			expr, err := policy.ValidateExpression(tok.Value)
			if err != nil {
				return Result{}, diag.Wrap(err.At(tok.Position).In(name))
			}
			out.WriteString(`".strval(`)
			out.WriteString(expr)
			out.WriteString(`)."`)

		case token.SetVar:
			varName := SanitizeVarName(tok.Name)
			out.WriteString(`".(($tplvars['`)
			out.WriteString(varName)
			out.WriteString(`'] = `)
			out.WriteString(quoteValue(tok.Value))
			out.WriteString(`)?"":"")."`)
			vars = append(vars, varName)
		}
	}

	if len(stack) > 0 {
		last := len(tokens) - 1
		position := 0
		if last >= 0 {
			position = tokens[last].Position + len(tokens[last].Raw)
		}
		return Result{}, diag.Errorf(diag.UnclosedIf, "conditional opened and never closed").At(position).In(name)
	}

	return Result{Output: out.String(), Vars: vars}, nil
}

// SanitizeTemplateName strips every character outside the template-name
// alphabet. Sanitisation never fails.
func SanitizeTemplateName(name string) string {
	return templateNameRe.ReplaceAllString(name, "")
}

// SanitizeVarName strips every character outside the slot-name alphabet.
func SanitizeVarName(name string) string {
	return varNameRe.ReplaceAllString(name, "")
}

// quoteValue decides whether a SetVar value is already an expression or
// plain text needing quoting. Plain text is wrapped in double quotes with
// backslash and double quote escaped.
func quoteValue(value string) string {
	trimmed := strings.TrimSpace(value)
	if looksLikeExpression(trimmed) {
		return trimmed
	}
	escaped := strings.ReplaceAll(trimmed, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	return `"` + escaped + `"`
}

func looksLikeExpression(trimmed string) bool {
	if len(trimmed) == 0 {
		return false
	}
	if len(trimmed) >= 2 {
		if (trimmed[0] == '\'' && trimmed[len(trimmed)-1] == '\'') ||
			(trimmed[0] == '"' && trimmed[len(trimmed)-1] == '"') {
			return true
		}
	}
	if trimmed[0] == '$' || trimmed[0] == '[' {
		return true
	}
	if _, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return true
	}
	switch strings.ToLower(trimmed) {
	case "true", "false", "null":
		return true
	}
	if callPrefixRe.MatchString(trimmed) {
		return true
	}
	if strings.HasPrefix(strings.ToLower(trimmed), "array(") {
		return true
	}
	return false
}
