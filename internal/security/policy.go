// Package security decides which function names and expression texts may
// reach the host's interpolation step. The policy is immutable after
// construction and safe for concurrent use.
package security

import (
	"regexp"
	"sort"
	"strings"

	"github.com/cortalabs/cortex/internal/diag"
)

// Config carries the admin-tunable policy knobs. Lists may arrive in any
// case; they are lowercased at construction.
type Config struct {
	// AdditionalAllowed extends the built-in whitelist. File-sourced only.
	AdditionalAllowed []string
	// Denied overrides both whitelists.
	Denied []string
	// MaxExpressionLength caps raw expression length. Zero means unlimited.
	MaxExpressionLength int
}

// DangerousGrant records an extended-allow entry that overlaps a risky
// function family. Callers surface these as warnings.
type DangerousGrant struct {
	Name   string
	Family string
}

// Policy validates function names against the whitelists and expression text
// against the forbidden-pattern set.
type Policy struct {
	builtin    map[string]struct{}
	additional map[string]struct{}
	denied     map[string]struct{}
	patterns   []Pattern
	maxExprLen int
	dangerous  []DangerousGrant
}

// unescaper reverses the host's single-pass backslash escaping so the pattern
// scan operates on the text the host will ultimately see.
var unescaper = strings.NewReplacer(`\\`, `\`, `\"`, `"`, `\'`, `'`)

// callRe finds identifiers immediately followed by an opening parenthesis.
var callRe = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_]*)\s*\(`)

// New builds an immutable policy from the built-in whitelist plus the
// configured extensions.
func New(cfg Config) *Policy {
	p := &Policy{
		builtin:    make(map[string]struct{}, len(builtinAllowed)),
		additional: make(map[string]struct{}, len(cfg.AdditionalAllowed)),
		denied:     make(map[string]struct{}, len(cfg.Denied)),
		patterns:   forbidden,
		maxExprLen: cfg.MaxExpressionLength,
	}
	for _, name := range builtinAllowed {
		p.builtin[name] = struct{}{}
	}
	for _, name := range cfg.AdditionalAllowed {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		p.additional[name] = struct{}{}
		if family, ok := dangerousFamilies[name]; ok {
			p.dangerous = append(p.dangerous, DangerousGrant{Name: name, Family: family})
		}
	}
	sort.Slice(p.dangerous, func(i, j int) bool { return p.dangerous[i].Name < p.dangerous[j].Name })
	for _, name := range cfg.Denied {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		p.denied[name] = struct{}{}
	}
	return p
}

// IsAllowedFunction reports whether name may appear in compiled output. The
// deny list wins over both whitelists.
func (p *Policy) IsAllowedFunction(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	if _, ok := p.denied[name]; ok {
		return false
	}
	if _, ok := p.builtin[name]; ok {
		return true
	}
	_, ok := p.additional[name]
	return ok
}

// ValidateFunction returns the lowercased name on allow and a
// DisallowedFunction error otherwise.
func (p *Policy) ValidateFunction(name string) (string, *diag.Error) {
	normalised := strings.ToLower(strings.TrimSpace(name))
	if !p.IsAllowedFunction(normalised) {
		return "", diag.Errorf(diag.DisallowedFunction, "function %q is not allowed", normalised).Quoting(name)
	}
	return normalised, nil
}

// ValidateExpression admits or rejects one expression. The order is
// prescribed: length check on the raw text, unescape, pattern scan on the
// unescaped text, then identifier scan on the unescaped text. The unescaped
// form is returned on success.
func (p *Policy) ValidateExpression(raw string) (string, *diag.Error) {
	if p.maxExprLen > 0 && len(raw) > p.maxExprLen {
		return "", diag.Errorf(diag.ExpressionTooLong,
			"expression length %d exceeds limit %d", len(raw), p.maxExprLen).Quoting(raw)
	}
	unescaped := unescaper.Replace(raw)
	for _, pattern := range p.patterns {
		if loc := pattern.re.FindStringIndex(unescaped); loc != nil {
			return "", diag.Errorf(diag.ForbiddenPattern, "%s", pattern.Reason).Quoting(unescaped[loc[0]:])
		}
	}
	for _, name := range extractCalls(unescaped) {
		if !p.IsAllowedFunction(name) {
			return "", diag.Errorf(diag.FunctionInExpression,
				"function %q is not allowed in expressions", strings.ToLower(name)).Quoting(unescaped)
		}
	}
	return unescaped, nil
}

// DangerousGrants reports the extended-allow entries that overlap risky
// function families, sorted by name.
func (p *Policy) DangerousGrants() []DangerousGrant {
	if len(p.dangerous) == 0 {
		return nil
	}
	out := make([]DangerousGrant, len(p.dangerous))
	copy(out, p.dangerous)
	return out
}

// MaxExpressionLength exposes the configured cap for observability.
func (p *Policy) MaxExpressionLength() int { return p.maxExprLen }

// extractCalls lists every identifier immediately followed by an opening
// parenthesis, minus language constructs.
func extractCalls(expr string) []string {
	matches := callRe.FindAllStringSubmatch(expr, -1)
	if len(matches) == 0 {
		return nil
	}
	constructs := make(map[string]struct{}, len(constructNames))
	for _, name := range constructNames {
		constructs[name] = struct{}{}
	}
	names := make([]string, 0, len(matches))
	for _, match := range matches {
		name := strings.ToLower(match[1])
		if _, ok := constructs[name]; ok {
			continue
		}
		names = append(names, name)
	}
	return names
}
