package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cortalabs/cortex/internal/diag"
)

func TestIsAllowedFunctionPrecedence(t *testing.T) {
	policy := New(Config{
		AdditionalAllowed: []string{"my_helper", "HTMLSPECIALCHARS"},
		Denied:            []string{"strtoupper", "My_Helper_Denied"},
	})

	tests := []struct {
		name string
		fn   string
		want bool
	}{
		{name: "builtin", fn: "htmlspecialchars", want: true},
		{name: "builtin uppercase", fn: "HTMLSPECIALCHARS", want: true},
		{name: "additional allow", fn: "my_helper", want: true},
		{name: "denied builtin", fn: "strtoupper", want: false},
		{name: "denied case-insensitive", fn: "StrToUpper", want: false},
		{name: "unknown", fn: "frobnicate", want: false},
		{name: "whitespace trimmed", fn: "  trim  ", want: true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, policy.IsAllowedFunction(tc.fn))
		})
	}
}

func TestDenyListWinsOverAdditionalAllow(t *testing.T) {
	policy := New(Config{
		AdditionalAllowed: []string{"custom_fn"},
		Denied:            []string{"custom_fn"},
	})
	require.False(t, policy.IsAllowedFunction("custom_fn"))
}

func TestValidateFunction(t *testing.T) {
	policy := New(Config{})

	name, err := policy.ValidateFunction("HtmlSpecialChars")
	require.Nil(t, err)
	require.Equal(t, "htmlspecialchars", name)

	_, err = policy.ValidateFunction("eval")
	require.NotNil(t, err)
	require.Equal(t, diag.DisallowedFunction, err.Kind)
}

func TestValidateExpressionLengthBoundary(t *testing.T) {
	policy := New(Config{MaxExpressionLength: 10})

	// Exactly at the cap is accepted.
	_, err := policy.ValidateExpression("$abcdefghi")
	require.Nil(t, err)

	// One byte more is rejected.
	_, err = policy.ValidateExpression("$abcdefghij")
	require.NotNil(t, err)
	require.Equal(t, diag.ExpressionTooLong, err.Kind)
}

func TestValidateExpressionLengthCountsRawBytes(t *testing.T) {
	// The cap applies before unescaping: six raw bytes of escaped quotes
	// exceed a cap of five even though the unescaped text is four bytes.
	policy := New(Config{MaxExpressionLength: 5})
	_, err := policy.ValidateExpression(`\"a\"b`)
	require.NotNil(t, err)
	require.Equal(t, diag.ExpressionTooLong, err.Kind)
}

func TestValidateExpressionZeroCapUnlimited(t *testing.T) {
	policy := New(Config{})
	_, err := policy.ValidateExpression("$" + strings.Repeat("x", 4096))
	require.Nil(t, err)
}

func TestValidateExpressionForbiddenPatterns(t *testing.T) {
	policy := New(Config{})

	tests := []struct {
		name   string
		expr   string
		reason string
	}{
		{name: "eval", expr: "eval($x)", reason: "eval() code execution"},
		{name: "eval mixed case", expr: "EvAl ($x)", reason: "eval() code execution"},
		{name: "assert", expr: "assert($x)", reason: "assert() code execution"},
		{name: "system", expr: "system('ls')", reason: "shell or process execution"},
		{name: "backtick", expr: "`ls`", reason: "backtick execution"},
		{name: "file read", expr: "file_get_contents('/etc/passwd')", reason: "filesystem access"},
		{name: "include", expr: "include 'x.php'", reason: "dynamic inclusion"},
		{name: "call_user_func", expr: "call_user_func($f)", reason: "dynamic function invocation"},
		{name: "variable function", expr: "$fn($x)", reason: "variable function invocation"},
		{name: "variable variable", expr: "$$name", reason: "indirect variable reference"},
		{name: "brace variable", expr: "${'na'.'me'}", reason: "indirect variable reference"},
		{name: "null byte octal", expr: `$x . "\0"`, reason: "null byte injection (escaped octal)"},
		{name: "null byte urlencoded", expr: "$x . '%00'", reason: "null byte injection (url-encoded)"},
		{name: "output buffering", expr: "ob_start()", reason: "output buffer interception"},
		{name: "unserialize", expr: "unserialize($x)", reason: "serialization"},
		{name: "php wrapper", expr: "'php://input'", reason: "stream wrapper URI"},
		{name: "phar wrapper", expr: "'phar://x.phar'", reason: "stream wrapper URI"},
		{name: "pcntl", expr: "pcntl_fork()", reason: "process control"},
		{name: "socket", expr: "fsockopen('h', 80)", reason: "socket access"},
		{name: "curl", expr: "curl_init()", reason: "curl access"},
		{name: "mysql", expr: "mysqli_query($db, $q)", reason: "direct database access"},
		{name: "preg eval modifier", expr: `preg_replace('/x/e', $r, $s)`, reason: "regex replace with eval modifier"},
		{name: "mail", expr: "mail($to, $s, $b)", reason: "mail dispatch"},
		{name: "header", expr: "header('Location: /')", reason: "http header or cookie manipulation"},
		{name: "session", expr: "session_destroy()", reason: "session manipulation"},
		{name: "superglobal", expr: "$_GET['id']", reason: "global container access"},
		{name: "globals", expr: "$GLOBALS['settings']", reason: "global container access"},
		{name: "exit", expr: "exit", reason: "script termination"},
		{name: "phpinfo", expr: "phpinfo()", reason: "information disclosure"},
		{name: "introspection", expr: "function_exists('eval')", reason: "introspection"},
		{name: "extract", expr: "extract($data)", reason: "variable table mutation"},
		{name: "array_map", expr: "array_map($f, $a)", reason: "callback-accepting primitive"},
		{name: "usort", expr: "usort($a, $f)", reason: "callback-accepting primitive"},
		{name: "reflection", expr: "ReflectionClass", reason: "reflection"},
		{name: "new object", expr: "new SplStack()", reason: "object instantiation"},
		{name: "static call", expr: "Foo::bar()", reason: "static method call"},
		{name: "throw", expr: "throw $e", reason: "exception construction"},
		{name: "define", expr: "define('X', 1)", reason: "constant definition"},
		{name: "closure", expr: "function () { return 1; }", reason: "anonymous function literal"},
		{name: "arrow fn", expr: "fn () => 1", reason: "arrow function literal"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := policy.ValidateExpression(tc.expr)
			require.NotNil(t, err, "expected %q to be rejected", tc.expr)
			require.Equal(t, diag.ForbiddenPattern, err.Kind)
			require.Equal(t, tc.reason, err.Reason)
		})
	}
}

func TestValidateExpressionScansUnescapedText(t *testing.T) {
	policy := New(Config{})

	// The host's escaping hides the quotes from a naive scan; the policy
	// must unescape first so the eval modifier is seen as the host sees it.
	_, err := policy.ValidateExpression(`preg_replace(\'/x/e\', $r, $s)`)
	require.NotNil(t, err)
	require.Equal(t, diag.ForbiddenPattern, err.Kind)
	require.Equal(t, "regex replace with eval modifier", err.Reason)
}

func TestValidateExpressionExcerptTruncated(t *testing.T) {
	policy := New(Config{})
	_, err := policy.ValidateExpression("eval(" + strings.Repeat("a", 200) + ")")
	require.NotNil(t, err)
	require.LessOrEqual(t, len(err.Excerpt), 50)
}

func TestValidateExpressionIdentifierScan(t *testing.T) {
	policy := New(Config{AdditionalAllowed: []string{"my_helper"}})

	tests := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{name: "whitelisted call", expr: "htmlspecialchars($name)"},
		{name: "nested whitelisted", expr: "trim(strtolower($x))"},
		{name: "constructs skipped", expr: "isset($x) && empty($y)"},
		{name: "additional allow", expr: "my_helper($x)"},
		{name: "unknown function", expr: "frobnicate($x)", wantErr: true},
		{name: "space before paren", expr: "frobnicate ($x)", wantErr: true},
		{name: "no calls at all", expr: "$a + $b * 2"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := policy.ValidateExpression(tc.expr)
			if tc.wantErr {
				require.NotNil(t, err)
				require.Equal(t, diag.FunctionInExpression, err.Kind)
				return
			}
			require.Nil(t, err)
		})
	}
}

func TestValidateExpressionDeniedFunctionInExpression(t *testing.T) {
	policy := New(Config{Denied: []string{"strtoupper"}})
	_, err := policy.ValidateExpression("strtoupper($x)")
	require.NotNil(t, err)
	require.Equal(t, diag.FunctionInExpression, err.Kind)
}

func TestValidateExpressionReturnsUnescaped(t *testing.T) {
	policy := New(Config{})
	out, err := policy.ValidateExpression(`htmlspecialchars(\"a\") . \'b\'`)
	require.Nil(t, err)
	require.Equal(t, `htmlspecialchars("a") . 'b'`, out)
}

func TestDangerousGrants(t *testing.T) {
	policy := New(Config{
		AdditionalAllowed: []string{"preg_match", "file_exists", "var_dump", "getenv", "harmless_fn"},
	})

	grants := policy.DangerousGrants()
	require.Len(t, grants, 4)
	byName := make(map[string]string, len(grants))
	for _, grant := range grants {
		byName[grant.Name] = grant.Family
	}
	require.Equal(t, "regex primitive", byName["preg_match"])
	require.Equal(t, "file-existence predicate", byName["file_exists"])
	require.Equal(t, "debug printer", byName["var_dump"])
	require.Equal(t, "environment accessor", byName["getenv"])
}

func TestNoDangerousGrantsByDefault(t *testing.T) {
	require.Nil(t, New(Config{}).DangerousGrants())
}

func TestDangerousFamiliesUsableOnceGranted(t *testing.T) {
	// Grantable families must actually work after an allow-list grant: the
	// whitelist gates them, not the forbidden-pattern scan.
	tests := []struct {
		name string
		fn   string
		expr string
	}{
		{name: "environment accessor", fn: "getenv", expr: "getenv('PATH')"},
		{name: "config accessor", fn: "get_cfg_var", expr: "get_cfg_var('upload_max_filesize')"},
		{name: "regex primitive", fn: "preg_match", expr: "preg_match('/^a/', $x)"},
		{name: "file-existence predicate", fn: "file_exists", expr: "file_exists($path)"},
		{name: "debug printer", fn: "var_dump", expr: "var_dump($x)"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			granted := New(Config{AdditionalAllowed: []string{tc.fn}})
			out, err := granted.ValidateExpression(tc.expr)
			require.Nil(t, err, "granted %s must validate", tc.fn)
			require.Equal(t, tc.expr, out)
			require.NotEmpty(t, granted.DangerousGrants(), "grant must still be reported for warning")

			_, err = New(Config{}).ValidateExpression(tc.expr)
			require.NotNil(t, err, "ungranted %s must be rejected", tc.fn)
			require.Equal(t, diag.FunctionInExpression, err.Kind)
		})
	}
}
