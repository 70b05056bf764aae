package security

import "regexp"

// Pattern pairs one compiled forbidden construct with the reason quoted in
// error messages. The set is closed and ordered: the first hit wins, so the
// most specific code-execution classes come first.
type Pattern struct {
	re     *regexp.Regexp
	Reason string
}

// forbidden is built once at package init. All matching is case-insensitive
// and operates on the unescaped expression text, i.e. the text the host will
// ultimately see.
var forbidden = compilePatterns([]struct {
	expr   string
	reason string
}{
	// Direct code evaluation.
	{`\beval\s*\(`, "eval() code execution"},
	{`\bassert\s*\(`, "assert() code execution"},
	{`\bcreate_function\s*\(`, "dynamic function creation"},

	// Shell and process execution.
	{`\b(?:exec|shell_exec|system|passthru|proc_open|proc_close|proc_get_status|proc_terminate|popen)\s*\(`, "shell or process execution"},
	{"`", "backtick execution"},

	// Filesystem I/O.
	{`\b(?:fopen|fwrite|fputs|fread|fgets|fgetc|fgetss|fclose|fpassthru|fscanf|fseek|ftruncate|flock|file|file_get_contents|file_put_contents|readfile|unlink|rename|copy|move_uploaded_file|mkdir|rmdir|touch|tempnam|tmpfile|chmod|chown|chgrp|symlink|link|glob|opendir|readdir|scandir|dir|realpath|pathinfo|basename|dirname|fileatime|filemtime|filectime|filesize|fileperms|stat|lstat)\s*\(`, "filesystem access"},

	// Dynamic inclusion.
	{`\b(?:include|include_once|require|require_once)\b`, "dynamic inclusion"},

	// Dynamic and indirect invocation.
	{`\b(?:call_user_func|call_user_func_array|forward_static_call|forward_static_call_array|register_shutdown_function|register_tick_function|spl_autoload_register|set_error_handler|set_exception_handler)\s*\(`, "dynamic function invocation"},
	{`\$[A-Za-z_][A-Za-z0-9_]*\s*\(`, "variable function invocation"},
	{`\$\$`, "indirect variable reference"},
	{`\$\{`, "indirect variable reference"},

	// Null bytes: literal, escaped octal, URL-encoded.
	{"\x00", "null byte injection"},
	{`\\0[0-7]{0,2}`, "null byte injection (escaped octal)"},
	{`%00`, "null byte injection (url-encoded)"},

	// Output buffering.
	{`\bob_[a-z_]+\s*\(`, "output buffer interception"},

	// Serialization.
	{`\b(?:serialize|unserialize)\s*\(`, "serialization"},

	// Stream wrappers.
	{`(?:php|data|phar|expect|zip|compress\.zlib)://`, "stream wrapper URI"},

	// Process control and POSIX.
	{`\b(?:pcntl|posix)_[a-z_]+\s*\(`, "process control"},

	// Sockets and cURL.
	{`\b(?:socket_[a-z_]+|fsockopen|pfsockopen|stream_socket_[a-z_]+|stream_context_[a-z_]+)\s*\(`, "socket access"},
	{`\bcurl_[a-z_]+\s*\(`, "curl access"},

	// Direct database drivers.
	{`\b(?:mysqli?_[a-z_]+|pg_[a-z_]+|sqlite3?_[a-z_]+|oci_[a-z_]+|odbc_[a-z_]+|pdo_[a-z_]+)\s*\(`, "direct database access"},

	// Regex replace with code-evaluation behaviour.
	{`\bpreg_replace\s*\(\s*['"][^'"]*e[^'"]*['"]\s*,`, "regex replace with eval modifier"},

	// Mail.
	{`\b(?:mail|mb_send_mail)\s*\(`, "mail dispatch"},

	// HTTP headers, cookies, sessions.
	{`\b(?:header|header_remove|headers_sent|headers_list|setcookie|setrawcookie|http_response_code)\s*\(`, "http header or cookie manipulation"},
	{`\bsession_[a-z_]+\s*\(`, "session manipulation"},

	// Request / global containers.
	{`\$(?:_GET|_POST|_COOKIE|_REQUEST|_SESSION|_SERVER|_ENV|_FILES|GLOBALS)\b`, "global container access"},

	// Script termination.
	{`\b(?:exit|die)\b`, "script termination"},

	// Information disclosure. getenv and get_cfg_var are deliberately
	// absent: they are grantable environment accessors gated by the
	// whitelist, so the identifier scan decides their fate.
	{`\b(?:phpinfo|phpversion|php_uname|php_sapi_name|php_ini_loaded_file|ini_get|ini_get_all|ini_set|ini_alter|ini_restore|get_defined_vars|get_defined_functions|get_defined_constants|get_loaded_extensions|get_included_files|get_required_files|putenv|getmypid|getmyuid|getmygid|get_current_user|sys_get_temp_dir|getcwd|disk_free_space|disk_total_space|memory_get_usage|memory_get_peak_usage)\s*\(`, "information disclosure"},

	// Introspection predicates.
	{`\b(?:class_exists|interface_exists|trait_exists|enum_exists|method_exists|property_exists|function_exists|is_callable|get_class|get_class_methods|get_class_vars|get_object_vars|get_parent_class|class_implements|class_parents)\s*\(`, "introspection"},

	// Variable-table mutation.
	{`\b(?:extract|compact|parse_str|import_request_variables)\s*\(`, "variable table mutation"},

	// Callback-accepting primitives.
	{`\b(?:array_map|array_filter|array_reduce|array_walk|array_walk_recursive|array_udiff|array_udiff_assoc|array_uintersect|array_uintersect_assoc|usort|uasort|uksort|preg_replace_callback|preg_replace_callback_array)\s*\(`, "callback-accepting primitive"},

	// Reflection, instantiation, static calls, exceptions, constants.
	{`\breflection[a-z]*\b`, "reflection"},
	{`\bnew\s+[\\A-Za-z_]`, "object instantiation"},
	{`::`, "static method call"},
	{`\bthrow\b`, "exception construction"},
	{`\b(?:define|defined|constant)\s*\(`, "constant definition"},

	// Function literals.
	{`\bfunction\s*\(`, "anonymous function literal"},
	{`\bfn\s*\(`, "arrow function literal"},
	{`\bstatic\s+function\b`, "anonymous function literal"},
})

func compilePatterns(entries []struct {
	expr   string
	reason string
}) []Pattern {
	patterns := make([]Pattern, 0, len(entries))
	for _, entry := range entries {
		patterns = append(patterns, Pattern{
			re:     regexp.MustCompile(`(?i)` + entry.expr),
			Reason: entry.reason,
		})
	}
	return patterns
}
