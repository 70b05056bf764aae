package security

// builtinAllowed is the closed built-in whitelist of host functions a template
// may call. Every entry is lowercase; lookups normalise before probing.
var builtinAllowed = []string{
	// String handling.
	"addslashes",
	"bin2hex",
	"chr",
	"chunk_split",
	"html_entity_decode",
	"htmlentities",
	"htmlspecialchars",
	"htmlspecialchars_decode",
	"htmlspecialchars_uni",
	"lcfirst",
	"levenshtein",
	"ltrim",
	"metaphone",
	"nl2br",
	"number_format",
	"ord",
	"quotemeta",
	"rtrim",
	"similar_text",
	"soundex",
	"sprintf",
	"str_contains",
	"str_ends_with",
	"str_ireplace",
	"str_pad",
	"str_repeat",
	"str_replace",
	"str_split",
	"str_starts_with",
	"str_word_count",
	"strcasecmp",
	"strcmp",
	"strip_tags",
	"stripos",
	"stripslashes",
	"stristr",
	"strlen",
	"strpos",
	"strrev",
	"strrpos",
	"strstr",
	"strtolower",
	"strtoupper",
	"strtr",
	"substr",
	"substr_count",
	"trim",
	"ucfirst",
	"ucwords",
	"vsprintf",
	"wordwrap",

	// Multibyte variants.
	"mb_strlen",
	"mb_strpos",
	"mb_strtolower",
	"mb_strtoupper",
	"mb_substr",

	// Numbers and predicates.
	"abs",
	"boolval",
	"ceil",
	"floatval",
	"floor",
	"fmod",
	"gettype",
	"intdiv",
	"intval",
	"is_array",
	"is_bool",
	"is_double",
	"is_float",
	"is_int",
	"is_integer",
	"is_null",
	"is_numeric",
	"is_scalar",
	"is_string",
	"max",
	"min",
	"pow",
	"round",
	"sqrt",
	"strval",

	// Array reads.
	"array_combine",
	"array_count_values",
	"array_fill",
	"array_flip",
	"array_key_exists",
	"array_keys",
	"array_merge",
	"array_pad",
	"array_product",
	"array_reverse",
	"array_search",
	"array_slice",
	"array_sum",
	"array_unique",
	"array_values",
	"count",
	"explode",
	"implode",
	"in_array",
	"join",
	"range",
	"sizeof",

	// Dates.
	"checkdate",
	"date",
	"gmdate",
	"gmmktime",
	"mktime",
	"strtotime",
	"time",

	// Encoding and digests.
	"base64_encode",
	"crc32",
	"ctype_alnum",
	"ctype_alpha",
	"ctype_digit",
	"json_encode",
	"md5",
	"rawurldecode",
	"rawurlencode",
	"sha1",
	"urldecode",
	"urlencode",

	// Misc.
	"ip2long",
	"long2ip",
	"mt_rand",
	"rand",
}

// constructNames are language constructs that look like calls in expression
// text but are never dispatched through the function table; the identifier
// scan skips them.
var constructNames = []string{
	"array",
	"echo",
	"empty",
	"isset",
	"list",
	"print",
	"unset",
}

// dangerousFamilies maps risky-but-grantable function names to the family a
// warning should cite when an admin places one on the extended allow list.
var dangerousFamilies = map[string]string{
	"preg_match":     "regex primitive",
	"preg_match_all": "regex primitive",
	"preg_split":     "regex primitive",
	"preg_quote":     "regex primitive",
	"preg_grep":      "regex primitive",

	"file_exists": "file-existence predicate",
	"is_file":     "file-existence predicate",
	"is_dir":      "file-existence predicate",
	"is_readable": "file-existence predicate",
	"is_writable": "file-existence predicate",

	"print_r":    "debug printer",
	"var_dump":   "debug printer",
	"var_export": "debug printer",

	"getenv":      "environment accessor",
	"get_cfg_var": "environment accessor",
}
