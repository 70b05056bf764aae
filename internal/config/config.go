// Package config hydrates the engine configuration from the host's settings
// map with env > settings > defaults-file > default precedence.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds every engine-level option. The koanf keys mirror the host
// settings keys exactly.
type Config struct {
	Enabled        bool   `koanf:"enabled"`
	CacheEnabled   bool   `koanf:"cache_enabled"`
	CacheTTL       int    `koanf:"cache_ttl"`
	Debug          bool   `koanf:"debug"`
	TemplateLookup string `koanf:"template_lookup"`

	Logging  LoggingConfig  `koanf:"logging"`
	Cache    CacheConfig    `koanf:"cache"`
	Security SecurityConfig `koanf:"security"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// CacheConfig selects and parameterises the backend store.
type CacheConfig struct {
	Backend   string       `koanf:"backend"`
	Dir       string       `koanf:"dir"`
	Extension string       `koanf:"extension"`
	Valkey    ValkeyConfig `koanf:"valkey"`
}

// ValkeyConfig points the shared backend at its server.
type ValkeyConfig struct {
	Address  string `koanf:"address"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// SecurityConfig carries the policy lists and structural limits.
// AdditionalAllowedFunctions is never admin-supplied: it comes from the
// defaults file or the allow-list document only.
type SecurityConfig struct {
	AdditionalAllowedFunctions []string `koanf:"additional_allowed_functions"`
	DeniedFunctions            []string `koanf:"denied_functions"`
	MaxNestingDepth            int      `koanf:"max_nesting_depth"`
	MaxExpressionLength        int      `koanf:"max_expression_length"`
	AllowedFunctionsFile       string   `koanf:"allowed_functions_file"`
	DeniedFunctionsFile        string   `koanf:"denied_functions_file"`
}

// DefaultConfig returns the engine defaults applied beneath every other
// source.
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		CacheEnabled:   true,
		CacheTTL:       0,
		Debug:          false,
		TemplateLookup: "$templates->get",
		Logging:        LoggingConfig{Level: "info", Format: "json"},
		Cache:          CacheConfig{Backend: "disk", Dir: "cache/cortex", Extension: "php"},
	}
}

// listKeys are settings that hosts commonly supply as comma-separated
// strings; the loader splits them before unmarshalling.
var listKeys = []string{
	"security.denied_functions",
}

// Loader assembles the effective configuration snapshot.
type Loader struct {
	envPrefix    string
	defaultsFile string
}

// NewLoader prepares a loader. envPrefix guards environment overrides
// (empty disables them); defaultsFile optionally names a YAML document
// merged beneath the host settings.
func NewLoader(envPrefix, defaultsFile string) *Loader {
	return &Loader{envPrefix: envPrefix, defaultsFile: defaultsFile}
}

// Load merges defaults, the optional defaults file, the host settings map,
// and the environment, then resolves the function-list documents.
func (l *Loader) Load(ctx context.Context, settings map[string]any) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(DefaultConfig()), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	if l.defaultsFile != "" {
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(l.defaultsFile); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: defaults file %s not found", l.defaultsFile)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", l.defaultsFile, err)
		}
		if err := k.Load(file.Provider(l.defaultsFile), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", l.defaultsFile, err)
		}
	}

	// The allow-list extension is file-only: remember what the file layers
	// contributed so later sources cannot widen it.
	fileAllowed := k.Strings("security.additional_allowed_functions")

	if len(settings) > 0 {
		if err := k.Load(confmap.Provider(normalizeSettings(settings), "."), nil); err != nil {
			return Config{}, fmt.Errorf("config: load settings: %w", err)
		}
	}

	if l.envPrefix != "" {
		transform := func(s string) string {
			// Double underscores signal a nested path
			// (CORTEX_SECURITY__MAX_NESTING_DEPTH -> security.max_nesting_depth).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.Security.AdditionalAllowedFunctions = fileAllowed
	if err := cfg.resolveListFiles(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// resolveListFiles merges the allow/deny documents into the in-config lists.
func (c *Config) resolveListFiles() error {
	if path := strings.TrimSpace(c.Security.AllowedFunctionsFile); path != "" {
		names, err := LoadFunctionList(path)
		if err != nil {
			return err
		}
		c.Security.AdditionalAllowedFunctions = mergeLists(c.Security.AdditionalAllowedFunctions, names)
	}
	if path := strings.TrimSpace(c.Security.DeniedFunctionsFile); path != "" {
		names, err := LoadFunctionList(path)
		if err != nil {
			return err
		}
		c.Security.DeniedFunctions = mergeLists(c.Security.DeniedFunctions, names)
	}
	return nil
}

// Validate rejects option combinations the engine cannot honour.
func (c Config) Validate() error {
	if c.CacheTTL < 0 {
		return fmt.Errorf("config: cache_ttl must be >= 0, got %d", c.CacheTTL)
	}
	if c.Security.MaxNestingDepth < 0 {
		return fmt.Errorf("config: security.max_nesting_depth must be >= 0, got %d", c.Security.MaxNestingDepth)
	}
	if c.Security.MaxExpressionLength < 0 {
		return fmt.Errorf("config: security.max_expression_length must be >= 0, got %d", c.Security.MaxExpressionLength)
	}
	switch c.Cache.Backend {
	case "disk":
		if strings.TrimSpace(c.Cache.Dir) == "" {
			return errors.New("config: cache.dir required for the disk backend")
		}
	case "valkey":
		if strings.TrimSpace(c.Cache.Valkey.Address) == "" {
			return errors.New("config: cache.valkey.address required for the valkey backend")
		}
	default:
		return fmt.Errorf("config: unsupported cache.backend %q", c.Cache.Backend)
	}
	return nil
}

// normalizeSettings copies the host map, dropping the allow-list extension
// (it is file-only, never admin-supplied) and splitting comma-separated
// strings for the known list keys so stringly-typed settings stores keep
// working.
func normalizeSettings(settings map[string]any) map[string]any {
	out := make(map[string]any, len(settings))
	for key, value := range settings {
		out[key] = value
	}
	delete(out, "security.additional_allowed_functions")
	if raw, ok := out["security"].(map[string]any); ok {
		if _, blocked := raw["additional_allowed_functions"]; blocked {
			sec := make(map[string]any, len(raw))
			for key, value := range raw {
				sec[key] = value
			}
			delete(sec, "additional_allowed_functions")
			out["security"] = sec
		}
	}
	for _, key := range listKeys {
		raw, ok := out[key]
		if !ok {
			continue
		}
		if text, ok := raw.(string); ok {
			parts := strings.Split(text, ",")
			names := make([]string, 0, len(parts))
			for _, part := range parts {
				if part = strings.TrimSpace(part); part != "" {
					names = append(names, part)
				}
			}
			out[key] = names
		}
	}
	return out
}

func mergeLists(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base)+len(extra))
	merged := make([]string, 0, len(base)+len(extra))
	for _, name := range append(append([]string{}, base...), extra...) {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		merged = append(merged, name)
	}
	return merged
}

// structToMap converts DefaultConfig into a map for the koanf confmap
// provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"enabled":         cfg.Enabled,
		"cache_enabled":   cfg.CacheEnabled,
		"cache_ttl":       cfg.CacheTTL,
		"debug":           cfg.Debug,
		"template_lookup": cfg.TemplateLookup,
		"logging": map[string]any{
			"level":  cfg.Logging.Level,
			"format": cfg.Logging.Format,
		},
		"cache": map[string]any{
			"backend":   cfg.Cache.Backend,
			"dir":       cfg.Cache.Dir,
			"extension": cfg.Cache.Extension,
			"valkey": map[string]any{
				"address":  cfg.Cache.Valkey.Address,
				"username": cfg.Cache.Valkey.Username,
				"password": cfg.Cache.Valkey.Password,
				"db":       cfg.Cache.Valkey.DB,
			},
		},
		"security": map[string]any{
			"additional_allowed_functions": cfg.Security.AdditionalAllowedFunctions,
			"denied_functions":             cfg.Security.DeniedFunctions,
			"max_nesting_depth":            cfg.Security.MaxNestingDepth,
			"max_expression_length":        cfg.Security.MaxExpressionLength,
			"allowed_functions_file":       cfg.Security.AllowedFunctionsFile,
			"denied_functions_file":        cfg.Security.DeniedFunctionsFile,
		},
	}
}
