// Package cortex is an embedded template-conditionals engine. It intercepts
// a host forum's template rendering and compiles a small conditional
// sub-language — conditionals, nested template inclusion, whitelisted
// function calls, variable assignment, expression interpolation — into a
// single expression the host's interpolation step can process, under a
// strict security policy. Compiled output is cached by content hash.
package cortex

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cortalabs/cortex/internal/cache"
	"github.com/cortalabs/cortex/internal/compiler"
	"github.com/cortalabs/cortex/internal/config"
	"github.com/cortalabs/cortex/internal/diag"
	"github.com/cortalabs/cortex/internal/logging"
	"github.com/cortalabs/cortex/internal/metrics"
	"github.com/cortalabs/cortex/internal/parser"
	"github.com/cortalabs/cortex/internal/security"
)

// Diagnostic is one entry of the debug diagnostic stream.
type Diagnostic struct {
	Kind     string
	Reason   string
	Position int
	Template string
	Excerpt  string
}

// DiagnosticSink receives diagnostics when debug mode is enabled.
type DiagnosticSink interface {
	Emit(d Diagnostic)
}

// Options configures Runtime construction. Settings is the host's merged
// settings map; every other field is optional.
type Options struct {
	// Settings is the string-keyed settings map the host merged from its
	// file defaults and admin configuration. Keys follow the documented
	// `cache_ttl` / `security.max_nesting_depth` shape.
	Settings map[string]any
	// DefaultsFile optionally names a YAML document merged beneath the
	// settings map.
	DefaultsFile string
	// EnvPrefix guards environment overrides (e.g. "CORTEX"). Empty
	// disables them.
	EnvPrefix string
	// Logger overrides the logger built from the logging settings.
	Logger *slog.Logger
	// Registry receives the engine's Prometheus collectors. A dedicated
	// registry is created when nil.
	Registry *prometheus.Registry
	// Diagnostics receives debug-mode diagnostics in addition to the log.
	Diagnostics DiagnosticSink
}

// RenderResult reports one render call. Output is always usable: on any
// fatal engine error it degrades to the original raw template text.
type RenderResult struct {
	Output string
	// FromCache is true when Output was served without parsing.
	FromCache bool
	// Compiled is true when Output is compiled engine output rather than
	// the raw template.
	Compiled bool
	// Vars lists the variable slots the template assigns, in order, so the
	// host can seed its interpolation scope. It is empty when Output comes
	// from the cache or is the degraded raw template.
	Vars []string
}

// Runtime orchestrates the template pipeline per render: cache lookup, then
// parse, compile, and cache fill on miss. An instance may be shared across
// goroutines.
type Runtime struct {
	cfg      config.Config
	logger   *slog.Logger
	policy   *security.Policy
	cache    *cache.TemplateCache
	recorder *metrics.Recorder
	sink     diag.Sink

	parserCfg   parser.Config
	compilerCfg compiler.Config
}

// New reads the merged settings view once and constructs the pipeline
// components with the configured limits and lists.
func New(ctx context.Context, opts Options) (*Runtime, error) {
	loader := config.NewLoader(opts.EnvPrefix, opts.DefaultsFile)
	cfg, err := loader.Load(ctx, opts.Settings)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger, err = logging.New(cfg.Logging)
		if err != nil {
			return nil, err
		}
	}

	policy := security.New(security.Config{
		AdditionalAllowed:   cfg.Security.AdditionalAllowedFunctions,
		Denied:              cfg.Security.DeniedFunctions,
		MaxExpressionLength: cfg.Security.MaxExpressionLength,
	})
	for _, grant := range policy.DangerousGrants() {
		logger.Warn("dangerous function granted",
			slog.String("function", grant.Name),
			slog.String("family", grant.Family))
	}

	r := &Runtime{
		cfg:         cfg,
		logger:      logger,
		policy:      policy,
		recorder:    metrics.NewRecorder(opts.Registry),
		parserCfg:   parser.Config{MaxNestingDepth: cfg.Security.MaxNestingDepth},
		compilerCfg: compiler.Config{TemplateLookup: cfg.TemplateLookup},
	}
	r.sink = combineSinks(logging.NewSlogSink(logger), opts.Diagnostics)

	if cfg.CacheEnabled {
		store, err := buildStore(cfg)
		if err != nil {
			return nil, err
		}
		r.cache = cache.New(store)
	}
	return r, nil
}

// buildStore selects the backend the way the settings ask for it.
func buildStore(cfg config.Config) (cache.Store, error) {
	ttl := time.Duration(cfg.CacheTTL) * time.Second
	switch cfg.Cache.Backend {
	case "disk":
		return cache.NewDisk(cache.DiskConfig{
			Dir:       cfg.Cache.Dir,
			TTL:       ttl,
			Extension: cfg.Cache.Extension,
		})
	case "valkey":
		return cache.NewValkey(cache.ValkeyConfig{
			Address:  cfg.Cache.Valkey.Address,
			Username: cfg.Cache.Valkey.Username,
			Password: cfg.Cache.Valkey.Password,
			DB:       cfg.Cache.Valkey.DB,
			TTL:      ttl,
		})
	}
	return nil, fmt.Errorf("cortex: unsupported cache backend %q", cfg.Cache.Backend)
}

// Hash digests raw template text. The first sixteen hex characters form
// part of the cache key.
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Render runs the pipeline for one template. It never fails: fatal engine
// errors degrade to the original raw text so the host's page render
// proceeds as if Cortex had made no change.
func (r *Runtime) Render(ctx context.Context, title, raw string, setID int) RenderResult {
	start := time.Now()
	if !r.cfg.Enabled {
		r.recorder.ObserveRender(metrics.RenderBypassed, time.Since(start))
		return RenderResult{Output: raw}
	}

	hash := Hash(raw)
	if r.cache != nil {
		if output, ok := r.cache.Get(ctx, title, hash, setID); ok {
			r.recorder.ObserveCache(metrics.CacheOperationLookup, metrics.CacheHit)
			r.recorder.ObserveRender(metrics.RenderCacheHit, time.Since(start))
			return RenderResult{Output: output, FromCache: true, Compiled: true}
		}
		r.recorder.ObserveCache(metrics.CacheOperationLookup, metrics.CacheMiss)
	}

	tokens, perr := parser.Parse(title, raw, r.parserCfg)
	if perr != nil {
		return r.degrade(raw, perr, start)
	}
	compiled, cerr := compiler.Compile(title, tokens, r.policy, r.compilerCfg)
	if cerr != nil {
		return r.degrade(raw, cerr, start)
	}

	if r.cache != nil {
		if r.cache.Set(ctx, title, hash, compiled.Output, setID) {
			r.recorder.ObserveCache(metrics.CacheOperationStore, metrics.CacheStored)
		} else {
			r.recorder.ObserveCache(metrics.CacheOperationStore, metrics.CacheError)
		}
	}

	r.recorder.ObserveRender(metrics.RenderCompiled, time.Since(start))
	return RenderResult{Output: compiled.Output, Compiled: true, Vars: compiled.Vars}
}

// degrade returns the raw template, emitting the diagnostic when debug mode
// is on.
func (r *Runtime) degrade(raw string, err *diag.Error, start time.Time) RenderResult {
	r.recorder.ObserveCompileFailure(string(err.Kind))
	r.recorder.ObserveRender(metrics.RenderDegraded, time.Since(start))
	if r.cfg.Debug {
		// The stream carries the policy error itself, not the compiler's
		// wrapper, so hosts see the root cause directly.
		emitted := err
		if err.Kind == diag.SecurityViolation && err.Inner != nil {
			emitted = err.Inner
		}
		r.sink.Emit(emitted)
	}
	return RenderResult{Output: raw}
}

// InvalidateCache removes every cached entry for the given template title
// across both tiers and reports how many were dropped.
func (r *Runtime) InvalidateCache(ctx context.Context, title string) int {
	if r.cache == nil {
		return 0
	}
	return r.cache.Invalidate(ctx, title)
}

// ClearCache drops every cached entry.
func (r *Runtime) ClearCache(ctx context.Context) int {
	if r.cache == nil {
		return 0
	}
	return r.cache.Clear(ctx)
}

// CacheCount reports the number of backend cache entries.
func (r *Runtime) CacheCount(ctx context.Context) int {
	if r.cache == nil {
		return 0
	}
	return r.cache.Count(ctx)
}

// CacheWritable reports whether the cache backend accepts writes.
func (r *Runtime) CacheWritable(ctx context.Context) bool {
	if r.cache == nil {
		return false
	}
	return r.cache.Writable(ctx)
}

// Gatherer exposes the engine's Prometheus gatherer.
func (r *Runtime) Gatherer() prometheus.Gatherer {
	return r.recorder.Gatherer()
}

// Close releases cache backend resources.
func (r *Runtime) Close(ctx context.Context) error {
	if r.cache == nil {
		return nil
	}
	return r.cache.Close(ctx)
}

// combineSinks fans a diagnostic out to the log and the host sink.
func combineSinks(logSink diag.Sink, host DiagnosticSink) diag.Sink {
	return diag.SinkFunc(func(err *diag.Error) {
		if err == nil {
			return
		}
		logSink.Emit(err)
		if host != nil {
			host.Emit(Diagnostic{
				Kind:     string(err.Kind),
				Reason:   err.Reason,
				Position: err.Position,
				Template: err.Template,
				Excerpt:  err.Excerpt,
			})
		}
	})
}

// ErrorKind recovers the engine error kind from an error chain, primarily
// for hosts that wrap the diagnostic stream.
func ErrorKind(err error) (string, bool) {
	var engineErr *diag.Error
	if errors.As(err, &engineErr) {
		return string(engineErr.Kind), true
	}
	return "", false
}
