// Package cache persists compiled template output. A request-local memory
// tier sits in front of a pluggable backend store: the disk backend writes
// one file per key with atomic renames, the valkey backend shares entries
// across processes.
package cache

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// HashPrefixLen is how many hex characters of the content digest form part
// of the cache key.
const HashPrefixLen = 16

// maxTitleLen caps the sanitised title used in filenames.
const maxTitleLen = 64

// Key identifies one compiled output: the owning template set (0 when
// absent), the sanitised title, and the truncated content-hash prefix.
type Key struct {
	SetID int
	Title string
	Hash  string
}

// String renders the key in the canonical `{set}_{title}_{hash}` form used
// for both memory-map keys and backend names.
func (k Key) String() string {
	return fmt.Sprintf("%d_%s_%s", k.SetID, k.Title, k.Hash)
}

// Filename appends the configured extension to the canonical form.
func (k Key) Filename(ext string) string {
	return k.String() + "." + ext
}

// NewKey sanitises the title and truncates the hash into a Key.
func NewKey(title, hash string, setID int) Key {
	if setID < 0 {
		setID = 0
	}
	if len(hash) > HashPrefixLen {
		hash = hash[:HashPrefixLen]
	}
	return Key{SetID: setID, Title: SanitizeTitle(title), Hash: hash}
}

var titleUnsafeRe = regexp.MustCompile(`[^A-Za-z0-9_]+`)
var underscoreRunRe = regexp.MustCompile(`_+`)

// SanitizeTitle makes a template title safe for filesystem use: unsafe runs
// become a single underscore, leading and trailing underscores are trimmed,
// and the result is capped.
func SanitizeTitle(title string) string {
	safe := titleUnsafeRe.ReplaceAllString(title, "_")
	safe = underscoreRunRe.ReplaceAllString(safe, "_")
	safe = strings.Trim(safe, "_")
	if len(safe) > maxTitleLen {
		safe = safe[:maxTitleLen]
	}
	return safe
}

// Store is the backend tier behind the memory map. Implementations must be
// safe for concurrent use from multiple request handlers.
type Store interface {
	Get(ctx context.Context, key Key) (string, bool, error)
	Set(ctx context.Context, key Key, output string) error
	Invalidate(ctx context.Context, title string) (int, error)
	Clear(ctx context.Context) (int, error)
	Count(ctx context.Context) (int, error)
	Writable(ctx context.Context) bool
	Close(ctx context.Context) error
}

// TemplateCache fronts a Store with a per-instance memory map. The memory
// tier exists to amortise repeated renders within a single request; TTL is
// enforced only by the backend.
type TemplateCache struct {
	store Store

	mu     sync.Mutex
	memory map[string]string
}

// New wires the memory tier in front of the provided backend store.
func New(store Store) *TemplateCache {
	return &TemplateCache{store: store, memory: make(map[string]string)}
}

// Get returns the compiled output for (title, hash, setID), consulting the
// memory tier first and populating it on a backend hit.
func (c *TemplateCache) Get(ctx context.Context, title, hash string, setID int) (string, bool) {
	key := NewKey(title, hash, setID)
	c.mu.Lock()
	output, ok := c.memory[key.String()]
	c.mu.Unlock()
	if ok {
		return output, true
	}
	output, ok, err := c.store.Get(ctx, key)
	if err != nil || !ok {
		return "", false
	}
	c.mu.Lock()
	c.memory[key.String()] = output
	c.mu.Unlock()
	return output, true
}

// Set records the compiled output. The memory tier is populated first and
// stays populated even when the backend write fails; backend failure is
// reported as false without error.
func (c *TemplateCache) Set(ctx context.Context, title, hash, output string, setID int) bool {
	key := NewKey(title, hash, setID)
	c.mu.Lock()
	c.memory[key.String()] = output
	c.mu.Unlock()
	if err := c.store.Set(ctx, key, output); err != nil {
		return false
	}
	return true
}

// Invalidate removes every entry whose key contains the sanitised title and
// returns how many were dropped across both tiers.
func (c *TemplateCache) Invalidate(ctx context.Context, title string) int {
	needle := "_" + SanitizeTitle(title) + "_"
	removed := 0
	c.mu.Lock()
	for key := range c.memory {
		if strings.Contains(key, needle) {
			delete(c.memory, key)
			removed++
		}
	}
	c.mu.Unlock()
	n, err := c.store.Invalidate(ctx, title)
	if err == nil {
		removed += n
	}
	return removed
}

// Clear drops the memory tier and every backend entry.
func (c *TemplateCache) Clear(ctx context.Context) int {
	c.mu.Lock()
	c.memory = make(map[string]string)
	c.mu.Unlock()
	n, err := c.store.Clear(ctx)
	if err != nil {
		return 0
	}
	return n
}

// Count reports the number of backend entries.
func (c *TemplateCache) Count(ctx context.Context) int {
	n, err := c.store.Count(ctx)
	if err != nil {
		return 0
	}
	return n
}

// Writable reports whether the backend accepts writes right now.
func (c *TemplateCache) Writable(ctx context.Context) bool {
	return c.store.Writable(ctx)
}

// Close releases backend resources.
func (c *TemplateCache) Close(ctx context.Context) error {
	return c.store.Close(ctx)
}
