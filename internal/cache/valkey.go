package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

// ValkeyConfig describes the shared backend for deployments whose request
// handlers cannot share a cache directory.
type ValkeyConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	// TTL is applied as server-side expiry. Zero stores without expiry.
	TTL time.Duration
	// Namespace prefixes every key. Defaults to "cortex:tpl:v1:".
	Namespace string
}

const defaultValkeyNamespace = "cortex:tpl:v1:"

type valkeyStore struct {
	client    valkey.Client
	ttl       time.Duration
	namespace string
}

// NewValkey connects and pings the shared backend.
func NewValkey(cfg ValkeyConfig) (Store, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache: valkey address required")
	}
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = defaultValkeyNamespace
	}

	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("cache: valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: valkey ping: %w", err)
	}

	return &valkeyStore{client: client, ttl: cfg.TTL, namespace: namespace}, nil
}

func (v *valkeyStore) key(key Key) string {
	return v.namespace + key.String()
}

func (v *valkeyStore) Get(ctx context.Context, key Key) (string, bool, error) {
	resp := v.client.Do(ctx, v.client.B().Get().Key(v.key(key)).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("cache: valkey get: %w", err)
	}
	output, err := resp.ToString()
	if err != nil {
		return "", false, fmt.Errorf("cache: valkey get string: %w", err)
	}
	return output, true, nil
}

func (v *valkeyStore) Set(ctx context.Context, key Key, output string) error {
	var cmd valkey.Completed
	if v.ttl > 0 {
		cmd = v.client.B().Set().Key(v.key(key)).Value(output).Px(v.ttl).Build()
	} else {
		cmd = v.client.B().Set().Key(v.key(key)).Value(output).Build()
	}
	if err := v.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("cache: valkey set: %w", err)
	}
	return nil
}

func (v *valkeyStore) Invalidate(ctx context.Context, title string) (int, error) {
	return v.deleteMatching(ctx, v.namespace+"*_"+SanitizeTitle(title)+"_*")
}

func (v *valkeyStore) Clear(ctx context.Context) (int, error) {
	return v.deleteMatching(ctx, v.namespace+"*")
}

// deleteMatching walks the keyspace with cursor-based SCAN and unlinks the
// matches in batches.
func (v *valkeyStore) deleteMatching(ctx context.Context, pattern string) (int, error) {
	const batchSize = 100
	cursor := uint64(0)
	removed := 0
	for {
		select {
		case <-ctx.Done():
			return removed, ctx.Err()
		default:
		}
		resp := v.client.Do(ctx, v.client.B().Scan().Cursor(cursor).Match(pattern).Count(batchSize).Build())
		if err := resp.Error(); err != nil {
			return removed, fmt.Errorf("cache: valkey scan: %w", err)
		}
		entry, err := resp.AsScanEntry()
		if err != nil {
			return removed, fmt.Errorf("cache: valkey scan parse: %w", err)
		}
		if len(entry.Elements) > 0 {
			if err := v.client.Do(ctx, v.client.B().Unlink().Key(entry.Elements...).Build()).Error(); err != nil {
				if err := v.client.Do(ctx, v.client.B().Del().Key(entry.Elements...).Build()).Error(); err != nil {
					return removed, fmt.Errorf("cache: valkey delete: %w", err)
				}
			}
			removed += len(entry.Elements)
		}
		cursor = entry.Cursor
		if cursor == 0 {
			return removed, nil
		}
	}
}

func (v *valkeyStore) Count(ctx context.Context) (int, error) {
	const batchSize = 100
	cursor := uint64(0)
	count := 0
	for {
		resp := v.client.Do(ctx, v.client.B().Scan().Cursor(cursor).Match(v.namespace+"*").Count(batchSize).Build())
		if err := resp.Error(); err != nil {
			return count, fmt.Errorf("cache: valkey scan: %w", err)
		}
		entry, err := resp.AsScanEntry()
		if err != nil {
			return count, fmt.Errorf("cache: valkey scan parse: %w", err)
		}
		count += len(entry.Elements)
		cursor = entry.Cursor
		if cursor == 0 {
			return count, nil
		}
	}
}

func (v *valkeyStore) Writable(ctx context.Context) bool {
	return v.client.Do(ctx, v.client.B().Ping().Build()).Error() == nil
}

func (v *valkeyStore) Close(context.Context) error {
	v.client.Close()
	return nil
}
