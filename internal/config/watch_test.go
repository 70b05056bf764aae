package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeList(t *testing.T, path string, names ...string) {
	t.Helper()
	doc := "functions:\n"
	for _, name := range names {
		doc += "  - " + name + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
}

func TestWatchListsRequiresCallback(t *testing.T) {
	_, err := WatchLists(context.Background(), Config{}, nil, nil)
	require.Error(t, err)
}

func TestWatchListsRequiresSource(t *testing.T) {
	_, err := WatchLists(context.Background(), Config{}, func([]string, []string) {}, nil)
	require.Error(t, err)
}

func TestWatchListsDeliversInitialAndUpdatedLists(t *testing.T) {
	dir := t.TempDir()
	allowPath := filepath.Join(dir, "allow.yaml")
	writeList(t, allowPath, "preg_match")

	cfg := Config{}
	cfg.Security.AllowedFunctionsFile = allowPath

	updates := make(chan []string, 8)
	watcher, err := WatchLists(context.Background(), cfg, func(allowed, _ []string) {
		updates <- allowed
	}, func(err error) { t.Logf("watch error: %v", err) })
	require.NoError(t, err)
	defer watcher.Stop()

	select {
	case allowed := <-updates:
		require.Equal(t, []string{"preg_match"}, allowed)
	case <-time.After(2 * time.Second):
		t.Fatal("initial list never delivered")
	}

	writeList(t, allowPath, "preg_match", "file_exists")

	deadline := time.After(5 * time.Second)
	for {
		select {
		case allowed := <-updates:
			if len(allowed) == 2 {
				require.Equal(t, []string{"preg_match", "file_exists"}, allowed)
				return
			}
		case <-deadline:
			t.Fatal("updated list never delivered")
		}
	}
}

func TestWatchListsStopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	allowPath := filepath.Join(dir, "allow.yaml")
	writeList(t, allowPath, "preg_match")

	cfg := Config{}
	cfg.Security.AllowedFunctionsFile = allowPath

	watcher, err := WatchLists(context.Background(), cfg, func([]string, []string) {}, nil)
	require.NoError(t, err)
	watcher.Stop()
	watcher.Stop()
}
