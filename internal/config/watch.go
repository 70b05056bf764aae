package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ListsWatcher monitors the configured function-list documents and invokes
// the supplied callback whenever either changes. Stop must be called to
// release filesystem resources.
type ListsWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the underlying goroutine to exit.
func (w *ListsWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// WatchLists wires fsnotify around the allow/deny documents named in cfg.
// The parent directories are watched so editor save-by-rename still
// triggers. onChange receives the freshly re-read lists, first immediately
// and then on every relevant event; hosts typically rebuild the runtime and
// clear the cache from it.
func WatchLists(ctx context.Context, cfg Config, onChange func(allowed, denied []string), onError func(error)) (*ListsWatcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("config: watch lists requires a change callback")
	}
	allowedPath := strings.TrimSpace(cfg.Security.AllowedFunctionsFile)
	deniedPath := strings.TrimSpace(cfg.Security.DeniedFunctionsFile)
	if allowedPath == "" && deniedPath == "" {
		return nil, fmt.Errorf("config: no function list documents configured for watching")
	}

	watchCtx, cancel := context.WithCancel(ctx)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("config: watch lists: %w", err)
	}

	targets := make(map[string]struct{})
	dirs := make(map[string]struct{})
	for _, path := range []string{allowedPath, deniedPath} {
		if path == "" {
			continue
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			_ = watcher.Close()
			cancel()
			return nil, fmt.Errorf("config: watch lists resolve %s: %w", path, err)
		}
		targets[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			cancel()
			return nil, fmt.Errorf("config: watch lists add %s: %w", dir, err)
		}
	}

	reload := func() {
		allowed, denied, err := readLists(allowedPath, deniedPath)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(allowed, denied)
	}
	reload()

	done := make(chan struct{})
	w := &ListsWatcher{cancel: cancel, done: done}

	go func() {
		defer close(done)
		defer func() {
			if err := watcher.Close(); err != nil && onError != nil {
				onError(fmt.Errorf("config: watch lists close: %w", err))
			}
		}()
		for {
			select {
			case <-watchCtx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				abs, err := filepath.Abs(event.Name)
				if err != nil {
					continue
				}
				if _, watched := targets[abs]; !watched {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				reload()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(fmt.Errorf("config: watch lists: %w", err))
				}
			}
		}
	}()

	return w, nil
}

func readLists(allowedPath, deniedPath string) (allowed, denied []string, err error) {
	if allowedPath != "" {
		if allowed, err = LoadFunctionList(allowedPath); err != nil {
			return nil, nil, err
		}
	}
	if deniedPath != "" {
		if denied, err = LoadFunctionList(deniedPath); err != nil {
			return nil, nil, err
		}
	}
	return allowed, denied, nil
}
