package spatial

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Loader caches spatial indexes keyed by artifact path. A cached index is
// reused until the file's modification time or size changes. Concurrent
// loads of the same path share one read.
type Loader struct {
	logger *slog.Logger
	group  singleflight.Group

	mu      sync.RWMutex
	entries map[string]loaderEntry
}

type loaderEntry struct {
	modTime time.Time
	size    int64
	index   *Index
}

// NewLoader creates an empty Loader.
func NewLoader(logger *slog.Logger) *Loader {
	return &Loader{logger: logger, entries: make(map[string]loaderEntry)}
}

// Load returns the index stored at path. A missing file yields an error
// satisfying errors.Is(err, os.ErrNotExist).
func (l *Loader) Load(path string) (*Index, error) {
	if path == "" {
		return nil, fmt.Errorf("no spatial index artifact: %w", os.ErrNotExist)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("spatial index %s: %w", path, err)
	}

	l.mu.RLock()
	e, ok := l.entries[path]
	l.mu.RUnlock()
	if ok && e.modTime.Equal(info.ModTime()) && e.size == info.Size() {
		return e.index, nil
	}

	v, err, _ := l.group.Do(path, func() (any, error) {
		start := time.Now()
		ix, err := ReadArtifact(path)
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		l.entries[path] = loaderEntry{modTime: info.ModTime(), size: info.Size(), index: ix}
		l.mu.Unlock()
		l.logger.Debug("spatial index loaded", "path", path, "objects", ix.Len(), "elapsed", time.Since(start))
		return ix, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Index), nil
}

// Evict drops a cached index.
func (l *Loader) Evict(path string) {
	l.mu.Lock()
	delete(l.entries, path)
	l.mu.Unlock()
}

// Preload loads every artifact in paths on up to workers goroutines so the
// first cone search against each collection does not pay for the read.
// Unreadable artifacts are logged and skipped; it returns how many loaded.
func (l *Loader) Preload(ctx context.Context, paths []string, workers int) int {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	var (
		mu     sync.Mutex
		loaded int
	)
	for _, p := range paths {
		if p == "" {
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if _, err := l.Load(p); err != nil {
				l.logger.Warn("spatial index preload failed", "path", p, "error", err)
				return nil
			}
			mu.Lock()
			loaded++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return loaded
}
