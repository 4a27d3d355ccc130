// Package watcher ingests files dropped into an inbox directory and removes the
// documents of files deleted from it.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/hyperjump/kbase/internal/config"
	"github.com/hyperjump/kbase/internal/models"
	"github.com/hyperjump/kbase/internal/retry"
)

const defaultDebounce = 400 * time.Millisecond

// Target receives the files the watcher picks up. *indexer.Indexer implements it.
type Target interface {
	AddFile(ctx context.Context, path string) (*models.IngestResult, error)
	DeletePath(ctx context.Context, path string) (int, error)
}

// Watcher watches an inbox directory and forwards settled files to a Target.
type Watcher struct {
	root        string
	extensions  []string
	recursive   bool
	debounce    time.Duration
	target      Target
	retry       config.RetryConfig
	watcher     *fsnotify.Watcher
	ctx         context.Context
	mu          sync.Mutex
	debounceMap map[string]*time.Timer
	inflight    sync.WaitGroup
	done        chan struct{}
	started     bool
	stopOnce    sync.Once
	logger      *zap.Logger
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// WithRetry retries transient ingestion failures with the given policy.
func WithRetry(cfg config.RetryConfig) WatcherOption {
	return func(w *Watcher) { w.retry = cfg }
}

// NewWatcher creates a watcher for cfg.Inbox. Files whose extension is not in
// cfg.Extensions are ignored; an empty list accepts every file.
func NewWatcher(cfg config.WatchConfig, target Target, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		root:        cfg.Inbox,
		extensions:  cfg.Extensions,
		recursive:   cfg.RecursiveOrDefault(),
		debounce:    cfg.Debounce,
		target:      target,
		retry:       config.RetryConfig{Attempts: 1},
		debounceMap: make(map[string]*time.Timer),
		done:        make(chan struct{}),
		logger:      zap.NewNop(),
	}
	if w.debounce <= 0 {
		w.debounce = defaultDebounce
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start creates the inbox if needed, begins watching it and ingests the files already
// in it. It returns once the watch is set up; events are handled until ctx is
// cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	abs, err := filepath.Abs(w.root)
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.root = filepath.Clean(abs)
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.watcher = fw
	w.ctx = ctx
	if err := w.addRootLocked(); err != nil {
		_ = fw.Close()
		w.watcher = nil
		w.mu.Unlock()
		return err
	}
	w.started = true
	w.mu.Unlock()

	w.logger.Info("watching inbox",
		zap.String("inbox", w.root),
		zap.Strings("extensions", w.extensions),
		zap.Bool("recursive", w.recursive))
	go w.run(ctx, fw)
	w.syncDirectory(w.root)
	return nil
}

// Root returns the absolute inbox path once Start has run.
func (w *Watcher) Root() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.root
}

func (w *Watcher) run(ctx context.Context, fw *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	if !inDir(w.root, path) {
		return
	}
	w.logger.Debug("watcher event", zap.String("op", ev.Op.String()), zap.String("path", path))
	switch {
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		info, err := os.Stat(path)
		if err == nil && info.IsDir() {
			if w.recursive {
				w.handleNewDirectory(path)
			}
			return
		}
		if w.accepts(path) {
			w.debounceIndex(path)
		}
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.cancelDebounce(path)
		if w.accepts(path) {
			w.remove(path)
		}
	}
}

// handleNewDirectory watches a directory created or moved into the inbox and ingests
// what it already holds.
func (w *Watcher) handleNewDirectory(dir string) {
	w.mu.Lock()
	fw := w.watcher
	w.mu.Unlock()
	if fw == nil {
		return
	}
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if hidden(path) && path != dir {
				return filepath.SkipDir
			}
			if err := fw.Add(path); err != nil {
				w.logger.Warn("watch directory", zap.String("path", path), zap.Error(err))
			}
		}
		return nil
	})
	w.syncDirectory(dir)
}

func (w *Watcher) addRootLocked() error {
	if err := os.MkdirAll(w.root, 0o755); err != nil {
		return err
	}
	if !w.recursive {
		return w.watcher.Add(w.root)
	}
	return filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && hidden(path) {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

// syncDirectory queues every accepted file under dir for ingestion.
func (w *Watcher) syncDirectory(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != dir && (!w.recursive || hidden(path)) {
				return filepath.SkipDir
			}
			return nil
		}
		if w.accepts(path) {
			w.debounceIndex(path)
		}
		return nil
	})
}

func (w *Watcher) accepts(path string) bool {
	if strings.HasPrefix(filepath.Base(path), ".") {
		return false
	}
	return matchExtension(path, w.extensions)
}

func hidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}

func inDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func matchExtension(path string, extensions []string) bool {
	if len(extensions) == 0 {
		return true
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	for _, e := range extensions {
		if strings.TrimPrefix(strings.ToLower(e), ".") == ext {
			return true
		}
	}
	return false
}

// debounceIndex ingests path once no event for it has arrived for the debounce period.
func (w *Watcher) debounceIndex(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher == nil {
		return
	}
	if t, ok := w.debounceMap[path]; ok {
		t.Stop()
	}
	w.debounceMap[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.debounceMap, path)
		ctx := w.ctx
		stopped := w.watcher == nil
		if !stopped {
			w.inflight.Add(1)
		}
		w.mu.Unlock()
		if stopped {
			return
		}
		defer w.inflight.Done()
		w.index(ctx, path)
	})
}

func (w *Watcher) index(ctx context.Context, path string) {
	res, err := retry.Do(ctx, w.retry, w.logger, func() (*models.IngestResult, error) {
		return w.target.AddFile(ctx, path)
	})
	if err != nil {
		w.logger.Warn("inbox ingestion failed", zap.String("path", path), zap.Error(err))
		return
	}
	w.logger.Info("inbox file ingested",
		zap.String("document", res.DocumentID),
		zap.Int("chunks", res.Chunks),
		zap.Bool("replaced", res.Replaced > 0))
}

func (w *Watcher) remove(path string) {
	w.mu.Lock()
	ctx := w.ctx
	w.mu.Unlock()
	if ctx == nil {
		return
	}
	n, err := retry.Do(ctx, w.retry, w.logger, func() (int, error) {
		return w.target.DeletePath(ctx, path)
	})
	if err != nil {
		w.logger.Debug("inbox removal skipped", zap.String("path", path), zap.Error(err))
		return
	}
	w.logger.Info("inbox file removed", zap.String("path", path), zap.Int("chunks_removed", n))
}

func (w *Watcher) cancelDebounce(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.debounceMap[path]; ok {
		t.Stop()
		delete(w.debounceMap, path)
	}
}

// Stop stops watching, drops pending ingestions and waits for running ones.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started || w.watcher == nil {
		w.mu.Unlock()
		return
	}
	for path, t := range w.debounceMap {
		t.Stop()
		delete(w.debounceMap, path)
	}
	_ = w.watcher.Close()
	w.watcher = nil
	w.started = false
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.done) })
	w.inflight.Wait()
}
