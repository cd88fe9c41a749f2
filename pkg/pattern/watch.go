package pattern

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits for edits to settle before
// reloading. Editors fire several events per save.
const DefaultDebounce = 200 * time.Millisecond

// Watcher hot-reloads the corpus when pattern files change. Every settled
// change re-runs the full load pipeline and applies it to the corpus, so
// cross-file checks (duplicate ids, trigger collisions) stay accurate.
type Watcher struct {
	loader   *Loader
	corpus   *Corpus
	fw       *fsnotify.Watcher
	debounce time.Duration
	onReload func(*LoadResult)
	logger   *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce overrides the settle delay.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithOnReload registers a hook called after each applied reload.
func WithOnReload(fn func(*LoadResult)) WatcherOption {
	return func(w *Watcher) { w.onReload = fn }
}

// NewWatcher builds a watcher over the loader's directory feeding the corpus.
func NewWatcher(loader *Loader, corpus *Corpus, logger *slog.Logger, opts ...WatcherOption) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("pattern: watcher: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		loader:   loader,
		corpus:   corpus,
		fw:       fw,
		debounce: DefaultDebounce,
		logger:   logger.With("component", "pattern_watcher"),
		timers:   map[string]*time.Timer{},
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start watches the pattern directory and reloads on settled changes. The
// loop exits when Stop is called or ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.fw.Add(w.loader.Dir()); err != nil {
		return fmt.Errorf("pattern: watch %s: %w", w.loader.Dir(), err)
	}
	w.logger.Info("watching pattern directory", "dir", w.loader.Dir(), "debounce", w.debounce)
	go w.loop(ctx)
	return nil
}

// Stop halts the watcher and waits for the loop to drain.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.fw.Close()
	})
	<-w.doneCh
}

// Reload runs the load pipeline once and applies the result. It is also the
// SIGHUP handler's entry point.
func (w *Watcher) Reload() (*LoadResult, error) {
	res, err := w.loader.Load()
	if err != nil {
		return nil, err
	}
	w.corpus.Apply(res)
	if w.onReload != nil {
		w.onReload(res)
	}
	return res, nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.doneCh)
	for {
		select {
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Error("watch error", "error", err)
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !patternFile(filepath.Base(event.Name)) {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[event.Name]; ok {
		t.Stop()
	}
	w.timers[event.Name] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, event.Name)
		w.mu.Unlock()

		if _, err := w.Reload(); err != nil {
			w.logger.Error("reload failed", "file", filepath.Base(event.Name), "error", err)
			return
		}
		w.logger.Info("corpus reloaded", "trigger", filepath.Base(event.Name), "patterns", w.corpus.Len())
	})
}
