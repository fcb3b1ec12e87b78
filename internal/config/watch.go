package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/lsm/substrate/internal/registry"
)

// DefaultDebounce is how long a file must be quiet before it is reloaded.
const DefaultDebounce = 200 * time.Millisecond

// Registrar is the subset of the applet registry used by the Watcher.
type Registrar interface {
	Register(binary []byte, name string, opts ...registry.Option) registry.Metadata
	Remove(handle uuid.UUID) bool
}

// Watcher loads every .wasm file in a directory as a pinned applet and
// reloads files when they change. A reloaded file gets a new handle and the
// previous handle for that path is removed.
type Watcher struct {
	dir      string
	store    Registrar
	logger   *slog.Logger
	debounce time.Duration
	onLoad   func(path string, meta registry.Metadata)

	mu      sync.Mutex
	handles map[string]uuid.UUID
	timers  map[string]*time.Timer
	// pending holds the sequence number of the timer armed for each path. A
	// timer whose number no longer matches was superseded and does nothing.
	pending map[string]uint64
	seq     uint64
	stopped bool
	loads   sync.WaitGroup
}

// NewWatcher creates a Watcher for dir.
func NewWatcher(dir string, store Registrar, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		dir:      dir,
		store:    store,
		logger:   logger,
		debounce: DefaultDebounce,
		handles:  make(map[string]uuid.UUID),
		timers:   make(map[string]*time.Timer),
		pending:  make(map[string]uint64),
	}
}

// OnLoad registers a callback invoked after each file is registered.
func (w *Watcher) OnLoad(fn func(path string, meta registry.Metadata)) {
	w.onLoad = fn
}

// Scan loads every .wasm file currently in the directory. Files that cannot
// be read are logged and skipped.
func (w *Watcher) Scan() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("read modules dir %s: %w", w.dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !isModule(entry.Name()) {
			continue
		}
		w.load(filepath.Join(w.dir, entry.Name()))
	}
	return nil
}

// Handles returns the current handle for each loaded path.
func (w *Watcher) Handles() map[string]uuid.UUID {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]uuid.UUID, len(w.handles))
	for k, v := range w.handles {
		out[k] = v
	}
	return out
}

// Watch reacts to changes in the directory until ctx is done.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
		w.stopTimers()
	}()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch dir %s: %w", w.dir, err)
	}
	w.logger.Info("watching modules directory", "dir", w.dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isModule(event.Name) {
				continue
			}
			switch {
			case event.Has(fsnotify.Write) || event.Has(fsnotify.Create):
				w.schedule(event.Name)
			case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
				w.retire(event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}

// schedule reloads path once it has been quiet for the debounce interval.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.seq++
	seq := w.seq
	w.pending[path] = seq
	w.timers[path] = time.AfterFunc(w.debounce, func() { w.fire(path, seq) })
}

func (w *Watcher) fire(path string, seq uint64) {
	w.mu.Lock()
	if w.stopped || w.pending[path] != seq {
		w.mu.Unlock()
		return
	}
	delete(w.timers, path)
	delete(w.pending, path)
	w.loads.Add(1)
	w.mu.Unlock()

	defer w.loads.Done()
	w.load(path)
}

// stopTimers cancels pending reloads and waits for running ones, so nothing
// is registered after Watch returns.
func (w *Watcher) stopTimers() {
	w.mu.Lock()
	w.stopped = true
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
		delete(w.pending, path)
	}
	w.mu.Unlock()
	w.loads.Wait()
}

func (w *Watcher) load(path string) {
	binary, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		w.logger.Error("failed to read module", "path", path, "error", err)
		return
	}

	meta := w.store.Register(binary, filepath.Base(path), registry.Pinned())

	w.mu.Lock()
	old, replaced := w.handles[path]
	w.handles[path] = meta.Handle
	w.mu.Unlock()

	if replaced {
		w.store.Remove(old)
	}
	w.logger.Info("module loaded", "path", path, "applet", meta.Handle.String(), "replaced", replaced)
	if w.onLoad != nil {
		w.onLoad(path, meta)
	}
}

func (w *Watcher) retire(path string) {
	w.mu.Lock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
		delete(w.timers, path)
		delete(w.pending, path)
	}
	handle, ok := w.handles[path]
	delete(w.handles, path)
	w.mu.Unlock()

	if ok {
		w.store.Remove(handle)
		w.logger.Info("module removed", "path", path, "applet", handle.String())
	}
}

func isModule(name string) bool {
	return filepath.Ext(name) == ".wasm"
}
