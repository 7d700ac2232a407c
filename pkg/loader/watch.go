package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Mindburn-Labs/esta-kernel/pkg/contracts"
	"github.com/Mindburn-Labs/esta-kernel/pkg/manifest"
)

// ChangeKind says what happened to a manifest file.
type ChangeKind int

const (
	ChangeUpsert ChangeKind = iota
	ChangeRemove
)

// Change is a manifest file event, already parsed.
type Change struct {
	Path     string
	Kind     ChangeKind
	Manifest *manifest.Manifest
	// Module is the instance the file last declared, set on removal.
	Module contracts.ModuleID
	Err    error
}

// ScanDir loads every manifest file in dir in name order. Files that fail
// to parse or verify are reported together; the rest are still returned.
func ScanDir(dir string, verifier *manifest.Verifier) ([]*manifest.Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan manifests: %w", err)
	}
	var (
		out  []*manifest.Manifest
		errs []error
	)
	for _, e := range entries {
		if e.IsDir() || !manifest.IsManifestFile(e.Name()) {
			continue
		}
		m, err := manifest.LoadFile(filepath.Join(dir, e.Name()), verifier)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, m)
	}
	return out, errors.Join(errs...)
}

// Apply brings the module table in line with a manifest change: a new name
// is loaded and started, a new version of a running name is hot-swapped in,
// and a removed file unloads what it declared.
func (l *Loader) Apply(ctx context.Context, c Change, now contracts.LogicalTime) (contracts.ModuleID, error) {
	if c.Err != nil {
		return "", c.Err
	}
	switch c.Kind {
	case ChangeRemove:
		if c.Module == "" {
			return "", nil
		}
		if _, ok := l.modules[c.Module]; !ok {
			return "", nil
		}
		_, err := l.Unload(ctx, c.Module, now)
		return c.Module, err
	case ChangeUpsert:
		m := c.Manifest
		cur, running := l.Resolve(m.Logical())
		switch {
		case running && cur == m.ID():
			return cur, nil
		case running:
			return l.HotSwap(ctx, cur, m, now)
		}
		id, err := l.Load(ctx, m, now)
		if err != nil {
			return "", err
		}
		return id, l.Start(id)
	}
	return "", fmt.Errorf("unknown change kind %d", c.Kind)
}

// Watcher reports manifest changes in a directory.
type Watcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	dir      string
	verifier *manifest.Verifier
	pending  map[string]time.Time
	known    map[string]contracts.ModuleID
	debounce time.Duration
	changes  chan Change
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
	logger   *slog.Logger
}

// NewWatcher creates a watcher for dir.
func NewWatcher(dir string, verifier *manifest.Verifier) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:  fw,
		dir:      dir,
		verifier: verifier,
		pending:  make(map[string]time.Time),
		known:    make(map[string]contracts.ModuleID),
		debounce: 200 * time.Millisecond,
		changes:  make(chan Change, 16),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   slog.Default().With("component", "manifest-watcher"),
	}, nil
}

func (w *Watcher) WithLogger(l *slog.Logger) *Watcher {
	w.logger = l.With("component", "manifest-watcher")
	return w
}

// WithDebounce sets how long a file must be quiet before it is parsed.
func (w *Watcher) WithDebounce(d time.Duration) *Watcher {
	if d > 0 {
		w.debounce = d
	}
	return w
}

// Changes delivers parsed changes. It is closed when the watcher stops.
func (w *Watcher) Changes() <-chan Change { return w.changes }

// Seed records which module each existing file declares, so a later
// removal can be mapped back to it.
func (w *Watcher) Seed(path string, id contracts.ModuleID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.known[filepath.Clean(path)] = id
}

// Start begins watching. It does not block.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.watcher.Add(w.dir); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.logger.InfoContext(ctx, "watching manifests", "dir", w.dir)
	go w.run(ctx)
	return nil
}

// Stop ends the watch loop and waits for it.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	if err := w.watcher.Close(); err != nil {
		w.logger.Error("closing watcher", "error", err)
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)
	defer close(w.changes)

	tick := time.NewTicker(max(w.debounce/2, time.Millisecond))
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ctx, ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.ErrorContext(ctx, "watch error", "error", err)
		case <-tick.C:
			w.flush(ctx)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	if !manifest.IsManifestFile(ev.Name) {
		return
	}
	path := filepath.Clean(ev.Name)
	switch {
	case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
		w.mu.Lock()
		w.pending[path] = time.Now()
		w.mu.Unlock()
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.mu.Lock()
		delete(w.pending, path)
		id := w.known[path]
		delete(w.known, path)
		w.mu.Unlock()
		w.emit(ctx, Change{Path: path, Kind: ChangeRemove, Module: id})
	}
}

func (w *Watcher) flush(ctx context.Context) {
	w.mu.Lock()
	var ready []string
	for path, at := range w.pending {
		if time.Since(at) >= w.debounce {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()
	sort.Strings(ready)

	for _, path := range ready {
		m, err := manifest.LoadFile(path, w.verifier)
		if err != nil {
			w.logger.WarnContext(ctx, "manifest rejected", "path", path, "error", err)
			w.emit(ctx, Change{Path: path, Kind: ChangeUpsert, Err: err})
			continue
		}
		w.Seed(path, m.ID())
		w.emit(ctx, Change{Path: path, Kind: ChangeUpsert, Manifest: m})
	}
}

func (w *Watcher) emit(ctx context.Context, c Change) {
	select {
	case w.changes <- c:
	case <-ctx.Done():
	case <-w.stopCh:
	}
}
