// Package autoinstall keeps the bundles of a framework in sync with the
// libraries found in a directory. New libraries are installed (and
// started), changed ones are updated and removed ones are uninstalled.
// File system notifications drive the sync; a cron-scheduled rescan
// catches anything the notifications missed.
package autoinstall

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"github.com/GoCodeAlone/osgi"
)

var (
	ErrNoDirectory     = errors.New("autoinstall directory is not set")
	ErrAlreadyStarted  = errors.New("autoinstall watcher already started")
	ErrInvalidSchedule = errors.New("invalid rescan schedule")
)

// Config controls a Watcher.
type Config struct {
	// Dir is the watched directory.
	Dir string
	// Pattern selects library files by base name. Defaults to "*.so".
	Pattern string
	// Rescan is a cron spec for full rescans, e.g. "@every 30s". Empty
	// disables rescans.
	Rescan string
	// Start starts bundles after installing them.
	Start bool
	// Debounce delays a sync until a file has been quiet this long.
	// Defaults to 200ms.
	Debounce time.Duration
}

type tracked struct {
	bundle  *osgi.Bundle
	modTime time.Time
}

// Watcher installs the libraries of one directory into a framework.
type Watcher struct {
	ctx    *osgi.BundleContext
	cfg    Config
	logger osgi.Logger

	syncMu sync.Mutex
	mu     sync.Mutex
	known  map[string]tracked

	watcher *fsnotify.Watcher
	cron    *cron.Cron
	stopCh  chan struct{}
	done    chan struct{}
}

// New validates cfg and creates a watcher installing through ctx.
func New(ctx *osgi.BundleContext, cfg Config, logger osgi.Logger) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, ErrNoDirectory
	}
	if cfg.Pattern == "" {
		cfg.Pattern = "*.so"
	}
	if _, err := filepath.Match(cfg.Pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", cfg.Pattern, err)
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 200 * time.Millisecond
	}
	if cfg.Rescan != "" {
		if _, err := cron.ParseStandard(cfg.Rescan); err != nil {
			return nil, fmt.Errorf("%w %q: %w", ErrInvalidSchedule, cfg.Rescan, err)
		}
	}
	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, err
	}
	cfg.Dir = dir
	return &Watcher{
		ctx:    ctx,
		cfg:    cfg,
		logger: logger,
		known:  make(map[string]tracked),
	}, nil
}

// Start performs an initial scan and then follows the directory until
// Stop is called.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.watcher != nil {
		w.mu.Unlock()
		return ErrAlreadyStarted
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(w.cfg.Dir); err != nil {
		_ = fw.Close()
		w.mu.Unlock()
		return fmt.Errorf("failed to watch %s: %w", w.cfg.Dir, err)
	}
	w.watcher = fw
	w.stopCh = make(chan struct{})
	w.done = make(chan struct{})
	if w.cfg.Rescan != "" {
		w.cron = cron.New()
		if _, err := w.cron.AddFunc(w.cfg.Rescan, w.rescan); err != nil {
			_ = fw.Close()
			w.watcher = nil
			w.mu.Unlock()
			return fmt.Errorf("%w %q: %w", ErrInvalidSchedule, w.cfg.Rescan, err)
		}
		w.cron.Start()
	}
	w.mu.Unlock()

	go w.loop(fw, w.stopCh, w.done)
	w.logger.Info("Watching bundle directory", "dir", w.cfg.Dir, "pattern", w.cfg.Pattern, "rescan", w.cfg.Rescan)
	return w.Scan()
}

// Stop ends watching. Installed bundles are left as they are.
func (w *Watcher) Stop() {
	w.mu.Lock()
	fw, c, stopCh, done := w.watcher, w.cron, w.stopCh, w.done
	w.watcher, w.cron = nil, nil
	w.mu.Unlock()
	if fw == nil {
		return
	}
	if c != nil {
		<-c.Stop().Done()
	}
	close(stopCh)
	_ = fw.Close()
	<-done
}

func (w *Watcher) loop(fw *fsnotify.Watcher, stopCh, done chan struct{}) {
	defer close(done)
	pending := make(map[string]struct{})
	debounce := time.NewTimer(w.cfg.Debounce)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-stopCh:
			return
		case evt, ok := <-fw.Events:
			if !ok {
				return
			}
			if !w.matches(evt.Name) || evt.Op == fsnotify.Chmod {
				continue
			}
			pending[evt.Name] = struct{}{}
			debounce.Reset(w.cfg.Debounce)
		case <-debounce.C:
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			pending = make(map[string]struct{})
			sort.Strings(paths)
			for _, p := range paths {
				if err := w.sync(p); err != nil {
					w.logger.Warn("Bundle sync failed", "path", p, "error", err)
				}
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Bundle directory watch error", "dir", w.cfg.Dir, "error", err)
		}
	}
}

func (w *Watcher) rescan() {
	if err := w.Scan(); err != nil {
		w.logger.Warn("Bundle directory rescan failed", "dir", w.cfg.Dir, "error", err)
	}
}

func (w *Watcher) matches(path string) bool {
	ok, _ := filepath.Match(w.cfg.Pattern, filepath.Base(path))
	return ok
}

// Scan reconciles the whole directory with the installed bundles. Errors
// of individual files are joined.
func (w *Watcher) Scan() error {
	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", w.cfg.Dir, err)
	}
	seen := make(map[string]bool)
	var errs []error
	for _, e := range entries {
		if e.IsDir() || !w.matches(e.Name()) {
			continue
		}
		path := filepath.Join(w.cfg.Dir, e.Name())
		seen[path] = true
		if err := w.sync(path); err != nil {
			errs = append(errs, err)
		}
	}

	w.mu.Lock()
	var gone []string
	for path := range w.known {
		if !seen[path] {
			gone = append(gone, path)
		}
	}
	w.mu.Unlock()
	sort.Strings(gone)
	for _, path := range gone {
		if err := w.sync(path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// sync brings one path in line with the file system. Syncs run one at a
// time; w.mu is released before any lifecycle call so activators and
// listeners may query the watcher.
func (w *Watcher) sync(path string) error {
	w.syncMu.Lock()
	defer w.syncMu.Unlock()
	info, statErr := os.Stat(path)

	w.mu.Lock()
	t, ok := w.known[path]
	if ok && t.bundle.State() == osgi.StateUninstalled {
		delete(w.known, path)
		ok = false
	}
	changed := ok && statErr == nil && !info.ModTime().Equal(t.modTime)
	switch {
	case ok && statErr != nil:
		delete(w.known, path)
	case changed:
		w.known[path] = tracked{bundle: t.bundle, modTime: info.ModTime()}
	}
	w.mu.Unlock()

	switch {
	case ok && statErr != nil:
		if err := t.bundle.Uninstall(); err != nil {
			return err
		}
		w.logger.Info("Uninstalled removed bundle", "path", path, "id", t.bundle.ID())
	case statErr != nil:
		return nil
	case !ok:
		b, err := w.ctx.InstallBundle(path)
		if err != nil {
			return err
		}
		w.mu.Lock()
		w.known[path] = tracked{bundle: b, modTime: info.ModTime()}
		w.mu.Unlock()
		w.logger.Info("Installed bundle from directory", "path", path, "id", b.ID())
		if w.cfg.Start {
			return b.Start()
		}
	case changed:
		if err := t.bundle.Update(); err != nil {
			return err
		}
		w.logger.Info("Updated changed bundle", "path", path, "id", t.bundle.ID())
	}
	return nil
}

// Bundles returns the ids of the bundles installed from the directory,
// keyed by path.
func (w *Watcher) Bundles() map[string]int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]int64, len(w.known))
	for path, t := range w.known {
		out[path] = t.bundle.ID()
	}
	return out
}
