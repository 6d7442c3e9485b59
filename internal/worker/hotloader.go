package worker

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/zot/livequery/internal/config"
	"github.com/zot/livequery/internal/function"
)

// Functions is the part of the function registry the hot loader updates.
type Functions interface {
	Lookup(name string) (*function.Spec, bool)
	Update(spec *function.Spec) error
	Remove(name string) bool
}

// HotLoader watches the module directory and swaps installed modules when
// their file changes. Modules nobody has referenced yet are left alone; they
// load from disk on first use.
type HotLoader struct {
	config    *config.Config
	pool      *Pool
	functions Functions
	watcher   *fsnotify.Watcher

	// symlinked modules: file path -> target dir
	symlinkTargets map[string]string
	watchedDirs    map[string]int
	mu             sync.Mutex

	pending       map[string]time.Time
	pendingMu     sync.Mutex
	debounceDelay time.Duration

	done     chan struct{}
	stopOnce sync.Once
}

// NewHotLoader creates a hot loader for pool's directory.
func NewHotLoader(cfg *config.Config, pool *Pool, functions Functions) (*HotLoader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &HotLoader{
		config:         cfg,
		pool:           pool,
		functions:      functions,
		watcher:        watcher,
		symlinkTargets: make(map[string]string),
		watchedDirs:    make(map[string]int),
		pending:        make(map[string]time.Time),
		debounceDelay:  100 * time.Millisecond,
		done:           make(chan struct{}),
	}, nil
}

// Start begins watching.
func (h *HotLoader) Start() error {
	if err := h.addWatch(h.pool.Dir()); err != nil {
		return err
	}
	if entries, err := os.ReadDir(h.pool.Dir()); err == nil {
		for _, entry := range entries {
			if strings.HasSuffix(entry.Name(), ".lua") {
				h.trackSymlink(filepath.Join(h.pool.Dir(), entry.Name()))
			}
		}
	}
	go h.eventLoop()
	go h.debounceLoop()
	h.config.Log(1, "HotLoader: watching %s", h.pool.Dir())
	return nil
}

// Stop stops watching.
func (h *HotLoader) Stop() error {
	var err error
	h.stopOnce.Do(func() {
		close(h.done)
		err = h.watcher.Close()
	})
	return err
}

func (h *HotLoader) addWatch(dir string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.addWatchLocked(dir)
}

func (h *HotLoader) addWatchLocked(dir string) error {
	h.watchedDirs[dir]++
	if h.watchedDirs[dir] == 1 {
		if err := h.watcher.Add(dir); err != nil {
			h.watchedDirs[dir]--
			return err
		}
	}
	return nil
}

func (h *HotLoader) removeWatchLocked(dir string) {
	h.watchedDirs[dir]--
	if h.watchedDirs[dir] <= 0 {
		h.watcher.Remove(dir)
		delete(h.watchedDirs, dir)
	}
}

// trackSymlink watches the target directory of a symlinked module so edits
// to the target are seen.
func (h *HotLoader) trackSymlink(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.symlinkTargets[path]; ok {
		h.removeWatchLocked(old)
		delete(h.symlinkTargets, path)
	}
	info, err := os.Lstat(path)
	if err != nil || info.Mode()&os.ModeSymlink == 0 {
		return
	}
	target, err := filepath.EvalSymlinks(path)
	if err != nil {
		h.config.Log(2, "HotLoader: cannot resolve symlink %s: %v", path, err)
		return
	}
	dir := filepath.Dir(target)
	h.symlinkTargets[path] = dir
	if err := h.addWatchLocked(dir); err != nil {
		h.config.Log(1, "HotLoader: cannot watch %s: %v", dir, err)
	}
}

func (h *HotLoader) untrackSymlink(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if dir, ok := h.symlinkTargets[path]; ok {
		h.removeWatchLocked(dir)
		delete(h.symlinkTargets, path)
	}
}

func (h *HotLoader) eventLoop() {
	for {
		select {
		case <-h.done:
			return
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			h.handleEvent(event)
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.config.Log(1, "HotLoader: watcher error: %v", err)
		}
	}
}

func (h *HotLoader) handleEvent(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, ".lua") {
		return
	}
	h.config.Log(3, "HotLoader: %s %s", event.Op, event.Name)
	for _, path := range h.modulePaths(event.Name) {
		if filepath.Dir(path) == filepath.Clean(h.pool.Dir()) && path == event.Name {
			switch {
			case event.Has(fsnotify.Create):
				h.trackSymlink(path)
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				h.untrackSymlink(path)
			}
		}
		h.queue(path)
	}
}

// modulePaths maps an event path to the module files it affects: the file
// itself when it lives in the module directory, plus any symlink whose
// target it is.
func (h *HotLoader) modulePaths(name string) []string {
	var out []string
	if filepath.Dir(name) == filepath.Clean(h.pool.Dir()) {
		out = append(out, name)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for link := range h.symlinkTargets {
		if link == name {
			continue
		}
		if target, err := filepath.EvalSymlinks(link); err == nil && target == name {
			out = append(out, link)
		}
	}
	return out
}

func (h *HotLoader) queue(path string) {
	h.pendingMu.Lock()
	h.pending[path] = time.Now()
	h.pendingMu.Unlock()
}

func (h *HotLoader) debounceLoop() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.processPending()
		}
	}
}

func (h *HotLoader) processPending() {
	now := time.Now()
	var ready []string
	h.pendingMu.Lock()
	for path, queued := range h.pending {
		if now.Sub(queued) >= h.debounceDelay {
			ready = append(ready, path)
			delete(h.pending, path)
		}
	}
	h.pendingMu.Unlock()
	for _, path := range ready {
		h.reload(path)
	}
}

// reload swaps the module at path if it is installed, or removes it when
// the file is gone.
func (h *HotLoader) reload(path string) {
	name := strings.TrimSuffix(filepath.Base(path), ".lua")
	if _, ok := h.functions.Lookup(name); !ok {
		return
	}
	src, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		h.functions.Remove(name)
		if _, err := h.pool.Unregister(context.Background(), name, nil); err != nil {
			h.config.Log(1, "HotLoader: unregister %s: %v", name, err)
		}
		h.config.Log(1, "HotLoader: %s removed", name)
		return
	} else if err != nil {
		h.config.Log(1, "HotLoader: cannot read %s: %v", path, err)
		return
	}
	spec, err := h.pool.Load(context.Background(), name, string(src))
	if err != nil {
		h.config.Log(0, "HotLoader: %s failed to load, keeping previous version: %v", name, err)
		return
	}
	if err := h.functions.Update(spec); err != nil {
		h.config.Log(0, "HotLoader: update %s: %v", name, err)
		return
	}
	h.config.Log(1, "HotLoader: reloaded %s", name)
}
