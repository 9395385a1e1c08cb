package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"pyls-broker/internal/common"
)

// Event describes a change to one scope's settings file.
type Event struct {
	Scope Scope
	Path  string
	// EngineChoiceChanged reports whether the use_jedi value carried by
	// the file differs from the last observed one.
	EngineChoiceChanged bool
}

// Watcher observes the scope settings files and reports debounced change
// events. Parent directories are watched rather than the files themselves
// so atomic-rename saves are still seen.
type Watcher struct {
	manager       *Manager
	watcher       *fsnotify.Watcher
	onChange      func([]Event)
	debounceDelay time.Duration

	mu       sync.Mutex
	files    map[string]Scope
	lastSeen map[string]*bool
	dirRefs  map[string]int
	pending  map[string]struct{}
	debounce *common.Debouncer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher creates a watcher over the manager's global and workspace
// settings files. Folder files are added per open folder via WatchFolder.
func NewWatcher(manager *Manager, onChange func([]Event)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := &Watcher{
		manager:       manager,
		watcher:       fsw,
		onChange:      onChange,
		debounceDelay: 500 * time.Millisecond,
		files:         make(map[string]Scope),
		lastSeen:      make(map[string]*bool),
		dirRefs:       make(map[string]int),
		pending:       make(map[string]struct{}),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	w.debounce = common.NewDebouncer(w.debounceDelay)

	// The broker owns the global config directory; create it so the
	// watch can be established before the file first appears.
	if err := os.MkdirAll(filepath.Dir(manager.GlobalPath()), 0755); err != nil {
		cancel()
		_ = fsw.Close()
		return nil, err
	}
	if err := w.addFile(manager.GlobalPath(), ScopeGlobal); err != nil {
		cancel()
		_ = fsw.Close()
		return nil, err
	}
	if p := manager.WorkspacePath(); p != "" {
		if err := w.addFile(p, ScopeWorkspace); err != nil {
			common.BrokerLogger.Warnf("not watching workspace config %s: %v", p, err)
		}
	}

	return w, nil
}

// Start begins processing file system events.
func (w *Watcher) Start() {
	go w.watchLoop()
}

// WatchFolder adds the settings file of a workspace folder to the watch set.
func (w *Watcher) WatchFolder(folder string) error {
	path := w.manager.FolderPath(folder)
	if path == "" {
		return nil
	}
	return w.addFile(path, ScopeFolder)
}

// UnwatchFolder removes a folder's settings file from the watch set.
func (w *Watcher) UnwatchFolder(folder string) {
	path := w.manager.FolderPath(folder)
	if path == "" {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.files[path]; !ok {
		return
	}
	delete(w.files, path)
	delete(w.lastSeen, path)

	dir := filepath.Dir(path)
	w.dirRefs[dir]--
	if w.dirRefs[dir] <= 0 {
		delete(w.dirRefs, dir)
		if err := w.watcher.Remove(dir); err != nil {
			common.BrokerLogger.Debugf("failed to remove watch on %s: %v", dir, err)
		}
	}
}

func (w *Watcher) addFile(path string, scope Scope) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.files[abs]; ok {
		return nil
	}

	dir := filepath.Dir(abs)
	if w.dirRefs[dir] == 0 {
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
	}
	w.dirRefs[dir]++

	w.files[abs] = scope
	w.lastSeen[abs] = currentUseJedi(w.manager, abs)
	common.BrokerLogger.Debugf("watching config file %s (%s scope)", abs, scope)
	return nil
}

func (w *Watcher) watchLoop() {
	defer close(w.done)

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			common.BrokerLogger.Errorf("config watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	name := filepath.Clean(event.Name)

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.files[name]; !ok {
		return
	}

	w.pending[name] = struct{}{}
	w.debounce.Trigger(w.flush)
}

// flush diffs every pending file against its last observed engine choice
// and delivers one batch of events.
func (w *Watcher) flush() {
	w.mu.Lock()

	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}

	events := make([]Event, 0, len(w.pending))
	for path := range w.pending {
		scope := w.files[path]
		current := currentUseJedi(w.manager, path)
		changed := !boolPtrEqual(current, w.lastSeen[path])
		w.lastSeen[path] = current

		events = append(events, Event{
			Scope:               scope,
			Path:                path,
			EngineChoiceChanged: changed,
		})
	}
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	if w.onChange != nil {
		common.BrokerLogger.Debugf("config watcher: flushing %d change events", len(events))
		go w.onChange(events)
	}
}

// SetDebounceDelay sets the quiet period for change batching. Only safe
// before Start.
func (w *Watcher) SetDebounceDelay(delay time.Duration) {
	w.debounceDelay = delay
	w.debounce = common.NewDebouncer(delay)
}

// Stop halts event processing and flushes any pending events.
func (w *Watcher) Stop() error {
	w.cancel()
	w.debounce.Stop()
	w.flush()

	err := w.watcher.Close()
	<-w.done
	return err
}

func currentUseJedi(manager *Manager, path string) *bool {
	if s := manager.loadScope(path); s != nil {
		return s.UseJedi
	}
	return nil
}

func boolPtrEqual(a, b *bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
