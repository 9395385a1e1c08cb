package config

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventCollector struct {
	mu     sync.Mutex
	events []Event
}

func (c *eventCollector) collect(events []Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, events...)
}

func (c *eventCollector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

func newTestWatcher(t *testing.T, m *Manager) (*Watcher, *eventCollector) {
	t.Helper()

	collector := &eventCollector{}
	w, err := NewWatcher(m, collector.collect)
	require.NoError(t, err)
	w.SetDebounceDelay(50 * time.Millisecond)
	w.Start()
	t.Cleanup(func() { _ = w.Stop() })
	return w, collector
}

func TestWatcherReportsEngineChoiceChange(t *testing.T) {
	globalDir := t.TempDir()
	globalPath := filepath.Join(globalDir, "config.yaml")
	writeScope(t, globalPath, &Settings{UseJedi: boolPtr(true)})

	m := NewManager(globalPath, "")
	_, collector := newTestWatcher(t, m)

	writeScope(t, globalPath, &Settings{UseJedi: boolPtr(false)})

	assert.Eventually(t, func() bool {
		for _, ev := range collector.snapshot() {
			if ev.Scope == ScopeGlobal && ev.EngineChoiceChanged {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatcherIgnoresUnrelatedSettingChange(t *testing.T) {
	globalDir := t.TempDir()
	globalPath := filepath.Join(globalDir, "config.yaml")
	writeScope(t, globalPath, &Settings{UseJedi: boolPtr(true), LogLevel: "info"})

	m := NewManager(globalPath, "")
	_, collector := newTestWatcher(t, m)

	// Same engine choice, different unrelated field.
	writeScope(t, globalPath, &Settings{UseJedi: boolPtr(true), LogLevel: "debug"})

	assert.Eventually(t, func() bool {
		return len(collector.snapshot()) > 0
	}, 3*time.Second, 20*time.Millisecond)

	for _, ev := range collector.snapshot() {
		assert.False(t, ev.EngineChoiceChanged)
	}
}

func TestWatcherFolderLifecycle(t *testing.T) {
	globalPath := filepath.Join(t.TempDir(), "config.yaml")
	folder := t.TempDir()

	m := NewManager(globalPath, "")
	w, collector := newTestWatcher(t, m)

	require.NoError(t, w.WatchFolder(folder))
	writeScope(t, filepath.Join(folder, FolderFileName), &Settings{UseJedi: boolPtr(false)})

	assert.Eventually(t, func() bool {
		for _, ev := range collector.snapshot() {
			if ev.Scope == ScopeFolder && ev.EngineChoiceChanged {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)

	w.UnwatchFolder(folder)
	before := len(collector.snapshot())

	writeScope(t, filepath.Join(folder, FolderFileName), &Settings{UseJedi: boolPtr(true)})
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, before, len(collector.snapshot()), "unwatched folder must not report")
}
