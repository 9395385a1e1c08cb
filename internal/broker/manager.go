package broker

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.lsp.dev/uri"
	"golang.org/x/sync/errgroup"

	"pyls-broker/internal/common"
	"pyls-broker/internal/config"
	"pyls-broker/internal/diagnostics"
	"pyls-broker/internal/engine"
	"pyls-broker/internal/telemetry"
	"pyls-broker/internal/workspace"
)

const restartDebounceDelay = 500 * time.Millisecond

// Diagnoser checks whether this host can run the analysis engine.
type Diagnoser interface {
	Diagnose(ctx context.Context) []diagnostics.Finding
}

// Prompter asks for confirmation before the daemon restarts to apply a
// changed engine choice.
type Prompter interface {
	ConfirmRestart(ctx context.Context, from, to engine.Kind) bool
}

// Reloader restarts the daemon so a new engine choice takes effect.
type Reloader interface {
	Reload()
}

// Selection is the most recently constructed engine.
type Selection struct {
	Kind   engine.Kind
	Handle engine.Handle
}

// entry is one pending-or-settled handle construction. handle and err are
// written before ready closes and never after.
type entry struct {
	ready  chan struct{}
	handle engine.Handle
	err    error
}

func (e *entry) settled() bool {
	select {
	case <-e.ready:
		return true
	default:
		return false
	}
}

// Deps are the collaborators a Manager is built from. Prompter and Reloader
// may be nil; a changed engine choice is then only logged.
type Deps struct {
	Gate      Gate
	Diagnoser Diagnoser
	Factory   engine.Factory
	Registry  *workspace.Registry
	Reporter  telemetry.Reporter
	Prompter  Prompter
	Reloader  Reloader
}

// Manager caches one engine handle per resource key. Concurrent requests
// for the same key share a single construction, the lightweight engine is a
// process-wide singleton, and a failed analysis startup falls back to the
// lightweight engine exactly once per construction. The manager also reacts
// to folder removals and settings changes.
type Manager struct {
	gate      Gate
	diagnoser Diagnoser
	factory   engine.Factory
	registry  *workspace.Registry
	reporter  telemetry.Reporter
	prompter  Prompter
	reloader  Reloader

	restartDebounce *common.Debouncer

	mu              sync.Mutex
	entries         map[string]*entry
	jedi            *entry
	current         *Selection
	currentResource uri.URI
}

// NewManager creates a manager and subscribes it to folder removals on the
// registry.
func NewManager(deps Deps) *Manager {
	m := &Manager{
		gate:            deps.Gate,
		diagnoser:       deps.Diagnoser,
		factory:         deps.Factory,
		registry:        deps.Registry,
		reporter:        deps.Reporter,
		prompter:        deps.Prompter,
		reloader:        deps.Reloader,
		restartDebounce: common.NewDebouncer(restartDebounceDelay),
		entries:         make(map[string]*entry),
	}

	if m.registry != nil {
		m.registry.Subscribe(func(change workspace.Change) {
			if len(change.Removed) == 0 {
				return
			}
			go m.OnFoldersChanged(context.Background())
		})
	}

	return m
}

// Activate records resource as the current one and returns its engine,
// constructing it on first use. Safe to call repeatedly.
func (m *Manager) Activate(ctx context.Context, resource uri.URI) (engine.Handle, error) {
	m.mu.Lock()
	m.currentResource = resource
	m.mu.Unlock()

	return m.Get(ctx, resource, "")
}

// Get returns the engine handle for resource, constructing it on first use.
// Concurrent calls for the same key share one construction. A caller whose
// ctx expires while waiting detaches; the construction itself continues and
// its outcome stays cached for the next caller.
func (m *Manager) Get(ctx context.Context, resource uri.URI, interpreter string) (engine.Handle, error) {
	key := m.registry.KeyFor(resource, interpreter)

	m.mu.Lock()
	if e, ok := m.entries[key]; ok {
		m.mu.Unlock()
		return awaitEntry(ctx, e)
	}
	e := &entry{ready: make(chan struct{})}
	m.entries[key] = e
	m.mu.Unlock()

	// Construction is shared with later callers, so it must not die with
	// the caller that happened to start it.
	m.construct(context.WithoutCancel(ctx), e, resource, interpreter)
	close(e.ready)

	return e.handle, e.err
}

func awaitEntry(ctx context.Context, e *entry) (engine.Handle, error) {
	select {
	case <-e.ready:
		return e.handle, e.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// construct runs the selection sequence and settles e: gate decision,
// platform diagnostic for the analysis engine, singleton short-circuit,
// startup, and the one-shot fallback to the lightweight engine.
func (m *Manager) construct(ctx context.Context, e *entry, resource uri.URI, interpreter string) {
	kind := engine.KindAnalysis
	if m.gate.ShouldUseJedi(resource) {
		kind = engine.KindJedi
	}

	if kind == engine.KindAnalysis {
		findings := m.diagnoser.Diagnose(ctx)
		m.reportPlatformCheck(findings)
		if len(findings) > 0 {
			common.BrokerLogger.Warnf("Analysis engine unsupported on this host, using jedi: %s",
				strings.Join(diagnostics.Messages(findings), "; "))
			kind = engine.KindJedi
		}
	}

	rootPath := m.rootPathFor(resource)

	if kind == engine.KindJedi {
		handle, reused, err := m.jediHandle(ctx, rootPath, interpreter)
		e.handle, e.err = handle, err
		if err == nil && !reused {
			m.recordSelection(engine.KindJedi, handle, resource)
		}
		return
	}

	handle := m.factory.NewHandle(engine.KindAnalysis)
	err := handle.Startup(ctx, rootPath, interpreter)
	if err == nil {
		e.handle = handle
		m.recordSelection(engine.KindAnalysis, handle, resource)
		return
	}
	common.BrokerLogger.Warnf("Analysis engine startup failed for %s, falling back to jedi: %v", resource, err)
	handle.Dispose()

	fallback, _, err := m.jediHandle(ctx, rootPath, interpreter)
	e.handle, e.err = fallback, err
	if err == nil {
		m.recordSelection(engine.KindJedi, fallback, resource)
	}
}

// jediHandle returns the process-wide lightweight handle, constructing it at
// most once concurrently. reused reports that an existing singleton was
// returned without a startup call. A failed construction clears the slot so
// a later request can try again; the per-key entry that initiated it still
// caches the failure.
func (m *Manager) jediHandle(ctx context.Context, rootPath, interpreter string) (handle engine.Handle, reused bool, err error) {
	m.mu.Lock()
	jedi := m.jedi
	owner := jedi == nil
	if owner {
		jedi = &entry{ready: make(chan struct{})}
		m.jedi = jedi
	}
	m.mu.Unlock()

	if !owner {
		// The wait is bounded by the owner's construction, which only
		// disposal can cut short.
		<-jedi.ready
		return jedi.handle, true, jedi.err
	}

	h := m.factory.NewHandle(engine.KindJedi)
	if err := h.Startup(ctx, rootPath, interpreter); err != nil {
		h.Dispose()
		jedi.err = err
		m.mu.Lock()
		m.jedi = nil
		m.mu.Unlock()
		close(jedi.ready)
		return nil, false, err
	}

	jedi.handle = h
	close(jedi.ready)
	return h, false, nil
}

func (m *Manager) rootPathFor(resource uri.URI) string {
	if folder, ok := m.registry.ResolveFolder(resource); ok {
		return folder.Path
	}
	return resource.Filename()
}

func (m *Manager) recordSelection(kind engine.Kind, handle engine.Handle, resource uri.URI) {
	m.mu.Lock()
	m.current = &Selection{Kind: kind, Handle: handle}
	m.mu.Unlock()

	common.BrokerLogger.Infof("Selected %s engine for %s", kind, resource)
}

// CurrentSelection returns the most recently constructed engine, or nil if
// none has been constructed yet.
func (m *Manager) CurrentSelection() *Selection {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return nil
	}
	sel := *m.current
	return &sel
}

func (m *Manager) reportPlatformCheck(findings []diagnostics.Finding) {
	props := map[string]string{"supported": "true"}
	if len(findings) > 0 {
		codes := make([]string, 0, len(findings))
		for _, f := range findings {
			codes = append(codes, f.Code)
		}
		props["supported"] = "false"
		props["findings"] = strings.Join(codes, ",")
	}

	telemetry.Capture(m.reporter, telemetry.Event{
		Name:       telemetry.EventPlatformCheck,
		Properties: props,
	})
}

// Dispose tears down the most recently constructed engine. Cached entries
// for other resources stay alive until their folder goes away or the
// manager closes.
func (m *Manager) Dispose() {
	m.mu.Lock()
	current := m.current
	m.current = nil
	m.mu.Unlock()

	if current != nil && current.Handle != nil {
		current.Handle.Dispose()
	}
}

// Close disposes every settled handle and the lightweight singleton. Used
// at daemon shutdown only; folder eviction never disposes the singleton.
// Entries still mid-construction are skipped, their processes exit when
// the daemon's pipes close.
func (m *Manager) Close() {
	m.restartDebounce.Stop()

	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[string]*entry)
	jedi := m.jedi
	m.jedi = nil
	m.current = nil
	m.mu.Unlock()

	seen := make(map[engine.Handle]struct{})
	for key, e := range entries {
		if !e.settled() {
			common.BrokerLogger.Warnf("Skipping still-constructing engine %s at shutdown", key)
			continue
		}
		if e.err != nil || e.handle == nil {
			continue
		}
		if _, ok := seen[e.handle]; ok {
			continue
		}
		seen[e.handle] = struct{}{}
		e.handle.Dispose()
	}

	if jedi != nil && jedi.settled() && jedi.err == nil && jedi.handle != nil {
		if _, ok := seen[jedi.handle]; !ok {
			jedi.handle.Dispose()
		}
	}
}

// OnFoldersChanged evicts cache entries whose owning folder is no longer
// open. Eviction waits for an in-flight construction to settle, disposes
// the handle unless it is the lightweight singleton, and drops the entry.
// Entries for loose resources belong to no folder and are kept.
func (m *Manager) OnFoldersChanged(ctx context.Context) {
	folders := m.registry.Folders()

	m.mu.Lock()
	evicted := make(map[string]*entry)
	for key, e := range m.entries {
		if workspace.KeyOwnedBy(key, "") {
			continue
		}
		owned := false
		for _, folder := range folders {
			if workspace.KeyOwnedBy(key, folder.Path) {
				owned = true
				break
			}
		}
		if !owned {
			evicted[key] = e
			delete(m.entries, key)
		}
	}
	jedi := m.jedi
	m.mu.Unlock()

	if len(evicted) == 0 {
		return
	}

	g, _ := errgroup.WithContext(ctx)
	for key, e := range evicted {
		g.Go(func() error {
			<-e.ready
			if e.err != nil || e.handle == nil {
				return nil
			}
			if jedi != nil && jedi.settled() && e.handle == jedi.handle {
				common.BrokerLogger.Debugf("Evicted %s without disposing the shared jedi engine", key)
				return nil
			}
			common.BrokerLogger.Infof("Disposing engine for removed folder entry %s", key)
			e.handle.Dispose()
			return nil
		})
	}
	_ = g.Wait()
}

// OnConfigChanged reacts to settings file changes. Events that cannot move
// the engine choice for an open scope are ignored. When the desired kind
// for the current resource differs from the running one, a debounced
// restart prompt fires; the running engine is never swapped in place.
func (m *Manager) OnConfigChanged(ctx context.Context, events []config.Event) {
	if !m.affectsEngineChoice(events) {
		return
	}

	m.mu.Lock()
	resource := m.currentResource
	current := m.current
	m.mu.Unlock()

	if current == nil {
		return
	}

	desired := engine.KindAnalysis
	if m.gate.ShouldUseJedi(resource) {
		desired = engine.KindJedi
	}
	if desired == current.Kind {
		common.BrokerLogger.Debugf("Engine choice for %s still %s, nothing to do", resource, desired)
		return
	}

	from, to := current.Kind, desired
	m.restartDebounce.Trigger(func() {
		m.promptRestart(from, to)
	})
}

// affectsEngineChoice reports whether any event touches the engine choice
// for a scope that is actually in effect. Folder-scope events only count
// when their folder is open.
func (m *Manager) affectsEngineChoice(events []config.Event) bool {
	folders := m.registry.Folders()
	for _, event := range events {
		if !event.EngineChoiceChanged {
			continue
		}
		if event.Scope != config.ScopeFolder {
			return true
		}
		dir := filepath.Dir(event.Path)
		for _, folder := range folders {
			if folder.Path == dir {
				return true
			}
		}
	}
	return false
}

func (m *Manager) promptRestart(from, to engine.Kind) {
	if m.prompter == nil || m.reloader == nil {
		common.BrokerLogger.Warnf("Engine choice changed from %s to %s; restart the daemon to apply it", from, to)
		return
	}

	ctx, cancel := common.CreateContextWithDefault()
	defer cancel()

	if !m.prompter.ConfirmRestart(ctx, from, to) {
		common.BrokerLogger.Infof("Restart declined, keeping the %s engine until the next restart", from)
		return
	}

	common.BrokerLogger.Infof("Restarting to switch engines from %s to %s", from, to)
	m.reloader.Reload()
}

// EntryStatus describes one cache entry for the status endpoint.
type EntryStatus struct {
	Key     string `json:"key"`
	Pending bool   `json:"pending,omitempty"`
	Kind    string `json:"kind,omitempty"`
	State   string `json:"state,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Status is a point-in-time view of the cache.
type Status struct {
	CurrentResource string        `json:"current_resource,omitempty"`
	CurrentKind     string        `json:"current_kind,omitempty"`
	Entries         []EntryStatus `json:"entries"`
}

// Status snapshots the cache without blocking on pending constructions.
func (m *Manager) Status() Status {
	m.mu.Lock()
	entries := make(map[string]*entry, len(m.entries))
	for key, e := range m.entries {
		entries[key] = e
	}
	current := m.current
	resource := m.currentResource
	m.mu.Unlock()

	status := Status{
		CurrentResource: string(resource),
		Entries:         make([]EntryStatus, 0, len(entries)),
	}
	if current != nil {
		status.CurrentKind = current.Kind.String()
	}

	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		e := entries[key]
		es := EntryStatus{Key: key}
		switch {
		case !e.settled():
			es.Pending = true
		case e.err != nil:
			es.Error = e.err.Error()
		case e.handle != nil:
			es.Kind = e.handle.Kind().String()
			es.State = e.handle.State().String()
		}
		status.Entries = append(status.Entries, es)
	}

	return status
}
