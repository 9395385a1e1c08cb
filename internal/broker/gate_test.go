package broker

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.lsp.dev/uri"

	"pyls-broker/internal/config"
	"pyls-broker/internal/experiments"
	"pyls-broker/internal/state"
	"pyls-broker/internal/telemetry"
	"pyls-broker/internal/workspace"
)

type recordingReporter struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (r *recordingReporter) Send(event telemetry.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingReporter) byName(name string) []telemetry.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []telemetry.Event
	for _, e := range r.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

type gateFixture struct {
	gate       *ConfigurationGate
	reporter   *recordingReporter
	store      *state.FileStore
	folder     string
	workspace  string
	globalPath string
	resource   uri.URI
}

func newGateFixture(t *testing.T, exps *experiments.Service) *gateFixture {
	t.Helper()

	root := t.TempDir()
	folder := filepath.Join(root, "project")
	require.NoError(t, os.MkdirAll(folder, 0755))

	store, err := state.NewFileStore(filepath.Join(root, "state.yaml"))
	require.NoError(t, err)

	globalPath := filepath.Join(root, "global.yaml")
	cfg := config.NewManager(globalPath, root)
	registry := workspace.NewRegistry(workspace.Folder{Path: folder, Name: "project"})
	reporter := &recordingReporter{}

	return &gateFixture{
		gate:       NewConfigurationGate(cfg, exps, registry, store, reporter),
		reporter:   reporter,
		store:      store,
		folder:     folder,
		workspace:  root,
		globalPath: globalPath,
		resource:   uri.File(filepath.Join(folder, "app.py")),
	}
}

func writeUseJedi(t *testing.T, path string, value bool) {
	t.Helper()
	settings := &config.Settings{UseJedi: &value}
	require.NoError(t, config.Save(settings, path))
}

func writeExperimentsFile(t *testing.T, dir string, exps ...experiments.Experiment) string {
	t.Helper()

	var content strings.Builder
	content.WriteString("experiments:\n")
	for _, e := range exps {
		fmt.Fprintf(&content, "  - name: %s\n    min: %d\n    max: %d\n", e.Name, e.Min, e.Max)
	}

	path := filepath.Join(dir, "experiments.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content.String()), 0644))
	return path
}

func TestGateDefaultsToJedi(t *testing.T) {
	f := newGateFixture(t, nil)

	assert.True(t, f.gate.ShouldUseJedi(f.resource))

	events := f.reporter.byName(telemetry.EventEngineSelection)
	require.Len(t, events, 1)
	assert.Equal(t, "jedi", events[0].Properties["engine"])
	assert.Equal(t, "switched", events[0].Properties["reason"])
}

func TestGateScopePrecedence(t *testing.T) {
	f := newGateFixture(t, nil)

	writeUseJedi(t, f.globalPath, false)
	assert.False(t, f.gate.ShouldUseJedi(f.resource), "global scope should apply")

	writeUseJedi(t, filepath.Join(f.workspace, config.WorkspaceFileName), true)
	assert.True(t, f.gate.ShouldUseJedi(f.resource), "workspace scope should override global")

	writeUseJedi(t, filepath.Join(f.folder, config.FolderFileName), false)
	assert.False(t, f.gate.ShouldUseJedi(f.resource), "folder scope should override workspace")
}

func TestGateExplicitSettingBeatsExperiment(t *testing.T) {
	root := t.TempDir()
	path := writeExperimentsFile(t, root, experiments.Experiment{Name: experiments.JediLSP, Min: 0, Max: 100})
	store, err := state.NewFileStore(filepath.Join(root, "exp-state.yaml"))
	require.NoError(t, err)
	exps, err := experiments.NewService(path, store, nil)
	require.NoError(t, err)

	f := newGateFixture(t, exps)
	writeUseJedi(t, filepath.Join(f.folder, config.FolderFileName), false)

	assert.False(t, f.gate.ShouldUseJedi(f.resource))
}

func TestGateControlCohortReportedOnce(t *testing.T) {
	root := t.TempDir()
	path := writeExperimentsFile(t, root,
		experiments.Experiment{Name: experiments.JediLSP, Min: 0, Max: 0},
		experiments.Experiment{Name: experiments.JediLSPControl, Min: 0, Max: 100},
	)
	store, err := state.NewFileStore(filepath.Join(root, "exp-state.yaml"))
	require.NoError(t, err)

	f := newGateFixture(t, nil)
	exps, err := experiments.NewService(path, store, f.reporter)
	require.NoError(t, err)
	f.gate.experiments = exps

	assert.True(t, f.gate.ShouldUseJedi(f.resource))
	assert.True(t, f.gate.ShouldUseJedi(f.resource))

	memberships := f.reporter.byName(telemetry.EventExperimentMembership)
	require.Len(t, memberships, 1)
	assert.Equal(t, experiments.JediLSPControl, memberships[0].Properties["experiment"])
}

func TestGateTreatmentCohortSkipsControlReport(t *testing.T) {
	root := t.TempDir()
	path := writeExperimentsFile(t, root,
		experiments.Experiment{Name: experiments.JediLSP, Min: 0, Max: 100},
		experiments.Experiment{Name: experiments.JediLSPControl, Min: 0, Max: 100},
	)
	store, err := state.NewFileStore(filepath.Join(root, "exp-state.yaml"))
	require.NoError(t, err)

	f := newGateFixture(t, nil)
	exps, err := experiments.NewService(path, store, f.reporter)
	require.NoError(t, err)
	f.gate.experiments = exps

	assert.True(t, f.gate.ShouldUseJedi(f.resource))
	assert.Empty(t, f.reporter.byName(telemetry.EventExperimentMembership))
}

func TestGateSelectionReasonDeduplicates(t *testing.T) {
	f := newGateFixture(t, nil)

	f.gate.ShouldUseJedi(f.resource)
	f.gate.ShouldUseJedi(f.resource)
	writeUseJedi(t, filepath.Join(f.folder, config.FolderFileName), false)
	f.gate.ShouldUseJedi(f.resource)

	events := f.reporter.byName(telemetry.EventEngineSelection)
	require.Len(t, events, 3)
	assert.Equal(t, "switched", events[0].Properties["reason"])
	assert.Equal(t, "unchanged", events[1].Properties["reason"])
	assert.Equal(t, "switched", events[2].Properties["reason"])
	assert.Equal(t, "analysis", events[2].Properties["engine"])
}

func TestGateReasonSurvivesRestart(t *testing.T) {
	f := newGateFixture(t, nil)
	f.gate.ShouldUseJedi(f.resource)

	// A fresh gate over the same state file sees the persisted choice.
	reloaded, err := state.NewFileStore(filepath.Join(f.workspace, "state.yaml"))
	require.NoError(t, err)
	reporter := &recordingReporter{}
	registry := workspace.NewRegistry(workspace.Folder{Path: f.folder, Name: "project"})
	gate := NewConfigurationGate(config.NewManager(f.globalPath, f.workspace), nil, registry, reloaded, reporter)

	gate.ShouldUseJedi(f.resource)

	events := reporter.byName(telemetry.EventEngineSelection)
	require.Len(t, events, 1)
	assert.Equal(t, "unchanged", events[0].Properties["reason"])
}

func TestGateLooseResourceSkipsFolderScope(t *testing.T) {
	f := newGateFixture(t, nil)
	writeUseJedi(t, filepath.Join(f.folder, config.FolderFileName), false)

	loose := uri.File(filepath.Join(t.TempDir(), "scratch.py"))
	assert.True(t, f.gate.ShouldUseJedi(loose), "folder setting must not leak to loose resources")
}
