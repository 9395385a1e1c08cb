// Package config loads and resolves broker settings across the three
// configuration scopes: global, workspace, and folder. The engine-choice
// setting (use_jedi) is inspectable per scope so callers can distinguish
// an explicit user decision from the built-in default.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"pyls-broker/internal/common"
	errorspkg "pyls-broker/internal/errors"
)

const (
	// WorkspaceFileName is the settings file at the workspace root
	WorkspaceFileName = "pyls-broker.yaml"
	// FolderFileName is the per-folder settings file
	FolderFileName = ".pyls-broker.yaml"

	// DefaultUseJedi is the hard default when no scope sets use_jedi
	DefaultUseJedi = true

	DefaultGatewayAddr     = "127.0.0.1:8080"
	DefaultLogLevel        = "info"
	DefaultTelemetryPerMin = 60
)

// Settings contains one scope's broker configuration. Pointer and slice
// fields distinguish "unset" from an explicit zero value so scopes can
// overlay each other.
type Settings struct {
	UseJedi *bool `yaml:"use_jedi,omitempty"`

	JediCommand         []string `yaml:"jedi_command,omitempty"`
	AnalysisCommand     []string `yaml:"analysis_command,omitempty"`
	AnalysisDownloadURL string   `yaml:"analysis_download_url,omitempty"`
	AnalysisMinVersion  string   `yaml:"analysis_min_version,omitempty"`
	AnalysisInstallDir  string   `yaml:"analysis_install_dir,omitempty"`

	GatewayAddr           string `yaml:"gateway_addr,omitempty"`
	LogLevel              string `yaml:"log_level,omitempty"`
	ExperimentsFile       string `yaml:"experiments_file,omitempty"`
	StateFile             string `yaml:"state_file,omitempty"`
	TelemetryEventsPerMin int    `yaml:"telemetry_events_per_min,omitempty"`
}

// Scope identifies where a setting came from.
type Scope int

const (
	ScopeGlobal Scope = iota
	ScopeWorkspace
	ScopeFolder
)

func (s Scope) String() string {
	switch s {
	case ScopeGlobal:
		return "global"
	case ScopeWorkspace:
		return "workspace"
	case ScopeFolder:
		return "folder"
	default:
		return "unknown"
	}
}

// Inspection reports the engine-choice setting per scope. A nil pointer
// means the scope does not set it.
type Inspection struct {
	Global    *bool
	Workspace *bool
	Folder    *bool
}

// Explicit returns the authoritative explicit value, folder scope winning
// over workspace, workspace over global. Nil when no scope sets it.
func (i Inspection) Explicit() *bool {
	if i.Folder != nil {
		return i.Folder
	}
	if i.Workspace != nil {
		return i.Workspace
	}
	return i.Global
}

// Effective resolves the engine choice, falling back to the hard default.
func (i Inspection) Effective() bool {
	if v := i.Explicit(); v != nil {
		return *v
	}
	return DefaultUseJedi
}

// Load reads and validates a settings file.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var settings Settings
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := validateSettings(&settings); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &settings, nil
}

// Save writes a settings file, creating parent directories as needed.
func Save(settings *Settings, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// validateSettings rejects values that would misconfigure the broker.
// Unset fields are always valid; scope files are partial overlays.
func validateSettings(settings *Settings) error {
	switch settings.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return errorspkg.NewConfigError("log_level", fmt.Sprintf("unknown level %q", settings.LogLevel))
	}

	if settings.AnalysisMinVersion != "" {
		if _, err := semver.NewVersion(settings.AnalysisMinVersion); err != nil {
			return errorspkg.NewConfigError("analysis_min_version", fmt.Sprintf("%q is not a valid version: %v", settings.AnalysisMinVersion, err))
		}
	}

	if settings.TelemetryEventsPerMin < 0 {
		return errorspkg.NewConfigError("telemetry_events_per_min", "must not be negative")
	}

	return nil
}

// DefaultGlobalPath returns the global configuration file path.
func DefaultGlobalPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".pyls-broker", "config.yaml")
}

// Default returns the built-in settings used when no scope overrides them.
func Default() *Settings {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".pyls-broker")

	return &Settings{
		JediCommand:           []string{"jedi-language-server"},
		AnalysisInstallDir:    filepath.Join(base, "analysis"),
		GatewayAddr:           DefaultGatewayAddr,
		LogLevel:              DefaultLogLevel,
		ExperimentsFile:       filepath.Join(base, "experiments.yaml"),
		StateFile:             filepath.Join(base, "state.yaml"),
		TelemetryEventsPerMin: DefaultTelemetryPerMin,
	}
}

// Manager resolves settings across the three scopes for a workspace.
// Scope files are read on demand so inspection always reflects disk.
type Manager struct {
	mu            sync.RWMutex
	globalPath    string
	workspaceRoot string
}

// NewManager creates a manager for the given global settings path and
// workspace root. An empty workspace root disables the workspace scope.
func NewManager(globalPath, workspaceRoot string) *Manager {
	if globalPath == "" {
		globalPath = DefaultGlobalPath()
	}
	return &Manager{
		globalPath:    globalPath,
		workspaceRoot: workspaceRoot,
	}
}

func (m *Manager) GlobalPath() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.globalPath
}

// WorkspacePath returns the workspace settings file path, or "" when no
// workspace root is configured.
func (m *Manager) WorkspacePath() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.workspaceRoot == "" {
		return ""
	}
	return filepath.Join(m.workspaceRoot, WorkspaceFileName)
}

// FolderPath returns the settings file path for a workspace folder.
func (m *Manager) FolderPath(folder string) string {
	if folder == "" {
		return ""
	}
	return filepath.Join(folder, FolderFileName)
}

// Inspect reads the engine-choice setting at each scope for a resource's
// owning folder ("" for a loose resource).
func (m *Manager) Inspect(folder string) Inspection {
	insp := Inspection{}

	if s := m.loadScope(m.GlobalPath()); s != nil {
		insp.Global = s.UseJedi
	}
	if p := m.WorkspacePath(); p != "" {
		if s := m.loadScope(p); s != nil {
			insp.Workspace = s.UseJedi
		}
	}
	if p := m.FolderPath(folder); p != "" {
		if s := m.loadScope(p); s != nil {
			insp.Folder = s.UseJedi
		}
	}

	return insp
}

// Effective merges defaults with all scopes for a resource's owning folder,
// folder scope winning.
func (m *Manager) Effective(folder string) *Settings {
	merged := Default()

	overlay(merged, m.loadScope(m.GlobalPath()))
	if p := m.WorkspacePath(); p != "" {
		overlay(merged, m.loadScope(p))
	}
	if p := m.FolderPath(folder); p != "" {
		overlay(merged, m.loadScope(p))
	}

	return merged
}

// loadScope reads one scope file. Missing files are normal; parse errors
// are logged and the scope is treated as unset so a broken file never
// blocks engine startup.
func (m *Manager) loadScope(path string) *Settings {
	if path == "" {
		return nil
	}

	settings, err := Load(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			common.BrokerLogger.Warnf("ignoring unreadable config %s: %v", path, err)
		}
		return nil
	}
	return settings
}

func overlay(dst, src *Settings) {
	if src == nil {
		return
	}

	if src.UseJedi != nil {
		dst.UseJedi = src.UseJedi
	}
	if len(src.JediCommand) > 0 {
		dst.JediCommand = src.JediCommand
	}
	if len(src.AnalysisCommand) > 0 {
		dst.AnalysisCommand = src.AnalysisCommand
	}
	if src.AnalysisDownloadURL != "" {
		dst.AnalysisDownloadURL = src.AnalysisDownloadURL
	}
	if src.AnalysisMinVersion != "" {
		dst.AnalysisMinVersion = src.AnalysisMinVersion
	}
	if src.AnalysisInstallDir != "" {
		dst.AnalysisInstallDir = src.AnalysisInstallDir
	}
	if src.GatewayAddr != "" {
		dst.GatewayAddr = src.GatewayAddr
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
	if src.ExperimentsFile != "" {
		dst.ExperimentsFile = src.ExperimentsFile
	}
	if src.StateFile != "" {
		dst.StateFile = src.StateFile
	}
	if src.TelemetryEventsPerMin > 0 {
		dst.TelemetryEventsPerMin = src.TelemetryEventsPerMin
	}
}
