package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(v bool) *bool { return &v }

func writeScope(t *testing.T, path string, settings *Settings) {
	t.Helper()
	require.NoError(t, Save(settings, path))
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	tests := []struct {
		name     string
		settings *Settings
		wantErr  string
	}{
		{"bad log level", &Settings{LogLevel: "verbose"}, "log_level"},
		{"bad min version", &Settings{AnalysisMinVersion: "not-a-version"}, "analysis_min_version"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			writeScope(t, path, tt.settings)

			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	in := &Settings{
		UseJedi:            boolPtr(false),
		AnalysisMinVersion: "1.2.3",
		GatewayAddr:        "127.0.0.1:9000",
	}
	writeScope(t, path, in)

	out, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, out.UseJedi)
	assert.False(t, *out.UseJedi)
	assert.Equal(t, "1.2.3", out.AnalysisMinVersion)
	assert.Equal(t, "127.0.0.1:9000", out.GatewayAddr)
}

func TestInspectScopePrecedence(t *testing.T) {
	tests := []struct {
		name         string
		global       *bool
		workspace    *bool
		folder       *bool
		wantExplicit *bool
		wantEffective bool
	}{
		{"folder wins over all", boolPtr(true), boolPtr(true), boolPtr(false), boolPtr(false), false},
		{"workspace wins over global", boolPtr(true), boolPtr(false), nil, boolPtr(false), false},
		{"global alone", boolPtr(false), nil, nil, boolPtr(false), false},
		{"nothing set falls to default", nil, nil, nil, nil, DefaultUseJedi},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			workspaceRoot := t.TempDir()
			folder := filepath.Join(workspaceRoot, "proj")
			require.NoError(t, os.MkdirAll(folder, 0755))
			globalPath := filepath.Join(t.TempDir(), "config.yaml")

			if tt.global != nil {
				writeScope(t, globalPath, &Settings{UseJedi: tt.global})
			}
			if tt.workspace != nil {
				writeScope(t, filepath.Join(workspaceRoot, WorkspaceFileName), &Settings{UseJedi: tt.workspace})
			}
			if tt.folder != nil {
				writeScope(t, filepath.Join(folder, FolderFileName), &Settings{UseJedi: tt.folder})
			}

			m := NewManager(globalPath, workspaceRoot)
			insp := m.Inspect(folder)

			if tt.wantExplicit == nil {
				assert.Nil(t, insp.Explicit())
			} else {
				require.NotNil(t, insp.Explicit())
				assert.Equal(t, *tt.wantExplicit, *insp.Explicit())
			}
			assert.Equal(t, tt.wantEffective, insp.Effective())
		})
	}
}

func TestEffectiveMergesScopes(t *testing.T) {
	workspaceRoot := t.TempDir()
	folder := filepath.Join(workspaceRoot, "svc")
	require.NoError(t, os.MkdirAll(folder, 0755))
	globalPath := filepath.Join(t.TempDir(), "config.yaml")

	writeScope(t, globalPath, &Settings{
		GatewayAddr: "127.0.0.1:9999",
		LogLevel:    "debug",
	})
	writeScope(t, filepath.Join(workspaceRoot, WorkspaceFileName), &Settings{
		AnalysisMinVersion: "2.0.0",
	})
	writeScope(t, filepath.Join(folder, FolderFileName), &Settings{
		LogLevel: "warn",
	})

	m := NewManager(globalPath, workspaceRoot)
	eff := m.Effective(folder)

	assert.Equal(t, "127.0.0.1:9999", eff.GatewayAddr)
	assert.Equal(t, "warn", eff.LogLevel, "folder scope wins")
	assert.Equal(t, "2.0.0", eff.AnalysisMinVersion)
	assert.Equal(t, []string{"jedi-language-server"}, eff.JediCommand, "default survives")
}

func TestBrokenScopeFileIsIgnored(t *testing.T) {
	globalPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(globalPath, []byte("use_jedi: [not a bool"), 0644))

	m := NewManager(globalPath, "")
	insp := m.Inspect("")

	assert.Nil(t, insp.Global)
	assert.Equal(t, DefaultUseJedi, insp.Effective())
}
