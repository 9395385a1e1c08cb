package engine

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pyls-broker/internal/artifacts"
)

func touchExecutable(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0755))
}

func TestJediLauncherExplicitCommand(t *testing.T) {
	l := NewJediLauncher([]string{"/opt/venv/bin/jedi-language-server", "--log-file", "/tmp/jedi.log"})

	command, args, err := l.Prepare(context.Background(), "/usr/bin/python3")
	require.NoError(t, err)
	assert.Equal(t, "/opt/venv/bin/jedi-language-server", command)
	assert.Equal(t, []string{"--log-file", "/tmp/jedi.log"}, args)
}

func TestJediLauncherInterpreterRelative(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX layout")
	}

	binDir := t.TempDir()
	touchExecutable(t, filepath.Join(binDir, "jedi-language-server"))
	interpreter := filepath.Join(binDir, "python3")

	l := NewJediLauncher(nil)
	command, args, err := l.Prepare(context.Background(), interpreter)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(binDir, "jedi-language-server"), command)
	assert.Empty(t, args)
}

func TestJediLauncherNotFound(t *testing.T) {
	// Empty PATH so the fallback lookup cannot succeed either.
	t.Setenv("PATH", t.TempDir())

	l := NewJediLauncher(nil)
	_, _, err := l.Prepare(context.Background(), filepath.Join(t.TempDir(), "python3"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jedi-language-server not found")
}

func TestAnalysisLauncherResolvesEntry(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX layout")
	}

	installDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(installDir, "version.txt"), []byte("2.0.0\n"), 0644))
	touchExecutable(t, filepath.Join(installDir, "pyls-analysis"))

	manager := artifacts.NewManager("http://example.invalid/bundle.tar.gz", "1.0.0", installDir)
	l := NewAnalysisLauncher(nil, manager)

	command, args, err := l.Prepare(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(installDir, "pyls-analysis"), command)
	assert.Empty(t, args)
}

func TestAnalysisLauncherMissingEntry(t *testing.T) {
	installDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(installDir, "version.txt"), []byte("2.0.0\n"), 0644))

	manager := artifacts.NewManager("http://example.invalid/bundle.tar.gz", "1.0.0", installDir)
	l := NewAnalysisLauncher(nil, manager)

	_, _, err := l.Prepare(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entry point missing")
}

func TestAnalysisLauncherRelativeCommand(t *testing.T) {
	installDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(installDir, "version.txt"), []byte("2.0.0\n"), 0644))
	touchExecutable(t, filepath.Join(installDir, "bin", "server"))

	manager := artifacts.NewManager("http://example.invalid/bundle.tar.gz", "1.0.0", installDir)
	l := NewAnalysisLauncher([]string{filepath.Join("bin", "server"), "--stdio"}, manager)

	command, args, err := l.Prepare(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(installDir, "bin", "server"), command)
	assert.Equal(t, []string{"--stdio"}, args)
}

func TestHandleFactoryKinds(t *testing.T) {
	factory := NewHandleFactory(NewJediLauncher(nil), NewAnalysisLauncher(nil, artifacts.NewManager("", "", t.TempDir())))

	jedi := factory.NewHandle(KindJedi)
	assert.Equal(t, KindJedi, jedi.Kind())
	assert.Equal(t, StateIdle, jedi.State())

	analysis := factory.NewHandle(KindAnalysis)
	assert.Equal(t, KindAnalysis, analysis.Kind())
	assert.Equal(t, StateIdle, analysis.State())
}
