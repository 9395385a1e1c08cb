package engine

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"pyls-broker/internal/artifacts"
)

const (
	jediServerName     = "jedi-language-server"
	analysisServerName = "pyls-analysis"
)

// JediLauncher resolves the lightweight engine command. An explicit
// configured command wins; otherwise the interpreter's script directory is
// searched before PATH.
type JediLauncher struct {
	command []string
}

func NewJediLauncher(command []string) *JediLauncher {
	return &JediLauncher{command: command}
}

func (l *JediLauncher) Prepare(ctx context.Context, interpreter string) (string, []string, error) {
	if len(l.command) > 0 {
		return l.command[0], l.command[1:], nil
	}

	name := jediServerName
	if runtime.GOOS == "windows" {
		name += ".exe"
	}

	if interpreter != "" {
		candidate := filepath.Join(filepath.Dir(interpreter), name)
		if fileExists(candidate) {
			return candidate, nil, nil
		}
	}

	if path, err := exec.LookPath(jediServerName); err == nil {
		return path, nil, nil
	}

	return "", nil, fmt.Errorf("%s not found for interpreter %q", jediServerName, interpreter)
}

// AnalysisLauncher installs the analysis engine bundle on demand and
// resolves its entry point inside the install directory.
type AnalysisLauncher struct {
	command   []string
	artifacts *artifacts.Manager
}

func NewAnalysisLauncher(command []string, manager *artifacts.Manager) *AnalysisLauncher {
	return &AnalysisLauncher{command: command, artifacts: manager}
}

func (l *AnalysisLauncher) Prepare(ctx context.Context, interpreter string) (string, []string, error) {
	dir, err := l.artifacts.Ensure(ctx)
	if err != nil {
		return "", nil, err
	}

	if len(l.command) > 0 {
		command := l.command[0]
		if !filepath.IsAbs(command) {
			if candidate := filepath.Join(dir, command); fileExists(candidate) {
				command = candidate
			}
		}
		return command, l.command[1:], nil
	}

	name := analysisServerName
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	entry := filepath.Join(dir, name)
	if !fileExists(entry) {
		return "", nil, fmt.Errorf("analysis engine entry point missing at %s", entry)
	}
	return entry, nil, nil
}

// HandleFactory builds server handles wired with the per-kind launchers.
type HandleFactory struct {
	jedi       Launcher
	analysis   Launcher
	activators []Activator
}

func NewHandleFactory(jedi, analysis Launcher, activators ...Activator) *HandleFactory {
	return &HandleFactory{
		jedi:       jedi,
		analysis:   analysis,
		activators: activators,
	}
}

func (f *HandleFactory) NewHandle(kind Kind) Handle {
	switch kind {
	case KindAnalysis:
		return NewServerHandle(KindAnalysis, f.analysis, f.activators...)
	default:
		return NewServerHandle(KindJedi, f.jedi, f.activators...)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
