package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/sync/singleflight"

	"pyls-broker/internal/common"
	"pyls-broker/internal/errors"
)

const versionFileName = "version.txt"

// Manager installs the analysis engine bundle on demand. Ensure is safe for
// concurrent use; overlapping calls share a single download.
type Manager struct {
	url        string
	minVersion string
	installDir string

	group singleflight.Group
}

// NewManager creates a manager for the given download URL, minimum
// acceptable version and installation directory.
func NewManager(url, minVersion, installDir string) *Manager {
	return &Manager{
		url:        url,
		minVersion: minVersion,
		installDir: installDir,
	}
}

// InstallDir returns the directory the bundle installs into.
func (m *Manager) InstallDir() string {
	return m.installDir
}

// Ensure makes sure a fresh-enough bundle is installed and returns its
// directory. Failures surface to the caller; there is no retry here.
func (m *Manager) Ensure(ctx context.Context) (string, error) {
	if dir, ok := m.installed(); ok {
		return dir, nil
	}

	result, err, _ := m.group.Do("install", func() (interface{}, error) {
		// Another caller may have finished while we waited for the flight.
		if dir, ok := m.installed(); ok {
			return dir, nil
		}
		return m.install(ctx)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// installed reports whether the installed bundle satisfies the minimum
// version.
func (m *Manager) installed() (string, bool) {
	data, err := os.ReadFile(filepath.Join(m.installDir, versionFileName))
	if err != nil {
		return "", false
	}

	current, err := semver.NewVersion(strings.TrimSpace(string(data)))
	if err != nil {
		common.EngineLogger.Warnf("Unreadable analysis engine version marker: %v", err)
		return "", false
	}

	min, err := semver.NewVersion(m.minVersion)
	if err != nil {
		// Config validation rejects bad minimums; an empty one means no gate.
		return m.installDir, true
	}

	if current.LessThan(min) {
		common.EngineLogger.Infof("Analysis engine %s is older than required %s", current, min)
		return "", false
	}
	return m.installDir, true
}

func (m *Manager) install(ctx context.Context) (string, error) {
	archivePath := filepath.Join(os.TempDir(), fmt.Sprintf("pyls-analysis-%d%s", time.Now().UnixNano(), archiveSuffix(m.url)))
	defer os.Remove(archivePath)

	if err := downloadFile(ctx, m.url, archivePath); err != nil {
		return "", errors.NewDownloadError(m.url, err)
	}

	if err := extractArchive(ctx, archivePath, m.installDir); err != nil {
		return "", err
	}

	// Bundles usually carry their own version marker; stamp the configured
	// minimum when they do not so the next Ensure can short-circuit.
	versionPath := filepath.Join(m.installDir, versionFileName)
	if _, err := os.Stat(versionPath); err != nil {
		if err := os.WriteFile(versionPath, []byte(m.minVersion+"\n"), 0644); err != nil {
			return "", fmt.Errorf("failed to write version marker: %w", err)
		}
	}

	common.EngineLogger.Infof("Analysis engine installed at %s", m.installDir)
	return m.installDir, nil
}

// downloadFile fetches url to destPath using curl, falling back to wget.
func downloadFile(ctx context.Context, url, destPath string) error {
	common.EngineLogger.Infof("Downloading %s", url)

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	var cmd *exec.Cmd
	if _, err := exec.LookPath("curl"); err == nil {
		cmd = exec.CommandContext(ctx, "curl", "-fsSL", "-o", destPath, url)
	} else if _, err := exec.LookPath("wget"); err == nil {
		cmd = exec.CommandContext(ctx, "wget", "-q", "-O", destPath, url)
	} else {
		return fmt.Errorf("neither curl nor wget available for download")
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			common.EngineLogger.Errorf("Download stderr: %s", stderr.String())
		}
		return fmt.Errorf("download failed: %w", err)
	}

	common.EngineLogger.Infof("Download completed: %s", destPath)
	return nil
}

// extractArchive unpacks a tar.gz or zip archive into destPath.
func extractArchive(ctx context.Context, archivePath, destPath string) error {
	common.EngineLogger.Infof("Extracting %s to %s", archivePath, destPath)

	if err := os.MkdirAll(destPath, 0755); err != nil {
		return fmt.Errorf("failed to create extraction directory: %w", err)
	}

	switch {
	case strings.HasSuffix(archivePath, ".tar.gz") || strings.HasSuffix(archivePath, ".tgz"):
		return runCommand(ctx, "tar", "-xzf", archivePath, "-C", destPath)
	case strings.HasSuffix(archivePath, ".zip"):
		return runCommand(ctx, "unzip", "-q", "-o", archivePath, "-d", destPath)
	default:
		return fmt.Errorf("unsupported archive format: %s", archivePath)
	}
}

func runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			common.EngineLogger.Errorf("Command stderr: %s", stderr.String())
		}
		return fmt.Errorf("command failed: %s %v: %w", name, args, err)
	}
	return nil
}

// archiveSuffix preserves the archive extension so extraction can pick the
// right tool.
func archiveSuffix(url string) string {
	switch {
	case strings.HasSuffix(url, ".tar.gz"):
		return ".tar.gz"
	case strings.HasSuffix(url, ".tgz"):
		return ".tgz"
	case strings.HasSuffix(url, ".zip"):
		return ".zip"
	default:
		return ".tar.gz"
	}
}
