package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"pyls-broker/internal/artifacts"
	"pyls-broker/internal/broker"
	"pyls-broker/internal/common"
	"pyls-broker/internal/config"
	"pyls-broker/internal/diagnostics"
	"pyls-broker/internal/engine"
	"pyls-broker/internal/errors"
	"pyls-broker/internal/experiments"
	"pyls-broker/internal/gateway"
	"pyls-broker/internal/state"
	"pyls-broker/internal/telemetry"
	"pyls-broker/internal/workspace"
)

const (
	statusRequestTimeout = 10 * time.Second
	installTimeout       = 30 * time.Minute
)

// daemonReloader answers restart prompts for the headless daemon. With no
// user to ask, a changed engine choice is acknowledged and applied by
// rebuilding the broker; Reload signals the serve loop.
type daemonReloader struct {
	ch chan struct{}
}

func newDaemonReloader() *daemonReloader {
	return &daemonReloader{ch: make(chan struct{}, 1)}
}

func (r *daemonReloader) ConfirmRestart(ctx context.Context, from, to engine.Kind) bool {
	common.CLILogger.Infof("Engine choice changed from %s to %s, restarting to apply it", from, to)
	return true
}

func (r *daemonReloader) Reload() {
	select {
	case r.ch <- struct{}{}:
	default:
	}
}

// RunServe starts the broker daemon and blocks until SIGINT or SIGTERM.
// A settings change that flips the engine choice tears the broker down
// and builds a fresh one; engines are never swapped inside a running
// cache.
func RunServe(configPath, workspaceRoot string, port int) error {
	root, err := resolveWorkspaceRoot(workspaceRoot)
	if err != nil {
		return err
	}

	cfg := config.NewManager(configPath, root)

	if err := common.InitializeLogging(cfg.Effective("").LogLevel); err != nil {
		return err
	}
	defer common.SyncLogging()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	for {
		// Re-resolved every cycle so a restart picks up the settings
		// change that caused it.
		settings := cfg.Effective("")
		addr := settings.GatewayAddr
		if port > 0 {
			addr = fmt.Sprintf("127.0.0.1:%d", port)
		}

		restart, err := serveOnce(cfg, settings, root, addr, sigCh)
		if err != nil || !restart {
			return err
		}
		common.CLILogger.Infof("Restarting broker to apply the new engine choice")
	}
}

// serveOnce builds the composition root, serves until a shutdown signal
// or a reload request, and tears everything down again. It reports
// whether the daemon should come back up with a fresh broker.
func serveOnce(cfg *config.Manager, settings *config.Settings, workspaceRoot, addr string, sigCh <-chan os.Signal) (bool, error) {
	var store state.Store
	if fileStore, err := state.NewFileStore(settings.StateFile); err != nil {
		common.CLILogger.Warnf("State store unavailable, selection history disabled: %v", err)
	} else {
		store = fileStore
	}

	reporter := telemetry.NewLogReporter(common.BrokerLogger, settings.TelemetryEventsPerMin)

	exps, err := experiments.NewService(settings.ExperimentsFile, store, reporter)
	if err != nil {
		common.CLILogger.Warnf("Experiments disabled: %v", err)
	}

	registry := workspace.NewRegistry(workspace.Folder{
		Path: workspaceRoot,
		Name: filepath.Base(workspaceRoot),
	})

	bundle := artifacts.NewManager(settings.AnalysisDownloadURL, settings.AnalysisMinVersion, settings.AnalysisInstallDir)
	factory := engine.NewHandleFactory(
		engine.NewJediLauncher(settings.JediCommand),
		engine.NewAnalysisLauncher(settings.AnalysisCommand, bundle),
	)

	reloader := newDaemonReloader()
	manager := broker.NewManager(broker.Deps{
		Gate:      broker.NewConfigurationGate(cfg, exps, registry, store, reporter),
		Diagnoser: diagnostics.NewService(runtime.GOOS, runtime.GOARCH),
		Factory:   factory,
		Registry:  registry,
		Reporter:  reporter,
		Prompter:  reloader,
		Reloader:  reloader,
	})
	defer manager.Close()

	watcher, err := config.NewWatcher(cfg, func(events []config.Event) {
		manager.OnConfigChanged(context.Background(), events)
	})
	if err != nil {
		return false, fmt.Errorf("failed to watch settings files: %w", err)
	}
	if err := watcher.WatchFolder(workspaceRoot); err != nil {
		common.CLILogger.Warnf("Not watching folder settings for %s: %v", workspaceRoot, err)
	}
	watcher.Start()
	defer func() {
		if err := watcher.Stop(); err != nil {
			common.CLILogger.Warnf("Config watcher stopped with error: %v", err)
		}
	}()

	gw := gateway.NewHTTPGateway(addr, manager)
	if err := gw.Start(context.Background()); err != nil {
		return false, err
	}

	common.CLILogger.Infof("Broker daemon started for workspace %s", workspaceRoot)
	common.CLILogger.Infof("JSON-RPC endpoint: http://%s/jsonrpc", gw.Address())
	common.CLILogger.Infof("Engine status endpoint: http://%s/status", gw.Address())

	restart := false
	select {
	case <-sigCh:
		common.CLILogger.Infof("Received shutdown signal, stopping daemon...")
	case <-reloader.ch:
		restart = true
	}

	if err := gw.Stop(); err != nil {
		common.CLILogger.Warnf("Gateway stopped with error: %v", err)
	}
	return restart, nil
}

// ShowStatus queries a running daemon's status endpoint and displays the
// current selection and every cached engine entry.
func ShowStatus(addr string) error {
	if err := common.InitializeLogging(config.DefaultLogLevel); err != nil {
		return err
	}
	defer common.SyncLogging()

	client := &http.Client{Timeout: statusRequestTimeout}
	resp, err := client.Get(fmt.Sprintf("http://%s/status", addr))
	if err != nil {
		return fmt.Errorf("failed to reach daemon at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon at %s answered HTTP %d", addr, resp.StatusCode)
	}

	var status broker.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("failed to decode status response: %w", err)
	}

	renderStatus(addr, status)
	return nil
}

func renderStatus(addr string, status broker.Status) {
	common.CLILogger.Infof("Broker status (%s)", addr)
	common.CLILogger.Infof("%s", strings.Repeat("=", 50))

	if status.CurrentKind != "" {
		common.CLILogger.Infof("Current engine: %s", status.CurrentKind)
		if status.CurrentResource != "" {
			common.CLILogger.Infof("Current resource: %s", status.CurrentResource)
		}
	} else {
		common.CLILogger.Infof("Current engine: none selected yet")
	}

	common.CLILogger.Infof("Cached entries: %d", len(status.Entries))
	for _, e := range status.Entries {
		switch {
		case e.Pending:
			common.CLILogger.Infof("⏳ %s: constructing", e.Key)
		case e.Error != "":
			common.CLILogger.Errorf("❌ %s: %s", e.Key, e.Error)
		default:
			common.CLILogger.Infof("✅ %s: %s engine, %s", e.Key, e.Kind, e.State)
		}
	}
}

// RunInstall downloads and installs the analysis engine bundle without
// starting the daemon.
func RunInstall(configPath, workspaceRoot string) error {
	root, err := resolveWorkspaceRoot(workspaceRoot)
	if err != nil {
		return err
	}

	cfg := config.NewManager(configPath, root)
	settings := cfg.Effective("")

	if err := common.InitializeLogging(settings.LogLevel); err != nil {
		return err
	}
	defer common.SyncLogging()

	if settings.AnalysisDownloadURL == "" {
		return fmt.Errorf("no analysis_download_url configured, nothing to install")
	}

	ctx, cancel := common.CreateContext(installTimeout)
	defer cancel()

	if findings := diagnostics.NewService(runtime.GOOS, runtime.GOARCH).Diagnose(ctx); len(findings) > 0 {
		return errors.NewUnsupportedPlatformError(diagnostics.Messages(findings))
	}

	bundle := artifacts.NewManager(settings.AnalysisDownloadURL, settings.AnalysisMinVersion, settings.AnalysisInstallDir)

	common.CLILogger.Infof("Installing the analysis engine bundle into %s...", bundle.InstallDir())
	dir, err := bundle.Ensure(ctx)
	if err != nil {
		return fmt.Errorf("installation failed: %w", err)
	}

	common.CLILogger.Infof("Analysis engine bundle installed at %s", dir)
	return nil
}

func resolveWorkspaceRoot(workspaceRoot string) (string, error) {
	if workspaceRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to resolve working directory: %w", err)
		}
		workspaceRoot = wd
	}
	abs, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return "", fmt.Errorf("invalid workspace root %q: %w", workspaceRoot, err)
	}
	return abs, nil
}
