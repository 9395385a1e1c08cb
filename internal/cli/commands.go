// Package cli wires the broker's commands: a serve daemon, a status query
// against a running daemon, an installer for the analysis engine bundle,
// and version output.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"pyls-broker/internal/config"
	versionpkg "pyls-broker/internal/version"
)

// CLI constants.
const (
	CmdServe      = "serve"
	CmdStatus     = "status"
	CmdInstall    = "install"
	CmdVersion    = "version"
	FlagConfig    = "config"
	FlagPort      = "port"
	FlagWorkspace = "workspace"
	FlagAddr      = "addr"
	FlagVerbose   = "verbose"
)

// CLI variables.
var (
	configPath    string
	workspaceRoot string
	port          int
	gatewayAddr   string
	verbose       bool
)

// Root command
var rootCmd = &cobra.Command{
	Use:   "pyls-broker",
	Short: "pyls-broker - selects and serves Python language engines over HTTP JSON-RPC",
	Long: `pyls-broker decides, per workspace resource, whether Python IntelliSense
is served by the lightweight jedi engine or the downloadable analysis
engine, starts the chosen engine over LSP stdio, and exposes it to local
clients through an HTTP JSON-RPC gateway.

QUICK START:
  pyls-broker serve                        # Start the broker daemon (port 8080)
  pyls-broker status                       # Show the running daemon's engines
  pyls-broker install                      # Pre-install the analysis engine bundle

ENGINE SELECTION:
  - An explicit use_jedi setting (folder > workspace > global scope) always wins
  - Without one, experiment cohort membership decides
  - The hard default is the lightweight jedi engine
  - Hosts that cannot run the analysis engine fall back to jedi automatically

ENDPOINTS:
  - JSON-RPC:      http://127.0.0.1:8080/jsonrpc
  - Liveness:      http://127.0.0.1:8080/health
  - Engine status: http://127.0.0.1:8080/status

Use 'pyls-broker <command> --help' for detailed command information.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Command definitions
var (
	serveCmd = &cobra.Command{
		Use:   CmdServe,
		Short: "Start the broker daemon",
		Long: `Start the broker daemon: engine selection, lifecycle cache, settings
watching and the HTTP JSON-RPC gateway.

The daemon watches the three settings scopes for changes. When a change
flips the engine choice for the current resource, the daemon restarts so
the new engine takes effect; engines are never swapped in place.`,
		RunE: runServeCmd,
	}

	statusCmd = &cobra.Command{
		Use:   CmdStatus,
		Short: "Show engine status of a running daemon",
		Long: `Query a running daemon's /status endpoint and display the current
selection and every cached engine entry.`,
		RunE: runStatusCmd,
	}

	installCmd = &cobra.Command{
		Use:   CmdInstall,
		Short: "Install the analysis engine bundle",
		Long: `Download and install the analysis engine bundle without starting the
daemon. The daemon installs on demand; this command warms the
installation ahead of time.

Examples:
  pyls-broker install
  pyls-broker install --config custom.yaml`,
		RunE: runInstallCmd,
	}

	versionCmd = &cobra.Command{
		Use:   CmdVersion,
		Short: "Show version information",
		Long: `Display version information for pyls-broker.

By default, shows only the version number. Use --verbose for detailed
build information including commit hash, build date, and Go version.`,
		RunE: runVersionCmd,
	}
)

func init() {
	serveCmd.Flags().StringVarP(&configPath, FlagConfig, "c", "", "Global configuration file path (optional)")
	serveCmd.Flags().IntVarP(&port, FlagPort, "p", 0, "Gateway port (overrides configuration)")
	serveCmd.Flags().StringVarP(&workspaceRoot, FlagWorkspace, "w", "", "Workspace root (defaults to the working directory)")

	statusCmd.Flags().StringVar(&gatewayAddr, FlagAddr, config.DefaultGatewayAddr, "Address of the running daemon")

	installCmd.Flags().StringVarP(&configPath, FlagConfig, "c", "", "Global configuration file path (optional)")
	installCmd.Flags().StringVarP(&workspaceRoot, FlagWorkspace, "w", "", "Workspace root (defaults to the working directory)")

	versionCmd.Flags().BoolVarP(&verbose, FlagVerbose, "v", false, "Show detailed version information")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(versionCmd)
}

func runServeCmd(cmd *cobra.Command, args []string) error {
	return RunServe(configPath, workspaceRoot, port)
}

func runStatusCmd(cmd *cobra.Command, args []string) error {
	return ShowStatus(gatewayAddr)
}

func runInstallCmd(cmd *cobra.Command, args []string) error {
	return RunInstall(configPath, workspaceRoot)
}

func runVersionCmd(cmd *cobra.Command, args []string) error {
	if verbose {
		fmt.Println(versionpkg.GetFullVersionInfo())
		return nil
	}
	fmt.Printf("pyls-broker %s\n", versionpkg.GetVersion())
	return nil
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
