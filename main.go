// Package main provides the entry point for VeilVPN.
// VeilVPN is a VPN session daemon for Linux: it keeps a catalog of
// servers, drives one tunnel at a time through a supervised connection
// lifecycle and exposes the session over a local admin API.
//
// Usage:
//
//	veilvpn serve                 run the daemon
//	veilvpn servers --region eu   list servers
//	veilvpn connect de-fra        select a server and connect
//	veilvpn watch                 live status view
//
// Every command except serve and credentials talks to a running daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yllada/veilvpn/common"
)

// Build-time variables injected via ldflags (-X main.appVersion=x.y.z)
// Default values are used for local development builds
var (
	appVersion = "dev"
	buildTime  = "unknown"
	commitSHA  = "unknown"
)

// globalFlags are the persistent flags of the root command.
type globalFlags struct {
	configPath string
	addr       string
	verbose    bool
}

func main() {
	// Setup graceful shutdown context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals (SIGINT, SIGTERM)
	setupSignalHandler(cancel)

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		common.CloseLogger()
		os.Exit(1)
	}
	common.CloseLogger()
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "veilvpn",
		Short:         "VPN session daemon and client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Client commands log warnings only; serve reconfigures from
			// the config file.
			level := common.LevelWarn
			if flags.verbose {
				level = common.LevelDebug
			}
			return common.InitLogger(common.LogConfig{Level: level})
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "config file (default ~/.config/veilvpn/config.yaml)")
	pf.StringVar(&flags.addr, "addr", "", "daemon API address (default from config)")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "enable verbose logging")

	root.AddCommand(
		newServeCmd(flags),
		newServersCmd(flags),
		newConnectCmd(flags),
		newDisconnectCmd(flags),
		newStatusCmd(flags),
		newRetryCmd(flags),
		newWatchCmd(flags),
		newHistoryCmd(flags),
		newCredentialsCmd(flags),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s v%s\n", common.AppName, appVersion)
			if buildTime != "unknown" {
				fmt.Fprintf(out, "  Build:  %s\n", buildTime)
				fmt.Fprintf(out, "  Commit: %s\n", commitSHA)
			}
		},
	}
}

// setupSignalHandler configures graceful shutdown on SIGINT/SIGTERM.
// When a signal is received, it cancels the context to allow cleanup.
func setupSignalHandler(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		common.LogInfo("Received signal %v, initiating graceful shutdown...", sig)
		cancel()
	}()
}
