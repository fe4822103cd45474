package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/yllada/veilvpn/catalog"
	"github.com/yllada/veilvpn/cli"
	"github.com/yllada/veilvpn/common"
	"github.com/yllada/veilvpn/config"
	"github.com/yllada/veilvpn/daemon"
	"github.com/yllada/veilvpn/keyring"
)

const defaultWait = 30 * time.Second

// loadConfig reads the configuration named by --config.
func (f *globalFlags) loadConfig() (*config.Config, error) {
	return config.Load(f.configPath)
}

// client builds a CLI for the daemon named by --addr or the config file.
func (f *globalFlags) client(cmd *cobra.Command) (*cli.CLI, error) {
	addr := f.addr
	if addr == "" {
		cfg, err := f.loadConfig()
		if err != nil {
			return nil, err
		}
		addr = cfg.API.Listen
	}
	common.LogDebug("Using daemon API at %s", addr)
	return cli.New(addr, cmd.OutOrStdout()), nil
}

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the VPN session daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			if flags.addr != "" {
				cfg.API.Listen = flags.addr
			}

			level := common.ParseLogLevel(cfg.Log.Level)
			if flags.verbose {
				level = common.LevelDebug
			}
			if err := common.InitLogger(common.LogConfig{
				Level:       level,
				EnableFile:  cfg.Log.File,
				JSON:        cfg.Log.JSON,
				MaxFileSize: 5 * 1024 * 1024, // 5MB
				MaxBackups:  5,
			}); err != nil {
				common.LogWarn("Could not initialize file logging: %v", err)
			}

			common.LogInfo("Starting %s v%s", common.AppName, appVersion)
			d, err := daemon.New(cfg, daemon.Options{})
			if err != nil {
				return err
			}
			if err := d.Run(cmd.Context()); err != nil {
				common.LogError("Daemon stopped: %v", err)
				return err
			}
			common.LogInfo("Daemon stopped")
			return nil
		},
	}
}

func newServersCmd(flags *globalFlags) *cobra.Command {
	var filter catalog.Filter
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "List VPN servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client(cmd)
			if err != nil {
				return err
			}
			return c.ListServers(cmd.Context(), filter)
		},
	}
	f := cmd.Flags()
	f.StringVar(&filter.Tier, "tier", "", "filter by tier (free, premium)")
	f.StringVarP(&filter.Search, "search", "s", "", "match country, city or region")
	f.StringVar(&filter.Region, "region", "", "filter by region")
	f.StringVar((*string)(&filter.Protocol), "protocol", "", "filter by protocol (openvpn, wireguard)")
	f.BoolVar(&filter.OnlineOnly, "online", false, "hide offline servers")
	return cmd
}

func newConnectCmd(flags *globalFlags) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "connect [server-id]",
		Short: "Connect to a server, or to the selected one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client(cmd)
			if err != nil {
				return err
			}
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return c.Connect(cmd.Context(), id, wait)
		},
	}
	cmd.Flags().DurationVarP(&wait, "wait", "w", defaultWait, "wait for the session to settle (0 returns immediately)")
	return cmd
}

func newRetryCmd(flags *globalFlags) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Retry a failed connection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client(cmd)
			if err != nil {
				return err
			}
			return c.Retry(cmd.Context(), wait)
		},
	}
	cmd.Flags().DurationVarP(&wait, "wait", "w", defaultWait, "wait for the session to settle (0 returns immediately)")
	return cmd
}

func newDisconnectCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Disconnect the active session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client(cmd)
			if err != nil {
				return err
			}
			return c.Disconnect(cmd.Context())
		},
	}
}

func newStatusCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client(cmd)
			if err != nil {
				return err
			}
			return c.Status(cmd.Context())
		},
	}
}

func newWatchCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Live session status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client(cmd)
			if err != nil {
				return err
			}
			return c.Watch(cmd.Context())
		},
	}
}

func newHistoryCmd(flags *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client(cmd)
			if err != nil {
				return err
			}
			return c.History(cmd.Context(), limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of sessions to show")
	return cmd
}

func newCredentialsCmd(flags *globalFlags) *cobra.Command {
	var username string

	// resolve returns the credential store and the account name.
	resolve := func() (*keyring.Store, string, error) {
		cfg, err := flags.loadConfig()
		if err != nil {
			return nil, "", err
		}
		if username == "" {
			username = cfg.Driver.Username
		}
		store, err := keyring.New(keyring.Options{})
		if err != nil {
			return nil, "", err
		}
		return store, username, nil
	}

	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage stored VPN credentials",
	}
	cmd.PersistentFlags().StringVarP(&username, "username", "u", "", "account name (default driver.username)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "set",
			Short: "Store the password for an account",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				store, user, err := resolve()
				if err != nil {
					return err
				}
				return cli.SetCredentials(store, user, os.Stdin, cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "delete",
			Short: "Remove the stored password for an account",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				store, user, err := resolve()
				if err != nil {
					return err
				}
				return cli.DeleteCredentials(store, user, cmd.OutOrStdout())
			},
		},
	)
	return cmd
}
