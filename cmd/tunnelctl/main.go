// Package main provides the tunnelctl entry point.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rennerdo30/tunnelctl/internal/cli"
	"github.com/rennerdo30/tunnelctl/internal/config"
	"github.com/rennerdo30/tunnelctl/internal/daemon"
	"github.com/rennerdo30/tunnelctl/internal/logging"
	"github.com/rennerdo30/tunnelctl/internal/service"
	"github.com/rennerdo30/tunnelctl/internal/tunnel"
	"github.com/rennerdo30/tunnelctl/internal/version"
)

const defaultConfigFile = "tunnelctl.yaml"

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "tunnelctl",
		Short:         "WireGuard tunnel controller",
		Long:          `tunnelctl keeps a WireGuard tunnel to a VPN relay up, checks the account and device in the background and exposes a local control API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigFile, "config file path")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the tunnel daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(configFile)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Full())
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.LoadConfig(configFile); err != nil {
				return fmt.Errorf("configuration invalid: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			return nil
		},
	})

	root.AddCommand(newConfigCommand(&configFile))
	root.AddCommand(newServiceCommand(&configFile))
	root.AddCommand(cli.NewCommands())

	return root
}

func newConfigCommand(configFile *string) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a sample configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if _, err := os.Stat(*configFile); err == nil {
				if !force {
					return fmt.Errorf("%s already exists (use --force to overwrite)", *configFile)
				}
				backup, err := config.Backup(*configFile)
				if err != nil {
					return fmt.Errorf("backup config: %w", err)
				}
				fmt.Fprintf(out, "Existing configuration saved to %s\n", backup)
			} else if !errors.Is(err, os.ErrNotExist) {
				return err
			}

			if err := config.WriteRaw(*configFile, []byte(config.DefaultConfigTemplate)); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Fprintf(out, "Configuration written to %s\n", *configFile)
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")

	configCmd.AddCommand(initCmd)
	return configCmd
}

func newServiceCommand(configFile *string) *cobra.Command {
	var name string

	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the system service",
	}
	serviceCmd.PersistentFlags().StringVar(&name, "name", service.DefaultName, "Service name")

	manager := func(cmd *cobra.Command) (*service.Manager, error) {
		binary, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		cfg, err := config.LoadConfig(*configFile)
		if err != nil {
			return nil, err
		}
		mode, err := tunnel.ParseMode(cfg.Tunnel.Mode)
		if err != nil {
			return nil, err
		}
		m, err := service.New(service.Config{
			Name:       name,
			BinaryPath: binary,
			ConfigPath: *configFile,
			TUN:        mode == tunnel.ModeTUN,
		})
		if err != nil {
			return nil, err
		}
		m.SetOutput(cmd.OutOrStdout())
		return m, nil
	}

	serviceCmd.AddCommand(
		&cobra.Command{
			Use:   "install",
			Short: "Install tunnelctl as a system service",
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := manager(cmd)
				if err != nil {
					return err
				}
				return m.Install()
			},
		},
		&cobra.Command{
			Use:   "uninstall",
			Short: "Remove the system service",
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := service.New(service.Config{Name: name, BinaryPath: os.Args[0], ConfigPath: *configFile})
				if err != nil {
					return err
				}
				m.SetOutput(cmd.OutOrStdout())
				return m.Uninstall()
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the system service status",
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := service.New(service.Config{Name: name, BinaryPath: os.Args[0], ConfigPath: *configFile})
				if err != nil {
					return err
				}
				status, err := m.Status()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", name, status)
				return nil
			},
		},
	)
	return serviceCmd
}

func runDaemon(configFile string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := logging.Setup(cfg.Logging); err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer logging.Close()

	d, err := daemon.New(cfg, daemon.WithConfigPath(configFile))
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	return service.Run(service.DefaultName, d)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
