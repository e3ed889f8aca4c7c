package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/casmesh/casmesh/internal/svc"
)

var (
	serviceMode  string
	serviceName  string
	serviceUser  string
	forceInstall bool
	logsFollow   bool
	logsLines    int
)

func newServiceCmd() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage casmesh as a system service",
		Long: `Install and control the casmesh server or zone proxy as a system service
(systemd, launchd or the Windows Service Control Manager).

  sudo casmesh service install --mode serve --config /etc/casmesh/server.yaml
  sudo casmesh service start --mode serve
  casmesh service logs --mode serve --follow`,
	}
	serviceCmd.PersistentFlags().StringVar(&serviceMode, "mode", svc.ModeServe, "daemon: 'serve' or 'proxy'")
	serviceCmd.PersistentFlags().StringVarP(&serviceName, "name", "n", "", "service name (default casmesh-server or casmesh-proxy)")

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install the daemon to start at boot",
		RunE:  runServiceInstall,
	}
	installCmd.Flags().StringVar(&serviceUser, "user", "", "run the service as this user (Linux/macOS only)")
	installCmd.Flags().BoolVarP(&forceInstall, "force", "f", false, "reinstall if already installed")
	serviceCmd.AddCommand(installCmd)

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := serviceTarget()
			if err != nil {
				return err
			}
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			if err := svc.Uninstall(cfg); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Service %q uninstalled.\n", cfg.Name)
			return nil
		},
	})

	for _, action := range []string{"start", "stop", "restart"} {
		serviceCmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: fmt.Sprintf("%s the service", action),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := serviceTarget()
				if err != nil {
					return err
				}
				if err := svc.CheckPrivileges(); err != nil {
					return err
				}
				if err := svc.Control(cfg, action); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Service %q: %s done.\n", cfg.Name, action)
				return nil
			},
		})
	}

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the service state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := serviceTarget()
			if err != nil {
				return err
			}
			status, err := svc.Status(cfg)
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Service: %s\n", cfg.Name)
			if err != nil {
				_, _ = fmt.Fprintf(out, "Status:  not installed or unknown (%v)\n", err)
				return nil
			}
			_, _ = fmt.Fprintf(out, "Status:  %s\n", status)
			return nil
		},
	})

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the service log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := serviceTarget()
			if err != nil {
				return err
			}
			return svc.ViewLogs(svc.LogOptions{
				Name:   cfg.Name,
				Follow: logsFollow,
				Lines:  logsLines,
				Out:    cmd.OutOrStdout(),
			})
		},
	}
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "follow log output")
	logsCmd.Flags().IntVar(&logsLines, "lines", 50, "number of lines to show")
	serviceCmd.AddCommand(logsCmd)

	return serviceCmd
}

func serviceTarget() (svc.Config, error) {
	if !svc.ValidMode(serviceMode) {
		return svc.Config{}, fmt.Errorf("invalid mode %q: must be 'serve' or 'proxy'", serviceMode)
	}
	return svc.Config{
		Name:       serviceName,
		Mode:       serviceMode,
		ConfigPath: cfgFile,
		UserName:   serviceUser,
	}.WithDefaults(), nil
}

func runServiceInstall(cmd *cobra.Command, args []string) error {
	cfg, err := serviceTarget()
	if err != nil {
		return err
	}
	if err := svc.CheckPrivileges(); err != nil {
		return err
	}
	if _, err := os.Stat(cfg.ConfigPath); err != nil {
		return fmt.Errorf("config file %s: %w", cfg.ConfigPath, err)
	}

	log.Info().
		Str("name", cfg.Name).
		Str("mode", cfg.Mode).
		Str("config", cfg.ConfigPath).
		Msg("installing service")
	if err := svc.Install(cfg, forceInstall); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Service %q installed. Start it with:\n  casmesh service start --mode %s --name %s\n",
		cfg.Name, cfg.Mode, cfg.Name)
	return nil
}
