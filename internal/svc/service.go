// Package svc installs and runs casmesh daemons as system services.
package svc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
)

// Daemon modes.
const (
	ModeServe = "serve"
	ModeProxy = "proxy"
)

// RunFlag marks a process started by the service manager.
const RunFlag = "--service-run"

// RunFunc runs a daemon until ctx is cancelled.
type RunFunc func(ctx context.Context, configPath string) error

// Program adapts a RunFunc to service.Interface.
type Program struct {
	ConfigPath string
	Run        RunFunc

	cancel context.CancelFunc
	done   chan error
}

// Start must not block; the daemon runs in its own goroutine.
func (p *Program) Start(s service.Service) error {
	if p.Run == nil {
		return errors.New("no run function configured")
	}
	var ctx context.Context
	ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan error, 1)
	go func() {
		err := p.Run(ctx, p.ConfigPath)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("daemon exited")
			// Exit non-zero so the service manager's restart policy applies.
			if ctx.Err() == nil {
				os.Exit(1)
			}
		}
		p.done <- err
	}()
	return nil
}

// Stop cancels the daemon and waits for it to return.
func (p *Program) Stop(s service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done == nil {
		return nil
	}
	if err := <-p.done; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Config describes an installed daemon.
type Config struct {
	Name       string
	Mode       string
	ConfigPath string
	UserName   string // Linux/macOS only
}

// ValidMode reports whether mode names a daemon.
func ValidMode(mode string) bool {
	return mode == ModeServe || mode == ModeProxy
}

// DefaultName returns the service name for mode.
func DefaultName(mode string) string {
	if mode == ModeProxy {
		return "casmesh-proxy"
	}
	return "casmesh-server"
}

func displayName(mode string) string {
	if mode == ModeProxy {
		return "casmesh Zone Proxy"
	}
	return "casmesh Storage Server"
}

func description(mode string) string {
	if mode == ModeProxy {
		return "casmesh client relaying content fetches for its zone"
	}
	return "casmesh content-addressed storage server for build outputs"
}

// DefaultConfigPath returns the platform config location for mode.
func DefaultConfigPath(mode string) string {
	dir := "/etc/casmesh"
	if runtime.GOOS == "windows" {
		dir = filepath.Join(os.Getenv("ProgramData"), "casmesh")
	}
	if mode == ModeProxy {
		return filepath.Join(dir, "client.yaml")
	}
	return filepath.Join(dir, "server.yaml")
}

// WithDefaults fills in the name and config path.
func (c Config) WithDefaults() Config {
	if c.Name == "" {
		c.Name = DefaultName(c.Mode)
	}
	if c.ConfigPath == "" {
		c.ConfigPath = DefaultConfigPath(c.Mode)
	}
	return c
}

// serviceConfig is what the service manager is told: run the mode's
// subcommand with RunFlag and the config path.
func serviceConfig(cfg Config, goos string) *service.Config {
	sc := &service.Config{
		Name:        cfg.Name,
		DisplayName: displayName(cfg.Mode),
		Description: description(cfg.Mode),
		Arguments:   []string{cfg.Mode, "--config", cfg.ConfigPath, RunFlag},
	}
	switch goos {
	case "linux":
		sc.Dependencies = []string{"After=network-online.target", "Wants=network-online.target"}
		sc.Option = service.KeyValue{"Restart": "on-failure", "RestartSec": "5", "LimitNOFILE": 65536}
		sc.UserName = cfg.UserName
	case "darwin":
		sc.Option = service.KeyValue{"KeepAlive": true, "RunAtLoad": true}
		sc.UserName = cfg.UserName
	case "windows":
		sc.Option = service.KeyValue{"OnFailure": "restart", "OnFailureDelay": "5s"}
	}
	return sc
}

func newService(prg *Program, cfg Config) (service.Service, error) {
	s, err := service.New(prg, serviceConfig(cfg, runtime.GOOS))
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return s, nil
}

// Install registers the daemon with the service manager. An existing
// installation is replaced only with force.
func Install(cfg Config, force bool) error {
	s, err := newService(&Program{}, cfg)
	if err != nil {
		return err
	}
	if status, err := s.Status(); err == nil && status != service.StatusUnknown {
		if !force {
			return fmt.Errorf("service %q already installed; use --force to reinstall", cfg.Name)
		}
		if status == service.StatusRunning {
			if err := s.Stop(); err != nil {
				log.Warn().Err(err).Msg("failed to stop service")
			}
		}
		if err := s.Uninstall(); err != nil {
			log.Warn().Err(err).Msg("failed to uninstall service")
		}
	}
	if err := s.Install(); err != nil {
		return fmt.Errorf("install service: %w", err)
	}
	return nil
}

// Uninstall stops the daemon if it runs and removes it.
func Uninstall(cfg Config) error {
	s, err := newService(&Program{}, cfg)
	if err != nil {
		return err
	}
	if status, _ := s.Status(); status == service.StatusRunning {
		if err := s.Stop(); err != nil {
			log.Warn().Err(err).Msg("failed to stop service")
		}
	}
	if err := s.Uninstall(); err != nil {
		return fmt.Errorf("uninstall service: %w", err)
	}
	return nil
}

// Control runs a service manager action: start, stop or restart.
func Control(cfg Config, action string) error {
	s, err := newService(&Program{}, cfg)
	if err != nil {
		return err
	}
	if err := service.Control(s, action); err != nil {
		return fmt.Errorf("%s service: %w", action, err)
	}
	return nil
}

// Status returns the daemon's state as reported by the service manager.
func Status(cfg Config) (string, error) {
	s, err := newService(&Program{}, cfg)
	if err != nil {
		return "unknown", err
	}
	status, err := s.Status()
	if err != nil {
		return "unknown", err
	}
	return statusString(status), nil
}

func statusString(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Run hands the process to the service manager. It returns when the service
// is stopped.
func Run(cfg Config, run RunFunc) error {
	s, err := newService(&Program{ConfigPath: cfg.ConfigPath, Run: run}, cfg)
	if err != nil {
		return err
	}
	return s.Run()
}

// CheckPrivileges fails when service management would be refused.
func CheckPrivileges() error {
	if runtime.GOOS != "windows" && os.Geteuid() != 0 {
		return errors.New("root privileges required (use sudo)")
	}
	return nil
}
