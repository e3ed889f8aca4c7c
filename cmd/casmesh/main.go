// casmesh is the distributed content-addressed store for build outputs.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/casmesh/casmesh/internal/client"
	"github.com/casmesh/casmesh/internal/config"
	"github.com/casmesh/casmesh/internal/logging"
	"github.com/casmesh/casmesh/internal/proxy"
	"github.com/casmesh/casmesh/internal/server"
	"github.com/casmesh/casmesh/internal/svc"
	"github.com/casmesh/casmesh/internal/tracing"
	"github.com/casmesh/casmesh/pkg/cas"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile    string
	logLevel   string
	serverAddr string
	noProxy    bool
	serviceRun bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "casmesh",
		Short: "casmesh - distributed content-addressed storage for build outputs",
		Long: `casmesh shares build outputs between machines by content hash.

Run a storage server:

  casmesh serve --config server.yaml

Store and fetch from a build machine:

  casmesh store --server cas.example.com:7070 out/libfoo.a
  casmesh fetch --server cas.example.com:7070 <key> out/libfoo.a

Relay fetches for the machines of a zone:

  casmesh proxy --config client.yaml`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (overrides the config file)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the storage server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)

	proxyCmd := &cobra.Command{
		Use:   "proxy",
		Short: "Run a client that relays fetches for its zone",
		Args:  cobra.NoArgs,
		RunE:  runProxy,
	}
	rootCmd.AddCommand(proxyCmd)

	storeCmd := &cobra.Command{
		Use:   "store <file>...",
		Short: "Upload files and print their keys",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runStore,
	}
	rootCmd.AddCommand(storeCmd)

	fetchCmd := &cobra.Command{
		Use:   "fetch <key> <dest>",
		Short: "Retrieve content by key and write it to dest",
		Args:  cobra.ExactArgs(2),
		RunE:  runFetch,
	}
	fetchCmd.Flags().BoolVar(&noProxy, "no-proxy", false, "always fetch from the server")
	rootCmd.AddCommand(fetchCmd)

	existsCmd := &cobra.Command{
		Use:   "exists <key>...",
		Short: "Report whether the server holds each key",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runExists,
	}
	rootCmd.AddCommand(existsCmd)

	scanCmd := &cobra.Command{
		Use:   "scan [dir]...",
		Short: "Index local directories so their content is served without the network",
		RunE:  runScan,
	}
	rootCmd.AddCommand(scanCmd)

	for _, cmd := range []*cobra.Command{proxyCmd, storeCmd, fetchCmd, existsCmd, scanCmd} {
		cmd.Flags().StringVarP(&serverAddr, "server", "s", "", "server address (overrides the config file)")
	}
	for _, cmd := range []*cobra.Command{serveCmd, proxyCmd} {
		cmd.Flags().BoolVar(&serviceRun, "service-run", false, "run under the service manager (internal use)")
		_ = cmd.Flags().MarkHidden("service-run")
	}
	rootCmd.AddCommand(newServiceCmd())

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "casmesh %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		},
	})
	return rootCmd
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func loadServerConfig() (*config.ServerConfig, error) {
	if cfgFile == "" {
		return config.DefaultServerConfig(), nil
	}
	return config.LoadServerConfig(cfgFile)
}

func loadClientConfig() (*config.ClientConfig, error) {
	cfg := config.DefaultClientConfig()
	if cfgFile != "" {
		var err error
		if cfg, err = config.LoadClientConfig(cfgFile); err != nil {
			return nil, err
		}
	}
	if serverAddr != "" {
		cfg.Server = serverAddr
	}
	return cfg, nil
}

func setupLogging(cfg config.LogConfig) (zerolog.Logger, io.Closer, error) {
	logger, closer, err := logging.Setup(cfg, logLevel, os.Stderr)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("set up logging: %w", err)
	}
	return logger, closer, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	return runDaemon(svc.ModeServe, serveDaemon)
}

// runDaemon runs a long-lived mode until SIGINT/SIGTERM, or under the
// service manager when started by it.
func runDaemon(mode string, run svc.RunFunc) error {
	if serviceRun {
		return svc.Run(svc.Config{Mode: mode, ConfigPath: cfgFile}.WithDefaults(), run)
	}
	ctx, cancel := signalContext()
	defer cancel()
	return run(ctx, cfgFile)
}

func serveDaemon(ctx context.Context, path string) error {
	cfgFile = path
	cfg, err := loadServerConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger, closer, err := setupLogging(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	if err := tracing.Init(cfg.Tracing.Enabled, int(cfg.Tracing.BufferSize.Bytes())); err != nil {
		logger.Warn().Err(err).Msg("failed to start flight recorder")
	}
	defer tracing.Stop()

	log.Info().Str("version", Version).Str("commit", Commit).Msg("starting casmesh server")

	srv, err := server.New(cfg, logger)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		_ = srv.Close()
		return err
	}

	<-ctx.Done()
	log.Info().Msg("shutting down...")
	return srv.Close()
}

func runProxy(cmd *cobra.Command, args []string) error {
	return runDaemon(svc.ModeProxy, proxyDaemon)
}

func proxyDaemon(ctx context.Context, path string) error {
	cfgFile = path
	cfg, err := loadClientConfig()
	if err != nil {
		return err
	}
	cfg.Proxy.Enabled = true
	if cfg.Proxy.Listen == "" {
		cfg.Proxy.Listen = ":7071"
	}
	if cfg.Zone == "" {
		return errors.New("a zone proxy needs a zone")
	}
	logger, closer, err := setupLogging(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	if err := tracing.Init(cfg.Tracing.Enabled, int(cfg.Tracing.BufferSize.Bytes())); err != nil {
		logger.Warn().Err(err).Msg("failed to start flight recorder")
	}
	defer tracing.Stop()

	// Listen first so the port announced in Connect is already open.
	ln, err := net.Listen("tcp", cfg.Proxy.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Proxy.Listen, err)
	}
	if cfg.Proxy.Port == 0 {
		cfg.Proxy.Port = ln.Addr().(*net.TCPAddr).Port
	}

	c, err := client.Dial(ctx, cfg, logger, client.Options{})
	if err != nil {
		_ = ln.Close()
		return err
	}
	defer func() { _ = c.Close() }()

	relay := proxy.New(c, proxy.Options{
		PSK:       cfg.Transport.PSK,
		RateLimit: cfg.Transport.SendRate.BytesPerSecond(),
		Logger:    logger,
	})
	relay.Serve(ln)
	defer func() { _ = relay.Close() }()

	if !c.IsZoneProxy() {
		log.Warn().Str("zone", cfg.Zone).Msg("zone already has a proxy; standing by")
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down...")
		return nil
	case <-c.Done():
		return errors.New("lost connection to server")
	}
}

// withClient dials the configured server for a one-shot command.
// loadCommandConfig loads the client config for a one-shot command. Only a
// running proxy daemon may claim its zone's proxy role.
func loadCommandConfig() (*config.ClientConfig, error) {
	cfg, err := loadClientConfig()
	if err != nil {
		return nil, err
	}
	cfg.Proxy.Enabled = false
	return cfg, nil
}

func withClient(fn func(ctx context.Context, c *client.Client) error) error {
	cfg, err := loadCommandConfig()
	if err != nil {
		return err
	}
	logger, closer, err := setupLogging(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	ctx, cancel := signalContext()
	defer cancel()

	c, err := client.Dial(ctx, cfg, logger, client.Options{})
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()
	return fn(ctx, c)
}

func runStore(cmd *cobra.Command, args []string) error {
	return withClient(func(ctx context.Context, c *client.Client) error {
		var failed int
		for _, path := range args {
			key, err := c.StoreFile(ctx, path, "")
			if err != nil {
				failed++
				log.Error().Err(err).Str("path", path).Msg("store failed")
				continue
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", key, path)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d stores failed", failed, len(args))
		}
		return nil
	})
}

func runFetch(cmd *cobra.Command, args []string) error {
	key, err := cas.ParseKey(args[0])
	if err != nil {
		return fmt.Errorf("invalid key: %w", err)
	}
	return withClient(func(ctx context.Context, c *client.Client) error {
		res, err := c.Materialize(ctx, key, args[1], args[1], !noProxy)
		if err != nil {
			return err
		}
		log.Info().
			Str("key", key.Short()).
			Str("source", res.Source).
			Int64("size", res.Size).
			Msg("fetched")
		return nil
	})
}

func runExists(cmd *cobra.Command, args []string) error {
	keys := make([]cas.Key, 0, len(args))
	for _, a := range args {
		key, err := cas.ParseKey(a)
		if err != nil {
			return fmt.Errorf("invalid key %q: %w", a, err)
		}
		keys = append(keys, key)
	}
	return withClient(func(ctx context.Context, c *client.Client) error {
		for _, key := range keys {
			ok, err := c.Exists(ctx, key)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s  %t\n", key, ok)
		}
		return nil
	})
}

func runScan(cmd *cobra.Command, args []string) error {
	return withClient(func(ctx context.Context, c *client.Client) error {
		stats, err := c.Scan(ctx, args...)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "files=%d hashed=%d unchanged=%d failed=%d bytes=%d\n",
			stats.Files, stats.Hashed, stats.Unchanged, stats.Failed, stats.Bytes)
		return nil
	})
}
