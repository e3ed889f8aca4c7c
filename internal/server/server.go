// Package server implements the casmesh storage server: the authoritative
// entry table, segmented fetch and store handling, and zone proxy assignment.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/casmesh/casmesh/internal/config"
	"github.com/casmesh/casmesh/internal/logging/audit"
	"github.com/casmesh/casmesh/internal/mapped"
	"github.com/casmesh/casmesh/internal/metrics"
	"github.com/casmesh/casmesh/internal/store"
	"github.com/casmesh/casmesh/internal/tracing"
	"github.com/casmesh/casmesh/internal/transfer"
	"github.com/casmesh/casmesh/internal/transport"
	"github.com/casmesh/casmesh/pkg/cas"
	"github.com/casmesh/casmesh/pkg/proto"
)

// Server owns the entry table and serves client sessions.
type Server struct {
	cfg    *config.ServerConfig
	id     uuid.UUID
	logger zerolog.Logger
	audit  *audit.Logger

	pool       *mapped.Pool
	table      *store.Table
	compressor *cas.Compressor
	transport  *transport.Server
	registry   *transfer.Registry
	fetches    *transfer.Fetches
	stores     *transfer.Arena[*storeTransfer]
	zones      *zoneMap
	segSize    int
	connectMu  sync.Mutex

	promReg   *prometheus.Registry
	metrics   *metrics.ServerMetrics
	collector *metrics.Collector

	httpSrv  *http.Server
	listener net.Listener

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// New creates a server from cfg, loading the table snapshot if one exists.
func New(cfg *config.ServerConfig, logger zerolog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	disallowed, err := cfg.DisallowedKeyList()
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	s := &Server{
		cfg:     cfg,
		id:      id,
		logger:  logger.With().Str("component", "server").Logger(),
		audit:   audit.NewLogger(logger),
		pool:    mapped.NewPool(logger),
		segSize: proto.SegmentSize(int(cfg.MessageSize)),
		zones:   newZoneMap(),
		promReg: metrics.NewRegistry(),
	}
	s.compressor = cas.NewCompressor(cfg.Compression.Level)
	s.metrics = metrics.NewServerMetrics(s.promReg, id.String())

	s.table, err = store.New(store.Options{
		Root:              cfg.StoreDir(),
		Capacity:          cfg.Capacity.Bytes(),
		MaxObjectSize:     cfg.MaxObjectSize.Bytes(),
		HintRoot:          cfg.HintRoot,
		MemoryWriteLimit:  cfg.MemoryWriteLimit.Bytes(),
		WaitCheckInterval: config.Duration(cfg.Wait.CheckInterval, store.DefaultWaitCheckInterval),
		WaitTimeout:       config.Duration(cfg.Wait.Timeout, store.DefaultWaitTimeout),
		Compressor:        s.compressor,
		BeforeWait:        transport.ReleaseWorker,
	}, s.pool, logger)
	if err != nil {
		return nil, err
	}
	n, err := s.table.Load(cfg.SnapshotPath())
	if err != nil {
		s.logger.Warn().Err(err).Str("path", cfg.SnapshotPath()).Msg("ignoring unreadable table snapshot")
	} else if n > 0 {
		s.logger.Info().Int("entries", n).Msg("loaded table snapshot")
	}
	for _, k := range disallowed {
		s.table.Disallow(k)
	}

	s.registry = transfer.NewRegistry()
	s.fetches = transfer.NewFetches(transfer.FetchOptions{
		SegmentSize:  s.segSize,
		MaxTransfers: cfg.MaxTransfers,
		Logger:       logger,
		Done: func(_ cas.Key, _ int64, elapsed time.Duration, err error) {
			s.metrics.ObserveFetch(elapsed, err)
		},
	}, s.registry)
	s.stores = transfer.NewArena[*storeTransfer](cfg.MaxTransfers)

	s.transport = transport.NewServer(s, transport.ServerOptions{
		Options: transport.Options{
			MessageSize: int(cfg.MessageSize),
			PSK:         cfg.Transport.PSK,
			RateLimit:   cfg.Transport.SendRate.BytesPerSecond(),
			Observer:    s.metrics.Traffic(),
			Logger:      logger,
		},
		Workers: cfg.Workers,
	})
	s.collector = metrics.NewCollector(s.metrics, s, 0)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// ID returns the server id announced on Connect.
func (s *Server) ID() uuid.UUID { return s.id }

// Table returns the entry table.
func (s *Server) Table() *store.Table { return s.table }

// Registry returns the Prometheus registry holding the server metrics.
func (s *Server) Registry() *prometheus.Registry { return s.promReg }

// Handler returns the HTTP handler serving client connections, metrics,
// traces and health checks.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(transport.Path, s.transport)
	mux.Handle("/metrics", metrics.Handler(s.promReg))
	mux.Handle("/debug/trace", tracing.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = fmt.Fprintf(w, "ok %s\n", s.id)
	})
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Listen, err)
	}
	s.Serve(ln)
	return nil
}

// Serve serves on ln in the background until Close.
func (s *Server) Serve(ln net.Listener) {
	s.listener = ln
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("http server stopped")
		}
	}()
	go func() {
		defer s.wg.Done()
		s.snapshotLoop(config.Duration(s.cfg.SnapshotInterval, 5*time.Minute))
	}()
	go func() {
		defer s.wg.Done()
		s.collector.Run(s.ctx)
	}()

	s.logger.Info().
		Str("listen", ln.Addr().String()).
		Str("server_id", s.id.String()).
		Str("zone", s.cfg.Zone).
		Int("message_size", int(s.cfg.MessageSize)).
		Bool("compression", s.cfg.Compression.Enabled).
		Msg("storage server started")
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) snapshotLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.table.Dirty() {
				if err := s.SaveSnapshot(); err != nil {
					s.logger.Error().Err(err).Msg("periodic snapshot failed")
				}
			}
		}
	}
}

// SaveSnapshot writes the table snapshot now.
func (s *Server) SaveSnapshot() error {
	start := time.Now()
	n, err := s.table.Save(s.cfg.SnapshotPath())
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	s.logger.Debug().Int("entries", n).Dur("elapsed", time.Since(start)).Msg("saved table snapshot")
	return nil
}

// Close ends every session, saves the snapshot and releases all buffers.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		var result *multierror.Error
		if err := s.transport.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		if s.httpSrv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				result = multierror.Append(result, fmt.Errorf("shutdown http: %w", err))
			}
			cancel()
		}
		s.cancel()
		s.wg.Wait()

		if err := s.SaveSnapshot(); err != nil {
			result = multierror.Append(result, err)
		}
		if err := s.pool.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		s.closeErr = result.ErrorOrNil()
		s.logger.Info().Msg("storage server stopped")
	})
	return s.closeErr
}

// MetricsSnapshot implements metrics.Source.
func (s *Server) MetricsSnapshot() metrics.Snapshot {
	ts := s.table.Stats()
	ps := s.pool.Stats()
	return metrics.Snapshot{
		Sessions:         s.transport.Sessions(),
		ActiveRequests:   s.transport.ActiveRequests(),
		ActiveFetches:    s.fetches.Active(),
		ActiveStores:     s.stores.Len(),
		ProxyAssignments: s.zones.len(),
		Entries:          ts.Entries,
		StoredBytes:      ts.StoredBytes,
		ActiveWriters:    ts.ActiveWriters,
		PendingWaits:     ts.PendingWaits,
		Materializations: ts.Materializations,
		LiveViews:        ps.LiveViews,
		MemoryBytes:      ps.MemoryBytes,
		MappedBytes:      ps.MappedBytes,
	}
}
