// Package client implements the casmesh storage client: a local content
// table seeded by directory scans, and retrieval and storage against the
// server, optionally through a zone proxy.
package client

import (
	"context"
	"fmt"
	"hash/maphash"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/casmesh/casmesh/internal/config"
	"github.com/casmesh/casmesh/internal/mapped"
	"github.com/casmesh/casmesh/internal/metrics"
	"github.com/casmesh/casmesh/internal/store"
	"github.com/casmesh/casmesh/internal/transport"
	"github.com/casmesh/casmesh/pkg/cas"
	"github.com/casmesh/casmesh/pkg/proto"
)

// Options tune a Client beyond its config.
type Options struct {
	// Registerer receives the client metrics. Nil uses a private registry.
	Registerer prometheus.Registerer
}

// Client is a connection to a storage server plus the local content it knows
// about.
type Client struct {
	cfg        *config.ClientConfig
	base       zerolog.Logger
	logger     zerolog.Logger
	pool       *mapped.Pool
	table      *store.Table
	compressor *cas.Compressor
	metrics    *metrics.ClientMetrics
	server     *remote

	// storeCompressed is the form content is kept in locally and uploaded in.
	storeCompressed bool
	records         *xsync.MapOf[cas.Key, localRecord]
	retrieves       singleflight.Group
	flightMu        sync.Mutex
	flights         map[string]*flight

	proxyMu    sync.Mutex
	proxies    map[string]*remote
	proxyDials singleflight.Group
	badProxies *lru.Cache[string, time.Time]
	zoneProxy  bool

	closeOnce sync.Once
	closeErr  error
}

// localRecord is content this client produced itself.
type localRecord struct {
	path       string
	size       int64
	modTime    time.Time
	compressed bool
}

func hashKey(seed maphash.Seed, k cas.Key) uint64 {
	return maphash.Bytes(seed, k[:])
}

// Dial connects to the configured server and performs the Connect handshake.
func Dial(ctx context.Context, cfg *config.ClientConfig, logger zerolog.Logger, opts Options) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	bad, err := lru.New[string, time.Time](cfg.BadProxyCache)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:        cfg,
		base:       logger,
		logger:     logger.With().Str("component", "client").Str("name", cfg.Name).Logger(),
		pool:       mapped.NewPool(logger),
		metrics:    metrics.NewClientMetrics(reg, cfg.Name),
		records:    xsync.NewTypedMapOf[cas.Key, localRecord](hashKey),
		proxies:    make(map[string]*remote),
		flights:    make(map[string]*flight),
		badProxies: bad,
	}
	c.server, err = dialRemote(ctx, cfg.Server, c.transportOptions(), c.connectRequest(true))
	if err != nil {
		_ = c.pool.Close()
		return nil, fmt.Errorf("connect to %s: %w", cfg.Server, err)
	}

	level := int(c.server.info.CompressionLevel)
	switch cfg.Compression {
	case "on":
		c.storeCompressed = true
	case "off":
		c.storeCompressed = false
	default:
		c.storeCompressed = c.server.info.CompressorID == cas.CompressorZstd
	}
	c.compressor = cas.NewCompressor(level)

	c.table, err = store.New(store.Options{
		Root:              cfg.StoreDir(),
		MemoryWriteLimit:  cfg.MemoryWriteLimit.Bytes(),
		WaitCheckInterval: config.Duration(cfg.Wait.CheckInterval, store.DefaultWaitCheckInterval),
		WaitTimeout:       config.Duration(cfg.Wait.Timeout, store.DefaultWaitTimeout),
		Compressor:        c.compressor,
	}, c.pool, logger)
	if err != nil {
		_ = c.server.close()
		_ = c.pool.Close()
		return nil, err
	}

	c.logger.Info().
		Str("server", cfg.Server).
		Str("server_id", c.server.info.ServerID.String()).
		Int("message_size", int(c.server.info.MessageSize)).
		Bool("store_compressed", c.storeCompressed).
		Msg("connected to storage server")

	if cfg.Proxy.Enabled && cfg.Zone != "" {
		if err := c.claimZoneProxy(ctx); err != nil {
			c.logger.Warn().Err(err).Str("zone", cfg.Zone).Msg("failed to claim zone proxy role")
		}
	}
	return c, nil
}

func (c *Client) transportOptions() transport.Options {
	return transport.Options{
		PSK:         c.cfg.Transport.PSK,
		RateLimit:   c.cfg.Transport.SendRate.BytesPerSecond(),
		CallTimeout: config.Duration(c.cfg.Transport.CallTimeout, transport.DefaultCallTimeout),
		Logger:      c.base,
	}
}

// connectRequest builds the handshake. Only the server connection announces
// the proxy role.
func (c *Client) connectRequest(toServer bool) *proto.ConnectRequest {
	req := &proto.ConnectRequest{
		Name:            c.cfg.Name,
		ProtocolVersion: proto.ProtocolVersion,
		Zone:            c.cfg.Zone,
	}
	if c.table != nil {
		req.SizeHint = uint64(c.table.Stats().StoredBytes)
	}
	if toServer && c.cfg.Proxy.Enabled {
		req.IsProxy = true
		req.ProxyPort = uint16(c.cfg.Proxy.AdvertisedPort())
		req.LocalAddresses = advertiseAddresses(c.cfg.Proxy.Advertise)
	}
	return req
}

// advertiseAddresses returns the configured host, or the machine's
// non-loopback interface addresses.
func advertiseAddresses(configured string) []string {
	if configured != "" {
		return []string{configured}
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	var out []string
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() || ipNet.IP.IsLinkLocalUnicast() {
			continue
		}
		out = append(out, ipNet.IP.String())
		if len(out) == proto.MaxLocalAddrs {
			break
		}
	}
	return out
}

// claimZoneProxy asks the server to make this client its zone's proxy.
func (c *Client) claimZoneProxy(ctx context.Context) error {
	var resp proto.FetchBeginResponse
	err := c.server.do(ctx, proto.MsgFetchBegin, &proto.FetchBeginRequest{
		WantsProxy: true,
		Key:        cas.EmptyKey,
	}, func(payload []byte) error {
		return proto.Unmarshal(proto.MsgFetchBegin, payload, &resp)
	})
	if err != nil {
		return err
	}
	if resp.Proxy != nil && resp.Proxy.IsNew {
		c.setZoneProxy()
	} else if resp.Proxy != nil {
		c.logger.Info().Str("zone", c.cfg.Zone).Str("proxy", resp.Proxy.Address()).Msg("zone already has a proxy")
	}
	return nil
}

func (c *Client) setZoneProxy() {
	c.proxyMu.Lock()
	already := c.zoneProxy
	c.zoneProxy = true
	c.proxyMu.Unlock()
	if !already {
		c.logger.Info().Str("zone", c.cfg.Zone).Msg("serving as zone proxy")
	}
}

// IsZoneProxy reports whether the server made this client its zone's proxy.
func (c *Client) IsZoneProxy() bool {
	c.proxyMu.Lock()
	defer c.proxyMu.Unlock()
	return c.zoneProxy
}

// ServerInfo returns the server's Connect response.
func (c *Client) ServerInfo() proto.ConnectResponse { return c.server.info }

// Table returns the local content table.
func (c *Client) Table() *store.Table { return c.table }

// Metrics returns the client metrics.
func (c *Client) Metrics() *metrics.ClientMetrics { return c.metrics }

// Logger returns the client logger.
func (c *Client) Logger() zerolog.Logger { return c.logger }

// Done is closed when the server connection is lost.
func (c *Client) Done() <-chan struct{} { return c.server.conn.Done() }

// Exists asks the server whether it holds key.
func (c *Client) Exists(ctx context.Context, key cas.Key) (bool, error) {
	if key.SameContent(cas.EmptyKey) {
		return true, nil
	}
	var resp proto.ExistsResponse
	if err := c.server.call(ctx, proto.MsgExists, &proto.KeyRequest{Key: key.Canonical()}, &resp); err != nil {
		return false, err
	}
	return resp.Exists, nil
}

// Close closes the server and proxy connections and releases local buffers.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		var result *multierror.Error
		c.proxyMu.Lock()
		for addr, r := range c.proxies {
			if err := r.close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("close proxy %s: %w", addr, err))
			}
			delete(c.proxies, addr)
		}
		c.proxyMu.Unlock()
		if err := c.server.close(); err != nil {
			result = multierror.Append(result, err)
		}
		if err := c.pool.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		c.closeErr = result.ErrorOrNil()
	})
	return c.closeErr
}
