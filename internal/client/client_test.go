package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casmesh/casmesh/internal/config"
	"github.com/casmesh/casmesh/internal/server"
	"github.com/casmesh/casmesh/pkg/bytesize"
	"github.com/casmesh/casmesh/pkg/cas"
	"github.com/casmesh/casmesh/pkg/proto"
	"github.com/casmesh/casmesh/testutil"
)

func startServer(t *testing.T, compression bool, messageSize int) *server.Server {
	t.Helper()
	return startServerWith(t, func(cfg *config.ServerConfig) {
		cfg.MessageSize = bytesize.Size(messageSize)
		cfg.Compression.Enabled = compression
	})
}

func startServerWith(t *testing.T, mutate func(*config.ServerConfig)) *server.Server {
	t.Helper()
	cfg := config.DefaultServerConfig()
	cfg.Listen = "127.0.0.1:0"
	cfg.DataDir = t.TempDir()
	cfg.SnapshotInterval = "1h"
	mutate(cfg)

	srv, err := server.New(cfg, testutil.Logger(t))
	require.NoError(t, err)
	ln, err := net.Listen("tcp", cfg.Listen)
	require.NoError(t, err)
	srv.Serve(ln)
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func clientConfig(t *testing.T, srv *server.Server, name string) *config.ClientConfig {
	cfg := config.DefaultClientConfig()
	cfg.Name = name
	cfg.Server = srv.Addr().String()
	cfg.DataDir = t.TempDir()
	return cfg
}

func dialClient(t *testing.T, cfg *config.ClientConfig) *Client {
	t.Helper()
	c, err := Dial(context.Background(), cfg, testutil.Logger(t), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func retrieveBytes(t *testing.T, c *Client, key cas.Key) ([]byte, *Result) {
	t.Helper()
	res, err := c.Retrieve(context.Background(), key, "", true)
	require.NoError(t, err)
	data, err := c.ReadContent(res)
	require.NoError(t, err)
	return data, res
}

func TestDial_ServerInfo(t *testing.T) {
	srv := startServer(t, true, proto.MinMessageSize)
	c := dialClient(t, clientConfig(t, srv, "builder-1"))

	info := c.ServerInfo()
	assert.Equal(t, srv.ID(), info.ServerID)
	assert.Equal(t, cas.CompressorZstd, info.CompressorID)
	assert.Equal(t, uint32(proto.MinMessageSize), info.MessageSize)
	assert.True(t, c.storeCompressed)
	assert.False(t, c.IsZoneProxy())
}

func TestDial_InvalidConfig(t *testing.T) {
	cfg := config.DefaultClientConfig()
	cfg.Server = ""
	_, err := Dial(context.Background(), cfg, testutil.Logger(t), Options{})
	assert.Error(t, err)
}

func TestDial_Unreachable(t *testing.T) {
	cfg := config.DefaultClientConfig()
	cfg.Name = "lost"
	cfg.Server = fmt.Sprintf("127.0.0.1:%d", testutil.FreePort(t))
	cfg.DataDir = t.TempDir()
	_, err := Dial(context.Background(), cfg, testutil.Logger(t), Options{})
	assert.Error(t, err)
}

func TestStoreRetrieve_AcrossClients(t *testing.T) {
	sizes := []int{1, 100, proto.SegmentSize(proto.MinMessageSize), 3*proto.SegmentSize(proto.MinMessageSize) + 17}
	for _, size := range sizes {
		t.Run(fmt.Sprintf("%d", size), func(t *testing.T) {
			srv := startServer(t, true, proto.MinMessageSize)
			a := dialClient(t, clientConfig(t, srv, "a"))
			b := dialClient(t, clientConfig(t, srv, "b"))

			content := testutil.CompressibleBytes(size, int64(size))
			key, err := a.StoreBytes(context.Background(), content, "out/obj.o")
			require.NoError(t, err)
			assert.Equal(t, cas.ComputeKey(content).Canonical(), key)

			exists, err := b.Exists(context.Background(), key)
			require.NoError(t, err)
			assert.True(t, exists)

			got, res := retrieveBytes(t, b, key)
			assert.Equal(t, content, got)
			assert.Equal(t, SourceServer, res.Source)
			assert.Equal(t, int64(size), res.Size)
		})
	}
}

func TestStoreRetrieve_CompressionModes(t *testing.T) {
	content := testutil.CompressibleBytes(5*proto.SegmentSize(proto.MinMessageSize)+3, 7)
	for _, serverCompression := range []bool{true, false} {
		for _, storeMode := range []string{"on", "off", "auto"} {
			for _, fetchMode := range []string{"on", "off"} {
				name := fmt.Sprintf("server=%v/store=%s/fetch=%s", serverCompression, storeMode, fetchMode)
				t.Run(name, func(t *testing.T) {
					srv := startServer(t, serverCompression, proto.MinMessageSize)

					storeCfg := clientConfig(t, srv, "store")
					storeCfg.Compression = storeMode
					a := dialClient(t, storeCfg)

					fetchCfg := clientConfig(t, srv, "fetch")
					fetchCfg.Compression = fetchMode
					b := dialClient(t, fetchCfg)

					key, err := a.StoreBytes(context.Background(), content, "")
					require.NoError(t, err)

					got, res := retrieveBytes(t, b, key)
					assert.Equal(t, content, got)
					assert.Equal(t, fetchMode == "on", res.Compressed)
				})
			}
		}
	}
}

func TestStore_Idempotent(t *testing.T) {
	srv := startServer(t, true, proto.MinMessageSize)
	c := dialClient(t, clientConfig(t, srv, "a"))
	content := testutil.RandomBytes(20000, 1)

	key1, err := c.StoreBytes(context.Background(), content, "")
	require.NoError(t, err)
	key2, err := c.StoreBytes(context.Background(), content, "")
	require.NoError(t, err)

	assert.Equal(t, key1, key2)
	assert.Equal(t, 1.0, promtest.ToFloat64(c.Metrics().StoresTotal.WithLabelValues(storeUploaded)))
	assert.Equal(t, 1.0, promtest.ToFloat64(c.Metrics().StoresTotal.WithLabelValues(storeExisting)))
}

func TestStoreFile_RecordShortCircuit(t *testing.T) {
	srv := startServer(t, true, proto.MinMessageSize)
	c := dialClient(t, clientConfig(t, srv, "a"))

	content := testutil.RandomBytes(9000, 2)
	path := testutil.WriteFile(t, t.TempDir(), "lib/libfoo.a", content)
	key, err := c.StoreFile(context.Background(), path, "")
	require.NoError(t, err)

	got, res := retrieveBytes(t, c, key)
	assert.Equal(t, content, got)
	assert.Equal(t, SourceRecord, res.Source)
	assert.Equal(t, path, res.Path)

	// A modified file no longer vouches for the key.
	require.NoError(t, os.WriteFile(path, []byte("changed"), 0o644))
	_, res = retrieveBytes(t, c, key)
	assert.NotEqual(t, SourceRecord, res.Source)
}

func TestStoreFile_Empty(t *testing.T) {
	srv := startServer(t, true, proto.MinMessageSize)
	c := dialClient(t, clientConfig(t, srv, "a"))

	path := testutil.WriteFile(t, t.TempDir(), "empty", nil)
	key, err := c.StoreFile(context.Background(), path, "")
	require.NoError(t, err)
	assert.Equal(t, cas.EmptyKey, key)

	exists, err := c.Exists(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, exists)

	got, res := retrieveBytes(t, c, cas.EmptyKey)
	assert.Empty(t, got)
	assert.Equal(t, SourceEmpty, res.Source)
}

func TestRetrieve_NotFound(t *testing.T) {
	srv := startServer(t, true, proto.MinMessageSize)
	c := dialClient(t, clientConfig(t, srv, "a"))

	key := cas.ComputeKey([]byte("never stored"))
	_, err := c.Retrieve(context.Background(), key, "missing.o", true)
	require.Error(t, err)

	var me *cas.MaterializeError
	require.True(t, errors.As(err, &me))
	assert.Equal(t, "missing.o", me.Hint)
	assert.True(t, errors.Is(err, cas.ErrNotFound))
	assert.Equal(t, 1.0, promtest.ToFloat64(c.Metrics().RetrievesTotal.WithLabelValues(SourceServer, "not_found")))
}

func TestRetrieve_ConcurrentSameKey(t *testing.T) {
	srv := startServer(t, true, proto.MinMessageSize)
	a := dialClient(t, clientConfig(t, srv, "a"))
	b := dialClient(t, clientConfig(t, srv, "b"))

	content := testutil.RandomBytes(50000, 3)
	key, err := a.StoreBytes(context.Background(), content, "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 16)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := b.Retrieve(context.Background(), key, "", true)
			if err == nil {
				var got []byte
				if got, err = b.ReadContent(res); err == nil && string(got) != string(content) {
					err = errors.New("content differs")
				}
			}
			errs[i] = err
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
	_, ok := b.Table().Lookup(key)
	assert.True(t, ok)
}

func TestRetrieve_CancelledCallerDoesNotFailOthers(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping rate-limited transfer in short mode")
	}
	srv := startServerWith(t, func(cfg *config.ServerConfig) {
		cfg.MessageSize = bytesize.Size(proto.MinMessageSize)
		cfg.Transport.SendRate = bytesize.Rate(256 << 10)
	})
	a := dialClient(t, clientConfig(t, srv, "a"))
	b := dialClient(t, clientConfig(t, srv, "b"))

	content := testutil.RandomBytes(512<<10, 31)
	key, err := a.StoreBytes(context.Background(), content, "")
	require.NoError(t, err)

	impatient, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	var cancelledErr, patientErr error
	var got []byte
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, cancelledErr = b.Retrieve(impatient, key, "", true)
	}()
	go func() {
		defer wg.Done()
		res, err := b.Retrieve(context.Background(), key, "", true)
		if err == nil {
			got, err = b.ReadContent(res)
		}
		patientErr = err
	}()
	time.Sleep(200 * time.Millisecond)
	cancel()
	wg.Wait()

	require.NoError(t, patientErr)
	assert.Equal(t, content, got)
	if cancelledErr != nil {
		assert.ErrorIs(t, cancelledErr, cas.ErrClosed)
	}

	b.flightMu.Lock()
	assert.Empty(t, b.flights)
	b.flightMu.Unlock()
}

func TestRetrieve_LargeContent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping large transfer in short mode")
	}
	srv := startServer(t, true, proto.DefaultMessageSize)
	a := dialClient(t, clientConfig(t, srv, "a"))
	b := dialClient(t, clientConfig(t, srv, "b"))

	content := testutil.RandomBytes(10<<20, 4)
	key, err := a.StoreBytes(context.Background(), content, "big.bin")
	require.NoError(t, err)

	got, _ := retrieveBytes(t, b, key)
	assert.Equal(t, len(content), len(got))
	assert.Equal(t, content, got)
}

func TestScan_IndexesAndReusesKeys(t *testing.T) {
	srv := startServer(t, true, proto.MinMessageSize)
	cfg := clientConfig(t, srv, "a")
	c := dialClient(t, cfg)

	dir := t.TempDir()
	one := testutil.RandomBytes(3000, 5)
	two := testutil.RandomBytes(7000, 6)
	testutil.WriteFile(t, dir, "one.o", one)
	testutil.WriteFile(t, dir, "sub/two.o", two)
	testutil.WriteFile(t, dir, "sub/empty.o", nil)

	stats, err := c.Scan(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Files)
	assert.Equal(t, 2, stats.Hashed)
	assert.Equal(t, int64(10000), stats.Bytes)
	assert.FileExists(t, cfg.ScanIndexPath())

	stats, err = c.Scan(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Unchanged)
	assert.Equal(t, 0, stats.Hashed)

	// Scanned content is served locally even with the server gone.
	require.NoError(t, srv.Close())
	got, res := retrieveBytes(t, c, cas.ComputeKey(two))
	assert.Equal(t, two, got)
	assert.Equal(t, SourceLocal, res.Source)
}

func TestScan_RewrittenFileNotServed(t *testing.T) {
	srv := startServer(t, true, proto.MinMessageSize)
	c := dialClient(t, clientConfig(t, srv, "a"))

	dir := t.TempDir()
	original := testutil.RandomBytes(4096, 21)
	path := testutil.WriteFile(t, dir, "app.o", original)
	_, err := c.Scan(context.Background(), dir)
	require.NoError(t, err)
	key := cas.ComputeKey(original)

	// The build overwrites the output with different bytes of the same size.
	require.NoError(t, os.WriteFile(path, testutil.RandomBytes(4096, 22), 0o644))
	fi, err := os.Stat(path)
	require.NoError(t, err)
	later := fi.ModTime().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, later, later))

	_, err = c.Retrieve(context.Background(), key, "", true)
	var merr *cas.MaterializeError
	require.ErrorAs(t, err, &merr)
	assert.ErrorIs(t, err, cas.ErrNotFound)

	// Once the server has the real content it is fetched from there.
	storer := dialClient(t, clientConfig(t, srv, "storer"))
	_, err = storer.StoreBytes(context.Background(), original, "")
	require.NoError(t, err)
	got, res := retrieveBytes(t, c, key)
	assert.Equal(t, original, got)
	assert.Equal(t, SourceServer, res.Source)
}

func TestMaterialize(t *testing.T) {
	srv := startServer(t, true, proto.MinMessageSize)
	a := dialClient(t, clientConfig(t, srv, "a"))
	b := dialClient(t, clientConfig(t, srv, "b"))

	content := testutil.CompressibleBytes(30000, 8)
	key, err := a.StoreBytes(context.Background(), content, "")
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "out", "obj.o")
	_, err = b.Materialize(context.Background(), key, "", dest, true)
	require.NoError(t, err)
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	empty := filepath.Join(t.TempDir(), "empty")
	_, err = b.Materialize(context.Background(), cas.EmptyKey, "", empty, true)
	require.NoError(t, err)
	fi, err := os.Stat(empty)
	require.NoError(t, err)
	assert.Zero(t, fi.Size())
}

func TestZoneProxy_ClaimAndBadProxyFallback(t *testing.T) {
	srv := startServer(t, true, proto.MinMessageSize)

	// The claimant announces a port nothing listens on.
	proxyCfg := clientConfig(t, srv, "proxy")
	proxyCfg.Zone = "rack-1"
	proxyCfg.Proxy.Enabled = true
	proxyCfg.Proxy.Port = testutil.FreePort(t)
	proxyCfg.Proxy.Advertise = "127.0.0.1"
	p := dialClient(t, proxyCfg)
	assert.True(t, p.IsZoneProxy())

	storer := dialClient(t, clientConfig(t, srv, "storer"))
	content := testutil.RandomBytes(12000, 9)
	key, err := storer.StoreBytes(context.Background(), content, "")
	require.NoError(t, err)

	cfg := clientConfig(t, srv, "member")
	cfg.Zone = "rack-1"
	cfg.ProxyRetries = 1
	cfg.ProxyConnectTimeout = "1s"
	c := dialClient(t, cfg)

	got, res := retrieveBytes(t, c, key)
	assert.Equal(t, content, got)
	assert.Equal(t, SourceServer, res.Source)
	assert.Equal(t, 1.0, promtest.ToFloat64(c.Metrics().ProxyFailures))

	// The bad proxy is remembered; the next fetch goes straight to the server.
	other := testutil.RandomBytes(5000, 10)
	otherKey, err := storer.StoreBytes(context.Background(), other, "")
	require.NoError(t, err)
	got, _ = retrieveBytes(t, c, otherKey)
	assert.Equal(t, other, got)
	assert.Equal(t, 1.0, promtest.ToFloat64(c.Metrics().ProxyFailures))
}

func TestRetrieve_ProxyDisallowed(t *testing.T) {
	srv := startServer(t, true, proto.MinMessageSize)

	proxyCfg := clientConfig(t, srv, "proxy")
	proxyCfg.Zone = "rack-1"
	proxyCfg.Proxy.Enabled = true
	proxyCfg.Proxy.Port = testutil.FreePort(t)
	proxyCfg.Proxy.Advertise = "127.0.0.1"
	dialClient(t, proxyCfg)

	cfg := clientConfig(t, srv, "member")
	cfg.Zone = "rack-1"
	allow := false
	cfg.AllowProxy = &allow
	c := dialClient(t, cfg)

	storer := dialClient(t, clientConfig(t, srv, "storer"))
	content := testutil.RandomBytes(6000, 11)
	key, err := storer.StoreBytes(context.Background(), content, "")
	require.NoError(t, err)

	got, res := retrieveBytes(t, c, key)
	assert.Equal(t, content, got)
	assert.Equal(t, SourceServer, res.Source)
	assert.Zero(t, promtest.ToFloat64(c.Metrics().ProxyFailures))
}

func TestClose_Idempotent(t *testing.T) {
	srv := startServer(t, true, proto.MinMessageSize)
	c, err := Dial(context.Background(), clientConfig(t, srv, "a"), testutil.Logger(t), Options{})
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = c.Exists(context.Background(), cas.ComputeKey([]byte("x")))
	assert.True(t, errors.Is(err, cas.ErrClosed))
}
