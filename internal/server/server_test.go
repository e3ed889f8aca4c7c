package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casmesh/casmesh/internal/config"
	"github.com/casmesh/casmesh/internal/transfer"
	"github.com/casmesh/casmesh/internal/transport"
	"github.com/casmesh/casmesh/pkg/bytesize"
	"github.com/casmesh/casmesh/pkg/cas"
	"github.com/casmesh/casmesh/pkg/proto"
	"github.com/casmesh/casmesh/testutil"
)

const testMessageSize = proto.MinMessageSize

var testSeg = proto.SegmentSize(testMessageSize)

func testConfig(t *testing.T) *config.ServerConfig {
	cfg := config.DefaultServerConfig()
	cfg.Listen = "127.0.0.1:0"
	cfg.DataDir = t.TempDir()
	cfg.MessageSize = bytesize.Size(testMessageSize)
	cfg.SnapshotInterval = "1h"
	cfg.Compression.Enabled = true
	return cfg
}

func startServer(t *testing.T, cfg *config.ServerConfig) *Server {
	t.Helper()
	srv, err := New(cfg, testutil.Logger(t))
	require.NoError(t, err)
	ln, err := net.Listen("tcp", cfg.Listen)
	require.NoError(t, err)
	srv.Serve(ln)
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func dial(t *testing.T, srv *Server) *transport.Conn {
	t.Helper()
	c, err := transport.Dial(context.Background(), srv.Addr().String(), transport.Options{
		Logger: testutil.Logger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func call(t *testing.T, c *transport.Conn, mt proto.MsgType, req, resp proto.Message) error {
	t.Helper()
	r, err := c.Call(context.Background(), mt, req)
	if err != nil {
		return err
	}
	defer r.Release()
	if resp == nil {
		return nil
	}
	payload := append([]byte(nil), r.Payload...)
	require.NoError(t, resp.Decode(payload))
	return nil
}

func connect(t *testing.T, srv *Server, name, zone string, proxyPort uint16) (*transport.Conn, *proto.ConnectResponse) {
	t.Helper()
	c := dial(t, srv)
	var resp proto.ConnectResponse
	require.NoError(t, call(t, c, proto.MsgConnect, &proto.ConnectRequest{
		Name:            name,
		ProtocolVersion: proto.ProtocolVersion,
		Zone:            zone,
		ProxyPort:       proxyPort,
		LocalAddresses:  []string{"10.0.0.1"},
	}, &resp))
	return c, &resp
}

func beginStore(t *testing.T, c *transport.Conn, key cas.Key, content []byte, rawSize uint64, compressed bool) uint16 {
	t.Helper()
	var resp proto.StoreBeginResponse
	require.NoError(t, call(t, c, proto.MsgStoreBegin, &proto.StoreBeginRequest{
		Key:              key,
		FullSize:         uint64(len(content)),
		UncompressedSize: rawSize,
		Compressed:       compressed,
		Data:             content[:min(testSeg, len(content))],
	}, &resp))
	return resp.StoreID
}

func sendSegments(t *testing.T, c *transport.Conn, id uint16, content []byte) {
	t.Helper()
	for off := testSeg; off < len(content); off += testSeg {
		var resp proto.StoreSegmentResponse
		end := min(off+testSeg, len(content))
		require.NoError(t, call(t, c, proto.MsgStoreSegment, &proto.StoreSegmentRequest{
			StoreID: id,
			Offset:  uint64(off),
			Data:    content[off:end],
		}, &resp))
		assert.Equal(t, end == len(content), resp.Done)
	}
}

func storeContent(t *testing.T, c *transport.Conn, key cas.Key, content []byte, rawSize uint64, compressed bool) {
	t.Helper()
	id := beginStore(t, c, key, content, rawSize, compressed)
	if id != proto.TransferComplete {
		sendSegments(t, c, id, content)
	}
}

func fetchContent(t *testing.T, c *transport.Conn, key cas.Key) ([]byte, bool, error) {
	t.Helper()
	var begin proto.FetchBeginResponse
	if err := call(t, c, proto.MsgFetchBegin, &proto.FetchBeginRequest{Key: key}, &begin); err != nil {
		return nil, false, err
	}
	require.Nil(t, begin.Proxy)
	out := make([]byte, begin.TotalSize)
	copy(out, begin.Data)
	if begin.TransferID == proto.TransferComplete {
		return out, begin.Compressed, nil
	}
	n := proto.SegmentCount(begin.TotalSize, testSeg)
	for i := 1; i < n; i++ {
		var chunk proto.Raw
		if err := call(t, c, proto.MsgFetchSegment, &proto.FetchSegmentRequest{
			TransferID: begin.TransferID,
			Index:      uint32(i),
		}, &chunk); err != nil {
			return nil, false, err
		}
		copy(out[i*testSeg:], chunk)
	}
	return out, begin.Compressed, nil
}

func TestConnect(t *testing.T) {
	srv := startServer(t, testConfig(t))
	_, resp := connect(t, srv, "builder-1", "", 0)

	assert.Equal(t, srv.ID(), resp.ServerID)
	assert.Equal(t, uint32(testMessageSize), resp.MessageSize)
	assert.Equal(t, cas.CompressorZstd, resp.CompressorID)
	assert.Equal(t, byte(3), resp.CompressionLevel)
}

func TestConnect_CompressionDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Compression.Enabled = false
	srv := startServer(t, cfg)
	_, resp := connect(t, srv, "builder-1", "", 0)
	assert.Zero(t, resp.CompressorID)
}

func TestConnect_VersionMismatch(t *testing.T) {
	srv := startServer(t, testConfig(t))
	c := dial(t, srv)

	err := call(t, c, proto.MsgConnect, &proto.ConnectRequest{
		Name:            "old",
		ProtocolVersion: proto.ProtocolVersion - 1,
	}, nil)
	require.ErrorIs(t, err, cas.ErrProtocol)

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection not closed after version mismatch")
	}
}

func TestRequestBeforeConnect(t *testing.T) {
	srv := startServer(t, testConfig(t))
	c := dial(t, srv)

	err := call(t, c, proto.MsgExists, &proto.KeyRequest{Key: cas.ComputeKey([]byte("x"))}, nil)
	assert.ErrorIs(t, err, cas.ErrProtocol)
}

func TestConnectTwice(t *testing.T) {
	srv := startServer(t, testConfig(t))
	c, _ := connect(t, srv, "a", "", 0)

	err := call(t, c, proto.MsgConnect, &proto.ConnectRequest{Name: "a", ProtocolVersion: proto.ProtocolVersion}, nil)
	assert.ErrorIs(t, err, cas.ErrProtocol)
}

func TestStoreFetch_RoundTrip(t *testing.T) {
	srv := startServer(t, testConfig(t))
	c, _ := connect(t, srv, "builder", "", 0)

	for _, size := range []int{1, testSeg - 1, testSeg, testSeg + 1, 5*testSeg + 17} {
		content := testutil.RandomBytes(size, int64(size))
		key := cas.ComputeKey(content)
		storeContent(t, c, key, content, uint64(size), false)

		var exists proto.ExistsResponse
		require.NoError(t, call(t, c, proto.MsgExists, &proto.KeyRequest{Key: key}, &exists))
		assert.True(t, exists.Exists, "size %d", size)

		got, compressed, err := fetchContent(t, c, key)
		require.NoError(t, err)
		assert.False(t, compressed)
		assert.Equal(t, content, got, "size %d", size)
	}
	assert.Zero(t, srv.MetricsSnapshot().ActiveFetches)
	assert.Zero(t, srv.MetricsSnapshot().ActiveStores)
}

func TestStoreFetch_Compressed(t *testing.T) {
	srv := startServer(t, testConfig(t))
	c, _ := connect(t, srv, "builder", "", 0)

	raw := testutil.CompressibleBytes(200_000, 7)
	comp := cas.Compress(raw)
	key := cas.ComputeKey(raw).WithCompressed(true)
	storeContent(t, c, key, comp, uint64(len(raw)), true)

	got, compressed, err := fetchContent(t, c, key.WithCompressed(false))
	require.NoError(t, err)
	assert.True(t, compressed)

	plain := make([]byte, len(raw))
	require.NoError(t, cas.Decompress(plain, got))
	assert.Equal(t, raw, plain)
}

func TestStore_Idempotent(t *testing.T) {
	srv := startServer(t, testConfig(t))
	c, _ := connect(t, srv, "builder", "", 0)

	content := testutil.RandomBytes(3*testSeg, 1)
	key := cas.ComputeKey(content)
	storeContent(t, c, key, content, uint64(len(content)), false)

	id := beginStore(t, c, key, content, uint64(len(content)), false)
	assert.Equal(t, proto.TransferComplete, id)
	assert.Equal(t, int64(1), srv.Table().Materializations())
}

func TestStore_EmptyContent(t *testing.T) {
	srv := startServer(t, testConfig(t))
	c, _ := connect(t, srv, "builder", "", 0)

	id := beginStore(t, c, cas.EmptyKey, nil, 0, false)
	assert.Equal(t, proto.TransferComplete, id)

	var exists proto.ExistsResponse
	require.NoError(t, call(t, c, proto.MsgExists, &proto.KeyRequest{Key: cas.EmptyKey}, &exists))
	assert.True(t, exists.Exists)
}

func TestStore_ContentMismatch(t *testing.T) {
	srv := startServer(t, testConfig(t))
	c, _ := connect(t, srv, "builder", "", 0)

	content := testutil.RandomBytes(100, 1)
	key := cas.ComputeKey([]byte("something else"))
	err := call(t, c, proto.MsgStoreBegin, &proto.StoreBeginRequest{
		Key:              key,
		FullSize:         100,
		UncompressedSize: 100,
		Data:             content,
	}, nil)
	assert.ErrorIs(t, err, cas.ErrContentMismatch)
	assert.False(t, srv.Table().Exists(key))
}

func TestStore_WrongInlineLength(t *testing.T) {
	srv := startServer(t, testConfig(t))
	c, _ := connect(t, srv, "builder", "", 0)

	content := testutil.RandomBytes(2*testSeg, 1)
	err := call(t, c, proto.MsgStoreBegin, &proto.StoreBeginRequest{
		Key:              cas.ComputeKey(content),
		FullSize:         uint64(len(content)),
		UncompressedSize: uint64(len(content)),
		Data:             content[:testSeg-1],
	}, nil)
	assert.ErrorIs(t, err, cas.ErrProtocol)
}

func TestStoreBegin_RejectsOversizedDeclaration(t *testing.T) {
	cfg := testConfig(t)
	cfg.Capacity = bytesize.Size(1 << 20)
	srv := startServer(t, cfg)
	c, _ := connect(t, srv, "builder", "", 0)

	inline := testutil.RandomBytes(testSeg, 8)
	begin := func(size uint64) error {
		return call(t, c, proto.MsgStoreBegin, &proto.StoreBeginRequest{
			Key:              cas.ComputeKey(inline),
			FullSize:         size,
			UncompressedSize: size,
			Data:             inline,
		}, nil)
	}
	assert.ErrorIs(t, begin(1<<40), cas.ErrProtocol)
	assert.ErrorIs(t, begin(2<<20), cas.ErrStorageIO)

	assert.Zero(t, srv.MetricsSnapshot().ActiveStores)
	assert.Zero(t, srv.Table().Stats().ActiveWriters)
}

func TestStoreSegment_BadOffsetAbortsStore(t *testing.T) {
	srv := startServer(t, testConfig(t))
	c, _ := connect(t, srv, "builder", "", 0)

	content := testutil.RandomBytes(3*testSeg, 2)
	key := cas.ComputeKey(content)
	id := beginStore(t, c, key, content, uint64(len(content)), false)
	require.NotEqual(t, proto.TransferComplete, id)

	err := call(t, c, proto.MsgStoreSegment, &proto.StoreSegmentRequest{
		StoreID: id,
		Offset:  uint64(testSeg + 1),
		Data:    content[testSeg+1 : 2*testSeg+1],
	}, nil)
	require.ErrorIs(t, err, cas.ErrProtocol)

	assert.Zero(t, srv.MetricsSnapshot().ActiveStores)
	assert.False(t, srv.Table().Exists(key))

	// The key is writable again.
	storeContent(t, c, key, content, uint64(len(content)), false)
	assert.True(t, srv.Table().Exists(key))
}

func TestStoreSegment_OutOfOrderAndDuplicate(t *testing.T) {
	srv := startServer(t, testConfig(t))
	c, _ := connect(t, srv, "builder", "", 0)

	content := testutil.RandomBytes(4*testSeg-5, 3)
	key := cas.ComputeKey(content)
	id := beginStore(t, c, key, content, uint64(len(content)), false)

	send := func(i int) bool {
		var resp proto.StoreSegmentResponse
		off := i * testSeg
		require.NoError(t, call(t, c, proto.MsgStoreSegment, &proto.StoreSegmentRequest{
			StoreID: id,
			Offset:  uint64(off),
			Data:    content[off:min(off+testSeg, len(content))],
		}, &resp))
		return resp.Done
	}
	assert.False(t, send(3))
	assert.False(t, send(1))
	assert.False(t, send(1))
	assert.True(t, send(2))
	assert.True(t, srv.Table().Exists(key))
}

func TestStoreSegment_ForeignSession(t *testing.T) {
	srv := startServer(t, testConfig(t))
	a, _ := connect(t, srv, "a", "", 0)
	b, _ := connect(t, srv, "b", "", 0)

	content := testutil.RandomBytes(2*testSeg, 4)
	id := beginStore(t, a, cas.ComputeKey(content), content, uint64(len(content)), false)

	err := call(t, b, proto.MsgStoreSegment, &proto.StoreSegmentRequest{
		StoreID: id,
		Offset:  uint64(testSeg),
		Data:    content[testSeg:],
	}, nil)
	assert.ErrorIs(t, err, cas.ErrProtocol)
}

func TestStoreEnd_ReleasesUnfinishedStore(t *testing.T) {
	srv := startServer(t, testConfig(t))
	c, _ := connect(t, srv, "builder", "", 0)

	content := testutil.RandomBytes(3*testSeg, 5)
	key := cas.ComputeKey(content)
	beginStore(t, c, key, content, uint64(len(content)), false)
	require.Equal(t, 1, srv.MetricsSnapshot().ActiveStores)

	require.NoError(t, call(t, c, proto.MsgStoreEnd, &proto.KeyRequest{Key: key}, nil))
	assert.Zero(t, srv.MetricsSnapshot().ActiveStores)
	assert.False(t, srv.Table().Exists(key))
}

func TestDisconnect_ReleasesTransfers(t *testing.T) {
	srv := startServer(t, testConfig(t))
	owner, _ := connect(t, srv, "owner", "", 0)

	stored := testutil.RandomBytes(4*testSeg, 6)
	storeContent(t, owner, cas.ComputeKey(stored), stored, uint64(len(stored)), false)

	var begin proto.FetchBeginResponse
	require.NoError(t, call(t, owner, proto.MsgFetchBegin, &proto.FetchBeginRequest{Key: cas.ComputeKey(stored)}, &begin))
	require.NotEqual(t, proto.TransferComplete, begin.TransferID)

	partial := testutil.RandomBytes(3*testSeg, 7)
	partialKey := cas.ComputeKey(partial)
	beginStore(t, owner, partialKey, partial, uint64(len(partial)), false)

	snap := srv.MetricsSnapshot()
	require.Equal(t, 1, snap.ActiveFetches)
	require.Equal(t, 1, snap.ActiveStores)

	require.NoError(t, owner.Close())
	require.Eventually(t, func() bool {
		s := srv.MetricsSnapshot()
		return s.Sessions == 0 && s.ActiveFetches == 0 && s.ActiveStores == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, srv.Table().Exists(partialKey))

	other, _ := connect(t, srv, "other", "", 0)
	storeContent(t, other, partialKey, partial, uint64(len(partial)), false)
	got, _, err := fetchContent(t, other, partialKey)
	require.NoError(t, err)
	assert.Equal(t, partial, got)
}

func TestFetch_NotFound(t *testing.T) {
	srv := startServer(t, testConfig(t))
	c, _ := connect(t, srv, "builder", "", 0)

	_, _, err := fetchContent(t, c, cas.ComputeKey([]byte("never stored")))
	assert.ErrorIs(t, err, cas.ErrNotFound)
}

func TestFetch_Disallowed(t *testing.T) {
	content := []byte("forbidden")
	key := cas.ComputeKey(content)
	cfg := testConfig(t)
	cfg.DisallowedKeys = []string{key.String()}
	srv := startServer(t, cfg)
	c, _ := connect(t, srv, "builder", "", 0)

	err := call(t, c, proto.MsgStoreBegin, &proto.StoreBeginRequest{
		Key: key, FullSize: uint64(len(content)), UncompressedSize: uint64(len(content)), Data: content,
	}, nil)
	assert.ErrorIs(t, err, cas.ErrDisallowed)

	_, _, err = fetchContent(t, c, key)
	assert.ErrorIs(t, err, cas.ErrDisallowed)
}

func TestFetch_EndReleasesTransfer(t *testing.T) {
	srv := startServer(t, testConfig(t))
	c, _ := connect(t, srv, "builder", "", 0)

	content := testutil.RandomBytes(3*testSeg, 8)
	key := cas.ComputeKey(content)
	storeContent(t, c, key, content, uint64(len(content)), false)

	var begin proto.FetchBeginResponse
	require.NoError(t, call(t, c, proto.MsgFetchBegin, &proto.FetchBeginRequest{Key: key}, &begin))
	require.Equal(t, 1, srv.MetricsSnapshot().ActiveFetches)

	require.NoError(t, call(t, c, proto.MsgFetchEnd, &proto.KeyRequest{Key: key}, nil))
	assert.Zero(t, srv.MetricsSnapshot().ActiveFetches)

	err := call(t, c, proto.MsgFetchSegment, &proto.FetchSegmentRequest{TransferID: begin.TransferID, Index: 1}, nil)
	assert.ErrorIs(t, err, cas.ErrNotFound)
}

func TestFetch_WaitsForInflightStore(t *testing.T) {
	srv := startServer(t, testConfig(t))
	writer, _ := connect(t, srv, "writer", "", 0)

	content := testutil.RandomBytes(3*testSeg+11, 9)
	key := cas.ComputeKey(content)
	id := beginStore(t, writer, key, content, uint64(len(content)), false)

	const readers = 8
	results := make([][]byte, readers)
	errs := make([]error, readers)
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		c, _ := connect(t, srv, "reader", "", 0)
		wg.Add(1)
		go func(i int, c *transport.Conn) {
			defer wg.Done()
			results[i], _, errs[i] = fetchContent(t, c, key)
		}(i, c)
	}

	require.Eventually(t, func() bool { return srv.Table().Waiters(key) == readers }, 5*time.Second, time.Millisecond)
	sendSegments(t, writer, id, content)
	wg.Wait()

	for i := 0; i < readers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, content, results[i])
	}
	assert.Equal(t, int64(1), srv.Table().Materializations())
}

func TestFetch_FailedStoreWakesWaiters(t *testing.T) {
	srv := startServer(t, testConfig(t))
	writer, _ := connect(t, srv, "writer", "", 0)
	reader, _ := connect(t, srv, "reader", "", 0)

	content := testutil.RandomBytes(2*testSeg, 10)
	key := cas.ComputeKey(content)
	beginStore(t, writer, key, content, uint64(len(content)), false)

	errCh := make(chan error, 1)
	go func() {
		_, _, err := fetchContent(t, reader, key)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return srv.Table().Waiters(key) == 1 }, 5*time.Second, time.Millisecond)

	require.NoError(t, writer.Close())
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, cas.ErrPartialTransfer)
	case <-time.After(5 * time.Second):
		t.Fatal("fetch still blocked after writer disconnected")
	}
}

func TestZoneProxyAssignment(t *testing.T) {
	cfg := testConfig(t)
	cfg.Zone = "dc"
	srv := startServer(t, cfg)

	fetchProxy := func(c *transport.Conn) *proto.ProxyAssignment {
		var resp proto.FetchBeginResponse
		err := call(t, c, proto.MsgFetchBegin, &proto.FetchBeginRequest{
			WantsProxy: true,
			Key:        cas.ComputeKey([]byte("x")),
		}, &resp)
		if err != nil {
			return nil
		}
		return resp.Proxy
	}

	first, _ := connect(t, srv, "first", "office", 7071)
	p := fetchProxy(first)
	require.NotNil(t, p)
	assert.True(t, p.IsNew)
	assert.Equal(t, "10.0.0.1:7071", p.Address())

	// The proxy itself is served directly.
	assert.Nil(t, fetchProxy(first))

	second, _ := connect(t, srv, "second", "office", 0)
	p = fetchProxy(second)
	require.NotNil(t, p)
	assert.False(t, p.IsNew)
	assert.Equal(t, "10.0.0.1:7071", p.Address())

	// Same zone as the server: no proxy.
	local, _ := connect(t, srv, "local", "dc", 7071)
	assert.Nil(t, fetchProxy(local))
	assert.Equal(t, 1, srv.MetricsSnapshot().ProxyAssignments)

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return srv.MetricsSnapshot().ProxyAssignments == 0 }, 5*time.Second, 10*time.Millisecond)

	// Incapable requesters are served directly when no proxy exists.
	assert.Nil(t, fetchProxy(second))

	third, _ := connect(t, srv, "third", "office", 7072)
	p = fetchProxy(third)
	require.NotNil(t, p)
	assert.True(t, p.IsNew)
	_, ok := srv.zones.proxyFor("office")
	assert.True(t, ok)
}

func TestSnapshotSurvivesRestart(t *testing.T) {
	cfg := testConfig(t)
	srv := startServer(t, cfg)
	c, _ := connect(t, srv, "builder", "", 0)

	content := testutil.RandomBytes(2*testSeg, 11)
	key := cas.ComputeKey(content)
	storeContent(t, c, key, content, uint64(len(content)), false)
	require.NoError(t, c.Close())
	require.NoError(t, srv.Close())

	cfg.Listen = "127.0.0.1:0"
	again := startServer(t, cfg)
	assert.True(t, again.Table().Exists(key))

	c2, _ := connect(t, again, "builder", "", 0)
	got, _, err := fetchContent(t, c2, key)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestHandler_Endpoints(t *testing.T) {
	srv := startServer(t, testConfig(t))
	base := "http://" + srv.Addr().String()

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	for _, path := range []string{"/healthz", "/metrics"} {
		resp, err := client.Get(base + path)
		require.NoError(t, err, path)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestZoneMap(t *testing.T) {
	m := newZoneMap()
	var released []string
	onRelease := func(z *zoneProxy) { released = append(released, z.zone) }

	p, z := m.assign("z", 1, "h1", 0, onRelease)
	assert.Nil(t, p)
	assert.Nil(t, z)

	p, z = m.assign("z", 2, "h2", 9000, onRelease)
	require.NotNil(t, p)
	require.NotNil(t, z)
	assert.True(t, p.IsNew)
	p, _ = m.assign("z", 2, "h2", 9000, onRelease)
	assert.Nil(t, p)
	p, other := m.assign("z", 3, "h3", 9001, onRelease)
	assert.Nil(t, other)
	assert.Equal(t, "h2:9000", p.Address())

	// Released through the registry with the owning session.
	reg := transfer.NewRegistry()
	reg.Track(2, z)
	assert.Zero(t, reg.ReleaseAll(3, nil))
	assert.Equal(t, 1, m.len(), "another session's release leaves the proxy alone")
	assert.Equal(t, 1, reg.ReleaseAll(2, nil))
	assert.Zero(t, m.len())
	assert.Equal(t, []string{"z"}, released)

	z.Release(nil)
	assert.Equal(t, []string{"z"}, released, "release is idempotent")
}

func TestAdvertisedHost(t *testing.T) {
	assert.Equal(t, "192.168.1.5", advertisedHost([]string{"", "192.168.1.5"}, "10.1.1.1:5555"))
	assert.Equal(t, "10.1.1.1", advertisedHost(nil, "10.1.1.1:5555"))
	assert.Equal(t, "weird", advertisedHost(nil, "weird"))
}
