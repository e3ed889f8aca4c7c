package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/sync/errgroup"

	"github.com/casmesh/casmesh/internal/config"
	"github.com/casmesh/casmesh/internal/mapped"
	"github.com/casmesh/casmesh/internal/store"
	"github.com/casmesh/casmesh/pkg/cas"
	"github.com/casmesh/casmesh/pkg/proto"
)

// Retrieve sources.
const (
	SourceEmpty  = "empty"
	SourceRecord = "record"
	SourceLocal  = "local"
	SourceServer = "server"
	SourceProxy  = "proxy"
)

// maxRedirects bounds how often one retrieve follows proxy assignments.
const maxRedirects = 3

// Result describes retrieved content held locally.
type Result struct {
	Key cas.Key
	// Path is the local file holding the content, empty for the empty key.
	Path string
	// Size is the uncompressed content size.
	Size int64
	// Compressed reports whether the file at Path is in the block format.
	Compressed bool
	Source     string
}

// Retrieve makes the content of key available locally. Content the client
// produced or already holds is returned without a network call; everything
// else is fetched from the server or, when allowProxy is set, from the
// zone proxy the server assigns. Failures are *cas.MaterializeError.
func (c *Client) Retrieve(ctx context.Context, key cas.Key, hint string, allowProxy bool) (*Result, error) {
	key = key.Canonical()
	if key == cas.EmptyKey {
		return &Result{Key: key, Source: SourceEmpty}, nil
	}
	if res, ok := c.fromRecord(key); ok {
		c.metrics.ObserveRetrieve(SourceRecord, res.Size, nil)
		return res, nil
	}
	if res, ok := c.fromLocal(ctx, key); ok {
		c.metrics.ObserveRetrieve(SourceLocal, res.Size, nil)
		return res, nil
	}

	res, err := c.sharedRetrieve(ctx, key, hint, allowProxy)
	if err != nil {
		c.metrics.ObserveRetrieve(SourceServer, 0, err)
		c.logger.Debug().Err(err).Str("key", key.Short()).Str("hint", hint).Msg("retrieve failed")
		return nil, &cas.MaterializeError{Key: key, Hint: hint, Err: err}
	}
	out := *res
	c.metrics.ObserveRetrieve(out.Source, out.Size, nil)
	return &out, nil
}

// flight is one shared remote retrieve. It runs detached from the callers
// that asked for it and is cancelled only once every one of them gave up.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// sharedRetrieve fetches key at most once at a time however many callers
// want it. Each caller waits under its own ctx; cancelling one does not fail
// the others.
func (c *Client) sharedRetrieve(ctx context.Context, key cas.Key, hint string, allowProxy bool) (*Result, error) {
	name := key.String()

	c.flightMu.Lock()
	f, ok := c.flights[name]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		c.flights[name] = f
	}
	f.waiters++
	c.flightMu.Unlock()

	ch := c.retrieves.DoChan(name, func() (interface{}, error) {
		return c.retrieveRemote(f.ctx, key, hint, allowProxy)
	})
	select {
	case r := <-ch:
		c.leaveFlight(name, f, false)
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Result), nil
	case <-ctx.Done():
		c.leaveFlight(name, f, true)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, cas.Wrap(cas.ErrTimeout, "retrieve", key, ctx.Err())
		}
		return nil, cas.Wrap(cas.ErrClosed, "retrieve", key, ctx.Err())
	}
}

func (c *Client) leaveFlight(name string, f *flight, abandoned bool) {
	c.flightMu.Lock()
	defer c.flightMu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	if c.flights[name] == f {
		delete(c.flights, name)
	}
	if abandoned {
		// Nobody wants the result; later callers start over.
		c.retrieves.Forget(name)
	}
	f.cancel()
}

func (c *Client) fromRecord(key cas.Key) (*Result, bool) {
	rec, ok := c.records.Load(key)
	if !ok {
		return nil, false
	}
	fi, err := os.Stat(rec.path)
	if err != nil || fi.Size() != rec.size || !fi.ModTime().Equal(rec.modTime) {
		c.records.Delete(key)
		return nil, false
	}
	size := rec.size
	if rec.compressed {
		v, err := c.pool.OpenFile(rec.path, mapped.Transient)
		if err != nil {
			c.records.Delete(key)
			return nil, false
		}
		raw, err := cas.RawSize(v.Bytes())
		v.Release()
		if err != nil {
			c.records.Delete(key)
			return nil, false
		}
		size = int64(raw)
	}
	return &Result{Key: key, Path: rec.path, Size: size, Compressed: rec.compressed, Source: SourceRecord}, true
}

func (c *Client) fromLocal(ctx context.Context, key cas.Key) (*Result, bool) {
	info, err := c.table.EnsureMaterialized(ctx, key, "")
	if err != nil {
		return nil, false
	}
	return resultFromInfo(info, SourceLocal), true
}

func resultFromInfo(info store.EntryInfo, source string) *Result {
	return &Result{
		Key:        info.Key,
		Path:       info.Path,
		Size:       info.RawSize,
		Compressed: info.Compressed,
		Source:     source,
	}
}

func (c *Client) retrieveRemote(ctx context.Context, key cas.Key, hint string, allowProxy bool) (*Result, error) {
	wantsProxy := allowProxy && c.cfg.ProxyAllowed() && c.cfg.Zone != ""

	for redirects := 0; ; redirects++ {
		assignment, res, err := c.download(ctx, c.server, key, hint, wantsProxy, SourceServer)
		if err != nil || assignment == nil {
			return res, err
		}
		if redirects >= maxRedirects {
			wantsProxy = false
			continue
		}
		if assignment.IsNew {
			// The server now serves us directly.
			c.setZoneProxy()
			continue
		}

		addr := assignment.Address()
		if c.badProxies.Contains(addr) {
			wantsProxy = false
			continue
		}
		proxy, err := c.proxyRemote(ctx, addr)
		if err != nil {
			c.markBadProxy(addr, err)
			wantsProxy = false
			continue
		}
		_, res, err = c.download(ctx, proxy, key, hint, false, SourceProxy)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, cas.ErrNotFound) || errors.Is(err, cas.ErrDisallowed) || ctx.Err() != nil {
			return nil, err
		}
		c.markBadProxy(addr, err)
		wantsProxy = false
	}
}

// proxyRemote returns a connection to the proxy at addr, dialing it once no
// matter how many retrieves need it at the same time.
func (c *Client) proxyRemote(ctx context.Context, addr string) (*remote, error) {
	c.proxyMu.Lock()
	if r, ok := c.proxies[addr]; ok && r.alive() {
		c.proxyMu.Unlock()
		return r, nil
	}
	c.proxyMu.Unlock()

	v, err, _ := c.proxyDials.Do(addr, func() (interface{}, error) {
		timeout := config.Duration(c.cfg.ProxyConnectTimeout, 10*time.Second)
		b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: 2 * time.Second, Factor: 2, Jitter: true}

		var lastErr error
		for attempt := 1; attempt <= c.cfg.ProxyRetries; attempt++ {
			dctx, cancel := context.WithTimeout(ctx, timeout)
			r, err := dialRemote(dctx, addr, c.transportOptions(), c.connectRequest(false))
			cancel()
			if err == nil {
				c.proxyMu.Lock()
				if old, ok := c.proxies[addr]; ok {
					_ = old.close()
				}
				c.proxies[addr] = r
				c.proxyMu.Unlock()
				c.logger.Info().Str("proxy", addr).Int("attempt", attempt).Msg("connected to zone proxy")
				return r, nil
			}
			lastErr = err
			if attempt == c.cfg.ProxyRetries {
				break
			}
			c.logger.Debug().Err(err).Str("proxy", addr).Int("attempt", attempt).Msg("zone proxy connect failed, retrying")
			select {
			case <-time.After(b.Duration()):
			case <-ctx.Done():
				return nil, cas.Wrap(cas.ErrClosed, "proxy connect", cas.ZeroKey, ctx.Err())
			}
		}
		return nil, cas.Wrap(cas.ErrTimeout, "proxy connect", cas.ZeroKey, lastErr)
	})
	if err != nil {
		return nil, err
	}
	return v.(*remote), nil
}

// markBadProxy stops using the proxy at addr for the rest of this client's
// life.
func (c *Client) markBadProxy(addr string, err error) {
	c.badProxies.Add(addr, time.Now())
	c.metrics.ProxyFailures.Inc()
	c.proxyMu.Lock()
	if r, ok := c.proxies[addr]; ok {
		_ = r.close()
		delete(c.proxies, addr)
	}
	c.proxyMu.Unlock()
	c.logger.Warn().Err(err).Str("proxy", addr).Msg("zone proxy unusable, fetching from server")
}

// download fetches key from r into the local table. It returns the proxy
// assignment instead when r redirects the fetch.
func (c *Client) download(ctx context.Context, r *remote, key cas.Key, hint string, wantsProxy bool, source string) (*proto.ProxyAssignment, *Result, error) {
	var (
		begin proto.FetchBeginResponse
		sk    *sink
	)
	err := r.do(ctx, proto.MsgFetchBegin, &proto.FetchBeginRequest{
		WantsProxy: wantsProxy,
		Key:        key,
		Hint:       hint,
	}, func(payload []byte) error {
		if err := proto.Unmarshal(proto.MsgFetchBegin, payload, &begin); err != nil {
			return err
		}
		if begin.Proxy != nil {
			return nil
		}
		var err error
		if sk, err = c.openSink(ctx, key, begin.TotalSize, begin.Compressed, begin.Data); err != nil {
			return err
		}
		if sk == nil {
			return nil
		}
		return sk.writeAt(begin.Data, 0)
	})
	segmented := begin.Proxy == nil && begin.TransferID != proto.TransferFailed && begin.TransferID != proto.TransferComplete
	if err != nil {
		if sk != nil {
			sk.abort(err)
		}
		if segmented {
			c.endFetch(r, key)
		}
		return nil, nil, err
	}
	if begin.Proxy != nil {
		return begin.Proxy, nil, nil
	}
	if sk == nil {
		// Someone else produced the content locally in the meantime.
		if segmented {
			c.endFetch(r, key)
		}
		info, ok := c.table.Lookup(key)
		if !ok {
			return nil, nil, cas.Errorf(cas.ErrNotFound, "retrieve", key, "local content vanished")
		}
		return nil, resultFromInfo(info, SourceLocal), nil
	}

	if segmented {
		if err := c.pullSegments(ctx, r, key, begin.TransferID, begin.TotalSize, sk); err != nil {
			sk.abort(err)
			c.endFetch(r, key)
			return nil, nil, err
		}
	}
	info, err := sk.commit(ctx)
	if err != nil {
		return nil, nil, err
	}
	return nil, resultFromInfo(info, source), nil
}

// pullSegments requests segments 1..n-1 in parallel.
func (c *Client) pullSegments(ctx context.Context, r *remote, key cas.Key, id uint16, total uint64, sk *sink) error {
	seg := uint64(r.segSize)
	n := proto.SegmentCount(total, r.segSize)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.ParallelSegments)
	for i := 1; i < n; i++ {
		index := uint32(i)
		off := uint64(i) * seg
		want := min(seg, total-off)
		g.Go(func() error {
			return r.do(gctx, proto.MsgFetchSegment, &proto.FetchSegmentRequest{
				TransferID: id,
				Index:      index,
			}, func(chunk []byte) error {
				if uint64(len(chunk)) != want {
					return cas.Errorf(cas.ErrProtocol, "FetchSegment", key, "segment %d carries %d bytes, expected %d", index, len(chunk), want)
				}
				return sk.writeAt(chunk, int64(off))
			})
		})
	}
	return g.Wait()
}

// endFetch tells r to drop whatever is left of a fetch of key.
func (c *Client) endFetch(r *remote, key cas.Key) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.call(ctx, proto.MsgFetchEnd, &proto.KeyRequest{Key: key}, nil); err != nil {
		c.logger.Debug().Err(err).Str("key", key.Short()).Msg("FetchEnd failed")
	}
}

// sink receives fetched bytes. Content arriving in the form it is kept
// locally goes straight into a table writer; anything else is staged and
// converted on commit.
type sink struct {
	c              *Client
	key            cas.Key
	wireCompressed bool
	rawSize        int64
	writer         *store.Writer
	staging        *mapped.View
}

// openSink prepares to receive total bytes of key. It returns nil when the
// content already exists locally.
func (c *Client) openSink(ctx context.Context, key cas.Key, total uint64, compressed bool, first []byte) (*sink, error) {
	rawSize := int64(total)
	if compressed {
		raw, err := cas.RawSize(first)
		if err != nil {
			return nil, cas.Wrap(cas.ErrProtocol, "retrieve", key, err)
		}
		rawSize = int64(raw)
	}
	sk := &sink{c: c, key: key, wireCompressed: compressed, rawSize: rawSize}

	if compressed == c.storeCompressed {
		w, _, err := c.table.BeginWrite(ctx, key, c.cfg.Name, int64(total), rawSize, compressed)
		if err != nil {
			return nil, err
		}
		if w == nil {
			return nil, nil
		}
		sk.writer = w
		return sk, nil
	}

	v, err := c.pool.Alloc(int(total), mapped.Transient)
	if err != nil {
		return nil, cas.Wrap(cas.ErrStorageIO, "retrieve", key, err)
	}
	sk.staging = v
	return sk, nil
}

func (s *sink) writeAt(p []byte, off int64) error {
	if s.writer != nil {
		return s.writer.WriteAt(p, off)
	}
	buf := s.staging.Bytes()
	if off < 0 || off+int64(len(p)) > int64(len(buf)) {
		return cas.Errorf(cas.ErrProtocol, "retrieve", s.key, "%d bytes at %d exceed %d", len(p), off, len(buf))
	}
	copy(buf[off:], p)
	return nil
}

func (s *sink) abort(err error) {
	if s.writer != nil {
		s.writer.Abort(err)
	}
	if s.staging != nil {
		s.staging.Release()
		s.staging = nil
	}
}

// commit verifies and installs the content.
func (s *sink) commit(ctx context.Context) (store.EntryInfo, error) {
	if s.writer != nil {
		return s.writer.Commit()
	}
	defer func() {
		s.staging.Release()
		s.staging = nil
	}()

	c := s.c
	data := s.staging.Bytes()
	var (
		local      []byte
		compressed bool
	)
	if s.wireCompressed {
		out, err := c.pool.Alloc(int(s.rawSize), mapped.Transient)
		if err != nil {
			return store.EntryInfo{}, cas.Wrap(cas.ErrStorageIO, "retrieve", s.key, err)
		}
		defer out.Release()
		if err := c.compressor.Decompress(out.Bytes(), data); err != nil {
			return store.EntryInfo{}, cas.Wrap(cas.ErrContentMismatch, "retrieve", s.key, err)
		}
		local = out.Bytes()
	} else {
		local = c.compressor.Compress(data)
		compressed = true
	}

	w, info, err := c.table.BeginWrite(ctx, s.key, c.cfg.Name, int64(len(local)), s.rawSize, compressed)
	if err != nil {
		return store.EntryInfo{}, err
	}
	if w == nil {
		return info, nil
	}
	if err := w.WriteAt(local, 0); err != nil {
		w.Abort(err)
		return store.EntryInfo{}, err
	}
	info, err = w.Commit()
	if err != nil {
		return store.EntryInfo{}, fmt.Errorf("install fetched content: %w", err)
	}
	return info, nil
}
