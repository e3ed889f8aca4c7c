// Package proxy implements the zone proxy relay: a client that serves
// fetches for the other clients of its zone out of its own local table,
// retrieving from the server on a miss.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/casmesh/casmesh/internal/client"
	"github.com/casmesh/casmesh/internal/logging/audit"
	"github.com/casmesh/casmesh/internal/mapped"
	"github.com/casmesh/casmesh/internal/metrics"
	"github.com/casmesh/casmesh/internal/store"
	"github.com/casmesh/casmesh/internal/transfer"
	"github.com/casmesh/casmesh/internal/transport"
	"github.com/casmesh/casmesh/pkg/cas"
	"github.com/casmesh/casmesh/pkg/proto"
)

var errPeerGone = errors.New("zone peer disconnected")

// Upstream is the relay's own connection to the server.
type Upstream interface {
	Retrieve(ctx context.Context, key cas.Key, hint string, allowProxy bool) (*client.Result, error)
	Exists(ctx context.Context, key cas.Key) (bool, error)
	Table() *store.Table
	ServerInfo() proto.ConnectResponse
	Metrics() *metrics.ClientMetrics
}

// Options configures a Relay.
type Options struct {
	PSK       string
	RateLimit int64
	Workers   int
	Logger    zerolog.Logger
}

// Relay serves zone peers.
type Relay struct {
	upstream  Upstream
	id        uuid.UUID
	logger    zerolog.Logger
	audit     *audit.Logger
	info      proto.ConnectResponse
	transport *transport.Server
	registry  *transfer.Registry
	fetches   *transfer.Fetches
	metrics   *metrics.ClientMetrics

	httpSrv  *http.Server
	listener net.Listener
	wg       sync.WaitGroup

	closeOnce sync.Once
}

type peer struct {
	name string
	zone string
}

// New creates a relay serving content retrieved through up.
func New(up Upstream, opts Options) *Relay {
	info := up.ServerInfo()
	r := &Relay{
		upstream: up,
		id:       uuid.New(),
		logger:   opts.Logger.With().Str("component", "proxy").Logger(),
		audit:    audit.NewLogger(opts.Logger),
		registry: transfer.NewRegistry(),
		metrics:  up.Metrics(),
	}
	r.info = proto.ConnectResponse{
		ServerID:         r.id,
		CompressorID:     info.CompressorID,
		CompressionLevel: info.CompressionLevel,
		MessageSize:      info.MessageSize,
	}
	r.fetches = transfer.NewFetches(transfer.FetchOptions{
		SegmentSize: proto.SegmentSize(int(info.MessageSize)),
		Logger:      opts.Logger,
		Done: func(_ cas.Key, _ int64, _ time.Duration, err error) {
			r.metrics.RelayedFetches.WithLabelValues(metrics.Outcome(err)).Inc()
		},
	}, r.registry)
	r.transport = transport.NewServer(r, transport.ServerOptions{
		Options: transport.Options{
			MessageSize: int(info.MessageSize),
			PSK:         opts.PSK,
			RateLimit:   opts.RateLimit,
			Logger:      opts.Logger,
		},
		Workers: opts.Workers,
	})
	return r
}

// Serve accepts zone peers on ln in the background until Close.
func (r *Relay) Serve(ln net.Listener) {
	mux := http.NewServeMux()
	mux.Handle(transport.Path, r.transport)
	r.listener = ln
	r.httpSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error().Err(err).Msg("proxy listener stopped")
		}
	}()
	r.logger.Info().Str("listen", ln.Addr().String()).Msg("zone proxy started")
}

// Addr returns the listening address, or nil before Serve.
func (r *Relay) Addr() net.Addr {
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Close disconnects every peer and stops listening.
func (r *Relay) Close() error {
	var err error
	r.closeOnce.Do(func() {
		_ = r.transport.Close()
		if r.httpSrv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if serr := r.httpSrv.Shutdown(ctx); serr != nil {
				err = fmt.Errorf("shutdown proxy listener: %w", serr)
			}
			cancel()
		}
		r.wg.Wait()
	})
	return err
}

// ServeMessage implements transport.Handler.
func (r *Relay) ServeMessage(ctx context.Context, sess *transport.Session, t proto.MsgType, payload []byte, w *transport.ResponseWriter) error {
	if t == proto.MsgConnect {
		return r.handleConnect(sess, payload, w)
	}
	if _, ok := sess.State().(*peer); !ok {
		return cas.Errorf(cas.ErrProtocol, t.String(), cas.ZeroKey, "request before Connect")
	}

	switch t {
	case proto.MsgExists:
		var req proto.KeyRequest
		if err := proto.Unmarshal(t, payload, &req); err != nil {
			return err
		}
		exists, err := r.upstream.Exists(ctx, req.Key)
		if err != nil {
			return err
		}
		return w.Reply(&proto.ExistsResponse{Exists: exists})
	case proto.MsgFetchBegin:
		return r.handleFetchBegin(ctx, sess, payload, w)
	case proto.MsgFetchSegment:
		var req proto.FetchSegmentRequest
		if err := proto.Unmarshal(t, payload, &req); err != nil {
			return err
		}
		view, chunk, err := r.fetches.Segment(sess.ID(), req.TransferID, req.Index)
		if err != nil {
			return err
		}
		defer view.Release()
		return w.ReplyBytes(chunk)
	case proto.MsgFetchEnd:
		var req proto.KeyRequest
		if err := proto.Unmarshal(t, payload, &req); err != nil {
			return err
		}
		r.fetches.End(sess.ID(), req.Key.Canonical())
		return nil
	case proto.MsgStoreBegin, proto.MsgStoreSegment, proto.MsgStoreEnd:
		return cas.Errorf(cas.ErrProtocol, t.String(), cas.ZeroKey, "stores go to the server, not the zone proxy")
	default:
		return cas.Errorf(cas.ErrProtocol, t.String(), cas.ZeroKey, "unknown message type")
	}
}

func (r *Relay) handleConnect(sess *transport.Session, payload []byte, w *transport.ResponseWriter) error {
	var req proto.ConnectRequest
	if err := proto.Unmarshal(proto.MsgConnect, payload, &req); err != nil {
		return err
	}
	p := audit.Peer{Session: sess.ID(), Name: req.Name, Zone: req.Zone, Address: sess.RemoteAddr()}
	if req.ProtocolVersion != proto.ProtocolVersion {
		r.audit.LogConnect(p, req.ProtocolVersion, "rejected", "zone proxy protocol mismatch")
		_ = w.Error(cas.Errorf(cas.ErrProtocol, "Connect", cas.ZeroKey,
			"protocol version %d, proxy requires %d", req.ProtocolVersion, proto.ProtocolVersion))
		sess.Close("protocol version mismatch")
		return nil
	}
	if sess.State() != nil {
		return cas.Errorf(cas.ErrProtocol, "Connect", cas.ZeroKey, "session already connected")
	}
	sess.SetState(&peer{name: req.Name, zone: req.Zone})
	r.audit.LogConnect(p, req.ProtocolVersion, "accepted", "zone proxy")
	return w.Reply(&r.info)
}

func (r *Relay) handleFetchBegin(ctx context.Context, sess *transport.Session, payload []byte, w *transport.ResponseWriter) error {
	var req proto.FetchBeginRequest
	if err := proto.Unmarshal(proto.MsgFetchBegin, payload, &req); err != nil {
		return err
	}
	key := req.Key.Canonical()
	if key == cas.EmptyKey {
		return w.Reply(&proto.FetchBeginResponse{TransferID: proto.TransferComplete})
	}

	// Waiting on the server must not hold a worker other peers need.
	transport.ReleaseWorker(ctx)
	res, err := r.upstream.Retrieve(ctx, key, req.Hint, false)
	if err != nil {
		r.metrics.RelayedFetches.WithLabelValues(metrics.Outcome(err)).Inc()
		return err
	}

	view, compressed, err := r.openResult(ctx, res)
	if err != nil {
		r.metrics.RelayedFetches.WithLabelValues(metrics.Outcome(err)).Inc()
		return err
	}
	defer view.Release()
	resp, err := r.fetches.Begin(ctx, sess.ID(), key, view, compressed)
	if err != nil {
		return err
	}
	return w.Reply(resp)
}

// openResult maps retrieved content. Files the relay's own client produced
// are not in its table and are mapped from where they live.
func (r *Relay) openResult(ctx context.Context, res *client.Result) (*mapped.View, bool, error) {
	if res.Source != client.SourceRecord {
		view, info, err := r.upstream.Table().Open(ctx, res.Key, "", mapped.Transient)
		if err != nil {
			return nil, false, err
		}
		return view, info.Compressed, nil
	}
	view, err := r.upstream.Table().Pool().OpenFile(res.Path, mapped.Transient)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, cas.Wrap(cas.ErrNotFound, "relay", res.Key, err)
		}
		return nil, false, cas.Wrap(cas.ErrStorageIO, "relay", res.Key, err)
	}
	if !res.Compressed && int64(view.Len()) != res.Size {
		view.Release()
		return nil, false, cas.Errorf(cas.ErrNotFound, "relay", res.Key, "%s changed size", res.Path)
	}
	return view, res.Compressed, nil
}

// SessionClosed implements transport.Handler.
func (r *Relay) SessionClosed(sess *transport.Session) {
	n := r.registry.ReleaseAll(sess.ID(), errPeerGone)
	if p, ok := sess.State().(*peer); ok {
		r.audit.LogDisconnect(audit.Peer{
			Session: sess.ID(),
			Name:    p.name,
			Zone:    p.zone,
			Address: sess.RemoteAddr(),
		}, n, time.Since(sess.Opened()))
	}
}
