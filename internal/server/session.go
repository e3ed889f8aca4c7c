package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/casmesh/casmesh/internal/logging/audit"
	"github.com/casmesh/casmesh/internal/transport"
	"github.com/casmesh/casmesh/pkg/cas"
	"github.com/casmesh/casmesh/pkg/proto"
)

// peerState is what Connect told us about a session.
type peerState struct {
	name      string
	zone      string
	isProxy   bool
	proxyPort uint16
	host      string
	sizeHint  uint64
}

func (s *Server) peer(sess *transport.Session, st *peerState) audit.Peer {
	p := audit.Peer{Session: sess.ID(), Address: sess.RemoteAddr()}
	if st != nil {
		p.Name = st.name
		p.Zone = st.zone
		p.IsProxy = st.isProxy
	}
	return p
}

// ServeMessage implements transport.Handler.
func (s *Server) ServeMessage(ctx context.Context, sess *transport.Session, t proto.MsgType, payload []byte, w *transport.ResponseWriter) error {
	start := time.Now()
	err := s.dispatch(ctx, sess, t, payload, w)
	s.metrics.ObserveRequest(t.String(), time.Since(start), err)
	return err
}

func (s *Server) dispatch(ctx context.Context, sess *transport.Session, t proto.MsgType, payload []byte, w *transport.ResponseWriter) error {
	if t == proto.MsgConnect {
		return s.handleConnect(sess, payload, w)
	}
	st, _ := sess.State().(*peerState)
	if st == nil {
		return cas.Errorf(cas.ErrProtocol, t.String(), cas.ZeroKey, "request before Connect")
	}

	switch t {
	case proto.MsgExists:
		return s.handleExists(payload, w)
	case proto.MsgFetchBegin:
		return s.handleFetchBegin(ctx, sess, st, payload, w)
	case proto.MsgFetchSegment:
		return s.handleFetchSegment(sess, payload, w)
	case proto.MsgFetchEnd:
		return s.handleFetchEnd(sess, payload)
	case proto.MsgStoreBegin:
		return s.handleStoreBegin(ctx, sess, st, payload, w)
	case proto.MsgStoreSegment:
		return s.handleStoreSegment(sess, payload, w)
	case proto.MsgStoreEnd:
		return s.handleStoreEnd(sess, payload)
	default:
		return cas.Errorf(cas.ErrProtocol, t.String(), cas.ZeroKey, "unknown message type")
	}
}

func (s *Server) handleConnect(sess *transport.Session, payload []byte, w *transport.ResponseWriter) error {
	var req proto.ConnectRequest
	if err := proto.Unmarshal(proto.MsgConnect, payload, &req); err != nil {
		return err
	}
	st := &peerState{
		name:      req.Name,
		zone:      req.Zone,
		isProxy:   req.IsProxy,
		proxyPort: req.ProxyPort,
		host:      advertisedHost(req.LocalAddresses, sess.RemoteAddr()),
		sizeHint:  req.SizeHint,
	}
	p := s.peer(sess, st)

	if req.ProtocolVersion != proto.ProtocolVersion {
		s.audit.LogConnect(p, req.ProtocolVersion, "rejected",
			fmt.Sprintf("server speaks protocol %d", proto.ProtocolVersion))
		_ = w.Error(cas.Errorf(cas.ErrProtocol, "Connect", cas.ZeroKey,
			"protocol version %d, server requires %d", req.ProtocolVersion, proto.ProtocolVersion))
		sess.Close("protocol version mismatch")
		return nil
	}

	s.connectMu.Lock()
	if sess.State() != nil {
		s.connectMu.Unlock()
		return cas.Errorf(cas.ErrProtocol, "Connect", cas.ZeroKey, "session already connected")
	}
	sess.SetState(st)
	s.connectMu.Unlock()

	s.audit.LogConnect(p, req.ProtocolVersion, "accepted", "")

	resp := &proto.ConnectResponse{
		ServerID:    s.id,
		MessageSize: uint32(s.transport.MessageSize()),
	}
	if s.cfg.Compression.Enabled {
		resp.CompressorID = cas.CompressorZstd
		resp.CompressionLevel = byte(s.cfg.Compression.Level)
	}
	return w.Reply(resp)
}

// advertisedHost picks the address other zone members should use to reach a
// client: its first announced local address, else the address it connected
// from.
func advertisedHost(local []string, remote string) string {
	for _, a := range local {
		if a != "" {
			return a
		}
	}
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}

func (s *Server) handleExists(payload []byte, w *transport.ResponseWriter) error {
	var req proto.KeyRequest
	if err := proto.Unmarshal(proto.MsgExists, payload, &req); err != nil {
		return err
	}
	exists := req.Key.SameContent(cas.EmptyKey) || s.table.Exists(req.Key)
	return w.Reply(&proto.ExistsResponse{Exists: exists})
}

// SessionClosed implements transport.Handler. It releases everything the
// session still owned through the registry: open fetches, unfinished stores
// and zone proxy roles.
func (s *Server) SessionClosed(sess *transport.Session) {
	st, _ := sess.State().(*peerState)
	released := s.registry.ReleaseAll(sess.ID(), errSessionClosed)

	if st != nil {
		s.audit.LogDisconnect(s.peer(sess, st), released, time.Since(sess.Opened()))
	}
}
