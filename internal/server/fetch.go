package server

import (
	"context"
	"errors"

	"github.com/casmesh/casmesh/internal/mapped"
	"github.com/casmesh/casmesh/internal/transport"
	"github.com/casmesh/casmesh/pkg/cas"
	"github.com/casmesh/casmesh/pkg/proto"
)

func (s *Server) handleFetchBegin(ctx context.Context, sess *transport.Session, st *peerState, payload []byte, w *transport.ResponseWriter) error {
	var req proto.FetchBeginRequest
	if err := proto.Unmarshal(proto.MsgFetchBegin, payload, &req); err != nil {
		return err
	}
	key := req.Key.Canonical()

	if req.WantsProxy && st.zone != "" && st.zone != s.cfg.Zone {
		peer := s.peer(sess, st)
		released := func(z *zoneProxy) {
			s.audit.LogProxyAssignment(peer, z.address(), "released")
		}
		if p, z := s.zones.assign(st.zone, sess.ID(), st.host, st.proxyPort, released); p != nil {
			if z != nil {
				s.registry.Track(sess.ID(), z)
				s.audit.LogProxyAssignment(peer, p.Address(), "assigned")
			}
			s.metrics.ProxyRedirects.WithLabelValues(st.zone).Inc()
			return w.Reply(&proto.FetchBeginResponse{Proxy: p})
		}
	}

	// Proxy-capable clients fetch the empty key to claim their zone.
	if key == cas.EmptyKey {
		return w.Reply(&proto.FetchBeginResponse{TransferID: proto.TransferComplete})
	}

	view, info, err := s.table.Open(ctx, key, req.Hint, mapped.Transient)
	if err != nil {
		if errors.Is(err, cas.ErrDisallowed) {
			s.audit.LogDisallowed(s.peer(sess, st), "fetch", key.String())
		}
		return err
	}
	defer view.Release()

	resp, err := s.fetches.Begin(ctx, sess.ID(), key, view, info.Compressed)
	if err != nil {
		return err
	}
	return w.Reply(resp)
}

func (s *Server) handleFetchSegment(sess *transport.Session, payload []byte, w *transport.ResponseWriter) error {
	var req proto.FetchSegmentRequest
	if err := proto.Unmarshal(proto.MsgFetchSegment, payload, &req); err != nil {
		return err
	}
	view, chunk, err := s.fetches.Segment(sess.ID(), req.TransferID, req.Index)
	if err != nil {
		return err
	}
	defer view.Release()
	return w.ReplyBytes(chunk)
}

func (s *Server) handleFetchEnd(sess *transport.Session, payload []byte) error {
	var req proto.KeyRequest
	if err := proto.Unmarshal(proto.MsgFetchEnd, payload, &req); err != nil {
		return err
	}
	s.fetches.End(sess.ID(), req.Key.Canonical())
	return nil
}
