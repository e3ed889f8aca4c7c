package server

import (
	"context"
	"errors"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/bits-and-blooms/bitset"

	"github.com/casmesh/casmesh/internal/store"
	"github.com/casmesh/casmesh/internal/tracing"
	"github.com/casmesh/casmesh/internal/transfer"
	"github.com/casmesh/casmesh/internal/transport"
	"github.com/casmesh/casmesh/pkg/cas"
	"github.com/casmesh/casmesh/pkg/proto"
)

var (
	errSessionClosed = errors.New("session closed")
	errStoreEnded    = errors.New("store ended by client")
)

// storeTransfer is an upload spanning more than one segment. Segments may
// arrive in any order; the one that completes the content commits it.
type storeTransfer struct {
	s        *Server
	id       uint16
	owner    uint64
	key      cas.Key
	writer   *store.Writer
	size     uint64
	segments int
	started  time.Time
	span     tracing.Span

	mu         sync.Mutex
	received   *bitset.BitSet
	remaining  int
	committing bool
	released   bool
}

func (s *Server) handleStoreBegin(ctx context.Context, sess *transport.Session, st *peerState, payload []byte, w *transport.ResponseWriter) error {
	var req proto.StoreBeginRequest
	if err := proto.Unmarshal(proto.MsgStoreBegin, payload, &req); err != nil {
		return err
	}
	key := req.Key.Canonical()
	complete := &proto.StoreBeginResponse{StoreID: proto.TransferComplete}
	if key == cas.EmptyKey && req.UncompressedSize == 0 {
		return w.Reply(complete)
	}
	if req.FullSize > math.MaxInt64 || req.UncompressedSize > math.MaxInt64 {
		return cas.Errorf(cas.ErrProtocol, "StoreBegin", key, "size %d out of range", req.FullSize)
	}
	seg := uint64(s.segSize)
	if inline := min(seg, req.FullSize); uint64(len(req.Data)) != inline {
		return cas.Errorf(cas.ErrProtocol, "StoreBegin", key, "first segment carries %d bytes, expected %d", len(req.Data), inline)
	}

	start := time.Now()
	owner := st.name + "#" + strconv.FormatUint(sess.ID(), 10)
	writer, _, err := s.table.BeginWrite(ctx, key, owner, int64(req.FullSize), int64(req.UncompressedSize), req.Compressed)
	if err != nil {
		if errors.Is(err, cas.ErrDisallowed) {
			s.audit.LogDisallowed(s.peer(sess, st), "store", key.String())
		}
		return err
	}
	if writer == nil {
		return w.Reply(complete)
	}

	if err := writer.WriteAt(req.Data, 0); err != nil {
		writer.Abort(err)
		return err
	}
	if req.FullSize <= seg {
		_, err := writer.Commit()
		s.metrics.ObserveStore(time.Since(start), err)
		if err != nil {
			return err
		}
		return w.Reply(complete)
	}

	segments := proto.SegmentCount(req.FullSize, s.segSize)
	tr := &storeTransfer{
		s:         s,
		owner:     sess.ID(),
		key:       key,
		writer:    writer,
		size:      req.FullSize,
		segments:  segments,
		started:   start,
		span:      tracing.StartTransfer(ctx, "store", key.Short()),
		received:  bitset.New(uint(segments)),
		remaining: segments - 1,
	}
	tr.received.Set(0)

	id, err := s.stores.Alloc(tr)
	if err != nil {
		tr.span.End()
		writer.Abort(err)
		return err
	}
	tr.id = id
	s.registry.Track(sess.ID(), tr)
	tr.span.Log("begin", strconv.Itoa(segments)+" segments")

	return w.Reply(&proto.StoreBeginResponse{StoreID: id, Traced: tr.span.Traced()})
}

func (s *Server) handleStoreSegment(sess *transport.Session, payload []byte, w *transport.ResponseWriter) error {
	var req proto.StoreSegmentRequest
	if err := proto.Unmarshal(proto.MsgStoreSegment, payload, &req); err != nil {
		return err
	}
	tr, ok := s.stores.Get(req.StoreID)
	if !ok {
		return cas.Errorf(cas.ErrNotFound, "StoreSegment", cas.ZeroKey, "unknown store id %d", req.StoreID)
	}
	if tr.owner != sess.ID() {
		return cas.Errorf(cas.ErrProtocol, "StoreSegment", tr.key, "store %d belongs to another connection", req.StoreID)
	}
	done, err := tr.write(req.Offset, req.Data)
	if err != nil {
		return err
	}
	return w.Reply(&proto.StoreSegmentResponse{Done: done})
}

func (s *Server) handleStoreEnd(sess *transport.Session, payload []byte) error {
	var req proto.KeyRequest
	if err := proto.Unmarshal(proto.MsgStoreEnd, payload, &req); err != nil {
		return err
	}
	key := req.Key.Canonical()
	owned := s.registry.Owned(sess.ID(), func(r transfer.Resource) bool {
		tr, ok := r.(*storeTransfer)
		return ok && tr.key == key
	})
	for _, r := range owned {
		r.Release(errStoreEnded)
	}
	return nil
}

// write places one segment. It reports whether the store is now complete.
// A malformed segment aborts the whole store.
func (tr *storeTransfer) write(offset uint64, data []byte) (bool, error) {
	seg := uint64(tr.s.segSize)
	if offset%seg != 0 || offset == 0 || offset >= tr.size {
		err := cas.Errorf(cas.ErrProtocol, "StoreSegment", tr.key, "invalid segment offset %d for %d bytes", offset, tr.size)
		tr.Release(err)
		return false, err
	}
	if want := min(seg, tr.size-offset); uint64(len(data)) != want {
		err := cas.Errorf(cas.ErrProtocol, "StoreSegment", tr.key, "segment at %d carries %d bytes, expected %d", offset, len(data), want)
		tr.Release(err)
		return false, err
	}
	index := offset / seg

	tr.mu.Lock()
	if tr.released || tr.committing {
		tr.mu.Unlock()
		return false, cas.Errorf(cas.ErrNotFound, "StoreSegment", tr.key, "store %d already closed", tr.id)
	}
	if tr.received.Test(uint(index)) {
		tr.mu.Unlock()
		return false, nil
	}
	tr.received.Set(uint(index))
	tr.mu.Unlock()

	if err := tr.writer.WriteAt(data, int64(offset)); err != nil {
		tr.Release(err)
		return false, err
	}

	tr.mu.Lock()
	tr.remaining--
	last := tr.remaining == 0 && !tr.released
	if last {
		tr.committing = true
	}
	tr.mu.Unlock()
	if !last {
		return false, nil
	}

	tr.span.Log("commit", strconv.FormatUint(tr.size, 10)+" bytes")
	_, err := tr.writer.Commit()
	tr.finish(err)
	return err == nil, err
}

// Release abandons an unfinished store. The entry rolls back to not existing
// and anyone waiting on it sees a partial transfer.
func (tr *storeTransfer) Release(reason error) {
	if reason == nil {
		reason = errStoreEnded
	}
	tr.finish(cas.Wrap(cas.ErrPartialTransfer, "store", tr.key, reason))
}

func (tr *storeTransfer) finish(err error) {
	tr.mu.Lock()
	if tr.released {
		tr.mu.Unlock()
		return
	}
	tr.released = true
	committing := tr.committing
	tr.mu.Unlock()

	s := tr.s
	s.stores.Free(tr.id)
	s.registry.Untrack(tr.owner, tr)
	if !committing {
		tr.writer.Abort(err)
	}
	tr.span.End()
	s.metrics.ObserveStore(time.Since(tr.started), err)

	if err != nil {
		s.logger.Debug().
			Err(err).
			Uint16("store", tr.id).
			Str("key", tr.key.Short()).
			Int64("written", tr.writer.Written()).
			Uint64("size", tr.size).
			Msg("store closed before completion")
	}
}
