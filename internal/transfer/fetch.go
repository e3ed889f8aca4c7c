package transfer

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/casmesh/casmesh/internal/mapped"
	"github.com/casmesh/casmesh/internal/tracing"
	"github.com/casmesh/casmesh/pkg/cas"
	"github.com/casmesh/casmesh/pkg/proto"
)

// errFetchEnded is the release reason for a fetch the client closed early.
var errFetchEnded = errors.New("fetch ended by client")

// FetchOptions configures Fetches.
type FetchOptions struct {
	// SegmentSize is the number of content bytes per segment.
	SegmentSize int
	// MaxTransfers bounds concurrently open segmented fetches.
	MaxTransfers int
	// Done, if set, is called once per fetch with the bytes sent and nil for
	// a fully served fetch.
	Done   func(key cas.Key, sent int64, elapsed time.Duration, err error)
	Logger zerolog.Logger
}

// Fetches serves content to clients in segments. Content that fits in one
// segment is answered inline; anything larger gets a transfer id the owner
// pulls segments from until every byte has been sent.
type Fetches struct {
	opts     FetchOptions
	arena    *Arena[*Fetch]
	registry *Registry
	logger   zerolog.Logger
}

// NewFetches returns a fetch server tracking ownership in registry.
func NewFetches(opts FetchOptions, registry *Registry) *Fetches {
	if opts.SegmentSize <= 0 {
		opts.SegmentSize = proto.SegmentSize(proto.DefaultMessageSize)
	}
	return &Fetches{
		opts:     opts,
		arena:    NewArena[*Fetch](opts.MaxTransfers),
		registry: registry,
		logger:   opts.Logger.With().Str("component", "fetch").Logger(),
	}
}

// SegmentSize returns the configured segment size.
func (fs *Fetches) SegmentSize() int { return fs.opts.SegmentSize }

// Active returns the number of open segmented fetches.
func (fs *Fetches) Active() int { return fs.arena.Len() }

// Fetch is one open segmented fetch.
type Fetch struct {
	fs         *Fetches
	id         uint16
	owner      uint64
	key        cas.Key
	view       *mapped.View
	compressed bool
	segments   int
	started    time.Time
	span       tracing.Span

	mu        sync.Mutex
	served    []bool
	remaining int
	sent      int64
	released  bool
}

// ID returns the transfer id.
func (f *Fetch) ID() uint16 { return f.id }

// Key returns the content key being fetched.
func (f *Fetch) Key() cas.Key { return f.key }

// Begin answers a FetchBegin for content held in view. The caller keeps its
// own reference to view and must release it after the response is sent; a
// segmented fetch takes a reference of its own.
func (fs *Fetches) Begin(ctx context.Context, owner uint64, key cas.Key, view *mapped.View, compressed bool) (*proto.FetchBeginResponse, error) {
	data := view.Bytes()
	seg := fs.opts.SegmentSize
	span := tracing.StartTransfer(ctx, "fetch", key.Short())

	resp := &proto.FetchBeginResponse{
		TotalSize:  uint64(len(data)),
		Compressed: compressed,
		Traced:     span.Traced(),
	}
	if len(data) <= seg {
		resp.TransferID = proto.TransferComplete
		resp.Data = data
		span.End()
		if fs.opts.Done != nil {
			fs.opts.Done(key, int64(len(data)), 0, nil)
		}
		return resp, nil
	}

	segments := proto.SegmentCount(uint64(len(data)), seg)
	f := &Fetch{
		fs:         fs,
		owner:      owner,
		key:        key,
		view:       view.Retain(),
		compressed: compressed,
		segments:   segments,
		started:    time.Now(),
		span:       span,
		served:     make([]bool, segments),
		remaining:  segments - 1,
		sent:       int64(seg),
	}
	f.served[0] = true

	id, err := fs.arena.Alloc(f)
	if err != nil {
		f.view.Release()
		span.End()
		return nil, err
	}
	f.id = id
	fs.registry.Track(owner, f)

	resp.TransferID = id
	resp.Data = data[:seg]
	span.Log("begin", strconv.Itoa(segments)+" segments")
	return resp, nil
}

// Segment returns chunk index of transfer id. The returned view keeps the
// chunk valid and must be released once the chunk has been sent. Serving the
// last outstanding segment closes the transfer.
func (fs *Fetches) Segment(owner uint64, id uint16, index uint32) (*mapped.View, []byte, error) {
	f, ok := fs.arena.Get(id)
	if !ok {
		return nil, nil, cas.Errorf(cas.ErrNotFound, "FetchSegment", cas.ZeroKey, "unknown transfer id %d", id)
	}
	if f.owner != owner {
		return nil, nil, cas.Errorf(cas.ErrProtocol, "FetchSegment", f.key, "transfer %d belongs to another connection", id)
	}
	if int(index) >= f.segments {
		return nil, nil, cas.Errorf(cas.ErrProtocol, "FetchSegment", f.key, "segment %d out of range, transfer has %d", index, f.segments)
	}

	f.mu.Lock()
	if f.released {
		f.mu.Unlock()
		return nil, nil, cas.Errorf(cas.ErrNotFound, "FetchSegment", f.key, "transfer %d already closed", id)
	}
	v := f.view.Retain()
	data := v.Bytes()
	seg := fs.opts.SegmentSize
	start := int(index) * seg
	end := min(start+seg, len(data))
	chunk := data[start:end]
	if !f.served[index] {
		f.served[index] = true
		f.remaining--
		f.sent += int64(len(chunk))
	}
	last := f.remaining == 0
	f.mu.Unlock()

	f.span.Log("segment", strconv.FormatUint(uint64(index), 10))
	if last {
		f.finish(nil)
	}
	return v, chunk, nil
}

// End closes every unfinished fetch of key owned by owner.
func (fs *Fetches) End(owner uint64, key cas.Key) int {
	owned := fs.registry.Owned(owner, func(r Resource) bool {
		f, ok := r.(*Fetch)
		return ok && f.fs == fs && f.key == key
	})
	for _, r := range owned {
		r.Release(errFetchEnded)
	}
	return len(owned)
}

// Release closes the fetch before it completed.
func (f *Fetch) Release(reason error) {
	if reason == nil {
		reason = errFetchEnded
	}
	f.finish(cas.Wrap(cas.ErrPartialTransfer, "fetch", f.key, reason))
}

func (f *Fetch) finish(err error) {
	f.mu.Lock()
	if f.released {
		f.mu.Unlock()
		return
	}
	f.released = true
	sent := f.sent
	f.mu.Unlock()

	fs := f.fs
	size := f.view.Len()
	fs.arena.Free(f.id)
	fs.registry.Untrack(f.owner, f)
	f.view.Release()
	f.span.End()

	elapsed := time.Since(f.started)
	if err != nil {
		fs.logger.Debug().
			Err(err).
			Uint16("transfer", f.id).
			Str("key", f.key.Short()).
			Int64("sent", sent).
			Int("size", size).
			Msg("fetch closed before completion")
	}
	if fs.opts.Done != nil {
		fs.opts.Done(f.key, sent, elapsed, err)
	}
}
