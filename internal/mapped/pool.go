// Package mapped provides reference-counted views onto pooled memory or OS file
// mappings. Views are either persistent (owned by a long-lived table entry or
// transfer) or transient (released when the operation that created them ends).
package mapped

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	pool "github.com/libp2p/go-buffer-pool"
	"github.com/rs/zerolog"
)

// Lifetime says how long a view is expected to live.
type Lifetime int

const (
	Transient Lifetime = iota
	Persistent
)

func (l Lifetime) String() string {
	if l == Persistent {
		return "persistent"
	}
	return "transient"
}

type viewKind int

const (
	kindMemory viewKind = iota
	kindReadOnly
	kindWritable
)

// Stats is a point-in-time view of the pool.
type Stats struct {
	LiveViews   int
	MemoryBytes int64
	MappedBytes int64
}

// Pool hands out views. It is shared by every active transfer.
type Pool struct {
	logger zerolog.Logger

	mu     sync.Mutex
	views  map[*View]struct{}
	memory int64
	mapped int64
	closed bool
}

// NewPool creates an empty pool.
func NewPool(logger zerolog.Logger) *Pool {
	return &Pool{
		logger: logger.With().Str("component", "mapped").Logger(),
		views:  make(map[*View]struct{}),
	}
}

// Alloc returns a zero-filled memory view of size bytes.
func (p *Pool) Alloc(size int, lifetime Lifetime) (*View, error) {
	if size < 0 {
		return nil, fmt.Errorf("negative allocation size %d", size)
	}
	var data []byte
	if size > 0 {
		data = pool.Get(size)
		clear(data)
	}
	v := &View{data: data, kind: kindMemory, lifetime: lifetime}
	if err := p.track(v); err != nil {
		if data != nil {
			pool.Put(data)
		}
		return nil, err
	}
	return v, nil
}

// CreateFile creates (or truncates) path to size bytes and maps it writable.
func (p *Pool) CreateFile(path string, size int64, lifetime Lifetime) (*View, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("size %s: %w", path, err)
	}
	return p.mapFile(f, path, size, kindWritable, lifetime)
}

// OpenFile maps an existing file read-only.
func (p *Pool) OpenFile(path string, lifetime Lifetime) (*View, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	return p.mapFile(f, path, info.Size(), kindReadOnly, lifetime)
}

func (p *Pool) mapFile(f *os.File, path string, size int64, kind viewKind, lifetime Lifetime) (*View, error) {
	if int64(int(size)) != size {
		_ = f.Close()
		return nil, fmt.Errorf("map %s: %d bytes exceeds address space", path, size)
	}
	var data []byte
	if size > 0 {
		var err error
		data, err = mapRegion(f, int(size), kind == kindWritable)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("map %s: %w", path, err)
		}
	}
	v := &View{data: data, kind: kind, file: f, path: path, lifetime: lifetime}
	if err := p.track(v); err != nil {
		_ = v.free()
		return nil, err
	}
	return v, nil
}

func (p *Pool) track(v *View) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("mapped pool closed")
	}
	v.pool = p
	v.refs.Store(1)
	p.views[v] = struct{}{}
	if v.kind == kindMemory {
		p.memory += int64(len(v.data))
	} else {
		p.mapped += int64(len(v.data))
	}
	return nil
}

func (p *Pool) untrack(v *View) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.views[v]; !ok {
		return false
	}
	delete(p.views, v)
	if v.kind == kindMemory {
		p.memory -= int64(len(v.data))
	} else {
		p.mapped -= int64(len(v.data))
	}
	return true
}

// Stats returns the live view count and bytes.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{LiveViews: len(p.views), MemoryBytes: p.memory, MappedBytes: p.mapped}
}

// Close force-releases every live view. Views released afterwards are no-ops.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	live := make([]*View, 0, len(p.views))
	for v := range p.views {
		live = append(live, v)
	}
	p.mu.Unlock()

	if len(live) > 0 {
		p.logger.Warn().Int("views", len(live)).Msg("releasing views still held at shutdown")
	}
	var result *multierror.Error
	for _, v := range live {
		if p.untrack(v) {
			if err := v.free(); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	return result.ErrorOrNil()
}

// View is a window onto memory or a file mapping. It starts with one
// reference; the holder that drops the last reference frees it.
type View struct {
	pool     *Pool
	data     []byte
	kind     viewKind
	file     *os.File
	path     string
	lifetime Lifetime
	refs     atomic.Int32
}

// Bytes returns the view's contents. Read-only mappings must not be written.
func (v *View) Bytes() []byte { return v.data }

// Len returns the view size.
func (v *View) Len() int { return len(v.data) }

// Path returns the backing file, or "" for memory views.
func (v *View) Path() string { return v.path }

// Persistent reports whether the view outlives a single operation.
func (v *View) Persistent() bool { return v.lifetime == Persistent }

// Writable reports whether Bytes may be modified.
func (v *View) Writable() bool { return v.kind != kindReadOnly }

// Retain adds a reference. It must only be called while the caller already
// holds one.
func (v *View) Retain() *View {
	v.refs.Add(1)
	return v
}

// Release drops a reference and frees the view when it was the last.
func (v *View) Release() {
	n := v.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		v.pool.logger.Error().Str("path", v.path).Msg("view released more times than retained")
		return
	}
	if v.pool.untrack(v) {
		if err := v.free(); err != nil {
			v.pool.logger.Warn().Err(err).Str("path", v.path).Msg("failed to release view")
		}
	}
}

// Flush writes a writable mapping back to its file.
func (v *View) Flush() error {
	if v.kind != kindWritable || len(v.data) == 0 {
		return nil
	}
	return flushRegion(v.file, v.data)
}

func (v *View) free() error {
	var result *multierror.Error
	switch v.kind {
	case kindMemory:
		if v.data != nil {
			pool.Put(v.data)
		}
	default:
		if len(v.data) > 0 {
			if err := unmapRegion(v.data); err != nil {
				result = multierror.Append(result, fmt.Errorf("unmap %s: %w", v.path, err))
			}
		}
		if v.file != nil {
			if err := v.file.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("close %s: %w", v.path, err))
			}
		}
	}
	v.data = nil
	return result.ErrorOrNil()
}

// Scope collects transient views for one operation; Close releases them all.
// Use it with defer so early returns cannot leak a view.
type Scope struct {
	views []*View
}

// Add registers v with the scope and returns it.
func (s *Scope) Add(v *View) *View {
	if v != nil {
		s.views = append(s.views, v)
	}
	return v
}

// Close releases every view added to the scope.
func (s *Scope) Close() {
	for i := len(s.views) - 1; i >= 0; i-- {
		s.views[i].Release()
	}
	s.views = nil
}
