package store

import (
	"context"
	"errors"
	"fmt"
	"hash/maphash"
	"os"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v2"
	"github.com/rs/zerolog"

	"github.com/casmesh/casmesh/internal/mapped"
	"github.com/casmesh/casmesh/pkg/cas"
)

// Defaults for Options.
const (
	DefaultMemoryWriteLimit  = 1 << 20
	DefaultMaxObjectSize     = 16 << 30
	DefaultWaitCheckInterval = 5 * time.Second
	DefaultWaitTimeout       = 5 * time.Minute
)

// Options configures a Table.
type Options struct {
	// Root is the directory content files live under.
	Root string
	// Capacity limits stored bytes. A write that does not fit in what is
	// left is refused; content found on disk beyond it only logs.
	Capacity int64
	// MaxObjectSize bounds the declared size of a single write.
	MaxObjectSize int64
	// HintRoot resolves relative hints for the recompute fallback. Empty
	// disables the fallback for relative hints.
	HintRoot string
	// Writes up to this size are buffered in memory, larger ones go through
	// a writable file mapping.
	MemoryWriteLimit int64
	// WaitCheckInterval and WaitTimeout bound WaitUntilWritten.
	WaitCheckInterval time.Duration
	WaitTimeout       time.Duration
	Compressor        *cas.Compressor
	// BeforeWait, if set, is called before blocking on another writer.
	BeforeWait func(ctx context.Context)
}

func (o *Options) setDefaults() {
	if o.MemoryWriteLimit <= 0 {
		o.MemoryWriteLimit = DefaultMemoryWriteLimit
	}
	if o.MaxObjectSize <= 0 {
		o.MaxObjectSize = DefaultMaxObjectSize
	}
	if o.WaitCheckInterval <= 0 {
		o.WaitCheckInterval = DefaultWaitCheckInterval
	}
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = DefaultWaitTimeout
	}
	if o.Compressor == nil {
		o.Compressor = cas.NewCompressor(0)
	}
}

// Stats summarizes the table.
type Stats struct {
	Entries          int
	StoredBytes      int64
	Materializations int64
	ActiveWriters    int64
	PendingWaits     int
}

// Table is the entry table. The container is a concurrent map locked only for
// insert and lookup; every entry has its own RWMutex.
type Table struct {
	opts    Options
	logger  zerolog.Logger
	pool    *mapped.Pool
	entries *xsync.MapOf[cas.Key, *Entry]
	waits   *WaitSet

	totalBytes       atomic.Int64
	reserved         atomic.Int64
	materializations atomic.Int64
	writers          atomic.Int64
	dirty            atomic.Bool
	overCapacity     atomic.Bool
	tmpSeq           atomic.Uint64
}

func hashKey(seed maphash.Seed, k cas.Key) uint64 {
	return maphash.Bytes(seed, k[:])
}

// New creates a table rooted at opts.Root.
func New(opts Options, pool *mapped.Pool, logger zerolog.Logger) (*Table, error) {
	opts.setDefaults()
	if opts.Root == "" {
		return nil, fmt.Errorf("store root is required")
	}
	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &Table{
		opts:    opts,
		logger:  logger.With().Str("component", "store").Logger(),
		pool:    pool,
		entries: xsync.NewTypedMapOf[cas.Key, *Entry](hashKey),
		waits:   newWaitSet(),
	}, nil
}

// Root returns the content directory.
func (t *Table) Root() string { return t.opts.Root }

// Pool returns the buffer pool backing the table.
func (t *Table) Pool() *mapped.Pool { return t.pool }

// Compressor returns the compressor used to verify compressed content.
func (t *Table) Compressor() *cas.Compressor { return t.opts.Compressor }

func (t *Table) entry(key cas.Key) *Entry {
	e, _ := t.entries.LoadOrCompute(key, func() *Entry {
		return &Entry{key: key}
	})
	return e
}

// HasEntry reports whether key exists without blocking. An entry locked by a
// writer reads as absent.
func (t *Table) HasEntry(key cas.Key) bool {
	e, ok := t.entries.Load(key.Canonical())
	if !ok {
		return false
	}
	if !e.mu.TryRLock() {
		return false
	}
	defer e.mu.RUnlock()
	return e.exists && !e.disallowed && !e.beingWritten
}

// Lookup returns the entry info if key exists, without verification or disk
// access.
func (t *Table) Lookup(key cas.Key) (EntryInfo, bool) {
	e, ok := t.entries.Load(key.Canonical())
	if !ok {
		return EntryInfo{}, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.exists || e.disallowed || e.beingWritten {
		return EntryInfo{}, false
	}
	return e.info(), true
}

// Exists answers whether the content can be served. An entry marked existing
// whose backing file is gone or has the wrong size is corrected first.
func (t *Table) Exists(key cas.Key) bool {
	e, ok := t.entries.Load(key.Canonical())
	if !ok {
		return false
	}
	e.mu.RLock()
	if !e.exists || e.disallowed || e.beingWritten {
		e.mu.RUnlock()
		return false
	}
	if e.checkBacking() == nil {
		e.mu.RUnlock()
		return true
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.exists || e.beingWritten {
		return false
	}
	if err := e.checkBacking(); err != nil {
		t.logger.Warn().Err(err).Str("key", e.key.Short()).Msg("entry lost its backing file, marking absent")
		t.dropLocked(e)
		return false
	}
	return true
}

// EnsureMaterialized returns a verified existing entry for key. If another
// writer is producing the content it waits; if nothing has been stored it
// adopts a matching file from the store root or, failing that, recomputes the
// content from hint.
func (t *Table) EnsureMaterialized(ctx context.Context, key cas.Key, hint string) (EntryInfo, error) {
	key = key.Canonical()
	for {
		e := t.entry(key)
		e.mu.Lock()
		if e.disallowed {
			e.mu.Unlock()
			return EntryInfo{}, cas.Errorf(cas.ErrDisallowed, "materialize", key, "key is disallowed")
		}
		if e.beingWritten {
			e.mu.Unlock()
			if err := t.waitFor(ctx, e); err != nil {
				return EntryInfo{}, err
			}
			continue
		}
		if e.exists {
			if e.trusted() {
				info := e.info()
				e.mu.Unlock()
				return info, nil
			}
			err := e.checkBacking()
			if err == nil {
				e.verified = true
				info := e.info()
				e.mu.Unlock()
				return info, nil
			}
			t.logger.Warn().Err(err).Str("key", key.Short()).Msg("entry failed verification, dropping it")
			t.dropLocked(e)
		}

		e.beingWritten = true
		e.mu.Unlock()
		t.writers.Add(1)

		info, err := t.materialize(ctx, key, hint)

		e.mu.Lock()
		if err == nil {
			e.exists = true
			e.verified = true
			e.compressed = info.Compressed
			e.size = info.Size
			e.rawSize = info.RawSize
			e.path = info.Path
		}
		e.beingWritten = false
		e.mu.Unlock()
		t.writers.Add(-1)

		if err == nil {
			t.materializations.Add(1)
			t.account(info.Size)
			t.logger.Debug().Str("key", key.Short()).Str("path", info.Path).Msg("materialized content")
		}
		t.waits.signal(key, err)
		return info, err
	}
}

// WaitUntilWritten blocks while another writer holds key. It returns the
// writer's failure, or ErrTimeout once the wait ceiling is reached.
func (t *Table) WaitUntilWritten(ctx context.Context, key cas.Key) error {
	e, ok := t.entries.Load(key.Canonical())
	if !ok {
		return nil
	}
	return t.waitFor(ctx, e)
}

func (t *Table) waitFor(ctx context.Context, e *Entry) error {
	pw := t.waits.join(e.key)
	defer t.waits.leave(e.key, pw)

	// Joining before the check means a writer finishing in between still
	// finds us or leaves the entry visibly done.
	if !e.isBeingWritten() {
		return nil
	}
	if t.opts.BeforeWait != nil {
		t.opts.BeforeWait(ctx)
	}

	start := time.Now()
	ticker := time.NewTicker(t.opts.WaitCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pw.done:
			return pw.err
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return cas.Wrap(cas.ErrTimeout, "wait", e.key, ctx.Err())
			}
			return cas.Wrap(cas.ErrClosed, "wait", e.key, ctx.Err())
		case <-ticker.C:
			if !e.isBeingWritten() {
				return nil
			}
			waited := time.Since(start)
			if waited >= t.opts.WaitTimeout {
				t.logWaitTimeout(e, waited)
				return cas.Errorf(cas.ErrTimeout, "wait", e.key, "content still being written after %s", waited.Round(time.Second))
			}
			t.logger.Debug().
				Str("key", e.key.Short()).
				Dur("waited", waited).
				Msg("still waiting for content")
		}
	}
}

func (t *Table) logWaitTimeout(e *Entry, waited time.Duration) {
	ev := t.logger.Error().
		Str("key", e.key.Short()).
		Dur("waited", waited).
		Int("waiters", t.waits.Waiters(e.key))
	e.mu.RLock()
	if w := e.writer; w != nil {
		ev = ev.Str("writer", w.owner).
			Int64("written", w.Written()).
			Int64("size", w.size).
			Time("writer_started", w.started)
	}
	e.mu.RUnlock()
	ev.Msg("gave up waiting for content to be written")
}

// Register records content found outside the store root, typically by a
// directory scan. size and modTime are what the file had when it was keyed;
// the entry is dropped as soon as the file no longer matches them. It returns
// false if the key already exists.
func (t *Table) Register(key cas.Key, path string, size int64, modTime time.Time) bool {
	e := t.entry(key.Canonical())
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.exists || e.beingWritten || e.disallowed {
		return false
	}
	e.exists = true
	e.verified = true
	e.external = true
	e.compressed = false
	e.size = size
	e.rawSize = size
	e.path = path
	e.modTime = modTime.UnixNano()
	t.dirty.Store(true)
	return true
}

// Disallow blocks key from being fetched or stored and removes stored content.
func (t *Table) Disallow(key cas.Key) {
	e := t.entry(key.Canonical())
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disallowed = true
	if e.exists && !e.beingWritten {
		if !e.external {
			if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
				t.logger.Warn().Err(err).Str("path", e.path).Msg("failed to remove disallowed content")
			}
		}
		t.dropLocked(e)
	}
}

// IsDisallowed reports whether key was disallow-listed.
func (t *Table) IsDisallowed(key cas.Key) bool {
	e, ok := t.entries.Load(key.Canonical())
	if !ok {
		return false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.disallowed
}

// Open materializes key and maps its content read-only.
func (t *Table) Open(ctx context.Context, key cas.Key, hint string, lifetime mapped.Lifetime) (*mapped.View, EntryInfo, error) {
	info, err := t.EnsureMaterialized(ctx, key, hint)
	if err != nil {
		return nil, EntryInfo{}, err
	}
	v, err := t.pool.OpenFile(info.Path, lifetime)
	if err != nil {
		if os.IsNotExist(err) {
			t.invalidate(info)
			return nil, EntryInfo{}, cas.Wrap(cas.ErrNotFound, "open", info.Key, err)
		}
		return nil, EntryInfo{}, cas.Wrap(cas.ErrStorageIO, "open", info.Key, err)
	}
	if int64(v.Len()) != info.Size {
		v.Release()
		t.invalidate(info)
		return nil, EntryInfo{}, cas.Errorf(cas.ErrNotFound, "open", info.Key, "stored size %d, expected %d", v.Len(), info.Size)
	}
	return v, info, nil
}

func (t *Table) invalidate(info EntryInfo) {
	e, ok := t.entries.Load(info.Key)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.exists && !e.beingWritten && e.path == info.Path {
		t.logger.Warn().Str("key", info.Key.Short()).Str("path", info.Path).Msg("content file vanished, marking absent")
		t.dropLocked(e)
	}
}

// dropLocked marks e absent and updates bookkeeping. e.mu must be held.
func (t *Table) dropLocked(e *Entry) {
	if !e.external {
		t.totalBytes.Add(-e.size)
	}
	e.reset()
	t.dirty.Store(true)
}

func (t *Table) account(size int64) {
	total := t.totalBytes.Add(size)
	t.dirty.Store(true)
	if t.opts.Capacity <= 0 {
		return
	}
	if total > t.opts.Capacity {
		if t.overCapacity.CompareAndSwap(false, true) {
			t.logger.Warn().
				Int64("stored", total).
				Int64("capacity", t.opts.Capacity).
				Msg("store exceeds configured capacity")
		}
	} else {
		t.overCapacity.Store(false)
	}
}

// reserve sets aside size bytes of capacity for a write in progress.
func (t *Table) reserve(key cas.Key, size int64) error {
	if t.opts.Capacity <= 0 {
		t.reserved.Add(size)
		return nil
	}
	for {
		held := t.reserved.Load()
		if t.totalBytes.Load()+held+size > t.opts.Capacity {
			return cas.Errorf(cas.ErrStorageIO, "store", key, "%d bytes do not fit in remaining capacity (%d of %d in use)",
				size, t.totalBytes.Load()+held, t.opts.Capacity)
		}
		if t.reserved.CompareAndSwap(held, held+size) {
			return nil
		}
	}
}

func (t *Table) unreserve(size int64) { t.reserved.Add(-size) }

// Materializations returns how many times content was produced: committed
// stores plus adopted or recomputed files.
func (t *Table) Materializations() int64 { return t.materializations.Load() }

// Waiters returns the number of callers blocked on key.
func (t *Table) Waiters(key cas.Key) int { return t.waits.Waiters(key.Canonical()) }

// Dirty reports whether the table changed since the last Save or Load.
func (t *Table) Dirty() bool { return t.dirty.Load() }

// Stats returns current table statistics.
func (t *Table) Stats() Stats {
	s := Stats{
		StoredBytes:      t.totalBytes.Load(),
		Materializations: t.materializations.Load(),
		ActiveWriters:    t.writers.Load(),
		PendingWaits:     t.waits.Len(),
	}
	t.entries.Range(func(_ cas.Key, e *Entry) bool {
		e.mu.RLock()
		if e.exists {
			s.Entries++
		}
		e.mu.RUnlock()
		return true
	})
	return s
}
