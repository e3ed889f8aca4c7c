package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/casmesh/casmesh/internal/mapped"
	"github.com/casmesh/casmesh/pkg/cas"
)

// Writer is the single writer producing an entry. Exactly one of Commit or
// Abort finishes it.
type Writer struct {
	t          *Table
	e          *Entry
	owner      string
	size       int64
	rawSize    int64
	compressed bool
	started    time.Time

	mu       sync.Mutex
	view     *mapped.View
	tmpPath  string
	written  int64
	finished bool
}

// BeginWrite claims key for writing. The first writer wins: if the content
// already exists it returns a nil Writer and the existing entry, and if another
// writer is active it waits for that writer to finish first.
func (t *Table) BeginWrite(ctx context.Context, key cas.Key, owner string, size, rawSize int64, compressed bool) (*Writer, EntryInfo, error) {
	key = key.Canonical()
	if size < 0 || rawSize < 0 {
		return nil, EntryInfo{}, cas.Errorf(cas.ErrProtocol, "store", key, "negative size")
	}
	if !compressed && rawSize != size {
		return nil, EntryInfo{}, cas.Errorf(cas.ErrProtocol, "store", key, "uncompressed size %d differs from size %d", rawSize, size)
	}
	if size > t.opts.MaxObjectSize || rawSize > t.opts.MaxObjectSize {
		return nil, EntryInfo{}, cas.Errorf(cas.ErrProtocol, "store", key, "declared size %d exceeds the object limit %d", max(size, rawSize), t.opts.MaxObjectSize)
	}

	for {
		e := t.entry(key)
		e.mu.Lock()
		if e.disallowed {
			e.mu.Unlock()
			return nil, EntryInfo{}, cas.Errorf(cas.ErrDisallowed, "store", key, "key is disallowed")
		}
		if e.beingWritten {
			e.mu.Unlock()
			err := t.waitFor(ctx, e)
			if err != nil && !errors.Is(err, cas.ErrPartialTransfer) && !errors.Is(err, cas.ErrNotFound) {
				return nil, EntryInfo{}, err
			}
			continue
		}
		if e.exists {
			if e.trusted() || e.checkBacking() == nil {
				e.verified = true
				info := e.info()
				e.mu.Unlock()
				return nil, info, nil
			}
			t.dropLocked(e)
		}

		if err := t.reserve(key, size); err != nil {
			e.mu.Unlock()
			return nil, EntryInfo{}, err
		}
		w := &Writer{
			t:          t,
			e:          e,
			owner:      owner,
			size:       size,
			rawSize:    rawSize,
			compressed: compressed,
			started:    time.Now(),
		}
		e.beingWritten = true
		e.writer = w
		e.mu.Unlock()
		t.writers.Add(1)

		if err := w.allocate(); err != nil {
			err = cas.Wrap(cas.ErrStorageIO, "store", key, err)
			w.finished = true
			w.rollback(err)
			return nil, EntryInfo{}, err
		}
		return w, EntryInfo{}, nil
	}
}

func (w *Writer) allocate() error {
	if w.size <= w.t.opts.MemoryWriteLimit {
		v, err := w.t.pool.Alloc(int(w.size), mapped.Persistent)
		if err != nil {
			return err
		}
		w.view = v
		return nil
	}
	tmp, err := w.t.tempPath(w.e.key)
	if err != nil {
		return err
	}
	v, err := w.t.pool.CreateFile(tmp, w.size, mapped.Persistent)
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	w.view = v
	w.tmpPath = tmp
	return nil
}

// Key returns the key being written.
func (w *Writer) Key() cas.Key { return w.e.key }

// Owner returns the owner passed to BeginWrite.
func (w *Writer) Owner() string { return w.owner }

// Size returns the declared stored size.
func (w *Writer) Size() int64 { return w.size }

// Written returns the number of bytes written so far.
func (w *Writer) Written() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// WriteAt copies p into the content at off.
func (w *Writer) WriteAt(p []byte, off int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finished {
		return cas.Errorf(cas.ErrClosed, "store", w.e.key, "writer already finished")
	}
	if off < 0 || off+int64(len(p)) > w.size {
		return cas.Errorf(cas.ErrProtocol, "store", w.e.key, "write of %d bytes at %d exceeds size %d", len(p), off, w.size)
	}
	copy(w.view.Bytes()[off:], p)
	w.written += int64(len(p))
	return nil
}

// Commit verifies the content against its key, moves it into place and marks
// the entry existing. On failure the entry is rolled back.
func (w *Writer) Commit() (EntryInfo, error) {
	w.mu.Lock()
	if w.finished {
		w.mu.Unlock()
		return EntryInfo{}, cas.Errorf(cas.ErrClosed, "store", w.e.key, "writer already finished")
	}
	w.finished = true
	w.mu.Unlock()

	t, key := w.t, w.e.key
	data := w.view.Bytes()
	if err := w.verify(data); err != nil {
		w.rollback(err)
		return EntryInfo{}, err
	}

	final := t.contentPath(key, w.compressed)
	var err error
	if w.tmpPath == "" {
		err = writeAtomic(final, data)
	} else {
		err = w.view.Flush()
	}
	w.view.Release()
	w.view = nil
	if err == nil && w.tmpPath != "" {
		err = os.Rename(w.tmpPath, final)
	}
	if err != nil {
		err = cas.Wrap(cas.ErrStorageIO, "store", key, err)
		w.rollback(err)
		return EntryInfo{}, err
	}

	t.unreserve(w.size)
	info := EntryInfo{Key: key, Size: w.size, RawSize: w.rawSize, Compressed: w.compressed, Path: final}
	e := w.e
	e.mu.Lock()
	if e.disallowed {
		e.beingWritten = false
		e.writer = nil
		e.mu.Unlock()
		_ = os.Remove(final)
		t.writers.Add(-1)
		err := cas.Errorf(cas.ErrDisallowed, "store", key, "key was disallowed during the write")
		t.waits.signal(key, err)
		return EntryInfo{}, err
	}
	e.exists = true
	e.verified = true
	e.external = false
	e.compressed = w.compressed
	e.size = w.size
	e.rawSize = w.rawSize
	e.path = final
	e.beingWritten = false
	e.writer = nil
	e.mu.Unlock()

	t.writers.Add(-1)
	t.materializations.Add(1)
	t.account(w.size)
	t.waits.signal(key, nil)

	t.logger.Debug().
		Str("key", key.Short()).
		Str("owner", w.owner).
		Int64("size", w.size).
		Bool("compressed", w.compressed).
		Dur("elapsed", time.Since(w.started)).
		Msg("stored content")
	return info, nil
}

func (w *Writer) verify(data []byte) error {
	key := w.e.key
	if w.compressed {
		raw, err := cas.RawSize(data)
		if err != nil {
			return err
		}
		if int64(raw) != w.rawSize {
			return cas.Errorf(cas.ErrContentMismatch, "store", key, "compressed content declares %d bytes, expected %d", raw, w.rawSize)
		}
	}
	if err := cas.VerifyContent(w.t.opts.Compressor, key, data, w.compressed); err != nil {
		return cas.Wrap(cas.ErrContentMismatch, "store", key, err)
	}
	return nil
}

// Abort rolls the entry back to not existing. Waiters see a partial transfer.
// Aborting a finished writer is a no-op.
func (w *Writer) Abort(reason error) {
	w.mu.Lock()
	if w.finished {
		w.mu.Unlock()
		return
	}
	w.finished = true
	w.mu.Unlock()

	if reason == nil {
		reason = errors.New("aborted")
	}
	w.t.logger.Debug().
		Err(reason).
		Str("key", w.e.key.Short()).
		Str("owner", w.owner).
		Int64("written", w.written).
		Int64("size", w.size).
		Msg("store aborted")
	w.rollback(cas.Wrap(cas.ErrPartialTransfer, "store", w.e.key, reason))
}

func (w *Writer) rollback(err error) {
	if w.view != nil {
		w.view.Release()
		w.view = nil
	}
	if w.tmpPath != "" {
		_ = os.Remove(w.tmpPath)
	}
	w.t.unreserve(w.size)
	e := w.e
	e.mu.Lock()
	e.beingWritten = false
	e.writer = nil
	e.mu.Unlock()
	w.t.writers.Add(-1)
	w.t.waits.signal(e.key, err)
}
