package store

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/casmesh/casmesh/pkg/cas"
	"github.com/casmesh/casmesh/pkg/proto"
)

// Snapshot file layout (zstd stream):
//
//	magic[8] version u16 count u64
//	{ key[32] flags u8 size u64 rawSize u64 [path string modTime u64] }...
//
// Root-stored entries omit the path and modification time; the path is
// derived from the key.
const (
	snapshotMagic   = "CASMSNAP"
	snapshotVersion = 2

	snapFlagCompressed = 1 << 0
	snapFlagExternal   = 1 << 1

	maxSnapshotPath = 4096
)

// Save writes every existing entry to path atomically and clears the dirty
// flag.
func (t *Table) Save(path string) (int, error) {
	t.dirty.Store(false)

	var records []byte
	count := 0
	t.entries.Range(func(key cas.Key, e *Entry) bool {
		e.mu.RLock()
		defer e.mu.RUnlock()
		if !e.exists || e.beingWritten || e.disallowed {
			return true
		}
		enc := proto.NewEncoder(records)
		enc.Key(key)
		var flags byte
		if e.compressed {
			flags |= snapFlagCompressed
		}
		if e.external {
			flags |= snapFlagExternal
		}
		enc.U8(flags)
		enc.U64(uint64(e.size))
		enc.U64(uint64(e.rawSize))
		if e.external {
			enc.String(e.path)
			enc.U64(uint64(e.modTime))
		}
		records = enc.Buf()
		count++
		return true
	})

	hdr := proto.NewEncoder(nil)
	hdr.Raw([]byte(snapshotMagic))
	hdr.U16(snapshotVersion)
	hdr.U64(uint64(count))

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.dirty.Store(true)
		return 0, fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*.tmp")
	if err != nil {
		t.dirty.Store(true)
		return 0, fmt.Errorf("create snapshot: %w", err)
	}
	tmpPath := tmp.Name()
	fail := func(err error) (int, error) {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		t.dirty.Store(true)
		return 0, err
	}

	bw := bufio.NewWriter(tmp)
	zw, err := zstd.NewWriter(bw, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return fail(fmt.Errorf("snapshot encoder: %w", err))
	}
	if _, err := zw.Write(hdr.Buf()); err != nil {
		return fail(fmt.Errorf("write snapshot: %w", err))
	}
	if _, err := zw.Write(records); err != nil {
		return fail(fmt.Errorf("write snapshot: %w", err))
	}
	if err := zw.Close(); err != nil {
		return fail(fmt.Errorf("write snapshot: %w", err))
	}
	if err := bw.Flush(); err != nil {
		return fail(fmt.Errorf("write snapshot: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("sync snapshot: %w", err))
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		t.dirty.Store(true)
		return 0, fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		t.dirty.Store(true)
		return 0, fmt.Errorf("rename snapshot: %w", err)
	}
	t.logger.Debug().Int("entries", count).Str("path", path).Msg("saved table snapshot")
	return count, nil
}

// Load replaces the table contents with the snapshot at path. Loaded entries
// exist but are unverified; each is checked against disk the first time it is
// touched. A missing snapshot is not an error.
func (t *Table) Load(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open snapshot: %w", err)
	}
	defer func() { _ = f.Close() }()

	zr, err := zstd.NewReader(bufio.NewReader(f))
	if err != nil {
		return 0, fmt.Errorf("snapshot decoder: %w", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return 0, fmt.Errorf("read snapshot: %w", err)
	}

	d := proto.NewDecoder(raw)
	magic := make([]byte, len(snapshotMagic))
	for i := range magic {
		magic[i] = d.U8()
	}
	version := d.U16()
	count := d.U64()
	if err := d.Err(); err != nil {
		return 0, fmt.Errorf("snapshot header: %w", err)
	}
	if string(magic) != snapshotMagic {
		return 0, fmt.Errorf("%s is not a table snapshot", path)
	}
	if version != snapshotVersion {
		return 0, fmt.Errorf("unsupported snapshot version %d", version)
	}

	entries := make([]*Entry, 0, min(count, 1<<20))
	for i := uint64(0); i < count; i++ {
		e := &Entry{exists: true}
		e.key = d.Key().Canonical()
		flags := d.U8()
		e.size = int64(d.U64())
		e.rawSize = int64(d.U64())
		e.compressed = flags&snapFlagCompressed != 0
		e.external = flags&snapFlagExternal != 0
		if e.external {
			e.path = d.String(maxSnapshotPath)
			e.modTime = int64(d.U64())
		} else {
			e.path = t.contentPath(e.key, e.compressed)
		}
		if err := d.Err(); err != nil {
			return 0, fmt.Errorf("snapshot record %d: %w", i, err)
		}
		entries = append(entries, e)
	}
	if err := d.Finish(); err != nil {
		return 0, fmt.Errorf("snapshot trailer: %w", err)
	}

	t.entries.Range(func(key cas.Key, _ *Entry) bool {
		t.entries.Delete(key)
		return true
	})
	t.totalBytes.Store(0)
	for _, e := range entries {
		t.entries.Store(e.key, e)
		if !e.external {
			t.totalBytes.Add(e.size)
		}
	}
	t.dirty.Store(false)
	t.logger.Info().Int("entries", len(entries)).Str("path", path).Msg("loaded table snapshot")
	return len(entries), nil
}
