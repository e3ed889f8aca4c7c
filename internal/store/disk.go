package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/casmesh/casmesh/internal/mapped"
	"github.com/casmesh/casmesh/pkg/cas"
)

const compressedSuffix = ".z"

// contentPath returns where content for key lives: root/ab/abcdef...[.z].
func (t *Table) contentPath(key cas.Key, compressed bool) string {
	hex := key.Canonical().String()
	name := hex
	if compressed {
		name += compressedSuffix
	}
	return filepath.Join(t.opts.Root, hex[:2], name)
}

func (t *Table) tempPath(key cas.Key) (string, error) {
	final := t.contentPath(key, false)
	dir := filepath.Dir(final)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(dir, fmt.Sprintf(".%s-%d.tmp", filepath.Base(final)[:16], t.tmpSeq.Add(1))), nil
}

// writeAtomic writes data to path through a temp file and rename.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".content-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write content: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename content: %w", err)
	}
	return nil
}

// materialize produces content for key that nobody stored through this table:
// a file already in the root (left over from an earlier run), or the file the
// hint names. The caller holds beingWritten.
func (t *Table) materialize(ctx context.Context, key cas.Key, hint string) (EntryInfo, error) {
	for _, compressed := range []bool{true, false} {
		path := t.contentPath(key, compressed)
		info, err := t.adoptFile(key, path, compressed)
		if err == nil {
			return info, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			t.logger.Warn().Err(err).Str("path", path).Msg("discarding unusable content file")
			_ = os.Remove(path)
		}
	}

	if err := ctx.Err(); err != nil {
		return EntryInfo{}, cas.Wrap(cas.ErrClosed, "materialize", key, err)
	}

	if src, ok := t.resolveHint(hint); ok {
		return t.recompute(key, src)
	}
	return EntryInfo{}, cas.Errorf(cas.ErrNotFound, "materialize", key, "content not stored")
}

func (t *Table) adoptFile(key cas.Key, path string, compressed bool) (EntryInfo, error) {
	v, err := t.pool.OpenFile(path, mapped.Transient)
	if err != nil {
		return EntryInfo{}, err
	}
	defer v.Release()

	data := v.Bytes()
	var got cas.Key
	rawSize := int64(len(data))
	if compressed {
		got, rawSize, err = t.opts.Compressor.HashCompressed(data)
		if err != nil {
			return EntryInfo{}, err
		}
	} else {
		got = cas.ComputeKey(data)
	}
	if !got.SameContent(key) {
		return EntryInfo{}, cas.Errorf(cas.ErrContentMismatch, "adopt", key, "%s hashes to %s", path, got.Short())
	}
	return EntryInfo{
		Key:        key,
		Size:       int64(len(data)),
		RawSize:    rawSize,
		Compressed: compressed,
		Path:       path,
	}, nil
}

func (t *Table) resolveHint(hint string) (string, bool) {
	if hint == "" {
		return "", false
	}
	if filepath.IsAbs(hint) {
		return hint, true
	}
	if t.opts.HintRoot == "" {
		return "", false
	}
	// Clean against "/" so the hint cannot climb out of HintRoot.
	return filepath.Join(t.opts.HintRoot, filepath.Clean("/"+hint)), true
}

// recompute hashes the hinted file and copies it into the root if it matches.
// A mismatch fails only this request.
func (t *Table) recompute(key cas.Key, src string) (EntryInfo, error) {
	v, err := t.pool.OpenFile(src, mapped.Transient)
	if err != nil {
		if os.IsNotExist(err) {
			return EntryInfo{}, cas.Wrap(cas.ErrNotFound, "recompute", key, err)
		}
		return EntryInfo{}, cas.Wrap(cas.ErrStorageIO, "recompute", key, err)
	}
	defer v.Release()

	data := v.Bytes()
	if got := cas.ComputeKey(data); !got.SameContent(key) {
		return EntryInfo{}, cas.Errorf(cas.ErrContentMismatch, "recompute", key, "%s hashes to %s", src, got.Short())
	}
	final := t.contentPath(key, false)
	if err := writeAtomic(final, data); err != nil {
		return EntryInfo{}, cas.Wrap(cas.ErrStorageIO, "recompute", key, err)
	}
	t.logger.Info().Str("key", key.Short()).Str("hint", src).Msg("recomputed content from hint")
	return EntryInfo{
		Key:     key,
		Size:    int64(len(data)),
		RawSize: int64(len(data)),
		Path:    final,
	}, nil
}
