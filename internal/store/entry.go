// Package store implements the hash-indexed entry table that records which
// content exists, where it lives, and who is currently writing it.
package store

import (
	"fmt"
	"os"
	"sync"

	"github.com/casmesh/casmesh/pkg/cas"
)

// Entry is the table record for one key. All fields are guarded by mu; only
// the writer that set beingWritten may change size, path or exists.
type Entry struct {
	key cas.Key

	mu           sync.RWMutex
	exists       bool
	verified     bool
	beingWritten bool
	disallowed   bool
	compressed   bool
	external     bool
	size         int64
	rawSize      int64
	path         string
	modTime      int64 // external entries only, unix nanoseconds
	writer       *Writer
}

// EntryInfo is a snapshot of an existing entry.
type EntryInfo struct {
	Key        cas.Key
	Size       int64
	RawSize    int64
	Compressed bool
	External   bool
	Path       string
}

// info must be called with mu held.
func (e *Entry) info() EntryInfo {
	return EntryInfo{
		Key:        e.key,
		Size:       e.size,
		RawSize:    e.rawSize,
		Compressed: e.compressed,
		External:   e.external,
		Path:       e.path,
	}
}

// reset marks the entry as not existing. mu must be held for writing.
func (e *Entry) reset() {
	e.exists = false
	e.verified = false
	e.external = false
	e.compressed = false
	e.size = 0
	e.rawSize = 0
	e.path = ""
	e.modTime = 0
}

// trusted reports whether the entry can be served without touching disk.
// External files can be rewritten by their owner at any time, so they never are.
func (e *Entry) trusted() bool {
	return e.verified && !e.external
}

// checkBacking verifies the backing file still matches the entry: same size,
// and for external files the modification time recorded when they were keyed.
// mu must be held.
func (e *Entry) checkBacking() error {
	if e.path == "" {
		return fmt.Errorf("no backing file")
	}
	fi, err := os.Stat(e.path)
	if err != nil {
		return err
	}
	if fi.Size() != e.size {
		return fmt.Errorf("%s is %d bytes, expected %d", e.path, fi.Size(), e.size)
	}
	if e.external && fi.ModTime().UnixNano() != e.modTime {
		return fmt.Errorf("%s was modified after it was keyed", e.path)
	}
	return nil
}

func (e *Entry) isBeingWritten() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.beingWritten
}
