//go:build !unix

package mapped

import (
	"io"
	"os"
)

// Without mmap the file contents are read into memory and written back on
// flush.
func mapRegion(f *os.File, size int, _ bool) ([]byte, error) {
	b := make([]byte, size)
	if _, err := io.ReadFull(io.NewSectionReader(f, 0, int64(size)), b); err != nil {
		return nil, err
	}
	return b, nil
}

func unmapRegion([]byte) error { return nil }

func flushRegion(f *os.File, b []byte) error {
	if _, err := f.WriteAt(b, 0); err != nil {
		return err
	}
	return f.Sync()
}
