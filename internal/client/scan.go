package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/casmesh/casmesh/internal/mapped"
	"github.com/casmesh/casmesh/pkg/cas"
)

const scanIndexVersion = 1

// Scan results, as counted in metrics.
const (
	scanHashed    = "hashed"
	scanUnchanged = "unchanged"
	scanFailed    = "failed"
	scanEmpty     = "empty"
)

// ScanStats summarizes one Scan.
type ScanStats struct {
	Files     int
	Hashed    int
	Unchanged int
	Failed    int
	Bytes     int64
}

// scanIndex remembers file keys between runs so unchanged files are not
// hashed again.
type scanIndex struct {
	Version int                  `json:"version"`
	Files   map[string]scanEntry `json:"files"`
}

type scanEntry struct {
	Size    int64   `json:"size"`
	ModTime int64   `json:"mtime"`
	Key     cas.Key `json:"key"`
}

func loadScanIndex(path string) *scanIndex {
	idx := &scanIndex{Version: scanIndexVersion, Files: make(map[string]scanEntry)}
	data, err := os.ReadFile(path)
	if err != nil {
		return idx
	}
	var loaded scanIndex
	if err := json.Unmarshal(data, &loaded); err != nil || loaded.Version != scanIndexVersion || loaded.Files == nil {
		return idx
	}
	return &loaded
}

func (idx *scanIndex) save(path string) error {
	data, err := json.Marshal(idx)
	if err != nil {
		return fmt.Errorf("marshal scan index: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write scan index: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename scan index: %w", err)
	}
	return nil
}

// Scan hashes every regular file under dirs and registers it in the local
// table, so retrieving any of that content needs no network call. Files whose
// size and modification time match the previous scan reuse the recorded key.
func (c *Client) Scan(ctx context.Context, dirs ...string) (ScanStats, error) {
	if len(dirs) == 0 {
		dirs = c.cfg.Scan.Dirs
	}
	start := time.Now()
	old := loadScanIndex(c.cfg.ScanIndexPath())
	next := &scanIndex{Version: scanIndexVersion, Files: make(map[string]scanEntry)}

	var (
		mu    sync.Mutex
		stats ScanStats
	)
	record := func(result string, path string, e scanEntry) {
		if result == scanEmpty {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		stats.Files++
		switch result {
		case scanHashed:
			stats.Hashed++
		case scanUnchanged:
			stats.Unchanged++
		case scanFailed:
			stats.Failed++
			return
		}
		stats.Bytes += e.Size
		next.Files[path] = e
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Scan.Workers)
	for _, dir := range dirs {
		root, err := filepath.Abs(dir)
		if err != nil {
			return stats, fmt.Errorf("resolve %s: %w", dir, err)
		}
		walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				c.logger.Debug().Err(err).Str("path", path).Msg("skipping unreadable path")
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if gctx.Err() != nil {
				return gctx.Err()
			}
			if !d.Type().IsRegular() {
				return nil
			}
			g.Go(func() error {
				result, e := c.scanFile(path, old)
				c.metrics.ScannedFiles.WithLabelValues(result).Inc()
				record(result, path, e)
				return nil
			})
			return nil
		})
		if walkErr != nil && !errors.Is(walkErr, context.Canceled) {
			_ = g.Wait()
			return stats, fmt.Errorf("walk %s: %w", root, walkErr)
		}
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}
	if err := ctx.Err(); err != nil {
		return stats, err
	}

	if err := next.save(c.cfg.ScanIndexPath()); err != nil {
		c.logger.Warn().Err(err).Msg("failed to save scan index")
	}
	c.logger.Info().
		Int("files", stats.Files).
		Int("hashed", stats.Hashed).
		Int("unchanged", stats.Unchanged).
		Int("failed", stats.Failed).
		Int64("bytes", stats.Bytes).
		Dur("elapsed", time.Since(start)).
		Msg("directory scan complete")
	return stats, nil
}

// scanFile keys one file and registers it.
func (c *Client) scanFile(path string, old *scanIndex) (string, scanEntry) {
	fi, err := os.Stat(path)
	if err != nil {
		return scanFailed, scanEntry{}
	}
	if fi.Size() == 0 {
		return scanEmpty, scanEntry{}
	}
	e := scanEntry{Size: fi.Size(), ModTime: fi.ModTime().UnixNano()}

	result := scanUnchanged
	if prev, ok := old.Files[path]; ok && prev.Size == e.Size && prev.ModTime == e.ModTime {
		e.Key = prev.Key
	} else {
		v, err := c.pool.OpenFile(path, mapped.Transient)
		if err != nil {
			c.logger.Debug().Err(err).Str("path", path).Msg("failed to map file")
			return scanFailed, scanEntry{}
		}
		e.Key = cas.ComputeKey(v.Bytes()).Canonical()
		v.Release()
		result = scanHashed
		if after, err := os.Stat(path); err != nil || after.Size() != fi.Size() || !after.ModTime().Equal(fi.ModTime()) {
			c.logger.Debug().Str("path", path).Msg("file changed while it was hashed")
			return scanFailed, scanEntry{}
		}
	}
	c.table.Register(e.Key, path, e.Size, fi.ModTime())
	return result, e
}
