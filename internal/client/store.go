package client

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/casmesh/casmesh/internal/mapped"
	"github.com/casmesh/casmesh/pkg/cas"
	"github.com/casmesh/casmesh/pkg/proto"
)

// Store results, as counted in metrics.
const (
	storeUploaded = "uploaded"
	storeExisting = "existing"
	storeEmpty    = "empty"
	storeFailed   = "failed"
)

// StoreFile uploads the file at path unless the server already has it. The
// file is remembered as local content for key immediately, so retrieving the
// key afterwards never goes to the network.
func (c *Client) StoreFile(ctx context.Context, path, hint string) (cas.Key, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return cas.ZeroKey, cas.Wrap(cas.ErrStorageIO, "store", cas.ZeroKey, err)
	}
	if fi.Size() == 0 {
		c.metrics.StoresTotal.WithLabelValues(storeEmpty).Inc()
		return cas.EmptyKey, nil
	}
	v, err := c.pool.OpenFile(path, mapped.Transient)
	if err != nil {
		return cas.ZeroKey, cas.Wrap(cas.ErrStorageIO, "store", cas.ZeroKey, err)
	}
	defer v.Release()

	data := v.Bytes()
	key := cas.ComputeKey(data).Canonical()
	c.records.Store(key, localRecord{path: path, size: fi.Size(), modTime: fi.ModTime()})

	if hint == "" {
		hint = path
	}
	return key, c.upload(ctx, key, data, hint)
}

// StoreBytes keeps data in the local table and uploads it unless the server
// already has it.
func (c *Client) StoreBytes(ctx context.Context, data []byte, hint string) (cas.Key, error) {
	if len(data) == 0 {
		c.metrics.StoresTotal.WithLabelValues(storeEmpty).Inc()
		return cas.EmptyKey, nil
	}
	key := cas.ComputeKey(data).Canonical()

	w, info, err := c.table.BeginWrite(ctx, key, c.cfg.Name, int64(len(data)), int64(len(data)), false)
	if err != nil {
		return key, err
	}
	if w != nil {
		if err := w.WriteAt(data, 0); err != nil {
			w.Abort(err)
			return key, err
		}
		if info, err = w.Commit(); err != nil {
			return key, err
		}
	}
	if fi, err := os.Stat(info.Path); err == nil {
		c.records.Store(key, localRecord{path: info.Path, size: fi.Size(), modTime: fi.ModTime(), compressed: info.Compressed})
	}
	return key, c.upload(ctx, key, data, hint)
}

// upload sends data for key through the segmented store protocol. The first
// segment travels with StoreBegin; the rest go out in parallel.
func (c *Client) upload(ctx context.Context, key cas.Key, data []byte, hint string) error {
	start := time.Now()
	exists, err := c.Exists(ctx, key)
	if err != nil {
		c.metrics.StoresTotal.WithLabelValues(storeFailed).Inc()
		return err
	}
	if exists {
		c.metrics.StoresTotal.WithLabelValues(storeExisting).Inc()
		return nil
	}

	payload, compressed := data, false
	if c.storeCompressed {
		payload, compressed = c.compressor.Compress(data), true
	}
	if len(hint) > proto.MaxHintLen {
		hint = hint[len(hint)-proto.MaxHintLen:]
	}

	seg := c.server.segSize
	var begin proto.StoreBeginResponse
	err = c.server.call(ctx, proto.MsgStoreBegin, &proto.StoreBeginRequest{
		Key:              key,
		FullSize:         uint64(len(payload)),
		UncompressedSize: uint64(len(data)),
		Compressed:       compressed,
		Hint:             hint,
		Data:             payload[:min(seg, len(payload))],
	}, &begin)
	if err != nil {
		c.metrics.StoresTotal.WithLabelValues(storeFailed).Inc()
		return err
	}
	if begin.StoreID == proto.TransferComplete {
		if len(payload) > seg {
			c.metrics.StoresTotal.WithLabelValues(storeExisting).Inc()
		} else {
			c.uploaded(key, len(payload), start)
		}
		return nil
	}

	var done atomic.Bool
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.ParallelSegments)
	for off := seg; off < len(payload); off += seg {
		chunk := payload[off:min(off+seg, len(payload))]
		offset := uint64(off)
		g.Go(func() error {
			var resp proto.StoreSegmentResponse
			if err := c.server.call(gctx, proto.MsgStoreSegment, &proto.StoreSegmentRequest{
				StoreID: begin.StoreID,
				Offset:  offset,
				Data:    chunk,
			}, &resp); err != nil {
				return err
			}
			if resp.Done {
				done.Store(true)
			}
			return nil
		})
	}
	err = g.Wait()
	if err == nil && !done.Load() {
		err = cas.Errorf(cas.ErrPartialTransfer, "store", key, "server never confirmed completion")
	}
	if err != nil {
		c.endStore(key)
		c.metrics.StoresTotal.WithLabelValues(storeFailed).Inc()
		return err
	}
	c.uploaded(key, len(payload), start)
	return nil
}

func (c *Client) uploaded(key cas.Key, n int, start time.Time) {
	c.metrics.StoresTotal.WithLabelValues(storeUploaded).Inc()
	c.metrics.StoreBytes.Add(float64(n))
	c.logger.Debug().
		Str("key", key.Short()).
		Int("bytes", n).
		Dur("elapsed", time.Since(start)).
		Msg("uploaded content")
}

// endStore abandons an unfinished store server side.
func (c *Client) endStore(key cas.Key) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.server.call(ctx, proto.MsgStoreEnd, &proto.KeyRequest{Key: key}, nil); err != nil {
		c.logger.Debug().Err(err).Str("key", key.Short()).Msg("StoreEnd failed")
	}
}
