package client

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/casmesh/casmesh/internal/mapped"
	"github.com/casmesh/casmesh/pkg/cas"
)

// ReadContent returns the uncompressed bytes of a retrieved result.
func (c *Client) ReadContent(res *Result) ([]byte, error) {
	if res.Size == 0 {
		return []byte{}, nil
	}
	v, err := c.pool.OpenFile(res.Path, mapped.Transient)
	if err != nil {
		return nil, cas.Wrap(cas.ErrStorageIO, "read", res.Key, err)
	}
	defer v.Release()

	out := make([]byte, res.Size)
	if !res.Compressed {
		if int64(v.Len()) != res.Size {
			return nil, cas.Errorf(cas.ErrContentMismatch, "read", res.Key, "file holds %d bytes, expected %d", v.Len(), res.Size)
		}
		copy(out, v.Bytes())
		return out, nil
	}
	if err := c.compressor.Decompress(out, v.Bytes()); err != nil {
		return nil, cas.Wrap(cas.ErrContentMismatch, "read", res.Key, err)
	}
	return out, nil
}

// Materialize retrieves key and writes its uncompressed content to dest.
func (c *Client) Materialize(ctx context.Context, key cas.Key, hint, dest string, allowProxy bool) (*Result, error) {
	res, err := c.Retrieve(ctx, key, hint, allowProxy)
	if err != nil {
		return nil, err
	}
	if err := c.writeTo(res, dest); err != nil {
		return nil, &cas.MaterializeError{Key: key, Hint: hint, Err: err}
	}
	return res, nil
}

func (c *Client) writeTo(res *Result, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return cas.Wrap(cas.ErrStorageIO, "materialize", res.Key, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*")
	if err != nil {
		return cas.Wrap(cas.ErrStorageIO, "materialize", res.Key, err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if res.Size > 0 {
		v, err := c.pool.OpenFile(res.Path, mapped.Transient)
		if err != nil {
			return cas.Wrap(cas.ErrStorageIO, "materialize", res.Key, err)
		}
		if res.Compressed {
			var n int64
			n, err = c.compressor.DecompressTo(tmp, v.Bytes())
			if err == nil && n != res.Size {
				err = fmt.Errorf("decompressed %d of %d bytes", n, res.Size)
			}
		} else {
			_, err = tmp.Write(v.Bytes())
		}
		v.Release()
		if err != nil {
			return cas.Wrap(cas.ErrStorageIO, "materialize", res.Key, err)
		}
	}
	if err := tmp.Close(); err != nil {
		return cas.Wrap(cas.ErrStorageIO, "materialize", res.Key, err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return cas.Wrap(cas.ErrStorageIO, "materialize", res.Key, err)
	}
	ok = true
	return nil
}
