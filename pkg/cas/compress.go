package cas

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	sha256 "github.com/minio/sha256-simd"
)

// Compressed content layout:
//
//	[u64 rawSize] { [u32 compLen][u32 rawLen][zstd frame] }...
//
// Blocks are independent so a receiver can decompress them one at a time into
// its destination buffer.
const (
	// BlockSize is the uncompressed size of every block except the last.
	BlockSize = 256 << 10

	// CompressorZstd is the compressor id announced to clients.
	CompressorZstd byte = 1

	headerSize      = 8
	blockHeaderSize = 8
)

// Compressor compresses and decompresses the block format at a fixed level.
// Encoders and decoders are pooled for reuse.
type Compressor struct {
	level       int
	encoderPool sync.Pool
	decoderPool sync.Pool
}

// NewCompressor creates a compressor using the given zstd level (1..22).
// Levels outside the range fall back to the library default.
func NewCompressor(level int) *Compressor {
	c := &Compressor{level: level}
	encLevel := zstd.SpeedDefault
	if level > 0 {
		encLevel = zstd.EncoderLevelFromZstd(level)
	}
	c.encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(encLevel), zstd.WithEncoderConcurrency(1))
			return enc
		},
	}
	c.decoderPool = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
			return dec
		},
	}
	return c
}

// Level returns the configured compression level.
func (c *Compressor) Level() int {
	return c.level
}

// Compress returns src in the block format.
func (c *Compressor) Compress(src []byte) []byte {
	enc := c.encoderPool.Get().(*zstd.Encoder)
	defer c.encoderPool.Put(enc)

	out := make([]byte, headerSize, headerSize+len(src)/2+blockHeaderSize)
	binary.LittleEndian.PutUint64(out, uint64(len(src)))

	for off := 0; off < len(src); off += BlockSize {
		end := min(off+BlockSize, len(src))
		hdr := len(out)
		out = append(out, make([]byte, blockHeaderSize)...)
		out = enc.EncodeAll(src[off:end], out)
		binary.LittleEndian.PutUint32(out[hdr:], uint32(len(out)-hdr-blockHeaderSize))
		binary.LittleEndian.PutUint32(out[hdr+4:], uint32(end-off))
	}
	return out
}

// Decompress decodes src into dst. len(dst) must equal the raw size declared in
// the header; every block is checked against its declared length.
func (c *Compressor) Decompress(dst, src []byte) error {
	rawSize, err := RawSize(src)
	if err != nil {
		return err
	}
	if rawSize != uint64(len(dst)) {
		return Errorf(ErrContentMismatch, "decompress", ZeroKey, "declared size %d, destination %d", rawSize, len(dst))
	}

	dec := c.decoderPool.Get().(*zstd.Decoder)
	defer c.decoderPool.Put(dec)

	written := 0
	err = walkBlocks(src, func(block []byte, rawLen int) error {
		if written+rawLen > len(dst) {
			return Errorf(ErrContentMismatch, "decompress", ZeroKey, "block overruns declared size %d", rawSize)
		}
		target := dst[written : written : written+rawLen]
		out, err := dec.DecodeAll(block, target)
		if err != nil {
			return Wrap(ErrContentMismatch, "decompress", ZeroKey, err)
		}
		if len(out) != rawLen || (rawLen > 0 && &out[0] != &dst[written]) {
			return Errorf(ErrContentMismatch, "decompress", ZeroKey, "block decoded to %d bytes, declared %d", len(out), rawLen)
		}
		written += rawLen
		return nil
	})
	if err != nil {
		return err
	}
	if written != len(dst) {
		return Errorf(ErrContentMismatch, "decompress", ZeroKey, "decoded %d of %d bytes", written, len(dst))
	}
	return nil
}

// HashCompressed decodes src block by block and returns the key of the raw
// content without materializing it.
func (c *Compressor) HashCompressed(src []byte) (Key, int64, error) {
	rawSize, err := RawSize(src)
	if err != nil {
		return ZeroKey, 0, err
	}

	dec := c.decoderPool.Get().(*zstd.Decoder)
	defer c.decoderPool.Put(dec)

	h := sha256.New()
	scratch := make([]byte, 0, BlockSize)
	var total int64
	err = walkBlocks(src, func(block []byte, rawLen int) error {
		out, err := dec.DecodeAll(block, scratch[:0])
		if err != nil {
			return Wrap(ErrContentMismatch, "hash", ZeroKey, err)
		}
		if len(out) != rawLen {
			return Errorf(ErrContentMismatch, "hash", ZeroKey, "block decoded to %d bytes, declared %d", len(out), rawLen)
		}
		_, _ = h.Write(out)
		total += int64(rawLen)
		return nil
	})
	if err != nil {
		return ZeroKey, 0, err
	}
	if uint64(total) != rawSize {
		return ZeroKey, 0, Errorf(ErrContentMismatch, "hash", ZeroKey, "decoded %d of %d bytes", total, rawSize)
	}
	var k Key
	copy(k[:], h.Sum(nil))
	return k.WithCompressed(false), total, nil
}

// DecompressTo streams the raw content of src into w.
func (c *Compressor) DecompressTo(w io.Writer, src []byte) (int64, error) {
	dec := c.decoderPool.Get().(*zstd.Decoder)
	defer c.decoderPool.Put(dec)

	if _, err := RawSize(src); err != nil {
		return 0, err
	}
	scratch := make([]byte, 0, BlockSize)
	var total int64
	err := walkBlocks(src, func(block []byte, rawLen int) error {
		out, err := dec.DecodeAll(block, scratch[:0])
		if err != nil {
			return Wrap(ErrContentMismatch, "decompress", ZeroKey, err)
		}
		if len(out) != rawLen {
			return Errorf(ErrContentMismatch, "decompress", ZeroKey, "block decoded to %d bytes, declared %d", len(out), rawLen)
		}
		n, err := w.Write(out)
		total += int64(n)
		return err
	})
	return total, err
}

// RawSize returns the uncompressed size declared in the header of src.
func RawSize(src []byte) (uint64, error) {
	if len(src) < headerSize {
		return 0, Errorf(ErrContentMismatch, "decompress", ZeroKey, "compressed content too short (%d bytes)", len(src))
	}
	return binary.LittleEndian.Uint64(src), nil
}

func walkBlocks(src []byte, fn func(block []byte, rawLen int) error) error {
	rest := src[headerSize:]
	for len(rest) > 0 {
		if len(rest) < blockHeaderSize {
			return Errorf(ErrContentMismatch, "decompress", ZeroKey, "truncated block header")
		}
		compLen := int(binary.LittleEndian.Uint32(rest))
		rawLen := int(binary.LittleEndian.Uint32(rest[4:]))
		rest = rest[blockHeaderSize:]
		if compLen > len(rest) {
			return Errorf(ErrContentMismatch, "decompress", ZeroKey, "block of %d bytes exceeds remaining %d", compLen, len(rest))
		}
		if err := fn(rest[:compLen], rawLen); err != nil {
			return err
		}
		rest = rest[compLen:]
	}
	return nil
}

var defaultCompressor = NewCompressor(0)

// Compress compresses src with the default level.
func Compress(src []byte) []byte {
	return defaultCompressor.Compress(src)
}

// Decompress decompresses src into dst with the default compressor.
func Decompress(dst, src []byte) error {
	return defaultCompressor.Decompress(dst, src)
}

// VerifyContent checks that data, stored compressed or not, hashes to key.
func VerifyContent(c *Compressor, key Key, data []byte, compressed bool) error {
	if c == nil {
		c = defaultCompressor
	}
	var got Key
	if compressed {
		k, _, err := c.HashCompressed(data)
		if err != nil {
			return err
		}
		got = k
	} else {
		got = ComputeKey(data)
	}
	if !got.SameContent(key) {
		return fmt.Errorf("%w: expected %s, computed %s", ErrContentMismatch, key.Short(), got.Short())
	}
	return nil
}
