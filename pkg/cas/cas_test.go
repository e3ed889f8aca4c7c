package cas

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomBytes(t *testing.T, n int, seed int64) []byte {
	t.Helper()
	buf := make([]byte, n)
	r := rand.New(rand.NewSource(seed))
	_, _ = r.Read(buf)
	return buf
}

func TestKey_CompressedBit(t *testing.T) {
	k := ComputeKey([]byte("hello"))
	assert.False(t, k.Compressed())

	c := k.WithCompressed(true)
	assert.True(t, c.Compressed())
	assert.NotEqual(t, k, c)
	assert.True(t, k.SameContent(c))
	assert.Equal(t, c, k.Canonical())
	assert.Equal(t, k, c.WithCompressed(false))
}

func TestKey_ParseRoundTrip(t *testing.T) {
	k := ComputeKey([]byte("content")).Canonical()
	parsed, err := ParseKey(k.String())
	require.NoError(t, err)
	assert.Equal(t, k, parsed)

	_, err = ParseKey("abc")
	assert.Error(t, err)
	_, err = ParseKey(string(bytes.Repeat([]byte("zz"), KeySize)))
	assert.Error(t, err)
}

func TestKeyFromReader_MatchesComputeKey(t *testing.T) {
	data := randomBytes(t, 100_000, 1)
	k, n, err := KeyFromReader(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	assert.Equal(t, ComputeKey(data), k)
}

func TestEmptyKey(t *testing.T) {
	assert.True(t, EmptyKey.Compressed())
	assert.True(t, EmptyKey.SameContent(ComputeKey(nil)))
	assert.False(t, EmptyKey.IsZero())
}

func TestCompressor_RoundTrip(t *testing.T) {
	c := NewCompressor(3)
	for _, size := range []int{0, 1, 1000, BlockSize - 1, BlockSize, BlockSize + 1, 3*BlockSize + 17} {
		data := randomBytes(t, size, int64(size))
		// Make it compressible.
		copy(data[size/2:], bytes.Repeat([]byte{'a'}, size-size/2))

		compressed := c.Compress(data)
		raw, err := RawSize(compressed)
		require.NoError(t, err)
		assert.Equal(t, uint64(size), raw)

		out := make([]byte, size)
		require.NoError(t, c.Decompress(out, compressed), "size %d", size)
		assert.Equal(t, data, out, "size %d", size)

		k, n, err := c.HashCompressed(compressed)
		require.NoError(t, err)
		assert.Equal(t, int64(size), n)
		assert.Equal(t, ComputeKey(data), k)

		var buf bytes.Buffer
		written, err := c.DecompressTo(&buf, compressed)
		require.NoError(t, err)
		assert.Equal(t, int64(size), written)
		assert.True(t, bytes.Equal(data, buf.Bytes()), "size %d", size)
	}
}

func TestCompressor_DecompressValidatesSizes(t *testing.T) {
	data := randomBytes(t, 5000, 7)
	compressed := Compress(data)

	err := Decompress(make([]byte, 4999), compressed)
	assert.True(t, errors.Is(err, ErrContentMismatch))

	truncated := compressed[:len(compressed)-3]
	err = Decompress(make([]byte, len(data)), truncated)
	assert.True(t, errors.Is(err, ErrContentMismatch))

	err = Decompress(nil, []byte{1, 2})
	assert.True(t, errors.Is(err, ErrContentMismatch))
}

func TestVerifyContent(t *testing.T) {
	data := []byte("verify me")
	key := ComputeKey(data).Canonical()

	assert.NoError(t, VerifyContent(nil, key, data, false))
	assert.NoError(t, VerifyContent(nil, key, Compress(data), true))

	err := VerifyContent(nil, key, []byte("something else"), false)
	assert.True(t, errors.Is(err, ErrContentMismatch))
}

func TestErrorCodes_RoundTrip(t *testing.T) {
	kinds := []error{ErrProtocol, ErrContentMismatch, ErrStorageIO, ErrTimeout,
		ErrPartialTransfer, ErrNotFound, ErrDisallowed, ErrClosed}
	for _, kind := range kinds {
		err := Errorf(kind, "op", ZeroKey, "details")
		code := Code(err)
		assert.NotEqual(t, CodeInternal, code)
		back := ErrorFromCode(code, "remote", err.Error())
		assert.True(t, errors.Is(back, kind), "kind %v", kind)
	}
	assert.Equal(t, CodeInternal, Code(errors.New("boom")))
	assert.Equal(t, CodeOK, Code(nil))
}

func TestMaterializeError_Retryable(t *testing.T) {
	key := ComputeKey([]byte("x"))
	err := &MaterializeError{Key: key, Hint: "obj/foo.o", Err: Errorf(ErrTimeout, "fetch", key, "slow")}
	assert.True(t, IsRetryable(err))
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Contains(t, err.Error(), "could not materialize input")
	assert.False(t, IsRetryable(ErrTimeout))
}
