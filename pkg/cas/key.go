// Package cas defines content keys, hashing, block compression and the error
// kinds shared by every casmesh component.
package cas

import (
	"encoding/hex"
	"fmt"
	"io"

	sha256 "github.com/minio/sha256-simd"
)

// KeySize is the size of a content key in bytes.
const KeySize = sha256.Size

// compressedBit lives in the last byte of a key. The remaining 255 bits are the
// SHA-256 of the uncompressed content.
const compressedBit = 0x01

// Key identifies content by the hash of its uncompressed bytes plus one bit
// recording whether the content is (or should be) stored compressed.
type Key [KeySize]byte

// ZeroKey is the invalid key.
var ZeroKey Key

// EmptyKey is the well-known key of zero-length content. Content with this key
// is never transferred.
var EmptyKey = ComputeKey(nil).Canonical()

// ComputeKey hashes data and returns its key with the compressed bit cleared.
func ComputeKey(data []byte) Key {
	return Key(sha256.Sum256(data)).WithCompressed(false)
}

// KeyFromReader hashes everything read from r.
func KeyFromReader(r io.Reader) (Key, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return ZeroKey, n, err
	}
	var k Key
	copy(k[:], h.Sum(nil))
	return k.WithCompressed(false), n, nil
}

// Compressed reports whether the compressed bit is set.
func (k Key) Compressed() bool {
	return k[KeySize-1]&compressedBit != 0
}

// WithCompressed returns k with the compressed bit set or cleared.
func (k Key) WithCompressed(compressed bool) Key {
	if compressed {
		k[KeySize-1] |= compressedBit
	} else {
		k[KeySize-1] &^= compressedBit
	}
	return k
}

// Canonical returns the identity form of k used for storage and lookups.
func (k Key) Canonical() Key {
	return k.WithCompressed(true)
}

// SameContent reports whether a and b address the same bytes, ignoring the
// compressed bit.
func (k Key) SameContent(other Key) bool {
	return k.Canonical() == other.Canonical()
}

// IsZero reports whether k is the invalid key.
func (k Key) IsZero() bool {
	return k == ZeroKey
}

// String returns the hex form of k.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Short returns the first 8 hex characters, for logging.
func (k Key) Short() string {
	return hex.EncodeToString(k[:4])
}

// ParseKey parses the hex form produced by String.
func ParseKey(s string) (Key, error) {
	var k Key
	if len(s) != hex.EncodedLen(KeySize) {
		return ZeroKey, fmt.Errorf("invalid key length %d", len(s))
	}
	if _, err := hex.Decode(k[:], []byte(s)); err != nil {
		return ZeroKey, fmt.Errorf("invalid key %q: %w", s, err)
	}
	return k, nil
}

// MarshalText implements encoding.TextMarshaler.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(b []byte) error {
	parsed, err := ParseKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
