package transport

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	sha256 "github.com/minio/sha256-simd"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/casmesh/casmesh/pkg/cas"
)

// sealOverhead is the extra bytes a sealed frame carries: nonce plus tag.
const sealOverhead = chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// sealer encrypts frames with a key derived from the pre-shared key.
// Every frame gets a random 24-byte nonce, prefixed to the ciphertext.
type sealer struct {
	aead cipher.AEAD
}

func newSealer(psk string) (*sealer, error) {
	if psk == "" {
		return nil, nil
	}
	var key [chacha20poly1305.KeySize]byte
	r := hkdf.New(sha256.New, []byte(psk), []byte("casmesh-transport"), []byte("frame-key-v1"))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return nil, fmt.Errorf("derive transport key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return &sealer{aead: aead}, nil
}

// seal appends the sealed form of plain to dst.
func (s *sealer) seal(dst, plain []byte) ([]byte, error) {
	nonceAt := len(dst)
	dst = append(dst, make([]byte, chacha20poly1305.NonceSizeX)...)
	nonce := dst[nonceAt:]
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.aead.Seal(dst, nonce, plain, nil), nil
}

// open decrypts sealed in place and returns the plaintext.
func (s *sealer) open(sealed []byte) ([]byte, error) {
	if len(sealed) < sealOverhead {
		return nil, cas.Errorf(cas.ErrProtocol, "open", cas.ZeroKey, "sealed frame of %d bytes too short", len(sealed))
	}
	nonce := sealed[:chacha20poly1305.NonceSizeX]
	ct := sealed[chacha20poly1305.NonceSizeX:]
	plain, err := s.aead.Open(ct[:0], nonce, ct, nil)
	if err != nil {
		return nil, cas.Wrap(cas.ErrProtocol, "open", cas.ZeroKey, err)
	}
	return plain, nil
}
