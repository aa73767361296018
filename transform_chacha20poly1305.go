package l2

import (
	"golang.org/x/crypto/chacha20poly1305"
)

// chacha20Poly1305Transform is a Transform backed by
// golang.org/x/crypto/chacha20poly1305, the construction TLS 1.3 and
// DTLS 1.3 use as their mandatory-to-implement AEAD alongside AES-GCM.
// The per-record nonce is the epoch's fixed IV XORed with the 64-bit
// sequence number in its last 8 bytes, the same combineSeq/computeNonce
// construction the teacher record layer uses for its AEAD ciphers.
type chacha20Poly1305Transform struct {
	aead baseIVAEAD
}

// baseIVAEAD is the minimal shape computeNonce needs; it lets
// chacha20Poly1305Transform and any future AEAD-based Transform share
// the same nonce construction.
type baseIVAEAD struct {
	seal    func(dst, nonce, plaintext, ad []byte) []byte
	open    func(dst, nonce, ciphertext, ad []byte) ([]byte, error)
	nonceSz int
	tagSz   int
	iv      []byte // fixed base IV, length == nonceSz
}

// NewChaCha20Poly1305Transform builds a Transform for one direction's
// traffic secret. key must be chacha20poly1305.KeySize bytes and iv
// must be chacha20poly1305.NonceSize bytes, matching the output of the
// handshake's key schedule.
func NewChaCha20Poly1305Transform(key, iv []byte) (Transform, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, wrapErr(KindInvalidArgs, "chacha20poly1305 key setup failed", err)
	}
	if len(iv) != aead.NonceSize() {
		return nil, newErr(KindInvalidArgs, "iv has wrong length for chacha20poly1305")
	}
	fixedIV := make([]byte, len(iv))
	copy(fixedIV, iv)
	return &chacha20Poly1305Transform{aead: baseIVAEAD{
		seal:    aead.Seal,
		open:    aead.Open,
		nonceSz: aead.NonceSize(),
		tagSz:   aead.Overhead(),
		iv:      fixedIV,
	}}, nil
}

func (t *chacha20Poly1305Transform) Expansion() (prefix, suffix int) {
	return 0, t.aead.tagSz
}

// computeNonce XORs seq into the low 8 bytes of the base IV, the same
// construction as the teacher's cipherState.computeNonce.
func (a *baseIVAEAD) computeNonce(seq uint64) []byte {
	nonce := make([]byte, a.nonceSz)
	copy(nonce, a.iv)
	offset := a.nonceSz
	s := seq
	for i := 0; i < 8; i++ {
		nonce[offset-i-1] ^= byte(s & 0xff)
		s >>= 8
	}
	return nonce
}

func (t *chacha20Poly1305Transform) Encrypt(seq uint64, header, buf []byte, offset, length int) (int, error) {
	nonce := t.aead.computeNonce(seq)
	plaintext := buf[offset : offset+length]
	sealed := t.aead.seal(buf[:0], nonce, plaintext, header)
	return len(sealed), nil
}

func (t *chacha20Poly1305Transform) Decrypt(seq uint64, header, buf []byte, length int) (int, int, error) {
	nonce := t.aead.computeNonce(seq)
	opened, err := t.aead.open(buf[:0], nonce, buf[:length], header)
	if err != nil {
		return 0, 0, wrapErr(KindAuthFailed, "chacha20poly1305 authentication failed", err)
	}
	return 0, len(opened), nil
}

func (t *chacha20Poly1305Transform) Close() {}
