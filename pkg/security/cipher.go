package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// hkdfInfo binds derived key-encryption keys to this protocol use.
var hkdfInfo = []byte("AS4-AES128-GCM-ENCRYPTION")

const (
	cekSize = 16
	kekSize = 16
)

// GenerateKeyPair generates an X25519 key pair.
func GenerateKeyPair() (publicKey, privateKey [32]byte, err error) {
	if _, err := rand.Read(privateKey[:]); err != nil {
		return [32]byte{}, [32]byte{}, fmt.Errorf("generate private key: %w", err)
	}
	curve25519.ScalarBaseMult(&publicKey, &privateKey)
	return publicKey, privateKey, nil
}

// deriveKEK runs X25519 between scalar and point and stretches the shared
// secret into an AES-128 key-encryption key with HKDF-SHA256.
func deriveKEK(scalar, point [32]byte) ([]byte, error) {
	shared, err := curve25519.X25519(scalar[:], point[:])
	if err != nil {
		return nil, fmt.Errorf("key agreement: %w", err)
	}
	kek := make([]byte, kekSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, hkdfInfo), kek); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return kek, nil
}

// sealWithKey AES-GCM encrypts plaintext under key, returning
// nonce||ciphertext.
func sealWithKey(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// openWithKey reverses sealWithKey.
func openWithKey(key, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}
	return gcm.Open(nil, sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():], nil)
}

// rfc3394IV is the default AES Key Wrap initial value.
const rfc3394IV = uint64(0xA6A6A6A6A6A6A6A6)

// WrapKey wraps a content-encryption key under kek using AES Key Wrap
// (RFC 3394).
func WrapKey(kek, keyToWrap []byte) ([]byte, error) {
	if len(keyToWrap)%8 != 0 || len(keyToWrap) < 16 {
		return nil, fmt.Errorf("key to wrap must be a multiple of 8 bytes")
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("key wrap cipher: %w", err)
	}

	n := len(keyToWrap) / 8
	a := rfc3394IV
	r := make([][]byte, n+1)
	for i := 1; i <= n; i++ {
		r[i] = make([]byte, 8)
		copy(r[i], keyToWrap[(i-1)*8:i*8])
	}

	for j := 0; j <= 5; j++ {
		for i := 1; i <= n; i++ {
			b := make([]byte, 16)
			putUint64(b[0:8], a)
			copy(b[8:16], r[i])
			block.Encrypt(b, b)
			a = getUint64(b[0:8]) ^ uint64(n*j+i)
			copy(r[i], b[8:16])
		}
	}

	out := make([]byte, (n+1)*8)
	putUint64(out[0:8], a)
	for i := 1; i <= n; i++ {
		copy(out[i*8:(i+1)*8], r[i])
	}
	return out, nil
}

// UnwrapKey reverses WrapKey, failing on an integrity check mismatch.
func UnwrapKey(kek, wrapped []byte) ([]byte, error) {
	if len(wrapped)%8 != 0 || len(wrapped) < 24 {
		return nil, fmt.Errorf("invalid wrapped key size %d", len(wrapped))
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("key unwrap cipher: %w", err)
	}

	n := len(wrapped)/8 - 1
	a := getUint64(wrapped[0:8])
	r := make([][]byte, n+1)
	for i := 1; i <= n; i++ {
		r[i] = make([]byte, 8)
		copy(r[i], wrapped[i*8:(i+1)*8])
	}

	for j := 5; j >= 0; j-- {
		for i := n; i >= 1; i-- {
			b := make([]byte, 16)
			putUint64(b[0:8], a^uint64(n*j+i))
			copy(b[8:16], r[i])
			block.Decrypt(b, b)
			a = getUint64(b[0:8])
			copy(r[i], b[8:16])
		}
	}

	if a != rfc3394IV {
		return nil, fmt.Errorf("key unwrap integrity check failed")
	}

	key := make([]byte, n*8)
	for i := 1; i <= n; i++ {
		copy(key[(i-1)*8:i*8], r[i])
	}
	return key, nil
}

func putUint64(b []byte, v uint64) {
	b[0] = byte(v >> 56)
	b[1] = byte(v >> 48)
	b[2] = byte(v >> 40)
	b[3] = byte(v >> 32)
	b[4] = byte(v >> 24)
	b[5] = byte(v >> 16)
	b[6] = byte(v >> 8)
	b[7] = byte(v)
}

func getUint64(b []byte) uint64 {
	return uint64(b[0])<<56 | uint64(b[1])<<48 | uint64(b[2])<<40 | uint64(b[3])<<32 |
		uint64(b[4])<<24 | uint64(b[5])<<16 | uint64(b[6])<<8 | uint64(b[7])
}
