package vault

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Sealed blob layout: [version byte][24-byte XChaCha nonce][ciphertext+tag].
// The version byte rides along as AEAD additional data, so a blob cannot be
// replayed under a different future format version.
const (
	blobVersion = 0x01

	// argon2id parameters. Stored in the container header so existing
	// vaults keep decrypting if the defaults move.
	kdfTime      = 1
	kdfMemoryKiB = 64 * 1024
	kdfThreads   = 4
	kdfKeyLen    = 32
	saltLen      = 16
)

// blobOverhead is the sealed size minus the plaintext size.
const blobOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

type kdfParams struct {
	Salt      []byte `json:"salt"`
	Time      uint32 `json:"time"`
	MemoryKiB uint32 `json:"memory_kib"`
	Threads   uint8  `json:"threads"`
}

func newKDFParams() (kdfParams, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return kdfParams{}, fmt.Errorf("vault: generating salt: %w", err)
	}
	return kdfParams{Salt: salt, Time: kdfTime, MemoryKiB: kdfMemoryKiB, Threads: kdfThreads}, nil
}

// deriveKey stretches the passphrase into an AEAD key. Deliberately slow.
func deriveKey(passphrase string, p kdfParams) []byte {
	return argon2.IDKey([]byte(passphrase), p.Salt, p.Time, p.MemoryKiB, p.Threads, kdfKeyLen)
}

// sealBlob encrypts plaintext with a fresh random nonce.
func sealBlob(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("vault: creating cipher: %w", err)
	}

	blob := make([]byte, 1+chacha20poly1305.NonceSizeX, len(plaintext)+blobOverhead)
	blob[0] = blobVersion
	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("vault: generating nonce: %w", err)
	}

	return aead.Seal(blob, nonce, plaintext, blob[:1]), nil
}

// openBlob authenticates and decrypts a sealed blob. Any tampering, a
// truncated blob, or a key mismatch all fail the same way.
func openBlob(key, blob []byte) ([]byte, error) {
	if len(blob) < blobOverhead {
		return nil, fmt.Errorf("vault: sealed blob truncated (%d bytes)", len(blob))
	}
	if blob[0] != blobVersion {
		return nil, fmt.Errorf("vault: unsupported blob version %d", blob[0])
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("vault: creating cipher: %w", err)
	}

	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, blob[1+chacha20poly1305.NonceSizeX:], blob[:1])
	if err != nil {
		return nil, fmt.Errorf("vault: opening sealed blob: %w", err)
	}
	return plaintext, nil
}

// Secret is decrypted credential material with a bounded lifetime. Call
// Close as soon as the secret has been used; it zeroes the buffer.
type Secret struct {
	buf []byte
}

// Bytes returns the live plaintext buffer. Do not retain it past Close.
func (s *Secret) Bytes() []byte { return s.buf }

// Close zeroes the plaintext. Safe to call more than once.
func (s *Secret) Close() {
	for i := range s.buf {
		s.buf[i] = 0
	}
	s.buf = nil
}

// String keeps the plaintext out of logs and %v formatting.
func (s *Secret) String() string { return "vault.Secret(redacted)" }
