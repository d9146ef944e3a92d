// Package secrets decrypts credential blobs stored in the hosts inventory.
//
// Blobs have the form "enc:v1:<base64url(salt | nonce | ciphertext)>". The
// key is derived from the master secret with PBKDF2-SHA256 and the payload is
// sealed with AES-256-GCM, so a tampered blob or a wrong master key fails
// authentication rather than producing garbage plaintext.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	prefix     = "enc:v1:"
	saltLen    = 16
	keyLen     = 32
	iterations = 480000
)

// ErrDecrypt is returned when a blob cannot be decrypted: wrong master key,
// truncated or tampered data. Callers treat it as "no credential available".
var ErrDecrypt = errors.New("secrets: decryption failed")

// Resolver decrypts inventory credential blobs with a master key.
type Resolver struct {
	master string
}

func NewResolver(masterKey string) *Resolver {
	return &Resolver{master: masterKey}
}

// Decrypt returns the plaintext of an "enc:v1:" blob. An empty blob yields an
// empty plaintext with no error. A non-empty blob without the prefix is
// treated as already-plaintext and returned as is, which keeps unencrypted
// dev inventories working.
func (r *Resolver) Decrypt(blob string) (string, error) {
	if blob == "" {
		return "", nil
	}
	if !strings.HasPrefix(blob, prefix) {
		return blob, nil
	}
	if r.master == "" {
		return "", fmt.Errorf("%w: no master key configured", ErrDecrypt)
	}

	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(blob, prefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	gcm, err := r.aead(raw)
	if err != nil {
		return "", err
	}

	nonceLen := gcm.NonceSize()
	if len(raw) < saltLen+nonceLen {
		return "", fmt.Errorf("%w: blob too short", ErrDecrypt)
	}
	nonce := raw[saltLen : saltLen+nonceLen]
	ciphertext := raw[saltLen+nonceLen:]

	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(plain), nil
}

// Encrypt seals plaintext into an "enc:v1:" blob. Used by the updeck-secret
// helper; the daemon itself only decrypts.
func (r *Resolver) Encrypt(plaintext string) (string, error) {
	if r.master == "" {
		return "", errors.New("secrets: no master key configured")
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := pbkdf2.Key([]byte(r.master), salt, iterations, keyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("init gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	raw := make([]byte, 0, saltLen+len(nonce)+len(sealed))
	raw = append(raw, salt...)
	raw = append(raw, nonce...)
	raw = append(raw, sealed...)

	return prefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// aead derives the per-blob AEAD from the salt at the front of raw.
func (r *Resolver) aead(raw []byte) (cipher.AEAD, error) {
	if len(raw) < saltLen {
		return nil, fmt.Errorf("%w: blob too short", ErrDecrypt)
	}
	salt := raw[:saltLen]

	key := pbkdf2.Key([]byte(r.master), salt, iterations, keyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return gcm, nil
}
