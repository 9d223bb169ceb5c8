// Package security provides the AES-256-GCM secret store used for environment
// variables and credentials at rest, and the HS256 JWT service used by the
// shell and tunnel endpoints.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
)

// KeySize is the required AEAD key length in bytes.
const KeySize = 32

// ErrBadKey is returned when the host-mounted key file has the wrong size.
var ErrBadKey = errors.New("encryption key must be exactly 32 bytes")

// Crypto encrypts and decrypts values with AES-256-GCM. The nonce is
// generated per encryption and prepended to the ciphertext.
type Crypto struct {
	aead cipher.AEAD
}

// NewCrypto reads the raw 32-byte key from path. The key is read once; the
// daemon fails startup if it is absent.
func NewCrypto(path string) (*Crypto, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading encryption key: %w", err)
	}
	return NewCryptoFromKey(key)
}

// NewCryptoFromKey builds a Crypto from key material already in memory.
func NewCryptoFromKey(key []byte) (*Crypto, error) {
	if len(key) != KeySize {
		return nil, ErrBadKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Crypto{aead: aead}, nil
}

// Encrypt seals plaintext. A nil input returns nil, so optional columns pass
// through storage untouched.
func (c *Crypto) Encrypt(plaintext []byte) ([]byte, error) {
	if plaintext == nil {
		return nil, nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext produced by Encrypt. A nil input returns nil.
func (c *Crypto) Decrypt(ciphertext []byte) ([]byte, error) {
	if ciphertext == nil {
		return nil, nil
	}
	if len(ciphertext) < c.aead.NonceSize() {
		return nil, errors.New("ciphertext shorter than nonce")
	}
	nonce, sealed := ciphertext[:c.aead.NonceSize()], ciphertext[c.aead.NonceSize():]
	return c.aead.Open(nil, nonce, sealed, nil)
}

// EncryptString is Encrypt for string values.
func (c *Crypto) EncryptString(s string) ([]byte, error) {
	return c.Encrypt([]byte(s))
}

// DecryptString is Decrypt for string values.
func (c *Crypto) DecryptString(ciphertext []byte) (string, error) {
	out, err := c.Decrypt(ciphertext)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
