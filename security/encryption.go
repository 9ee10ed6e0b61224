package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the required key length in bytes for AES-256.
	KeySize = 32

	// ivSize is the initialization vector length for AES-CTR.
	ivSize = aes.BlockSize

	// deriveIterations is the PBKDF2 iteration count used by DeriveKey.
	deriveIterations = 600_000
)

// DecryptionError indicates that a stored ciphertext could not be
// decrypted: it is malformed, truncated, or was produced with a
// different key. Callers must treat the affected record as corrupt
// rather than fall back to an empty token.
type DecryptionError struct {
	Reason string
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decryption failed: %s", e.Reason)
}

// Cipher encrypts and decrypts secrets at rest using AES-256-CTR.
//
// Ciphertexts use the wire format "<hex iv>.<hex ciphertext>". Each
// Encrypt call draws a fresh random IV, so encrypting the same
// plaintext twice yields different outputs and stored values cannot
// be compared for equality.
type Cipher struct {
	key []byte
}

// NewCipher creates a cipher from a raw key.
// The key must be exactly 32 bytes for AES-256.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("cipher key must be exactly %d bytes for AES-256, got %d", KeySize, len(key))
	}
	c := &Cipher{key: make([]byte, KeySize)}
	copy(c.key, key)
	return c, nil
}

// Encrypt encrypts plaintext and returns "<hex iv>.<hex ciphertext>".
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("failed to generate iv: %w", err)
	}

	ciphertext := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext, []byte(plaintext))

	return hex.EncodeToString(iv) + "." + hex.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt. Any input that does not match the
// "<hex iv>.<hex ciphertext>" shape fails with a *DecryptionError.
func (c *Cipher) Decrypt(encrypted string) (string, error) {
	parts := strings.Split(encrypted, ".")
	if len(parts) != 2 {
		return "", &DecryptionError{Reason: "ciphertext is not in iv.payload form"}
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", &DecryptionError{Reason: "iv is not valid hex"}
	}
	if len(iv) != ivSize {
		return "", &DecryptionError{Reason: fmt.Sprintf("iv must be %d bytes, got %d", ivSize, len(iv))}
	}

	ciphertext, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", &DecryptionError{Reason: "payload is not valid hex"}
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCTR(block, iv).XORKeyStream(plaintext, ciphertext)

	return string(plaintext), nil
}

// GenerateKey generates a new random 32-byte key for AES-256.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// KeyFromHex decodes a hex-encoded 32-byte key.
func KeyFromHex(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode hex key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// DeriveKey stretches a passphrase into a 32-byte key using
// PBKDF2-SHA256. The salt must be stable across restarts or
// previously stored ciphertexts become unreadable.
func DeriveKey(passphrase, salt string) []byte {
	return pbkdf2.Key([]byte(passphrase), []byte(salt), deriveIterations, KeySize, sha256.New)
}
