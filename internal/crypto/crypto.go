// Package crypto provides AES-256-GCM encryption for values that cross the
// plaintext boundary on their way into durable storage: a configuration's
// secret bag (internal/secretstore), and the per-tenant external database
// URL a configuration may point its storage plugin at
// (internal/store/postgres). Both callers share the same at-rest format so
// a configuration's encryption key can be rotated without touching two
// different ciphertext schemes.
//
// Encrypted values are prefixed with "enc:" followed by base64-encoded
// ciphertext (nonce + sealed data), so encrypted values are trivially
// distinguishable from legacy or never-encrypted plaintext on read.
//
// Encrypt/Decrypt both pass plaintext straight through, untouched, when no
// key is configured (key is empty) — encryption is an operator-enabled
// deployment option (config.Store.EncryptionKey), not a hard requirement,
// and callers would otherwise have to repeat the same "is a key configured"
// branch at every call site.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const encPrefix = "enc:"

// Encrypt encrypts plaintext using AES-256-GCM and returns a string with
// the format "enc:<base64(nonce + ciphertext)>". The key must be exactly
// 32 bytes (256 bits). Returns the original string unchanged if it is
// empty, or if no key is configured (len(key) == 0) — encryption at rest
// is opt-in.
func Encrypt(plaintext string, key []byte) (string, error) {
	if plaintext == "" || len(key) == 0 {
		return plaintext, nil
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	// Seal appends the sealed output to nonce, so the result is a single
	// nonce+ciphertext slice.
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)

	return encPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt decrypts a value previously produced by Encrypt. A value without
// the "enc:" prefix is returned as-is (plaintext passthrough) regardless of
// key. A value that carries the prefix but arrives with no key configured
// is an error rather than a silent ciphertext passthrough — returning the
// raw ciphertext as though it were plaintext would leak it to whatever
// reads the result.
func Decrypt(ciphertext string, key []byte) (string, error) {
	if !IsEncrypted(ciphertext) {
		return ciphertext, nil
	}
	if len(key) == 0 {
		return "", errors.New("crypto: value is encrypted but no encryption key is configured")
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ciphertext, encPrefix))
	if err != nil {
		return "", fmt.Errorf("decode base64: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", errors.New("ciphertext too short")
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	return string(plaintext), nil
}

// IsEncrypted reports whether the value carries the "enc:" prefix, meaning
// it was produced by Encrypt with a key configured.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, encPrefix)
}

// DeriveKey derives a 32-byte AES-256 key from an operator-supplied
// passphrase (config.Store.EncryptionKey) by hashing it with SHA-256. Any
// non-empty string works, including short values like "test". Returns an
// error if the input is empty — an operator who sets the field at all is
// opting into encryption, so an empty value is a misconfiguration rather
// than a request to disable it (that's done by leaving the field unset).
func DeriveKey(passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("encryption key must not be empty")
	}

	hash := sha256.Sum256([]byte(passphrase))

	return hash[:], nil
}
