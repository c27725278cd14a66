// Package crypto seals small secrets kept in the local database, such as the
// headers of push requests captured for background replay.
// Uses AES-256-GCM for authenticated encryption.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"strings"
)

// SealedPrefix marks a value produced by Seal.
const SealedPrefix = "enc:v1:"

var (
	// ErrInvalidCiphertext is returned when decryption fails.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	// ErrInvalidKey is returned when the key is empty.
	ErrInvalidKey = errors.New("invalid key")
)

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) == 0 {
		return nil, ErrInvalidKey
	}
	derivedKey := sha256.Sum256(key)
	block, err := aes.NewCipher(derivedKey[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt encrypts plaintext using AES-256-GCM and returns it base64 encoded.
// The key is stretched to 32 bytes with SHA-256.
func Encrypt(plaintext, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	// nonce || ciphertext || tag
	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decrypts ciphertext that was encrypted with Encrypt.
func Decrypt(ciphertext string, key []byte) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, ErrInvalidCiphertext
	}
	nonce, cipherData := data[:nonceSize], data[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, cipherData, nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}

// Seal encrypts plaintext and tags it with SealedPrefix.
func Seal(plaintext, key []byte) (string, error) {
	ct, err := Encrypt(plaintext, key)
	if err != nil {
		return "", err
	}
	return SealedPrefix + ct, nil
}

// Open reverses Seal. Values without SealedPrefix are returned unchanged, so
// rows written before a key was configured stay readable.
func Open(value string, key []byte) ([]byte, error) {
	if !IsSealed(value) {
		return []byte(value), nil
	}
	return Decrypt(strings.TrimPrefix(value, SealedPrefix), key)
}

// IsSealed reports whether value was produced by Seal.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, SealedPrefix)
}

// DeriveKey derives a consistent key from the device's client id.
func DeriveKey(clientID string) []byte {
	hash := sha256.Sum256([]byte("fieldsync:" + clientID))
	return hash[:]
}
