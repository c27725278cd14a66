// Package crypto tests for sealing and key derivation.
package crypto

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

// TestEncryptDecrypt_roundtrip verifies basic encryption and decryption.
func TestEncryptDecrypt_roundtrip(t *testing.T) {
	plaintext := []byte(`{"X-Client-Id":["device-1"]}`)
	key := []byte("test-key-12345")

	ciphertext, err := Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if ciphertext == "" {
		t.Fatal("Encrypt() returned empty string")
	}

	decrypted, err := Decrypt(ciphertext, key)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("Decrypt() = %q, want %q", decrypted, plaintext)
	}
}

// TestEncrypt_sameKeyDifferentNonce verifies two encryptions never match.
func TestEncrypt_sameKeyDifferentNonce(t *testing.T) {
	key := []byte("k")
	a, err := Encrypt([]byte("same"), key)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Encrypt([]byte("same"), key)
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("expected different ciphertexts for repeated encryption")
	}
}

func TestEncrypt_emptyKey(t *testing.T) {
	if _, err := Encrypt([]byte("x"), nil); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Encrypt() error = %v, want ErrInvalidKey", err)
	}
}

// TestDecrypt_invalidInput verifies malformed and tampered input is rejected.
func TestDecrypt_invalidInput(t *testing.T) {
	key := []byte("key")
	valid, err := Encrypt([]byte("payload"), key)
	if err != nil {
		t.Fatal(err)
	}
	raw := []byte(valid)
	raw[len(raw)/2] ^= 0x01
	tampered := string(raw)

	tests := []struct {
		name       string
		ciphertext string
		key        []byte
	}{
		{"not base64", "%%%not-base64%%%", key},
		{"too short", "AAAA", key},
		{"wrong key", valid, []byte("other")},
		{"tampered", tampered, key},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decrypt(tt.ciphertext, tt.key); err == nil {
				t.Error("Decrypt() expected error")
			}
		})
	}
}

// TestSealOpen verifies sealed values carry the prefix and open back.
func TestSealOpen(t *testing.T) {
	key := DeriveKey("device-1")
	sealed, err := Seal([]byte("secret"), key)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(sealed, SealedPrefix) || !IsSealed(sealed) {
		t.Fatalf("Seal() = %q, missing prefix", sealed)
	}

	got, err := Open(sealed, key)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if string(got) != "secret" {
		t.Errorf("Open() = %q", got)
	}

	if _, err := Open(sealed, DeriveKey("device-2")); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("Open() with another device key error = %v", err)
	}
}

// TestOpen_plainValuePassesThrough verifies rows written without a key stay
// readable.
func TestOpen_plainValuePassesThrough(t *testing.T) {
	got, err := Open(`{"a":["b"]}`, nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `{"a":["b"]}` {
		t.Errorf("Open() = %q", got)
	}
}

func TestDeriveKey(t *testing.T) {
	if !bytes.Equal(DeriveKey("a"), DeriveKey("a")) {
		t.Error("DeriveKey() not deterministic")
	}
	if bytes.Equal(DeriveKey("a"), DeriveKey("b")) {
		t.Error("DeriveKey() collides for different client ids")
	}
	if len(DeriveKey("")) != 32 {
		t.Errorf("DeriveKey() length = %d", len(DeriveKey("")))
	}
}
