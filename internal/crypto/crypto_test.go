package crypto

import (
	"errors"
	"strings"
	"testing"
)

func TestNewEncryptor(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr error
	}{
		{"valid key", "my-secret-key", nil},
		{"long key", strings.Repeat("a", 100), nil},
		{"empty key", "", ErrEmptyKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := NewEncryptor(tt.key)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("NewEncryptor() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && enc == nil {
				t.Error("NewEncryptor() returned nil without error")
			}
		})
	}
}

func TestDeriveKey(t *testing.T) {
	k1, err := deriveKey("key")
	if err != nil {
		t.Fatalf("deriveKey() error = %v", err)
	}
	k2, _ := deriveKey("key")
	k3, _ := deriveKey("other")

	if len(k1) != 32 {
		t.Errorf("derived key length = %d, want 32", len(k1))
	}
	if string(k1) != string(k2) {
		t.Error("deriveKey should be deterministic")
	}
	if string(k1) == string(k3) {
		t.Error("different keys should derive different material")
	}
}

func TestEncryptor_EncryptDecrypt(t *testing.T) {
	enc, err := NewEncryptor("test-encryption-key")
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	tests := []string{
		"sk-proj-abc123",
		"",
		"unicode: 日本語 🔑",
		strings.Repeat("x", 4096),
	}

	for _, plaintext := range tests {
		ct, err := enc.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}
		if plaintext != "" && ct == plaintext {
			t.Error("ciphertext equals plaintext")
		}

		got, err := enc.Decrypt(ct)
		if err != nil {
			t.Fatalf("Decrypt() error = %v", err)
		}
		if got != plaintext {
			t.Errorf("Decrypt() = %q, want %q", got, plaintext)
		}
	}
}

func TestEncryptor_NonceIsRandom(t *testing.T) {
	enc, _ := NewEncryptor("key")

	a, _ := enc.Encrypt("same")
	b, _ := enc.Encrypt("same")
	if a == b {
		t.Error("two encryptions of the same value should differ")
	}
}

func TestEncryptor_DecryptErrors(t *testing.T) {
	enc, _ := NewEncryptor("key")
	other, _ := NewEncryptor("other-key")
	sealed, _ := other.Encrypt("secret")

	tests := []struct {
		name  string
		input string
	}{
		{"not base64", "!!!"},
		{"too short", "YQ=="},
		{"wrong key", sealed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := enc.Decrypt(tt.input)
			if !errors.Is(err, ErrInvalidCiphertext) {
				t.Errorf("Decrypt() error = %v, want ErrInvalidCiphertext", err)
			}
		})
	}
}

func TestEncryptor_SealReveal(t *testing.T) {
	enc, _ := NewEncryptor("key")

	sealed, err := enc.Seal("sk-ant-123")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if !IsSealed(sealed) {
		t.Fatalf("sealed value %q lacks prefix", sealed)
	}

	got, err := enc.Reveal(sealed)
	if err != nil || got != "sk-ant-123" {
		t.Errorf("Reveal() = %q, %v", got, err)
	}

	plain, err := enc.Reveal("sk-plain")
	if err != nil || plain != "sk-plain" {
		t.Errorf("Reveal(plain) = %q, %v", plain, err)
	}
}

func TestKeyID(t *testing.T) {
	if KeyID("") != "" {
		t.Error("empty secret should have empty id")
	}
	id := KeyID("sk-123")
	if len(id) != 8 {
		t.Errorf("KeyID length = %d, want 8", len(id))
	}
	if id != KeyID("sk-123") || id == KeyID("sk-124") {
		t.Error("KeyID should be stable and distinguish secrets")
	}
}
