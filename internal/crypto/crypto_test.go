package crypto

import (
	"strings"
	"testing"
)

func testKey() []byte {
	key, _ := DeriveKey("test-encryption-key-for-unit-tests")
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := testKey()
	original := "sk-ant-REDACTED"

	encrypted, err := Encrypt(original, key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if !IsEncrypted(encrypted) {
		t.Fatalf("expected encrypted value to start with %q prefix, got %q", "enc:", encrypted)
	}

	if encrypted == original {
		t.Fatal("encrypted value should differ from plaintext")
	}

	decrypted, err := Decrypt(encrypted, key)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}

	if decrypted != original {
		t.Fatalf("round-trip failed: got %q, want %q", decrypted, original)
	}
}

func TestEncryptEmptyString(t *testing.T) {
	key := testKey()

	encrypted, err := Encrypt("", key)
	if err != nil {
		t.Fatalf("Encrypt empty: %v", err)
	}

	if encrypted != "" {
		t.Fatalf("encrypting empty string should return empty, got %q", encrypted)
	}
}

func TestDecryptPlaintextPassthrough(t *testing.T) {
	key := testKey()

	// A value without the "enc:" prefix should be returned as-is.
	plain := "sk-plain-api-key"
	result, err := Decrypt(plain, key)
	if err != nil {
		t.Fatalf("Decrypt plaintext: %v", err)
	}

	if result != plain {
		t.Fatalf("plaintext passthrough failed: got %q, want %q", result, plain)
	}
}

func TestDecryptWrongKey(t *testing.T) {
	key1 := testKey()
	key2, _ := DeriveKey("different-key-entirely")

	encrypted, err := Encrypt("secret", key1)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	_, err = Decrypt(encrypted, key2)
	if err == nil {
		t.Fatal("expected error when decrypting with wrong key")
	}
}

func TestIsEncrypted(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"enc:abc123", true},
		{"enc:", true},
		{"ENC:abc", false},
		{"plaintext", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsEncrypted(tt.value); got != tt.want {
			t.Errorf("IsEncrypted(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestDeriveKey(t *testing.T) {
	key, err := DeriveKey("short")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if len(key) != 32 {
		t.Fatalf("key length = %d, want 32", len(key))
	}

	// Long passphrase should still produce a 32-byte key.
	longKey, err := DeriveKey(strings.Repeat("a", 100))
	if err != nil {
		t.Fatalf("DeriveKey long: %v", err)
	}
	if len(longKey) != 32 {
		t.Fatalf("long key length = %d, want 32", len(longKey))
	}

	// Different passphrases should produce different keys.
	key2, _ := DeriveKey("different")
	if string(key) == string(key2) {
		t.Fatal("different passphrases should produce different keys")
	}

	// Empty passphrase should error.
	_, err = DeriveKey("")
	if err == nil {
		t.Fatal("expected error for empty passphrase")
	}
}

func TestEncryptUniqueNonces(t *testing.T) {
	key := testKey()
	plain := "same-plaintext"

	enc1, _ := Encrypt(plain, key)
	enc2, _ := Encrypt(plain, key)

	if enc1 == enc2 {
		t.Fatal("two encryptions of the same plaintext should produce different ciphertext (unique nonces)")
	}

	// Both should decrypt to the same value.
	dec1, _ := Decrypt(enc1, key)
	dec2, _ := Decrypt(enc2, key)

	if dec1 != plain || dec2 != plain {
		t.Fatalf("both should decrypt to %q, got %q and %q", plain, dec1, dec2)
	}
}

// ─── secret bag round-trips ───
//
// internal/secretstore encrypts each value of a configuration's secret bag
// independently rather than a single struct, so these exercise a map of
// arbitrary names to arbitrary secret values instead of a fixed schema.

func TestEncryptDecryptSecretBag(t *testing.T) {
	key := testKey()

	bag := map[string]string{
		"DISCORD_TOKEN":  "discord-bot-token-abc",
		"TELEGRAM_TOKEN": "123456:telegram-token-value",
		"GITHUB_PAT":     "ghp_examplepersonalaccesstoken",
	}

	encrypted := make(map[string]string, len(bag))
	for name, plain := range bag {
		enc, err := Encrypt(plain, key)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", name, err)
		}
		if !IsEncrypted(enc) {
			t.Fatalf("secret %q should be encrypted, got %q", name, enc)
		}
		encrypted[name] = enc
	}

	for name, plain := range bag {
		dec, err := Decrypt(encrypted[name], key)
		if err != nil {
			t.Fatalf("Decrypt(%q): %v", name, err)
		}
		if dec != plain {
			t.Fatalf("secret %q round-trip: got %q, want %q", name, dec, plain)
		}
	}
}

func TestDecryptNilKeyPlaintextPassthrough(t *testing.T) {
	plain := "sk-plaintext-value"

	// A value without the "enc:" prefix is returned as-is before the key
	// is ever touched, so a nil key (no passphrase configured) is fine as
	// long as nothing was actually encrypted under it.
	result, err := Decrypt(plain, nil)
	if err != nil {
		t.Fatalf("Decrypt nil key: %v", err)
	}
	if result != plain {
		t.Fatalf("nil key should not change value: got %q", result)
	}
}

func TestEncryptNilKeyEmptyPassthrough(t *testing.T) {
	// Encrypt short-circuits on an empty plaintext before touching the key.
	result, err := Encrypt("", nil)
	if err != nil {
		t.Fatalf("Encrypt nil key: %v", err)
	}
	if result != "" {
		t.Fatalf("nil key with empty plaintext should stay empty: got %q", result)
	}
}
