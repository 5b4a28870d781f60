package secrets

import (
	"strings"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	c, err := New(NewKey())
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		plaintext string
	}{
		{name: "api key", plaintext: "sk-proj-abc123"},
		{name: "json blob", plaintext: `{"api_key":"x","api_version":"2024-06-01"}`},
		{name: "empty", plaintext: ""},
		{name: "unicode", plaintext: "clé-secrète-日本語"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ct, err := c.Encrypt(tt.plaintext)
			if err != nil {
				t.Fatalf("Encrypt: %v", err)
			}
			if strings.Contains(ct, tt.plaintext) && tt.plaintext != "" {
				t.Error("ciphertext contains plaintext")
			}
			got, err := c.Decrypt(ct)
			if err != nil {
				t.Fatalf("Decrypt: %v", err)
			}
			if got != tt.plaintext {
				t.Errorf("round trip = %q, want %q", got, tt.plaintext)
			}
		})
	}
}

func TestEncryptNondeterministic(t *testing.T) {
	t.Parallel()

	c, err := New(NewKey())
	if err != nil {
		t.Fatal(err)
	}
	a, _ := c.Encrypt("same input")
	b, _ := c.Encrypt("same input")
	if a == b {
		t.Error("two encryptions of the same plaintext must differ (random nonce)")
	}
}

func TestDecryptRejectsTampering(t *testing.T) {
	t.Parallel()

	c, err := New(NewKey())
	if err != nil {
		t.Fatal(err)
	}
	ct, _ := c.Encrypt("payload")

	if _, err := c.Decrypt(ct[:len(ct)-4] + "AAAA"); err == nil {
		t.Error("tampered ciphertext must not decrypt")
	}
	if _, err := c.Decrypt("not-base64!!"); err == nil {
		t.Error("invalid base64 must not decrypt")
	}
	if _, err := c.Decrypt("AAAA"); err == nil {
		t.Error("too-short ciphertext must not decrypt")
	}
}

func TestDecryptWrongKey(t *testing.T) {
	t.Parallel()

	a, _ := New(NewKey())
	b, _ := New(NewKey())
	ct, _ := a.Encrypt("payload")
	if _, err := b.Decrypt(ct); err == nil {
		t.Error("decryption under a different key must fail")
	}
}

func TestNewRejectsBadKeys(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		key  string
	}{
		{name: "not hex", key: strings.Repeat("zz", 32)},
		{name: "too short", key: "abcd"},
		{name: "empty", key: ""},
		{name: "wrong length", key: strings.Repeat("ab", 16)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := New(tt.key); err == nil {
				t.Errorf("New(%q) should fail", tt.key)
			}
		})
	}
}
