package kms

import (
	"bytes"
	"strings"
	"testing"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestNewKeyringRejectsShortSecret(t *testing.T) {
	if _, err := NewKeyring("short", 1); err == nil {
		t.Error("expected error for short secret")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	k, err := NewKeyring(testSecret, 1)
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}

	plaintext := []byte(`{"photos":["ipfs://Qm..."],"notes":"delivered on site"}`)

	ct, err := k.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if !strings.HasPrefix(ct, "v1:") {
		t.Errorf("ciphertext prefix = %q, want v1:", ct[:3])
	}
	if strings.Contains(ct, "delivered on site") {
		t.Error("ciphertext contains plaintext substring")
	}

	pt, err := k.Decrypt(ct)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Errorf("round trip mismatch: got %q", pt)
	}
}

func TestRotateKeepsOldCiphertextsReadable(t *testing.T) {
	k, err := NewKeyring(testSecret, 1)
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}

	old, err := k.Encrypt([]byte("before rotation"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if v := k.Rotate(); v != 2 {
		t.Errorf("Rotate = %d, want 2", v)
	}

	fresh, err := k.Encrypt([]byte("after rotation"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if !strings.HasPrefix(fresh, "v2:") {
		t.Errorf("new ciphertext prefix = %q, want v2:", fresh[:3])
	}

	pt, err := k.Decrypt(old)
	if err != nil {
		t.Fatalf("Decrypt old: %v", err)
	}
	if string(pt) != "before rotation" {
		t.Errorf("old ciphertext decrypted to %q", pt)
	}
}

func TestDecryptRejectsTampering(t *testing.T) {
	k, _ := NewKeyring(testSecret, 1)

	ct, err := k.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// Flip a character in the base64 payload.
	tampered := []byte(ct)
	last := len(tampered) - 2
	if tampered[last] == 'A' {
		tampered[last] = 'B'
	} else {
		tampered[last] = 'A'
	}
	if _, err := k.Decrypt(string(tampered)); err == nil {
		t.Error("tampered ciphertext decrypted without error")
	}
}

func TestDecryptRejectsMalformedInput(t *testing.T) {
	k, _ := NewKeyring(testSecret, 1)

	for _, s := range []string{"", "plain", "v:abc", "vX:abc"} {
		if _, err := k.Decrypt(s); err == nil {
			t.Errorf("Decrypt(%q) succeeded, want error", s)
		}
	}
}

func TestKeysDifferAcrossVersions(t *testing.T) {
	k, _ := NewKeyring(testSecret, 1)

	k1, err := k.key(1)
	if err != nil {
		t.Fatalf("key(1): %v", err)
	}
	k2, err := k.key(2)
	if err != nil {
		t.Fatalf("key(2): %v", err)
	}
	if bytes.Equal(k1, k2) {
		t.Error("derived keys identical across versions")
	}
}
