// Package kms provides key management for evidence encryption.
//
// Keys are derived from a server-held secret with HKDF-SHA256, one key per
// version. The version travels with the ciphertext ("v<N>:<base64>"), so
// rotation never orphans previously encrypted data: any version remains
// derivable for decryption while new writes use the active version.
package kms

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/hkdf"
)

const minSecretLen = 16

// Keyring derives and caches versioned AES-256-GCM keys.
type Keyring struct {
	mu     sync.RWMutex
	secret []byte
	active int
	keys   map[int][]byte
}

// NewKeyring builds a keyring from the configured secret. activeVersion is
// the key version used for new encryptions; pass 1 unless resuming after a
// rotation.
func NewKeyring(secret string, activeVersion int) (*Keyring, error) {
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("kms: secret must be at least %d bytes, got %d", minSecretLen, len(secret))
	}
	if activeVersion < 1 {
		return nil, fmt.Errorf("kms: active version must be >= 1, got %d", activeVersion)
	}
	return &Keyring{
		secret: []byte(secret),
		active: activeVersion,
		keys:   make(map[int][]byte),
	}, nil
}

// key derives (and caches) the 32-byte key for a version.
func (k *Keyring) key(version int) ([]byte, error) {
	k.mu.RLock()
	cached, ok := k.keys[version]
	k.mu.RUnlock()
	if ok {
		return cached, nil
	}

	info := fmt.Sprintf("vaultstream/evidence-key/v%d", version)
	r := hkdf.New(sha256.New, k.secret, nil, []byte(info))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("kms: derive key v%d: %w", version, err)
	}

	k.mu.Lock()
	k.keys[version] = key
	k.mu.Unlock()
	return key, nil
}

// Encrypt encrypts plaintext with the active key, returning
// "v<N>:<base64(nonce||ciphertext)>".
func (k *Keyring) Encrypt(plaintext []byte) (string, error) {
	k.mu.RLock()
	active := k.active
	k.mu.RUnlock()

	key, err := k.key(active)
	if err != nil {
		return "", err
	}
	ct, err := aesGCMEncrypt(key, plaintext)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("v%d:%s", active, base64.StdEncoding.EncodeToString(ct)), nil
}

// Decrypt decrypts versioned ciphertext produced by Encrypt, under whichever
// key version the ciphertext names.
func (k *Keyring) Decrypt(ciphertext string) ([]byte, error) {
	version, payload, err := parseVersioned(ciphertext)
	if err != nil {
		return nil, err
	}
	key, err := k.key(version)
	if err != nil {
		return nil, err
	}
	ct, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("kms: decode ciphertext: %w", err)
	}
	return aesGCMDecrypt(key, ct)
}

// Rotate bumps the active key version. Older versions remain decryptable.
func (k *Keyring) Rotate() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.active++
	return k.active
}

// ActiveVersion returns the version used for new encryptions.
func (k *Keyring) ActiveVersion() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.active
}

func aesGCMEncrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("kms: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("kms: gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("kms: nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func aesGCMDecrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("kms: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("kms: gcm: %w", err)
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("kms: ciphertext too short")
	}
	nonce, ct := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, nil)
}

// parseVersioned splits "v<N>:<payload>" into (N, payload).
func parseVersioned(s string) (int, string, error) {
	if !strings.HasPrefix(s, "v") {
		return 0, "", fmt.Errorf("kms: missing version prefix in ciphertext")
	}
	idx := strings.Index(s, ":")
	if idx < 2 {
		return 0, "", fmt.Errorf("kms: malformed versioned ciphertext")
	}
	v, err := strconv.Atoi(s[1:idx])
	if err != nil {
		return 0, "", fmt.Errorf("kms: parse version: %w", err)
	}
	return v, s[idx+1:], nil
}
