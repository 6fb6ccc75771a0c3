package state

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/strata-io/strata/internal/ir"
)

const (
	// EncryptionKeyEnvVar holds the snapshot encryption key. When set,
	// every backend stores snapshots encrypted at rest.
	EncryptionKeyEnvVar = "STRATA_STATE_ENCRYPTION_KEY"

	encryptedHeader = "# STRATA_ENCRYPTED_SNAPSHOT\n"
)

// sealSnapshot encodes a snapshot and encrypts it when a key is set.
func sealSnapshot(snap *ir.Snapshot) ([]byte, error) {
	data, err := Encode(snap)
	if err != nil {
		return nil, err
	}
	return EncryptPayload(data)
}

// openSnapshot reverses sealSnapshot.
func openSnapshot(data []byte) (*ir.Snapshot, error) {
	plain, err := DecryptPayload(data)
	if err != nil {
		return nil, err
	}
	return Decode(plain)
}

// EncryptPayload encrypts content with AES-256-GCM using the key from
// the environment. Without a key the content passes through unchanged.
func EncryptPayload(content []byte) ([]byte, error) {
	key := encryptionKey()
	if key == nil {
		return content, nil
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, content, nil)
	encoded := base64.StdEncoding.EncodeToString(ciphertext)
	return []byte(encryptedHeader + encoded + "\n"), nil
}

// DecryptPayload decrypts content if it carries the encryption header.
func DecryptPayload(content []byte) ([]byte, error) {
	if !IsEncrypted(content) {
		return content, nil
	}

	key := encryptionKey()
	if key == nil {
		return nil, fmt.Errorf("snapshot is encrypted but %s is not set", EncryptionKeyEnvVar)
	}

	encoded := strings.TrimPrefix(string(content), encryptedHeader)
	encoded = strings.TrimSpace(encoded)
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding encrypted snapshot: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting snapshot (wrong key?): %w", err)
	}
	return plaintext, nil
}

// IsEncrypted reports whether content carries the encryption header.
func IsEncrypted(content []byte) bool {
	return strings.HasPrefix(string(content), encryptedHeader)
}

// encryptionKey returns the 32-byte AES key from the environment, or
// nil when unset. Short keys are zero-padded, long ones truncated.
func encryptionKey() []byte {
	keyStr := os.Getenv(EncryptionKeyEnvVar)
	if keyStr == "" {
		return nil
	}
	key := make([]byte, 32)
	copy(key, []byte(keyStr))
	return key
}
