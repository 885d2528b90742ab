package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// GenerateEncryptionKey returns a fresh 32 byte key encoded for use in the config file
func GenerateEncryptionKey() (string, error) {
	b, err := randomBytes(32)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// DecodeEncryptionKey accepts either a base64-encoded or a raw 32 byte key
func DecodeEncryptionKey(s string) ([]byte, error) {
	if len(s) == 32 {
		return []byte(s), nil
	}
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("encryption key is neither 32 raw bytes nor valid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return b, nil
}
