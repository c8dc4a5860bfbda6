// Package crypto covers tenant API keys: generation and the digest
// stored in place of the key itself. Keys are shown once at creation
// and only the SHA-256 hex digest is persisted.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
)

const keyPrefix = "ec-"

// GenerateAPIKey returns a fresh tenant API key with 32 bytes of
// entropy.
func GenerateAPIKey() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(err)
	}
	return keyPrefix + hex.EncodeToString(buf)
}

// HashAPIKey returns the digest used for storage and lookup.
func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}
