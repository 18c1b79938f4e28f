// Package auth guards the admin API and mints shared secrets.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// Prefixes for generated secrets.
const (
	AdminKeyPrefix      = "am_admin_"
	WebhookSecretPrefix = "whsec_"
)

// GenerateSecret returns prefix followed by 32 URL-safe random characters.
func GenerateSecret(prefix string) (string, error) {
	b := make([]byte, 24) // 24 bytes -> 32 base64url chars
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating random bytes: %w", err)
	}
	return prefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// HashKey returns the hex-encoded SHA-256 hash of the given plaintext key.
func HashKey(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}

// KeysMatch compares two keys in constant time. Hashing first keeps the
// comparison length-independent.
func KeysMatch(presented, expected string) bool {
	return subtle.ConstantTimeCompare([]byte(HashKey(presented)), []byte(HashKey(expected))) == 1
}
