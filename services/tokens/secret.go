// Package tokens manages refresh-token rotation chains, single-use tickets and
// the access tokens minted alongside them.
//
// Clients only ever see opaque random strings. The stores keep their SHA-256,
// so a leaked table cannot be replayed.
package tokens

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

const secretBytes = 32

// newSecret returns a random URL-safe string
func newSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashSecret returns the storage key for an opaque token
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
