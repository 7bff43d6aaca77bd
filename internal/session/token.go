package session

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

const tokenSize = 32

// GenerateToken returns a URL-safe bearer token carrying tokenSize bytes
// (256 bits) of crypto/rand entropy. It fails only if the system source
// of randomness does.
func GenerateToken() (string, error) {
	b := make([]byte, tokenSize)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("session: failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
