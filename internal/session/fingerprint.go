package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const fingerprintInfo = "cadence-service origin fingerprint v1"

// Fingerprinter derives irreversible origin fingerprints. The HMAC key is
// derived from the server secret, so fingerprints cannot be recomputed or
// reversed without it.
type Fingerprinter struct {
	key []byte
}

// NewFingerprinter derives the fingerprint key from secret.
func NewFingerprinter(secret []byte) (*Fingerprinter, error) {
	if len(secret) == 0 {
		return nil, errors.New("session: fingerprint secret is empty")
	}

	key := make([]byte, sha256.Size)
	r := hkdf.New(sha256.New, secret, nil, []byte(fingerprintInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("session: deriving fingerprint key: %w", err)
	}

	return &Fingerprinter{key: key}, nil
}

// Fingerprint returns the hex HMAC-SHA256 of origin.
func (f *Fingerprinter) Fingerprint(origin string) string {
	mac := hmac.New(sha256.New, f.key)
	mac.Write([]byte(origin))
	return hex.EncodeToString(mac.Sum(nil))
}

// Match compares origin against a stored fingerprint in constant time.
func (f *Fingerprinter) Match(origin, fingerprint string) bool {
	return hmac.Equal([]byte(f.Fingerprint(origin)), []byte(fingerprint))
}
