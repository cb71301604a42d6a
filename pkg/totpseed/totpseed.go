// Package totpseed generates fresh TOTP seeds for new accounts. It only
// generates and encodes seeds; computing a live code from a stored seed is
// the session runner's job at login time.
package totpseed

import (
	"crypto/rand"
	"encoding/base32"
)

// seedBytes is the RFC 4226 recommended minimum key length for HMAC-SHA1.
const seedBytes = 20

// Generate returns a fresh base32-encoded (no padding) TOTP seed suitable
// for display as a QR-code payload or manual entry during account setup.
func Generate() (string, error) {
	raw := make([]byte, seedBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw), nil
}
