// Package signature signs and verifies webhook bodies with HMAC-SHA256.
//
// Signatures have the form "sha256=<lowercase hex>" and are computed over the
// raw request body exactly as received.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// Prefix is prepended to every hex digest.
const Prefix = "sha256="

// DevSecret is the fallback secret used outside production when none is
// configured.
const DevSecret = "dev-secret-key"

// Verifier holds the shared webhook secret. It is safe for concurrent use.
type Verifier struct {
	secret []byte
}

// New returns a Verifier for secret.
func New(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Sign returns the signature header value for rawBody.
func (v *Verifier) Sign(rawBody []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(rawBody)
	return Prefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches rawBody. The full header string is
// compared in constant time. A length mismatch returns false.
func (v *Verifier) Verify(rawBody []byte, signature string) bool {
	expected := v.Sign(rawBody)
	if len(signature) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}
