// Package oauth brokers per-server OAuth 2.0 authorization-code flows with
// PKCE. The gateway terminates the flow and returns provider tokens to the
// caller; it never persists them.
package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
)

// GenerateCodeVerifier creates a 43-character random base64url string
// suitable for use as a PKCE code verifier (RFC 7636 requires 43-128
// URL-safe characters).
func GenerateCodeVerifier() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// CodeChallenge computes the S256 PKCE code challenge for the given
// verifier: BASE64URL(SHA-256(verifier)) without padding.
func CodeChallenge(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:])
}
