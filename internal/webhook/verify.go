// Package webhook implements signed-ingress verification and event
// classification for the code-forge webhook endpoint: C1 (signature
// verification) and C2 (event dispatch).
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrMissingSignature indicates the signature header was absent or empty.
var ErrMissingSignature = errors.New("webhook: missing signature header")

// ErrInvalidSignature indicates the computed HMAC did not match.
var ErrInvalidSignature = errors.New("webhook: invalid signature")

// VerifySignature checks an X-Hub-Signature-256 style header
// ("sha256=<hex>") against the raw request body using HMAC-SHA256 and
// constant-time comparison. Callers MUST pass the exact bytes read off
// the wire; re-serializing a parsed object breaks byte equality.
func VerifySignature(rawBody []byte, secret, header string) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return ErrMissingSignature
	}
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return ErrInvalidSignature
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return ErrInvalidSignature
	}
	if secret == "" {
		return ErrMissingSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	expected := mac.Sum(nil)
	if len(provided) != len(expected) {
		return ErrInvalidSignature
	}
	if !hmac.Equal(provided, expected) {
		return ErrInvalidSignature
	}
	return nil
}
