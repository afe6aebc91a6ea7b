package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

// scryptN/scryptR/scryptP are the cost parameters for deriving payload
// encryption keys. N=2^15 keeps derivation under ~50ms on typical worker
// hardware while remaining expensive to brute force offline.
const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	payloadSalt  = 16
	payloadNonce = 12
)

// ErrDecrypt indicates ciphertext failed integrity verification.
var ErrDecrypt = errors.New("crypto: payload decrypt failed")

// SealedPayload is the wire representation of an encrypted job field:
// a random per-record salt, the GCM nonce, and the ciphertext (with
// appended authentication tag), each base64-encoded so the envelope
// travels safely inside a JSON job body.
type SealedPayload struct {
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// SealPayload encrypts plaintext under a key derived from secret via
// scrypt with a fresh random salt, per spec ss4.2.
func SealPayload(secret, plaintext string) (SealedPayload, error) {
	salt := make([]byte, payloadSalt)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return SealedPayload{}, fmt.Errorf("generate salt: %w", err)
	}
	key, err := scrypt.Key([]byte(secret), salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return SealedPayload{}, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return SealedPayload{}, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return SealedPayload{}, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return SealedPayload{}, fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	return SealedPayload{
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

// OpenPayload reverses SealPayload, returning ErrDecrypt on any
// integrity failure (tampered ciphertext, wrong secret, malformed
// envelope) so callers can classify it as the non-retryable
// decrypt-error job outcome.
func OpenPayload(secret string, sealed SealedPayload) (string, error) {
	salt, err := base64.StdEncoding.DecodeString(sealed.Salt)
	if err != nil {
		return "", ErrDecrypt
	}
	nonce, err := base64.StdEncoding.DecodeString(sealed.Nonce)
	if err != nil {
		return "", ErrDecrypt
	}
	ciphertext, err := base64.StdEncoding.DecodeString(sealed.Ciphertext)
	if err != nil {
		return "", ErrDecrypt
	}
	key, err := scrypt.Key([]byte(secret), salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return "", fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(nonce) != gcm.NonceSize() {
		return "", ErrDecrypt
	}
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plain), nil
}
