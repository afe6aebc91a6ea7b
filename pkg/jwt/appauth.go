// Package jwt mints short-lived JSON Web Tokens used to authenticate
// as a code-forge App when posting PR comments.
package jwt

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// AppClaims matches the registered claims a forge App JWT requires:
// issuer is the App ID, issued/expiry bound the token to a short window.
type AppClaims struct {
	jwtlib.RegisteredClaims
}

// ParsePrivateKeyPEM decodes a PKCS#1 or PKCS#8 RSA private key in PEM
// form, as delivered by FORGE_PRIVATE_KEY / FORGE_PRIVATE_KEY_PATH.
func ParsePrivateKeyPEM(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("jwt: no PEM block found in private key")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("jwt: private key is not RSA")
	}
	return rsaKey, nil
}

// MintAppToken signs a short-lived RS256 JWT identifying the given App
// ID, valid for ttl (the forge API rejects tokens older than 10
// minutes, so callers should keep ttl well under that).
func MintAppToken(appID string, key *rsa.PrivateKey, ttl time.Duration) (string, error) {
	if key == nil {
		return "", errors.New("jwt: nil signing key")
	}
	now := time.Now().Add(-30 * time.Second)
	claims := AppClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    appID,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodRS256, claims)
	return token.SignedString(key)
}
