package jwt

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

func generateTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func encodePKCS1(t *testing.T, key *rsa.PrivateKey) []byte {
	t.Helper()
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
}

func encodePKCS8(t *testing.T, key *rsa.PrivateKey) []byte {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal pkcs8: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

func TestParsePrivateKeyPEMAcceptsPKCS1(t *testing.T) {
	key := generateTestKey(t)
	parsed, err := ParsePrivateKeyPEM(encodePKCS1(t, key))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parsed.N.Cmp(key.N) != 0 {
		t.Fatalf("parsed key does not match original")
	}
}

func TestParsePrivateKeyPEMAcceptsPKCS8(t *testing.T) {
	key := generateTestKey(t)
	parsed, err := ParsePrivateKeyPEM(encodePKCS8(t, key))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parsed.N.Cmp(key.N) != 0 {
		t.Fatalf("parsed key does not match original")
	}
}

func TestParsePrivateKeyPEMRejectsGarbage(t *testing.T) {
	if _, err := ParsePrivateKeyPEM([]byte("not a pem block")); err == nil {
		t.Fatalf("expected error for non-PEM input")
	}
}

func TestMintAppTokenSignsVerifiableToken(t *testing.T) {
	key := generateTestKey(t)
	tokenString, err := MintAppToken("app-123", key, 5*time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	parsed, err := jwtlib.ParseWithClaims(tokenString, &AppClaims{}, func(tok *jwtlib.Token) (any, error) {
		return &key.PublicKey, nil
	})
	if err != nil {
		t.Fatalf("parse minted token: %v", err)
	}
	claims, ok := parsed.Claims.(*AppClaims)
	if !ok {
		t.Fatalf("unexpected claims type: %T", parsed.Claims)
	}
	if claims.Issuer != "app-123" {
		t.Fatalf("issuer = %q, want app-123", claims.Issuer)
	}
}

func TestMintAppTokenRejectsNilKey(t *testing.T) {
	if _, err := MintAppToken("app-123", nil, time.Minute); err == nil {
		t.Fatalf("expected error for nil signing key")
	}
}
