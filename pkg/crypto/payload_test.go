package crypto

import "testing"

func TestSealOpenPayloadRoundTrip(t *testing.T) {
	sealed, err := SealPayload("envelope-secret", "https://forge.example/org/repo.git")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if sealed.Salt == "" || sealed.Nonce == "" || sealed.Ciphertext == "" {
		t.Fatalf("expected all sealed fields populated, got %+v", sealed)
	}
	plain, err := OpenPayload("envelope-secret", sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if plain != "https://forge.example/org/repo.git" {
		t.Fatalf("got %q", plain)
	}
}

func TestOpenPayloadWrongSecretFails(t *testing.T) {
	sealed, err := SealPayload("secret-a", "sensitive")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := OpenPayload("secret-b", sealed); err != ErrDecrypt {
		t.Fatalf("expected ErrDecrypt, got %v", err)
	}
}

func TestOpenPayloadTamperedCiphertextFails(t *testing.T) {
	sealed, err := SealPayload("secret", "sensitive")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	sealed.Ciphertext = sealed.Ciphertext[:len(sealed.Ciphertext)-4] + "AAAA"
	if _, err := OpenPayload("secret", sealed); err != ErrDecrypt {
		t.Fatalf("expected ErrDecrypt, got %v", err)
	}
}

func TestOpenPayloadMalformedEnvelopeFails(t *testing.T) {
	bad := SealedPayload{Salt: "not-base64!!", Nonce: "x", Ciphertext: "y"}
	if _, err := OpenPayload("secret", bad); err != ErrDecrypt {
		t.Fatalf("expected ErrDecrypt for malformed salt, got %v", err)
	}
}
