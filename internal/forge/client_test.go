package forge

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func TestUpsertCommentCreatesWhenNoneMarked(t *testing.T) {
	var created bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			json.NewEncoder(w).Encode([]ghComment{{ID: 1, Body: "unrelated comment"}})
		case r.Method == http.MethodPost:
			created = true
			var payload map[string]string
			json.NewDecoder(r.Body).Decode(&payload)
			if payload["body"] == "" {
				t.Fatalf("expected a body in the create request")
			}
			w.WriteHeader(http.StatusCreated)
		default:
			t.Fatalf("unexpected method: %s", r.Method)
		}
	}))
	defer srv.Close()

	client := New(srv.URL, "app-1", testKey(t), 5*time.Second)
	if err := client.UpsertComment(context.Background(), "org/repo", 7, "build succeeded"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created {
		t.Fatalf("expected a new comment to be created")
	}
}

func TestUpsertCommentPatchesExistingMarkedComment(t *testing.T) {
	var patched bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			json.NewEncoder(w).Encode([]ghComment{{ID: 55, Body: commentMarker + "\nprevious status"}})
		case r.Method == http.MethodPatch:
			patched = true
			w.WriteHeader(http.StatusOK)
		default:
			t.Fatalf("unexpected method: %s", r.Method)
		}
	}))
	defer srv.Close()

	client := New(srv.URL, "app-1", testKey(t), 5*time.Second)
	if err := client.UpsertComment(context.Background(), "org/repo", 7, "build failed"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !patched {
		t.Fatalf("expected the existing marked comment to be patched rather than recreated")
	}
}

func TestUpsertCommentRequiresCredentials(t *testing.T) {
	client := New("https://example.invalid", "", nil, time.Second)
	if err := client.UpsertComment(context.Background(), "org/repo", 1, "status"); err == nil {
		t.Fatalf("expected error when client lacks app credentials")
	}
}

func TestNewDefaultsBaseURL(t *testing.T) {
	client := New("", "app-1", testKey(t), time.Second)
	if client.baseURL != "https://api.github.com" {
		t.Fatalf("unexpected default base url: %q", client.baseURL)
	}
}
