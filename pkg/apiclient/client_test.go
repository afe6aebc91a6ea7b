package apiclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestListDeployments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/deployments" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode([]Deployment{
			{PRNumber: 1, Status: "running", Branch: "main"},
			{PRNumber: 2, Status: "failed", Branch: "feature"},
		})
	}))
	defer srv.Close()

	client, err := New(srv.URL)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	deployments, err := client.ListDeployments(nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(deployments) != 2 {
		t.Fatalf("expected 2 deployments, got %d", len(deployments))
	}
	if deployments[0].PRNumber != 1 || deployments[1].Status != "failed" {
		t.Fatalf("unexpected deployments: %+v", deployments)
	}
}

func TestGetDeploymentNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "deployment not found"})
	}))
	defer srv.Close()

	client, err := New(srv.URL)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = client.GetDeployment(nil, 42)
	apiErr, ok := err.(APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T: %v", err, err)
	}
	if apiErr.Status != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", apiErr.Status)
	}
	if apiErr.Message != "deployment not found" {
		t.Fatalf("unexpected message: %q", apiErr.Message)
	}
}

func TestGetQueueStatsSendsAdminBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer my-token" {
			t.Fatalf("expected admin bearer token, got %q", got)
		}
		json.NewEncoder(w).Encode(QueueStats{ReadyHigh: 1, Processing: 2})
	}))
	defer srv.Close()

	client, err := New(srv.URL, WithAdminToken("my-token"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	stats, err := client.GetQueueStats(nil)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.ReadyHigh != 1 || stats.Processing != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestListDeploymentsOmitsAdminTokenOnReadEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "" {
			t.Fatalf("expected no Authorization header on a non-admin endpoint, got %q", got)
		}
		json.NewEncoder(w).Encode([]Deployment{})
	}))
	defer srv.Close()

	client, err := New(srv.URL, WithAdminToken("my-token"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := client.ListDeployments(nil); err != nil {
		t.Fatalf("list: %v", err)
	}
}

func TestCleanup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		if got := r.URL.Query().Get("maxAge"); got != "48" {
			t.Fatalf("expected maxAge=48, got %q", got)
		}
		json.NewEncoder(w).Encode(map[string]int{"swept": 3})
	}))
	defer srv.Close()

	client, err := New(srv.URL)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	swept, err := client.Cleanup(nil, 48*time.Hour)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if swept != 3 {
		t.Fatalf("expected 3 swept, got %d", swept)
	}
}

func TestNewNormalizesBaseURL(t *testing.T) {
	client, err := New("localhost:9999/")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if client.baseURL != "http://localhost:9999" {
		t.Fatalf("unexpected normalized base url: %q", client.baseURL)
	}
}

func TestNewRejectsInvalidBaseURL(t *testing.T) {
	if _, err := New("http://bad url with spaces"); err == nil {
		t.Fatalf("expected error for invalid base url")
	}
}
