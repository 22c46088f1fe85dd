package profile

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestGetProfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/profiles/alice" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(&Profile{
			DisplayName: "Alice",
			Rating:      1520,
			PhotoURL:    "https://cdn.example/a.png",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithTimeout(2*time.Second))
	p, err := c.GetProfile(context.Background(), "alice")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if p.DisplayName != "Alice" || p.Rating != 1520 {
		t.Fatalf("profile = %+v", p)
	}
	if p.UserID != "alice" {
		t.Fatalf("UserID not defaulted, got %q", p.UserID)
	}
}

func TestGetProfileRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(&Profile{DisplayName: "Bob"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithTimeout(2*time.Second), WithRetry(3))
	p, err := c.GetProfile(context.Background(), "bob")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if p.DisplayName != "Bob" {
		t.Fatalf("profile = %+v", p)
	}
	if got := hits.Load(); got != 2 {
		t.Fatalf("requests = %d, want 2", got)
	}
}

func TestGetProfileDoesNotRetryNotFound(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithRetry(3))
	if _, err := c.GetProfile(context.Background(), "ghost"); err == nil {
		t.Fatal("expected error for 404")
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("requests = %d, want 1 (404 is not retryable)", got)
	}
}

func TestGetProfileRejectsEmptyID(t *testing.T) {
	c := NewClient("http://localhost:0")
	if _, err := c.GetProfile(context.Background(), "  "); err == nil {
		t.Fatal("expected error for empty user id")
	}
}
