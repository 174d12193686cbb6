package kratos

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNew(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error")
	}
	if _, err := New("ftp://example.invalid"); err == nil {
		t.Fatal("expected error")
	}
	if _, err := New("http://"); err == nil {
		t.Fatal("expected error")
	}
	c, err := New("http://127.0.0.1:4433/")
	if err != nil {
		t.Fatal(err)
	}
	if c.publicBaseURL != "http://127.0.0.1:4433" {
		t.Fatalf("base=%q", c.publicBaseURL)
	}
}

func TestLoginPassword(t *testing.T) {
	loginStatus := http.StatusOK
	whoamiID := "subject-1"

	mux := http.NewServeMux()
	mux.HandleFunc("/self-service/login/api", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "flow1"})
	})
	mux.HandleFunc("/self-service/login", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("flow") != "flow1" {
			t.Fatalf("flow=%q", r.URL.Query().Get("flow"))
		}
		if loginStatus/100 != 2 {
			w.WriteHeader(loginStatus)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"session_token": "st1"})
	})
	mux.HandleFunc("/sessions/whoami", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Session-Token") != "st1" {
			t.Fatalf("token=%q", r.Header.Get("X-Session-Token"))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"identity": map[string]any{
				"id":     whoamiID,
				"traits": map[string]any{"email": "a@example.invalid"},
			},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := New(srv.URL)
	if err != nil {
		t.Fatal(err)
	}

	ident, err := c.LoginPassword(context.Background(), "t1:a@example.invalid", "pw")
	if err != nil {
		t.Fatal(err)
	}
	if ident.ID != "subject-1" {
		t.Fatalf("id=%q", ident.ID)
	}

	loginStatus = http.StatusUnauthorized
	_, err = c.LoginPassword(context.Background(), "t1:a@example.invalid", "bad")
	var he *HTTPError
	if !errors.As(err, &he) || he.StatusCode != http.StatusUnauthorized {
		t.Fatalf("err=%v", err)
	}

	loginStatus = http.StatusOK
	whoamiID = ""
	if _, err := c.LoginPassword(context.Background(), "t1:a@example.invalid", "pw"); err == nil {
		t.Fatal("expected error for missing identity id")
	}
}
