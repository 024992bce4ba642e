package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/petervdpas/formsync/internal/model"
)

func TestWSURL(t *testing.T) {
	tests := []struct {
		in, token, want string
		wantErr         bool
	}{
		{"http://localhost:8080", "", "ws://localhost:8080/ws", false},
		{"https://forms.example.com/", "abc", "wss://forms.example.com/ws?token=abc", false},
		{"ws://host/custom", "", "ws://host/custom", false},
		{"ftp://host", "", "", true},
	}
	for _, tt := range tests {
		got, err := wsURL(tt.in, tt.token)
		if (err != nil) != tt.wantErr {
			t.Errorf("wsURL(%q) err = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("wsURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestHTTPURL(t *testing.T) {
	for in, want := range map[string]string{
		"ws://localhost:8080/ws":  "http://localhost:8080",
		"wss://forms.example.com": "https://forms.example.com",
		"http://localhost:8080/":  "http://localhost:8080",
	} {
		if got := httpURL(in); got != want {
			t.Errorf("httpURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRedact(t *testing.T) {
	if got := redact("ws://h/ws?token=secret"); strings.Contains(got, "secret") {
		t.Errorf("redact leaked token: %s", got)
	}
}

func TestAPI(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		var req CreateRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.SessionID == "TAKEN1" {
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "exists", "code": "conflict"})
			return
		}
		_ = json.NewEncoder(w).Encode(model.NewSession(req.SessionID, req.Title, "", req.Fields))
	})
	mux.HandleFunc("/api/v1/sessions/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "session not found", "code": "not_found"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	api := NewAPI(srv.URL)
	ctx := context.Background()

	s, err := api.Create(ctx, CreateRequest{SessionID: "NEW001", Title: "T"})
	if err != nil || s.ID != "NEW001" || s.Title != "T" {
		t.Fatalf("Create = %+v, %v", s, err)
	}
	if _, err := api.Create(ctx, CreateRequest{SessionID: "TAKEN1"}); !errors.Is(err, model.ErrSessionExists) {
		t.Errorf("Create conflict err = %v", err)
	}
	if err := api.CreateSession(ctx, model.Session{ID: "TAKEN1"}); err != nil {
		t.Errorf("CreateSession on existing id should succeed, got %v", err)
	}
	if _, err := api.Session(ctx, "nope00"); !errors.Is(err, model.ErrSessionNotFound) {
		t.Errorf("Session err = %v", err)
	}
}
