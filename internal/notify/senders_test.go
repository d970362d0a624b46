package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDiscordSender_Send(t *testing.T) {
	var got struct {
		Content string `json:"content"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewDiscordSender(srv.URL)
	if err := s.Send(context.Background(), "payout sent", "txid abc123"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.Content != "**payout sent**\ntxid abc123" {
		t.Errorf("content = %q", got.Content)
	}
}

func TestDiscordSender_SendSurfacesAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"message": "Unknown Webhook"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "title", "body")
	if err == nil {
		t.Fatal("expected error for 404 response, got nil")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error should carry the status code: %v", err)
	}
	if !strings.Contains(err.Error(), "Unknown Webhook") {
		t.Errorf("error should quote the response body: %v", err)
	}
}
