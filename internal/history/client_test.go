package history

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/morada-app/chatsync/internal/protocol"
)

func TestBefore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/conversations/c1/messages" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("before"); got != "5000" {
			t.Errorf("before = %q, want 5000", got)
		}
		if got := r.URL.Query().Get("limit"); got != "50" {
			t.Errorf("limit = %q, want 50", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("auth header = %q", got)
		}
		_ = json.NewEncoder(w).Encode(Page{
			Messages: []protocol.Message{
				{ID: "1", ConversationID: "c1", SenderID: "u2", Content: "older", CreatedAt: 4000},
			},
			HasMore: true,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", nil)
	page, err := c.Before(context.Background(), "c1", 5000, 50)
	if err != nil {
		t.Fatalf("Before() error = %v", err)
	}
	if len(page.Messages) != 1 || page.Messages[0].ID != "1" {
		t.Errorf("page = %+v", page)
	}
	if !page.HasMore {
		t.Error("HasMore should be true")
	}
}

func TestAfterDeltaSync(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("after"); got != "9000" {
			t.Errorf("after = %q, want 9000", got)
		}
		_ = json.NewEncoder(w).Encode(Page{HasMore: false})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", nil)
	page, err := c.After(context.Background(), "c1", 9000, 100)
	if err != nil {
		t.Fatalf("After() error = %v", err)
	}
	if page.HasMore {
		t.Error("HasMore should be false")
	}
}

func TestFetchErrorOnStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", nil)
	_, err := c.Before(context.Background(), "c1", 0, 50)
	if err == nil {
		t.Fatal("expected error")
	}
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("error type = %T, want FetchError", err)
	}
	if fe.StatusCode != http.StatusBadGateway || fe.ConversationID != "c1" {
		t.Errorf("FetchError = %+v", fe)
	}
}

func TestFetchErrorOnConnRefused(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "tok", nil)
	_, err := c.Before(context.Background(), "c1", 0, 50)
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("error type = %T, want FetchError", err)
	}
}
