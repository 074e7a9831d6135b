package memory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMem0Search(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v2/memories/search/" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Token secret" {
			t.Errorf("Authorization = %q", got)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"results":[{"id":"m1","memory":"prefers tea","score":0.9},{"id":"m2","memory":"  "}]}`))
	}))
	defer srv.Close()

	c := NewMem0Client(Mem0Config{APIKey: "secret", BaseURL: srv.URL + "/"})
	got, err := c.Search(context.Background(), "drinks", "1-2")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].ID != "m1" || got[0].Memory != "prefers tea" {
		t.Fatalf("Search = %+v", got)
	}
	if gotBody["query"] != "drinks" {
		t.Errorf("query = %v", gotBody["query"])
	}
	filters, _ := gotBody["filters"].(map[string]any)
	and, _ := filters["AND"].([]any)
	if len(and) != 2 {
		t.Fatalf("filters = %v", gotBody["filters"])
	}
	if first, _ := and[0].(map[string]any); first["user_id"] != "1-2" {
		t.Errorf("user filter = %v", and[0])
	}
	if second, _ := and[1].(map[string]any); second["app_id"] != DefaultAppID {
		t.Errorf("app filter = %v", and[1])
	}
}

func TestMem0SearchBareArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":"a","memory":"one"},{"id":"b","memory":"two"},{"id":"c","memory":"three"}]`))
	}))
	defer srv.Close()

	c := NewMem0Client(Mem0Config{APIKey: "k", BaseURL: srv.URL, Limit: 2})
	got, err := c.Search(context.Background(), "q", "s")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 || got[1].Memory != "two" {
		t.Fatalf("Search = %+v", got)
	}
}

func TestMem0Add(t *testing.T) {
	var got mem0AddRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/memories/" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := NewMem0Client(Mem0Config{APIKey: "k", BaseURL: srv.URL})
	err := c.Add(context.Background(), []Turn{
		{Role: "user", Content: "I live in Riga"},
		{Role: "assistant", Content: ""},
		{Role: "assistant", Content: "Noted"},
	}, "5-6")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if got.UserID != "5-6" || got.AppID != DefaultAppID || got.AgentID != DefaultAgentID {
		t.Fatalf("ids = %+v", got)
	}
	if len(got.Messages) != 2 || got.Messages[1].Content != "Noted" {
		t.Fatalf("messages = %+v", got.Messages)
	}
}

func TestMem0AddSkipsEmpty(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := NewMem0Client(Mem0Config{APIKey: "k", BaseURL: srv.URL})
	if err := c.Add(context.Background(), []Turn{{Role: "user", Content: " "}}, "s"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if called {
		t.Fatal("expected no request for empty turns")
	}
}

func TestMem0ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewMem0Client(Mem0Config{APIKey: "k", BaseURL: srv.URL})
	_, err := c.Search(context.Background(), "q", "s")
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected 401 error, got %v", err)
	}
}
