package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"superagent/keypool"
)

func chatOK(t *testing.T, w http.ResponseWriter, content string) {
	t.Helper()
	resp := ChatResponse{Choices: []Choice{{Message: Message{Role: "assistant", Content: content}}}}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		t.Fatalf("encode response: %v", err)
	}
}

func TestChatSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer key-1" {
			t.Errorf("unexpected auth header %q", got)
		}
		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(req.Messages) != 1 || req.Messages[0].Content != "hello" {
			t.Errorf("unexpected messages: %+v", req.Messages)
		}
		chatOK(t, w, "world")
	}))
	defer srv.Close()

	pool := keypool.New()
	pool.AddKeys(keypool.ProviderPrimary, srv.URL, "test-model", []string{"key-1"})

	client := NewClient(pool, 5*time.Second)
	out, err := client.Chat(context.Background(), "hello")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if out != "world" {
		t.Errorf("got %q, want %q", out, "world")
	}
}

func TestChatRotatesOn429(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"message":"rate limit exceeded"}}`))
			return
		}
		chatOK(t, w, "recovered")
	}))
	defer srv.Close()

	pool := keypool.New(keypool.WithBackoff(time.Minute, time.Minute))
	pool.AddKeys(keypool.ProviderPrimary, srv.URL, "m", []string{"key-1", "key-2"})

	client := NewClient(pool, 5*time.Second)
	out, err := client.Chat(context.Background(), "p")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if out != "recovered" {
		t.Errorf("got %q", out)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 provider calls, got %d", calls.Load())
	}
}

func TestChatFailsOverToFallbackProvider(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer primary.Close()
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chatOK(t, w, "from fallback")
	}))
	defer fallback.Close()

	pool := keypool.New(keypool.WithBackoff(time.Minute, time.Minute))
	pool.AddKeys(keypool.ProviderPrimary, primary.URL, "m", []string{"pk"})
	pool.AddKeys(keypool.ProviderFallback, fallback.URL, "m", []string{"fk"})

	client := NewClient(pool, 5*time.Second)
	out, err := client.Chat(context.Background(), "p")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if out != "from fallback" {
		t.Errorf("got %q", out)
	}
}

func TestChatAllExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	pool := keypool.New(keypool.WithBackoff(time.Minute, time.Minute))
	pool.AddKeys(keypool.ProviderPrimary, srv.URL, "m", []string{"pk"})
	pool.AddKeys(keypool.ProviderFallback, srv.URL, "m", []string{"fk"})

	client := NewClient(pool, 5*time.Second)
	_, err := client.Chat(context.Background(), "p")
	if !errors.Is(err, keypool.ErrProviderRateLimited) {
		t.Errorf("expected ErrProviderRateLimited, got %v", err)
	}
}

func TestChatDisablesOnAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer bad-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		chatOK(t, w, "ok")
	}))
	defer srv.Close()

	pool := keypool.New()
	pool.AddKeys(keypool.ProviderPrimary, srv.URL, "m", []string{"bad-key", "good-key"})

	client := NewClient(pool, 5*time.Second)
	out, err := client.Chat(context.Background(), "p")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if out != "ok" {
		t.Errorf("got %q", out)
	}
	if pool.Available(keypool.ProviderPrimary) != 1 {
		t.Error("bad key should be disabled after 401")
	}
}

func TestChatQuotaWordingInBodyTreatedAsRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":{"message":"monthly quota exceeded"}}`))
			return
		}
		chatOK(t, w, "after quota")
	}))
	defer srv.Close()

	pool := keypool.New(keypool.WithBackoff(time.Minute, time.Minute))
	pool.AddKeys(keypool.ProviderPrimary, srv.URL, "m", []string{"k1", "k2"})

	client := NewClient(pool, 5*time.Second)
	out, err := client.Chat(context.Background(), "p")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if out != "after quota" {
		t.Errorf("got %q", out)
	}
}
