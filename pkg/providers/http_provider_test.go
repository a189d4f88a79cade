package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPProvider_ChatSendsOptionsAndParsesContent(t *testing.T) {
	var captured map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{
					"message":       map[string]string{"content": `{"is_contradiction": true}`},
					"finish_reason": "stop",
				},
			},
			"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
	}))
	defer server.Close()

	p := NewHTTPProvider("test-key", server.URL, "test/model", "")
	resp, err := p.Chat(context.Background(), []Message{{Role: "user", Content: "hello"}}, ChatOptions{
		Temperature: Temp(0.1),
		MaxTokens:   500,
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}

	if resp.Content != `{"is_contradiction": true}` {
		t.Fatalf("unexpected content %q", resp.Content)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 15 {
		t.Fatalf("unexpected usage %#v", resp.Usage)
	}
	if captured["model"] != "test/model" {
		t.Fatalf("expected default model in request, got %v", captured["model"])
	}
	if captured["temperature"] != 0.1 {
		t.Fatalf("expected temperature 0.1, got %v", captured["temperature"])
	}
	if captured["max_tokens"] != float64(500) {
		t.Fatalf("expected max_tokens 500, got %v", captured["max_tokens"])
	}
}

func TestHTTPProvider_ChatNonOKStatusFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer server.Close()

	p := NewHTTPProvider("test-key", server.URL, "", "")
	if _, err := p.Chat(context.Background(), []Message{{Role: "user", Content: "x"}}, ChatOptions{}); err == nil {
		t.Fatalf("expected error on 429 response")
	}
}

func TestHTTPProvider_EmptyChoicesYieldsEmptyContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices": []}`))
	}))
	defer server.Close()

	p := NewHTTPProvider("test-key", server.URL, "", "")
	resp, err := p.Chat(context.Background(), []Message{{Role: "user", Content: "x"}}, ChatOptions{})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "" || resp.FinishReason != "stop" {
		t.Fatalf("unexpected response %#v", resp)
	}
}
