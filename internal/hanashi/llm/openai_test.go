package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tidwall/gjson"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func okBody(content string) string {
	b, _ := json.Marshal(map[string]any{
		"model": "test-model",
		"choices": []any{
			map[string]any{
				"message":       map[string]any{"role": "assistant", "content": content},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{"prompt_tokens": 42, "completion_tokens": 7},
	})
	return string(b)
}

func TestClient_CompleteSendsRequest(t *testing.T) {
	var got []byte
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer secret" {
			t.Errorf("Authorization = %q", auth)
		}
		got, _ = io.ReadAll(r.Body)
		io.WriteString(w, okBody("  hello there  "))
	})

	temp := 0.7
	c := New(Config{
		BaseURL:     srv.URL + "/v1/",
		APIKey:      "secret",
		Model:       "ai",
		ExtraParams: map[string]any{"top_k": 40, "stop": []string{"\nUser:"}},
	})
	resp, err := c.Complete(context.Background(), CompletionRequest{
		Messages: []Message{
			{Role: "system", Content: "be nice"},
			{Role: "user", Content: "hi"},
		},
		MaxTokens:   300,
		Temperature: &temp,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if resp.Content != "hello there" {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.PromptTokens != 42 || resp.CompletionTokens != 7 {
		t.Errorf("usage = %d/%d", resp.PromptTokens, resp.CompletionTokens)
	}
	if resp.FinishReason != "stop" || resp.Model != "test-model" {
		t.Errorf("FinishReason = %q, Model = %q", resp.FinishReason, resp.Model)
	}

	req := gjson.ParseBytes(got)
	if req.Get("model").String() != "ai" {
		t.Errorf("model = %q", req.Get("model").String())
	}
	if req.Get("messages.#").Int() != 2 || req.Get("messages.1.content").String() != "hi" {
		t.Errorf("messages = %s", req.Get("messages").Raw)
	}
	if req.Get("max_tokens").Int() != 300 || req.Get("temperature").Float() != 0.7 {
		t.Errorf("sampling = %s", got)
	}
	if req.Get("top_p").Exists() {
		t.Error("top_p should be omitted when unset")
	}
	if req.Get("top_k").Int() != 40 || req.Get("stop.0").String() != "\nUser:" {
		t.Errorf("extra params missing: %s", got)
	}
	if req.Get("stream").Bool() {
		t.Error("stream must be false")
	}
}

func TestClient_NoAPIKeyNoHeader(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "" {
			t.Errorf("unexpected Authorization header %q", auth)
		}
		io.WriteString(w, okBody("ok"))
	})

	if _, err := New(Config{BaseURL: srv.URL}).Complete(context.Background(), CompletionRequest{}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
}

func TestClient_ContentParts(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":[{"type":"text","text":"part one, "},{"type":"image_url"},{"type":"text","text":"part two"}]}}]}`)
	})

	resp, err := New(Config{BaseURL: srv.URL}).Complete(context.Background(), CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "part one, part two" {
		t.Errorf("Content = %q", resp.Content)
	}
}

func TestClient_StatusErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantMsg   string
		rateLimit bool
	}{
		{"openai style", http.StatusBadRequest, `{"error":{"message":"context too long","type":"invalid_request_error"}}`, "context too long", false},
		{"plain error string", http.StatusInternalServerError, `{"error":"model not loaded"}`, "model not loaded", false},
		{"not json", http.StatusBadGateway, "upstream down", "upstream down", false},
		{"rate limited", http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`, "slow down", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			})

			_, err := New(Config{BaseURL: srv.URL}).Complete(context.Background(), CompletionRequest{})
			var se *StatusError
			if !errors.As(err, &se) {
				t.Fatalf("expected *StatusError, got %v", err)
			}
			if se.StatusCode != tt.status || se.Message != tt.wantMsg {
				t.Errorf("StatusError = %+v", se)
			}
			if errors.Is(err, ErrRateLimit) != tt.rateLimit {
				t.Errorf("errors.Is(ErrRateLimit) = %v, want %v", !tt.rateLimit, tt.rateLimit)
			}
		})
	}
}

func TestClient_StatusErrorRedactsKey(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":{"message":"Incorrect API key provided: sk-live-0123456789"}}`)
	})

	_, err := New(Config{BaseURL: srv.URL, APIKey: "sk-live-0123456789"}).Complete(context.Background(), CompletionRequest{})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StatusError, got %v", err)
	}
	if se.Message != "Incorrect API key provided: [REDACTED]" {
		t.Errorf("Message = %q", se.Message)
	}
}

func TestClient_EmptyAndMalformed(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr error
	}{
		{"empty content", okBody("   "), ErrEmptyReply},
		{"no choices", `{"choices":[]}`, errMalformed},
		{"not json", `<html>`, errMalformed},
		{"error on 200", `{"error":{"message":"boom"}}`, errMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, tt.body)
			})
			_, err := New(Config{BaseURL: srv.URL}).Complete(context.Background(), CompletionRequest{})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, okBody("finally"))
	})

	c := New(Config{
		BaseURL: srv.URL,
		Retry:   RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond},
	})
	resp, err := c.Complete(context.Background(), CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "finally" || calls.Load() != 3 {
		t.Errorf("Content = %q after %d calls", resp.Content, calls.Load())
	}
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	})

	c := New(Config{
		BaseURL: srv.URL,
		Retry:   RetryPolicy{MaxAttempts: 5, InitialDelay: time.Millisecond},
	})
	if _, err := c.Complete(context.Background(), CompletionRequest{}); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", calls.Load())
	}
}

func TestClient_ZeroPolicySendsOnce(t *testing.T) {
	var calls atomic.Int32
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	if _, err := New(Config{BaseURL: srv.URL}).Complete(context.Background(), CompletionRequest{}); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", calls.Load())
	}
}

func TestClient_ContextCancelled(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := New(Config{BaseURL: srv.URL}).Complete(ctx, CompletionRequest{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{&StatusError{StatusCode: 503}, true},
		{&StatusError{StatusCode: 429}, true},
		{&StatusError{StatusCode: 400}, false},
		{ErrEmptyReply, false},
		{errMalformed, false},
		{errors.New("connection refused"), true},
	}
	for _, tt := range tests {
		if got := IsTransient(tt.err); got != tt.want {
			t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
