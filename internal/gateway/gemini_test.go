package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGeminiAnalyzeConcatenatesStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if !strings.Contains(r.URL.Path, "models/gemini-1.5-flash:streamGenerateContent") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "test-key" {
			t.Errorf("missing api key in query")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"candidates": [{"content": {"parts": [{"text": "{\"summary\": "}]}}]},
			{"candidates": [{"content": {"parts": [{"text": "\"hello\"}"}]}, "finishReason": "STOP"}]}
		]`))
	}))
	defer server.Close()

	client := NewGemini(server.URL, "test-key", "gemini-1.5-flash")
	text, err := client.Analyze(context.Background(), "describe the video")
	if err != nil {
		t.Fatal(err)
	}
	if text != `{"summary": "hello"}` {
		t.Fatalf("text = %q", text)
	}
}

func TestGeminiAnalyzeReportsAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": {"code": 429, "message": "Resource has been exhausted", "status": "RESOURCE_EXHAUSTED"}}`))
	}))
	defer server.Close()

	client := NewGemini(server.URL, "test-key", "gemini-1.5-flash")
	_, err := client.Analyze(context.Background(), "prompt")
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "RESOURCE_EXHAUSTED") || !strings.Contains(err.Error(), "Resource has been exhausted") {
		t.Fatalf("error %q missing API detail", err)
	}
}

func TestGeminiAnalyzeRejectsEmptyResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client := NewGemini(server.URL, "test-key", "gemini-1.5-flash")
	if _, err := client.Analyze(context.Background(), "prompt"); err == nil {
		t.Fatal("expected an error for an empty stream")
	}
}

func TestGeminiAnalyzeOnlyFirstCandidate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"candidates": [
				{"content": {"parts": [{"text": "first"}]}},
				{"content": {"parts": [{"text": "second"}]}}
			]}
		]`))
	}))
	defer server.Close()

	client := NewGemini(server.URL, "test-key", "gemini-1.5-flash")
	text, err := client.Analyze(context.Background(), "prompt")
	if err != nil {
		t.Fatal(err)
	}
	if text != "first" {
		t.Fatalf("text = %q, want only the first candidate", text)
	}
}
