package providera

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	chatgateway "github.com/eugener/chatgate/internal"
)

func drain(ch <-chan chatgateway.Chunk) []chatgateway.Chunk {
	var out []chatgateway.Chunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}

func TestStream_ContentAndUsage(t *testing.T) {
	t.Parallel()

	sseBody := "data: {\"choices\":[{\"delta\":{\"content\":\"Hello\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\" world\"}}],\"usage\":{\"total_tokens\":15}}\n\n" +
		"data: [DONE]\n\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if !req.Stream {
			t.Error("stream should be true")
		}
		if req.MaxTokens == 0 {
			t.Error("max_tokens should be set for a non-reasoning model")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, sseBody)
	}))
	defer srv.Close()

	client := New(srv.URL, nil)
	ch, err := client.Stream(context.Background(), "gpt-4o", []chatgateway.Message{{Role: "user", Content: "hi"}}, chatgateway.StreamOptions{MaxTokens: 100}, "test-key")
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	chunks := drain(ch)
	if len(chunks) != 4 {
		t.Fatalf("got %d chunks, want 4", len(chunks))
	}
	if chunks[0].Kind != chatgateway.ChunkContent || chunks[0].Text != "Hello" {
		t.Errorf("chunk0 = %+v", chunks[0])
	}
	if chunks[1].Kind != chatgateway.ChunkContent || chunks[1].Text != " world" {
		t.Errorf("chunk1 = %+v", chunks[1])
	}
	if chunks[2].Kind != chatgateway.ChunkUsage || chunks[2].Usage.TotalTokens != 15 {
		t.Errorf("chunk2 = %+v", chunks[2])
	}
	if chunks[3].Kind != chatgateway.ChunkEnd {
		t.Errorf("chunk3 = %+v, want ChunkEnd", chunks[3])
	}
}

func TestStream_ReasoningModelParams(t *testing.T) {
	t.Parallel()

	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotReq)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client := New(srv.URL, nil)
	ch, err := client.Stream(context.Background(), "o3-mini", nil, chatgateway.StreamOptions{MaxTokens: 200}, "k")
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	drain(ch)

	if gotReq.MaxTokens != 0 {
		t.Errorf("max_tokens = %d, want 0 for reasoning model", gotReq.MaxTokens)
	}
	if gotReq.MaxCompletionTokens != 200 {
		t.Errorf("max_completion_tokens = %d, want 200", gotReq.MaxCompletionTokens)
	}
	if gotReq.Temperature != nil {
		t.Error("temperature should be omitted for reasoning model")
	}
}

func TestStream_NonOKStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":"rate limited"}`)
	}))
	defer srv.Close()

	client := New(srv.URL, nil)
	_, err := client.Stream(context.Background(), "gpt-4o", nil, chatgateway.StreamOptions{}, "k")
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestIsReasoningModel(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"o1-preview": true,
		"o3-mini":    true,
		"gpt-5":      true,
		"gpt-4o":     false,
		"gpt-4":      false,
	}
	for model, want := range cases {
		if got := isReasoningModel(model); got != want {
			t.Errorf("isReasoningModel(%q) = %v, want %v", model, got, want)
		}
	}
}
