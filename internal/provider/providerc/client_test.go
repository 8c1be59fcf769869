package providerc

import (
	"context"
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

func TestStream_ContentUsageAndDoneSentinel(t *testing.T) {
	t.Parallel()

	sseBody := "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"hi\"}]}}]}\n\n" +
		"data: {\"usageMetadata\":{\"promptTokenCount\":10,\"candidatesTokenCount\":5,\"totalTokenCount\":15}}\n\n" +
		"data: [DONE]\n\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-goog-api-key") != "secret" {
			t.Errorf("x-goog-api-key = %q", r.Header.Get("x-goog-api-key"))
		}
		if r.URL.Query().Get("alt") != "sse" {
			t.Errorf("alt = %q, want sse", r.URL.Query().Get("alt"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, sseBody)
	}))
	defer srv.Close()

	client := New(srv.URL, nil)
	ch, err := client.Stream(context.Background(), "model-x", []chatgateway.Message{{Role: "user", Content: "hi"}}, chatgateway.StreamOptions{MaxTokens: 50}, "secret")
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	chunks := drain(ch)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3: %+v", len(chunks), chunks)
	}
	if chunks[0].Kind != chatgateway.ChunkContent || chunks[0].Text != "hi" {
		t.Errorf("chunk0 = %+v", chunks[0])
	}
	if chunks[1].Kind != chatgateway.ChunkUsage || chunks[1].Usage.TotalTokens != 15 {
		t.Errorf("chunk1 = %+v", chunks[1])
	}
	if chunks[2].Kind != chatgateway.ChunkEnd {
		t.Errorf("chunk2 = %+v, want ChunkEnd", chunks[2])
	}
}

func TestStream_EOFTerminatedWithoutDone(t *testing.T) {
	t.Parallel()

	sseBody := "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"hi\"}]}}],\"usageMetadata\":{\"totalTokenCount\":3}}\n\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, sseBody)
	}))
	defer srv.Close()

	client := New(srv.URL, nil)
	ch, err := client.Stream(context.Background(), "model-x", nil, chatgateway.StreamOptions{}, "k")
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	chunks := drain(ch)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3: %+v", len(chunks), chunks)
	}
	if chunks[2].Kind != chatgateway.ChunkEnd {
		t.Errorf("final chunk = %+v, want ChunkEnd", chunks[2])
	}
}

func TestStream_SkipsMalformedFrame(t *testing.T) {
	t.Parallel()

	sseBody := "data: not-json\n\n" +
		"data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"ok\"}]}}]}\n\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, sseBody)
	}))
	defer srv.Close()

	client := New(srv.URL, nil)
	ch, err := client.Stream(context.Background(), "model-x", nil, chatgateway.StreamOptions{}, "k")
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	chunks := drain(ch)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2 (content + end): %+v", len(chunks), chunks)
	}
	if chunks[0].Kind != chatgateway.ChunkContent || chunks[0].Text != "ok" {
		t.Errorf("chunk0 = %+v", chunks[0])
	}
}

func TestTranslateRequest_SystemAndRoleMapping(t *testing.T) {
	t.Parallel()

	req := translateRequest([]chatgateway.Message{
		{Role: "system", Content: "be nice"},
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	}, chatgateway.StreamOptions{MaxTokens: 10})

	if req.SystemInstruction == nil || req.SystemInstruction.Parts[0].Text != "be nice" {
		t.Errorf("systemInstruction = %+v", req.SystemInstruction)
	}
	if len(req.Contents) != 2 {
		t.Fatalf("contents = %+v", req.Contents)
	}
	if req.Contents[1].Role != "model" {
		t.Errorf("assistant role mapped to %q, want model", req.Contents[1].Role)
	}
	if req.GenerationConfig == nil || req.GenerationConfig.MaxOutputTokens != 10 {
		t.Errorf("generationConfig = %+v", req.GenerationConfig)
	}
}

func TestStream_NonOKStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":"blocked"}`)
	}))
	defer srv.Close()

	client := New(srv.URL, nil)
	_, err := client.Stream(context.Background(), "model-x", nil, chatgateway.StreamOptions{}, "k")
	if err == nil {
		t.Fatal("expected error")
	}
}
