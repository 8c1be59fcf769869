package providerc

import (
	"context"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	chatgateway "github.com/eugener/chatgate/internal"
	"github.com/eugener/chatgate/internal/provider/sseutil"
)

// readStream reads "data:"-framed SSE and emits typed Chunks. Usage is
// cumulative per frame; the last seen value is emitted once at the end.
// A frame that fails to parse is skipped rather than surfaced as a
// ChunkError.
func readStream(ctx context.Context, body io.ReadCloser, ch chan<- chatgateway.Chunk) {
	defer close(ch)
	defer body.Close()

	scanner := sseutil.NewScanner(body)

	var lastUsage *chatgateway.TokenUsage
	for scanner.Scan() {
		_, data, ok := sseutil.ParseSSELine(scanner.Text())
		if !ok {
			continue
		}
		if data == "[DONE]" {
			if !emitUsage(ctx, ch, lastUsage) {
				return
			}
			send(ctx, ch, chatgateway.Chunk{Kind: chatgateway.ChunkEnd})
			return
		}
		if !gjson.Valid(data) {
			continue
		}

		r := gjson.Parse(data)
		if u := r.Get("usageMetadata"); u.Exists() {
			lastUsage = &chatgateway.TokenUsage{
				InputTokens:  int(u.Get("promptTokenCount").Int()),
				OutputTokens: int(u.Get("candidatesTokenCount").Int()),
				TotalTokens:  int(u.Get("totalTokenCount").Int()),
			}
		}

		text := r.Get("candidates.0.content.parts.0.text").String()
		if text != "" {
			if !send(ctx, ch, chatgateway.Chunk{Kind: chatgateway.ChunkContent, Text: text}) {
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		send(ctx, ch, chatgateway.Chunk{Kind: chatgateway.ChunkError, Err: fmt.Errorf("providerc: read stream: %w", err)})
		return
	}

	if !emitUsage(ctx, ch, lastUsage) {
		return
	}
	send(ctx, ch, chatgateway.Chunk{Kind: chatgateway.ChunkEnd})
}

func emitUsage(ctx context.Context, ch chan<- chatgateway.Chunk, usage *chatgateway.TokenUsage) bool {
	if usage == nil {
		return true
	}
	return send(ctx, ch, chatgateway.Chunk{Kind: chatgateway.ChunkUsage, Usage: usage})
}

func send(ctx context.Context, ch chan<- chatgateway.Chunk, c chatgateway.Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		select {
		case ch <- chatgateway.Chunk{Kind: chatgateway.ChunkError, Err: ctx.Err()}:
		default:
		}
		return false
	}
}
