package providerb

import (
	"context"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	chatgateway "github.com/eugener/chatgate/internal"
	"github.com/eugener/chatgate/internal/provider/sseutil"
)

// streamState tracks running token counts across an event: / data: framed
// SSE session so the terminal message_stop event can emit one usage chunk.
type streamState struct {
	inputTokens  int
	outputTokens int
}

// readStream reads event:/data: framed SSE and emits typed Chunks.
func readStream(ctx context.Context, body io.ReadCloser, ch chan<- chatgateway.Chunk) {
	defer close(ch)
	defer body.Close()

	var state streamState
	scanner := sseutil.NewScanner(body)

	var currentEvent string
	for scanner.Scan() {
		event, data, ok := sseutil.ParseSSELine(scanner.Text())
		if !ok {
			continue
		}
		if event != "" {
			currentEvent = event
			continue
		}
		if data == "" {
			continue
		}

		for _, c := range state.handleEvent(currentEvent, data) {
			if !send(ctx, ch, c) {
				return
			}
		}
		currentEvent = ""
	}
	if err := scanner.Err(); err != nil {
		send(ctx, ch, chatgateway.Chunk{Kind: chatgateway.ChunkError, Err: fmt.Errorf("providerb: read stream: %w", err)})
	}
}

func (s *streamState) handleEvent(event, data string) []chatgateway.Chunk {
	switch event {
	case "message_start":
		s.inputTokens = int(gjson.Get(data, "message.usage.input_tokens").Int())
		return nil
	case "content_block_delta":
		return s.onContentBlockDelta(data)
	case "message_delta":
		s.outputTokens = int(gjson.Get(data, "usage.output_tokens").Int())
		return nil
	case "message_stop":
		return s.onMessageStop()
	default:
		return nil
	}
}

func (s *streamState) onContentBlockDelta(data string) []chatgateway.Chunk {
	if gjson.Get(data, "delta.type").String() != "text_delta" {
		return nil
	}
	text := gjson.Get(data, "delta.text").String()
	if text == "" {
		return nil
	}
	return []chatgateway.Chunk{{Kind: chatgateway.ChunkContent, Text: text}}
}

func (s *streamState) onMessageStop() []chatgateway.Chunk {
	usage := &chatgateway.TokenUsage{
		InputTokens:  s.inputTokens,
		OutputTokens: s.outputTokens,
		TotalTokens:  s.inputTokens + s.outputTokens,
	}
	return []chatgateway.Chunk{
		{Kind: chatgateway.ChunkUsage, Usage: usage},
		{Kind: chatgateway.ChunkEnd},
	}
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
