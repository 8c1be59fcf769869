// Package providera implements the chatgateway.Provider adapter for an
// OpenAI-shaped chat completions API.
package providera

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/dnscache"
	"github.com/tidwall/gjson"

	chatgateway "github.com/eugener/chatgate/internal"
	"github.com/eugener/chatgate/internal/provider"
	"github.com/eugener/chatgate/internal/provider/sseutil"
)

const (
	defaultBaseURL = "https://api.provider-a.example/v1"
	providerName   = "provider-a"

	// reasoningPrefixes names model families that take
	// max_completion_tokens instead of max_tokens and reject temperature.
	reasoningPrefixO1   = "o1"
	reasoningPrefixO3   = "o3"
	reasoningPrefixGPT5 = "gpt-5"
)

// Client is an OpenAI-shaped provider adapter. It carries no credential:
// the caller resolves the API key per-call and passes it to Stream.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Client with a tuned http.Client. If baseURL is empty, it
// defaults to the provider's public API. If resolver is non-nil, DNS
// lookups are cached.
func New(baseURL string, resolver *dnscache.Resolver) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Transport: provider.NewTransport(resolver, true)},
	}
}

// Name returns the provider identifier.
func (c *Client) Name() string { return providerName }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model               string        `json:"model"`
	Messages            []chatMessage `json:"messages"`
	Stream              bool          `json:"stream"`
	StreamOptions       *streamOpts   `json:"stream_options,omitempty"`
	MaxTokens           int           `json:"max_tokens,omitempty"`
	MaxCompletionTokens int           `json:"max_completion_tokens,omitempty"`
	Temperature         *float64      `json:"temperature,omitempty"`
}

type streamOpts struct {
	IncludeUsage bool `json:"include_usage"`
}

// isReasoningModel reports whether model requires max_completion_tokens
// instead of max_tokens and omits temperature.
func isReasoningModel(model string) bool {
	return strings.HasPrefix(model, reasoningPrefixO1) ||
		strings.HasPrefix(model, reasoningPrefixO3) ||
		strings.HasPrefix(model, reasoningPrefixGPT5)
}

// Stream sends the conversation to the provider and normalizes its SSE
// response into a channel of chatgateway.Chunk.
func (c *Client) Stream(ctx context.Context, model string, messages []chatgateway.Message, opts chatgateway.StreamOptions, apiKey string) (<-chan chatgateway.Chunk, error) {
	req := chatRequest{
		Model:         model,
		Messages:      toChatMessages(messages),
		Stream:        true,
		StreamOptions: &streamOpts{IncludeUsage: true},
	}
	if isReasoningModel(model) {
		req.MaxCompletionTokens = opts.MaxTokens
	} else {
		req.MaxTokens = opts.MaxTokens
		temp := 1.0
		req.Temperature = &temp
	}

	body, err := json.Marshal(&req)
	if err != nil {
		return nil, fmt.Errorf("providera: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("providera: create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("providera: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError(providerName, resp)
	}

	ch := make(chan chatgateway.Chunk, 8)
	go readStream(ctx, resp, ch)
	return ch, nil
}

func toChatMessages(messages []chatgateway.Message) []chatMessage {
	out := make([]chatMessage, len(messages))
	for i, m := range messages {
		out[i] = chatMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

// readStream reads SSE lines from resp.Body, translating each delta into a
// typed Chunk. It closes ch when the stream ends, on [DONE], or on error.
func readStream(ctx context.Context, resp *http.Response, ch chan<- chatgateway.Chunk) {
	defer close(ch)
	defer resp.Body.Close()

	scanner := sseutil.NewScanner(resp.Body)
	for scanner.Scan() {
		_, data, ok := sseutil.ParseSSELine(scanner.Text())
		if !ok {
			continue
		}
		if data == "[DONE]" {
			send(ctx, ch, chatgateway.Chunk{Kind: chatgateway.ChunkEnd})
			return
		}

		delta := gjson.Get(data, "choices.0.delta.content")
		if delta.Exists() && delta.String() != "" {
			if !send(ctx, ch, chatgateway.Chunk{Kind: chatgateway.ChunkContent, Text: delta.String()}) {
				return
			}
		}

		if usage := gjson.Get(data, "usage"); usage.Exists() && usage.Type == gjson.JSON {
			var u chatgateway.TokenUsage
			if err := json.Unmarshal([]byte(usage.Raw), &u); err == nil && u.TotalTokens > 0 {
				if !send(ctx, ch, chatgateway.Chunk{Kind: chatgateway.ChunkUsage, Usage: &u}) {
					return
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		send(ctx, ch, chatgateway.Chunk{Kind: chatgateway.ChunkError, Err: fmt.Errorf("providera: read stream: %w", err)})
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
