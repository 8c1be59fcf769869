// Package providerc implements the chatgateway.Provider adapter for a
// Gemini-shaped generateContent streaming API.
package providerc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/dnscache"

	chatgateway "github.com/eugener/chatgate/internal"
	"github.com/eugener/chatgate/internal/provider"
)

const (
	defaultBaseURL = "https://generativelanguage.provider-c.example/v1beta"
	providerName   = "provider-c"
)

// Client is a Gemini-shaped provider adapter.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Client with a tuned http.Client.
func New(baseURL string, resolver *dnscache.Resolver) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Transport: provider.NewTransport(resolver, true)},
	}
}

// Name returns the provider identifier.
func (c *Client) Name() string { return providerName }

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
}

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

// Stream sends the conversation to the provider and normalizes its SSE
// response into a channel of chatgateway.Chunk.
func (c *Client) Stream(ctx context.Context, model string, messages []chatgateway.Message, opts chatgateway.StreamOptions, apiKey string) (<-chan chatgateway.Chunk, error) {
	req := translateRequest(messages, opts)

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("providerc: marshal request: %w", err)
	}

	u := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", c.baseURL, model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("providerc: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("providerc: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError(providerName, resp)
	}

	ch := make(chan chatgateway.Chunk, 8)
	go readStream(ctx, resp.Body, ch)
	return ch, nil
}

// translateRequest separates a leading system-role message (if any) into
// systemInstruction, the way a single dedicated field is modeled here.
func translateRequest(messages []chatgateway.Message, opts chatgateway.StreamOptions) *generateRequest {
	req := &generateRequest{}
	if opts.MaxTokens > 0 {
		req.GenerationConfig = &generationConfig{MaxOutputTokens: opts.MaxTokens}
	}

	start := 0
	if len(messages) > 0 && messages[0].Role == "system" {
		req.SystemInstruction = &content{Parts: []part{{Text: messages[0].Content}}}
		start = 1
	}

	req.Contents = make([]content, 0, len(messages)-start)
	for _, m := range messages[start:] {
		role := m.Role
		if role == "assistant" {
			role = "model"
		}
		req.Contents = append(req.Contents, content{Role: role, Parts: []part{{Text: m.Content}}})
	}
	return req
}
