// Package providerb implements the chatgateway.Provider adapter for an
// Anthropic-shaped Messages API, including extended-thinking budgets.
package providerb

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
	defaultBaseURL  = "https://api.provider-b.example/v1"
	providerName    = "provider-b"
	apiVersionValue = "2023-06-01"

	// thinkingBudgetTokens is the fixed budget granted to extended thinking;
	// the outer max_tokens is raised by this amount so the visible response
	// is never squeezed out by the reasoning trace.
	thinkingBudgetTokens = 4096
)

// Client is an Anthropic-shaped provider adapter.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Client with a tuned http.Client.
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

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type thinkingConfig struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type messagesRequest struct {
	Model     string          `json:"model"`
	Messages  []message       `json:"messages"`
	System    string          `json:"system,omitempty"`
	MaxTokens int             `json:"max_tokens"`
	Stream    bool            `json:"stream"`
	Thinking  *thinkingConfig `json:"thinking,omitempty"`
}

// Stream sends the conversation to the provider and normalizes its SSE
// event stream into a channel of chatgateway.Chunk.
func (c *Client) Stream(ctx context.Context, model string, messages []chatgateway.Message, opts chatgateway.StreamOptions, apiKey string) (<-chan chatgateway.Chunk, error) {
	system, turns := splitSystem(messages)

	req := messagesRequest{
		Model:     model,
		Messages:  turns,
		System:    system,
		MaxTokens: opts.MaxTokens,
		Stream:    true,
	}
	if opts.ExtendedThinking {
		req.Thinking = &thinkingConfig{Type: "enabled", BudgetTokens: thinkingBudgetTokens}
		req.MaxTokens = thinkingBudgetTokens + opts.MaxTokens
	}

	body, err := json.Marshal(&req)
	if err != nil {
		return nil, fmt.Errorf("providerb: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("providerb: create request: %w", err)
	}
	httpReq.Header.Set("x-api-key", apiKey)
	httpReq.Header.Set("anthropic-version", apiVersionValue)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("providerb: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError(providerName, resp)
	}

	ch := make(chan chatgateway.Chunk, 8)
	go readStream(ctx, resp.Body, ch)
	return ch, nil
}

// splitSystem separates a leading system-role message (if any) from the
// conversational turns, since the Messages API carries system prompts in a
// dedicated top-level field.
func splitSystem(messages []chatgateway.Message) (string, []message) {
	var system string
	start := 0
	if len(messages) > 0 && messages[0].Role == "system" {
		system = messages[0].Content
		start = 1
	}
	turns := make([]message, 0, len(messages)-start)
	for _, m := range messages[start:] {
		turns = append(turns, message{Role: m.Role, Content: m.Content})
	}
	return system, turns
}
