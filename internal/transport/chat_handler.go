package transport

import (
	"encoding/json"
	"net/http"

	chatgateway "github.com/eugener/chatgate/internal"
	"github.com/eugener/chatgate/internal/orchestrator"
)

type chatRequest struct {
	SessionID        string `json:"session_id,omitempty"`
	Provider         string `json:"provider"`
	Model            string `json:"model"`
	Content          string `json:"content"`
	APIKey           string `json:"api_key,omitempty"`
	MaxTokens        int    `json:"max_tokens,omitempty"`
	ExtendedThinking bool   `json:"extended_thinking,omitempty"`
}

// sseChunkSink adapts orchestrator.ChunkSink to Server-Sent Events, one event
// per call, flushed immediately.
type sseChunkSink struct {
	w       http.ResponseWriter
	started bool
}

type sseStartPayload struct {
	TurnID string `json:"turn_id"`
}

type sseChunkPayload struct {
	TurnID string `json:"turn_id"`
	Seq    int    `json:"seq"`
	Text   string `json:"text"`
}

type sseCompletePayload struct {
	TurnID   string                  `json:"turn_id"`
	Text     string                  `json:"text"`
	Provider string                  `json:"provider"`
	Model    string                  `json:"model"`
	Usage    *chatgateway.TokenUsage `json:"usage,omitempty"`
}

type sseErrorPayload struct {
	TurnID  string `json:"turn_id"`
	Message string `json:"message"`
}

func (s *sseChunkSink) Start(turnID string) error {
	// Headers are written here, not before RunTurn, so a rejection earlier
	// in the turn (rate limit, unknown session, bad provider) still gets a
	// normal JSON error response instead of a half-started SSE stream.
	writeSSEHeaders(s.w)
	s.started = true
	data, err := json.Marshal(sseStartPayload{TurnID: turnID})
	if err != nil {
		return err
	}
	writeSSEEvent(s.w, "start", data)
	return nil
}

func (s *sseChunkSink) Send(turnID string, seq int, text string) error {
	data, err := json.Marshal(sseChunkPayload{TurnID: turnID, Seq: seq, Text: text})
	if err != nil {
		return err
	}
	writeSSEEvent(s.w, "chunk", data)
	return nil
}

func (s *sseChunkSink) Complete(turnID, fullText, providerName, model string, usage *chatgateway.TokenUsage) error {
	data, err := json.Marshal(sseCompletePayload{TurnID: turnID, Text: fullText, Provider: providerName, Model: model, Usage: usage})
	if err != nil {
		return err
	}
	writeSSEEvent(s.w, "complete", data)
	return nil
}

func (s *sseChunkSink) Error(turnID, message string) error {
	data, err := json.Marshal(sseErrorPayload{TurnID: turnID, Message: message})
	if err != nil {
		return err
	}
	writeSSEEvent(s.w, "error", data)
	return nil
}

// handleChat runs one conversational turn, streaming the reply over SSE.
func (s *server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeRequestBody(w, r, &req, s.deps.MaxRequestBytes) {
		return
	}
	if req.Provider == "" || req.Model == "" || req.Content == "" {
		writeDomainError(w, chatgateway.ErrInvalidInput)
		return
	}

	userID := chatgateway.UserIDFromContext(r.Context())
	in := orchestrator.TurnInput{
		UserID:           userID,
		SessionID:        req.SessionID,
		Provider:         req.Provider,
		Model:            req.Model,
		Content:          req.Content,
		InlineAPIKey:     req.APIKey,
		MaxTokens:        req.MaxTokens,
		ExtendedThinking: req.ExtendedThinking,
		RemoteAddr:       remoteAddr(r),
	}

	sink := &sseChunkSink{w: w}

	if _, err := s.deps.Orchestrator.RunTurn(r.Context(), in, sink); err != nil {
		// If the stream already started, the error reached the client via
		// sink.Error and headers are committed; otherwise this is the first
		// write on the response and can still carry a normal status code.
		if !sink.started {
			writeDomainError(w, err)
		}
		return
	}
}
