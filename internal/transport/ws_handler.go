package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	chatgateway "github.com/eugener/chatgate/internal"
	"github.com/eugener/chatgate/internal/orchestrator"
)

// wsWriteTimeout bounds a single frame write. A client that doesn't drain
// its socket within this window is treated as dead: writeJSON returns an
// error, and connHub.broadcast drops it rather than block the orchestrator's
// drain loop on one stalled subscriber.
const wsWriteTimeout = 5 * time.Second

// wsInFrame is one client-to-server frame over the chat WebSocket.
type wsInFrame struct {
	Type             string `json:"type"` // "chat" or "ping"
	Provider         string `json:"provider,omitempty"`
	Model            string `json:"model,omitempty"`
	Content          string `json:"content,omitempty"`
	APIKey           string `json:"api_key,omitempty"`
	MaxTokens        int    `json:"max_tokens,omitempty"`
	ExtendedThinking bool   `json:"extended_thinking,omitempty"`
}

type wsOutFrame struct {
	Type     string                  `json:"type"` // start|chunk|complete|error|pong
	TurnID   string                  `json:"turn_id,omitempty"`
	Seq      int                     `json:"seq,omitempty"`
	Text     string                  `json:"text,omitempty"`
	Provider string                  `json:"provider,omitempty"`
	Model    string                  `json:"model,omitempty"`
	Usage    *chatgateway.TokenUsage `json:"usage,omitempty"`
	Message  string                  `json:"message,omitempty"`
}

// wsConnAdapter satisfies wsConn by writing JSON text frames over a real
// websocket.Conn.
type wsConnAdapter struct {
	conn *websocket.Conn
}

func (a *wsConnAdapter) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
	defer cancel()
	return a.conn.Write(ctx, websocket.MessageText, data)
}

func (a *wsConnAdapter) close() {
	_ = a.conn.Close(websocket.StatusNormalClosure, "server shutting down")
}

// wsChunkSink adapts orchestrator.ChunkSink to connHub fan-out: every frame
// is broadcast to all connections subscribed to the session, not just the
// one that started the turn.
type wsChunkSink struct {
	hub       *connHub
	sessionID string
}

func (s *wsChunkSink) Start(turnID string) error {
	s.hub.broadcast(s.sessionID, wsOutFrame{Type: "start", TurnID: turnID})
	return nil
}

func (s *wsChunkSink) Send(turnID string, seq int, text string) error {
	s.hub.broadcast(s.sessionID, wsOutFrame{Type: "chunk", TurnID: turnID, Seq: seq, Text: text})
	return nil
}

func (s *wsChunkSink) Complete(turnID, fullText, providerName, model string, usage *chatgateway.TokenUsage) error {
	s.hub.broadcast(s.sessionID, wsOutFrame{Type: "complete", TurnID: turnID, Text: fullText, Provider: providerName, Model: model, Usage: usage})
	return nil
}

func (s *wsChunkSink) Error(turnID, message string) error {
	s.hub.broadcast(s.sessionID, wsOutFrame{Type: "error", TurnID: turnID, Message: message})
	return nil
}

// handleWebSocket upgrades the connection and pumps chat turns for one
// session. Multiple connections may subscribe to the same session; all
// receive the same chunk stream.
func (s *server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	userID := chatgateway.UserIDFromContext(r.Context())

	if _, err := s.deps.Sessions.GetSession(r.Context(), sessionID, userID); err != nil {
		writeDomainError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		slog.ErrorContext(r.Context(), "websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "session ended")

	if s.deps.Metrics != nil {
		s.deps.Metrics.WebsocketConnections.Inc()
		defer s.deps.Metrics.WebsocketConnections.Dec()
	}

	adapter := &wsConnAdapter{conn: conn}
	s.hub.register(sessionID, adapter)
	defer s.hub.unregister(sessionID, adapter)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sink := &wsChunkSink{hub: s.hub, sessionID: sessionID}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				slog.DebugContext(ctx, "websocket read error", "error", err)
			}
			return
		}
		s.hub.touch(sessionID, adapter)

		var frame wsInFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			_ = adapter.writeJSON(wsOutFrame{Type: "error", Message: "invalid frame"})
			continue
		}

		switch frame.Type {
		case "ping":
			_ = adapter.writeJSON(wsOutFrame{Type: "pong"})
		case "chat":
			in := orchestrator.TurnInput{
				UserID:           userID,
				SessionID:        sessionID,
				Provider:         frame.Provider,
				Model:            frame.Model,
				Content:          frame.Content,
				InlineAPIKey:     frame.APIKey,
				MaxTokens:        frame.MaxTokens,
				ExtendedThinking: frame.ExtendedThinking,
				RemoteAddr:       remoteAddr(r),
			}
			if _, err := s.deps.Orchestrator.RunTurn(ctx, in, sink); err != nil && !errors.Is(err, context.Canceled) {
				_ = adapter.writeJSON(wsOutFrame{Type: "error", Message: err.Error()})
			}
		default:
			_ = adapter.writeJSON(wsOutFrame{Type: "error", Message: "unknown frame type"})
		}
	}
}
