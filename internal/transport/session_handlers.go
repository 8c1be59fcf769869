package transport

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	chatgateway "github.com/eugener/chatgate/internal"
)

type sessionResponse struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	MessageCount int    `json:"message_count"`
	UpdatedAt    string `json:"updated_at"`
}

// handleListSessions lists the caller's sessions, newest-updated first.
func (s *server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := chatgateway.UserIDFromContext(r.Context())

	offset, limit := 0, 50
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			offset = n
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	summaries, err := s.deps.Sessions.ListSessions(r.Context(), userID, offset, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	out := make([]sessionResponse, len(summaries))
	for i, sum := range summaries {
		out[i] = sessionResponse{
			ID:           sum.ID,
			Name:         sum.Name,
			MessageCount: sum.MessageCount,
			UpdatedAt:    sum.UpdatedAt.UTC().Format(rfc3339Milli),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type messageResponse struct {
	ID         string                  `json:"id"`
	Role       string                  `json:"role"`
	Content    string                  `json:"content"`
	Provider   *string                 `json:"provider,omitempty"`
	Model      *string                 `json:"model,omitempty"`
	CreatedAt  string                  `json:"created_at"`
	EditedAt   *string                 `json:"edited_at,omitempty"`
	TokenUsage *chatgateway.TokenUsage `json:"token_usage,omitempty"`
}

// handleListMessages lists a session's messages, optionally paged after a
// given message id.
func (s *server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	userID := chatgateway.UserIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "session_id")
	afterID := r.URL.Query().Get("after")

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	messages, err := s.deps.Sessions.ListMessages(r.Context(), sessionID, userID, afterID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	out := make([]messageResponse, len(messages))
	for i, m := range messages {
		resp := messageResponse{
			ID:         m.ID,
			Role:       m.Role,
			Content:    m.Content,
			Provider:   m.Provider,
			Model:      m.Model,
			CreatedAt:  m.CreatedAt.UTC().Format(rfc3339Milli),
			TokenUsage: m.TokenUsage,
		}
		if m.EditedAt != nil {
			edited := m.EditedAt.UTC().Format(rfc3339Milli)
			resp.EditedAt = &edited
		}
		out[i] = resp
	}
	writeJSON(w, http.StatusOK, out)
}

type editMessageRequest struct {
	Content string `json:"content"`
}

// handleEditMessage edits a user message's content. Only the message's
// author may edit it, and only user-authored messages are editable.
func (s *server) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	userID := chatgateway.UserIDFromContext(r.Context())
	messageID := chi.URLParam(r, "message_id")

	var req editMessageRequest
	if !decodeRequestBody(w, r, &req, s.deps.MaxRequestBytes) {
		return
	}
	if req.Content == "" {
		writeDomainError(w, chatgateway.ErrInvalidInput)
		return
	}

	if err := s.deps.Sessions.EditMessage(r.Context(), messageID, userID, req.Content); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteMessage deletes a message and everything after it in the
// session, mirroring the store's truncate-on-delete semantics.
func (s *server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	userID := chatgateway.UserIDFromContext(r.Context())
	messageID := chi.URLParam(r, "message_id")

	if err := s.deps.Sessions.DeleteMessage(r.Context(), messageID, userID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type renameSessionRequest struct {
	Name string `json:"name"`
}

// handleRenameSession renames a session owned by the caller.
func (s *server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	userID := chatgateway.UserIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "session_id")

	var req renameSessionRequest
	if !decodeRequestBody(w, r, &req, s.deps.MaxRequestBytes) {
		return
	}
	if req.Name == "" {
		writeDomainError(w, chatgateway.ErrInvalidInput)
		return
	}

	if err := s.deps.Sessions.RenameSession(r.Context(), sessionID, userID, req.Name); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteSession deletes a session owned by the caller.
func (s *server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	userID := chatgateway.UserIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "session_id")

	if err := s.deps.Sessions.DeleteSession(r.Context(), sessionID, userID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type branchSessionRequest struct {
	AtMessageID string `json:"at_message_id"`
	Name        string `json:"name,omitempty"`
}

// handleBranchSession creates a child session inheriting history up to a
// chosen message.
func (s *server) handleBranchSession(w http.ResponseWriter, r *http.Request) {
	userID := chatgateway.UserIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "session_id")

	var req branchSessionRequest
	if !decodeRequestBody(w, r, &req, s.deps.MaxRequestBytes) {
		return
	}
	if req.AtMessageID == "" {
		writeDomainError(w, chatgateway.ErrInvalidInput)
		return
	}

	child, err := s.deps.Sessions.BranchSession(r.Context(), sessionID, userID, req.AtMessageID, req.Name)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{
		ID:        child.ID,
		Name:      child.Name,
		UpdatedAt: child.UpdatedAt.UTC().Format(rfc3339Milli),
	})
}
