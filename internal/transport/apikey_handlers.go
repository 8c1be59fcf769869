package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	chatgateway "github.com/eugener/chatgate/internal"
)

// handleGetAPIKey reports whether the caller has a stored key for provider,
// without ever returning the plaintext.
func (s *server) handleGetAPIKey(w http.ResponseWriter, r *http.Request) {
	userID := chatgateway.UserIDFromContext(r.Context())
	provider := chi.URLParam(r, "provider")

	summaries, err := s.deps.Credentials.List(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	for _, sum := range summaries {
		if sum.Provider == provider {
			writeJSON(w, http.StatusOK, sum)
			return
		}
	}
	writeJSON(w, http.StatusOK, chatgateway.ApiKeySummary{Provider: provider, HasKey: false})
}

type setAPIKeyRequest struct {
	APIKey string `json:"api_key"`
}

// handleSetAPIKey stores (or replaces) the caller's key for provider.
func (s *server) handleSetAPIKey(w http.ResponseWriter, r *http.Request) {
	userID := chatgateway.UserIDFromContext(r.Context())
	provider := chi.URLParam(r, "provider")

	var req setAPIKeyRequest
	if !decodeRequestBody(w, r, &req, s.deps.MaxRequestBytes) {
		return
	}
	if req.APIKey == "" {
		writeDomainError(w, chatgateway.ErrInvalidInput)
		return
	}

	if err := s.deps.Credentials.Store(r.Context(), userID, provider, req.APIKey); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteAPIKey removes the caller's stored key for provider.
func (s *server) handleDeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	userID := chatgateway.UserIDFromContext(r.Context())
	provider := chi.URLParam(r, "provider")

	if err := s.deps.Credentials.Delete(r.Context(), userID, provider); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
