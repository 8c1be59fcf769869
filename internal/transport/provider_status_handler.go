package transport

import (
	"net/http"
)

type providerStatusResponse struct {
	Provider string `json:"provider"`
	State    string `json:"state"`
	LastUsed string `json:"last_used"`
}

// handleProviderStatus reports each provider's circuit breaker state, so
// callers can tell a degraded upstream from a rejected request of their own.
func (s *server) handleProviderStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Breakers == nil {
		writeJSON(w, http.StatusOK, []providerStatusResponse{})
		return
	}

	snapshot := s.deps.Breakers.Snapshot()
	out := make([]providerStatusResponse, len(snapshot))
	for i, st := range snapshot {
		out[i] = providerStatusResponse{
			Provider: st.Provider,
			State:    st.State.String(),
			LastUsed: st.LastUsed.UTC().Format(rfc3339Milli),
		}
	}
	writeJSON(w, http.StatusOK, out)
}
