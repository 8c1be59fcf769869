package transport

import (
	"net/http"

	chatgateway "github.com/eugener/chatgate/internal"
	"github.com/eugener/chatgate/internal/ratelimit"
)

type quotaResponse struct {
	Class      string `json:"class"`
	Used       int64  `json:"used"`
	Limit      int64  `json:"limit"`
	ResetAfter string `json:"reset_after"`
}

// handleQuota reports the caller's remaining quota per rate limit class.
func (s *server) handleQuota(w http.ResponseWriter, r *http.Request) {
	userID := chatgateway.UserIDFromContext(r.Context())

	quotas := s.deps.RateLimiter.Quota(ratelimit.Identity{UserID: userID, RemoteAddr: remoteAddr(r)})
	out := make([]quotaResponse, len(quotas))
	for i, q := range quotas {
		out[i] = quotaResponse{
			Class:      string(q.Class),
			Used:       q.Used,
			Limit:      q.Limit,
			ResetAfter: q.ResetAfter.String(),
		}
	}
	writeJSON(w, http.StatusOK, out)
}
