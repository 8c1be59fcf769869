package transport

import (
	"net"
	"net/http"

	chatgateway "github.com/eugener/chatgate/internal"
	"github.com/eugener/chatgate/internal/auth"
	"github.com/eugener/chatgate/internal/ratelimit"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.deps.RateLimiter != nil {
		res, err := s.deps.RateLimiter.Admit(ratelimit.Identity{RemoteAddr: remoteAddr(r)}, ratelimit.ClassAuth)
		if err == nil && !res.Allowed {
			writeDomainError(w, &rateLimitWrapper{res})
			return
		}
	}

	var req loginRequest
	if !decodeRequestBody(w, r, &req, s.deps.MaxRequestBytes) {
		return
	}

	user, err := s.deps.Users.GetUserByUsername(r.Context(), req.Username)
	if err != nil || !user.IsActive {
		writeDomainError(w, chatgateway.ErrUnauthenticated)
		return
	}
	if !auth.CheckPassword(user.PasswordHash, req.Password) {
		writeDomainError(w, chatgateway.ErrUnauthenticated)
		return
	}

	token, expiresAt, err := s.deps.Tokens.Issue(user.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: expiresAt.UTC().Format(rfc3339Milli)})
}

const rfc3339Milli = "2006-01-02T15:04:05.000Z07:00"

func remoteAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// rateLimitWrapper adapts a ratelimit.Result rejection to the retryAfterError
// shape, so writeDomainError handles chat-turn and auth-endpoint rejections
// identically.
type rateLimitWrapper struct {
	res ratelimit.Result
}

func (e *rateLimitWrapper) Error() string        { return "rate limited" }
func (e *rateLimitWrapper) Unwrap() error        { return chatgateway.ErrRateLimited }
func (e *rateLimitWrapper) RetryAfter() float64 { return e.res.RetryAfterSeconds }
