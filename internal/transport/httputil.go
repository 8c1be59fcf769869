package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	chatgateway "github.com/eugener/chatgate/internal"
)

// retryAfterError is implemented by any rejection that carries a
// Retry-After hint -- both orchestrator.RateLimitedError (a chat-turn
// rejection) and this package's own auth-endpoint rejection satisfy it.
type retryAfterError interface {
	error
	RetryAfter() float64
}

// bodyPool reuses buffers for request body reads, avoiding a fresh
// allocation per request.
var bodyPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

var jsonCT = []string{"application/json"}

type apiError struct {
	Error struct {
		Message   string `json:"message"`
		Kind      string `json:"error_kind,omitempty"`
		RetryAfter float64 `json:"retry_after_seconds,omitempty"`
	} `json:"error"`
}

func errorResponse(msg, kind string) apiError {
	var e apiError
	e.Error.Message = msg
	e.Error.Kind = kind
	return e
}

// decodeRequestBody reads the request body (bounded by maxRequestBytes),
// unmarshals JSON into v, and writes a 400 on failure.
func decodeRequestBody(w http.ResponseWriter, r *http.Request, v any, maxBytes int64) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	buf := bodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bodyPool.Put(buf)

	if _, err := buf.ReadFrom(r.Body); err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse("request body too large or unreadable", "invalid_input"))
		return false
	}
	if err := json.Unmarshal(buf.Bytes(), v); err != nil {
		slog.LogAttrs(r.Context(), slog.LevelWarn, "request decode error", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body", "invalid_input"))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("transport: failed to encode response", "error", err)
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	w.Write(data)
}

// writeDomainError maps a domain sentinel error to a status code, an
// error_kind tag, and (for rate limiting) a Retry-After header.
func writeDomainError(w http.ResponseWriter, err error) {
	var rae retryAfterError
	if errors.As(err, &rae) {
		retryAfter := rae.RetryAfter()
		w.Header()["Retry-After"] = []string{formatRetryAfter(retryAfter)}
		resp := errorResponse("rate limited", "rate_limited")
		resp.Error.RetryAfter = retryAfter
		writeJSON(w, http.StatusTooManyRequests, resp)
		return
	}

	switch {
	case errors.Is(err, chatgateway.ErrTokenExpired):
		writeJSON(w, http.StatusUnauthorized, errorResponse(err.Error(), "token_expired"))
	case errors.Is(err, chatgateway.ErrUnauthenticated):
		writeJSON(w, http.StatusUnauthorized, errorResponse(err.Error(), "unauthenticated"))
	case errors.Is(err, chatgateway.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorResponse(err.Error(), "forbidden"))
	case errors.Is(err, chatgateway.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse(err.Error(), "not_found"))
	case errors.Is(err, chatgateway.ErrRateLimited):
		writeJSON(w, http.StatusTooManyRequests, errorResponse(err.Error(), "rate_limited"))
	case errors.Is(err, chatgateway.ErrProviderNotConfigured), errors.Is(err, chatgateway.ErrNoCredentials), errors.Is(err, chatgateway.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, errorResponse(err.Error(), "invalid_input"))
	case errors.Is(err, chatgateway.ErrProviderError), errors.Is(err, chatgateway.ErrProviderUnavailable):
		writeJSON(w, http.StatusBadGateway, errorResponse(err.Error(), "provider_error"))
	default:
		slog.Error("transport: unhandled error", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse("internal server error", "internal"))
	}
}

func formatRetryAfter(seconds float64) string {
	whole := int(seconds)
	if float64(whole) < seconds {
		whole++
	}
	if whole < 1 {
		whole = 1
	}
	return strconv.Itoa(whole)
}
