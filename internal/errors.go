package chatgateway

import "errors"

// Sentinel errors for the chat gateway domain. Each maps to a stable HTTP
// status at the transport layer.
var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrTokenExpired        = errors.New("token expired")
	ErrForbidden           = errors.New("forbidden")
	ErrNotFound            = errors.New("not found")
	ErrRateLimited         = errors.New("rate limited")
	ErrProviderError       = errors.New("provider error")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrProviderNotConfigured = errors.New("provider not configured")
	ErrNoCredentials       = errors.New("no credentials")
)
