// Package chatgateway defines domain types and interfaces for the chat
// gateway. This package has no project imports -- it is the dependency root.
package chatgateway

import (
	"context"
	"time"
)

// --- Users, credentials, sessions, messages (ownership rules: a User owns
// its ApiKeyRecords and Sessions; a Session owns its Messages). ---

// User is an authenticated account.
type User struct {
	ID           string    `json:"id"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // "user" or "admin"
	CreatedAt    time.Time `json:"created_at"`
	IsActive     bool      `json:"is_active"`
}

// ApiKeyRecord is an encrypted per-user provider API key.
type ApiKeyRecord struct {
	UserID     string     `json:"user_id"`
	Provider   string     `json:"provider"`
	Ciphertext string     `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// ApiKeySummary is the list() view of an ApiKeyRecord: never plaintext.
type ApiKeySummary struct {
	Provider   string     `json:"provider"`
	HasKey     bool       `json:"has_key"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// Session is an ordered sequence of messages sharing a conversational context.
type Session struct {
	ID                   string    `json:"id"`
	UserID               string    `json:"user_id"`
	Name                 string    `json:"name"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
	ParentSessionID      *string   `json:"parent_session_id,omitempty"`
	BranchPointMessageID *string   `json:"branch_point_message_id,omitempty"`
}

// SessionSummary is the list_sessions() view.
type SessionSummary struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	MessageCount int       `json:"message_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TokenUsage reports token accounting for one assistant message.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Message is one entry in a session's conversation log. MessageID ordering
// (string, ULID) equals CreatedAt ordering equals logical conversation order.
type Message struct {
	ID        string      `json:"id"`
	SessionID string      `json:"session_id"`
	Role      string      `json:"role"` // "system", "user", "assistant"
	Content   string      `json:"content"`
	Provider  *string     `json:"provider,omitempty"`
	Model     *string     `json:"model,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	EditedAt  *time.Time  `json:"edited_at,omitempty"`
	TokenUsage *TokenUsage `json:"token_usage,omitempty"`
}

// --- Provider adapter interface (C4) ---

// ChunkKind distinguishes the shape of a streamed Chunk.
type ChunkKind int

const (
	ChunkContent ChunkKind = iota
	ChunkUsage
	ChunkEnd
	ChunkError
)

func (k ChunkKind) String() string {
	switch k {
	case ChunkContent:
		return "content"
	case ChunkUsage:
		return "usage"
	case ChunkEnd:
		return "end"
	case ChunkError:
		return "error"
	default:
		return "unknown"
	}
}

// Chunk is one item in a provider adapter's lazy finite stream. Ordering:
// content items in generation order, optionally one usage item, terminated
// by an end or error item.
type Chunk struct {
	Kind  ChunkKind
	Text  string
	Usage *TokenUsage
	Err   error
}

// StreamOptions carries per-call parameters for a provider adapter.
type StreamOptions struct {
	MaxTokens        int
	ExtendedThinking bool
}

// Provider is the interface every adapter implements to normalize a
// provider-specific streaming API to one shape.
type Provider interface {
	// Name returns the provider identifier (e.g. "provider-a").
	Name() string
	// Stream sends the normalized conversation to the provider and returns
	// a channel of Chunk values terminated by a ChunkEnd or ChunkError item.
	Stream(ctx context.Context, model string, messages []Message, opts StreamOptions, apiKey string) (<-chan Chunk, error)
}

// --- Context propagation ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// UserID is set later by the authenticate middleware via mutation of the
// same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	UserID    string
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// UserIDFromContext extracts the authenticated user id from context.
func UserIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.UserID
	}
	return ""
}

// ContextWithUserID stores the user id in the existing requestMeta if
// present, avoiding a new context.WithValue allocation. Falls back to
// creating new metadata if none exists (e.g. in tests).
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.UserID = userID
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{UserID: userID})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}
