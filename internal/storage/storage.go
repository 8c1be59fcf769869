// Package storage defines persistence interfaces for the chat gateway.
package storage

import (
	"context"

	chatgateway "github.com/eugener/chatgate/internal"
)

// UserStore manages user account persistence.
type UserStore interface {
	CreateUser(ctx context.Context, u *chatgateway.User) error
	GetUser(ctx context.Context, id string) (*chatgateway.User, error)
	GetUserByUsername(ctx context.Context, username string) (*chatgateway.User, error)
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	DeactivateUser(ctx context.Context, id string) error
}

// CredentialStore manages encrypted per-user provider API key persistence.
type CredentialStore interface {
	StoreKey(ctx context.Context, rec *chatgateway.ApiKeyRecord) error
	GetKey(ctx context.Context, userID, provider string) (*chatgateway.ApiKeyRecord, error)
	ListKeys(ctx context.Context, userID string) ([]chatgateway.ApiKeySummary, error)
	DeleteKey(ctx context.Context, userID, provider string) error
	TouchKeyUsed(ctx context.Context, userID, provider string) error
}

// SessionStore manages session and message persistence.
type SessionStore interface {
	CreateSession(ctx context.Context, s *chatgateway.Session) error
	GetSession(ctx context.Context, sessionID string) (*chatgateway.Session, error)
	ListSessions(ctx context.Context, userID string, offset, limit int) ([]chatgateway.SessionSummary, error)
	RenameSession(ctx context.Context, sessionID, name string) error
	DeleteSession(ctx context.Context, sessionID string) error
	TouchSession(ctx context.Context, sessionID string) error

	AppendMessage(ctx context.Context, m *chatgateway.Message) error
	ListMessages(ctx context.Context, sessionID, afterID string, limit int) ([]chatgateway.Message, error)
	GetMessage(ctx context.Context, messageID string) (*chatgateway.Message, error)
	EditMessage(ctx context.Context, messageID, newContent string) error
	DeleteMessageAndAfter(ctx context.Context, sessionID, messageID string) error
	CopyMessagesUpTo(ctx context.Context, fromSessionID, toSessionID, uptoMessageID string) error
}

// Store combines all storage interfaces.
type Store interface {
	UserStore
	CredentialStore
	SessionStore
	Close() error
}
