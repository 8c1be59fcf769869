// Package session implements the session store (C3): ownership-checked
// conversation CRUD with per-session serialization for concurrent appends.
package session

import (
	"context"
	"sync"
	"time"

	chatgateway "github.com/eugener/chatgate/internal"
	"github.com/eugener/chatgate/internal/storage"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const defaultSessionName = "New chat"

// Locks hands out a per-session mutex, growing the map lazily. It never
// shrinks on its own -- callers needing eviction should wrap with their own
// sweep, mirroring the teacher's rate limiter registry discipline.
type Locks struct {
	mu sync.Map // sessionID -> *sync.Mutex
}

func (l *Locks) lockFor(sessionID string) *sync.Mutex {
	v, _ := l.mu.LoadOrStore(sessionID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Manager implements C3's operations over a storage.SessionStore, enforcing
// ownership and serializing per-session mutation. The lock is held only
// around the individual store call it brackets -- never across a provider
// network call. The orchestrator has its own, separate ordering mechanism
// (a turn queue) for the commit step of a streamed turn; it does not reuse
// this type.
type Manager struct {
	store storage.SessionStore
	locks Locks
}

// NewManager returns a Manager backed by store.
func NewManager(store storage.SessionStore) *Manager {
	return &Manager{store: store}
}

// CreateSession creates a new session for userID.
func (m *Manager) CreateSession(ctx context.Context, userID, initialName string) (*chatgateway.Session, error) {
	if initialName == "" {
		initialName = defaultSessionName
	}
	now := time.Now().UTC()
	sess := &chatgateway.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      initialName,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// GetSession fetches a session, enforcing that userID owns it.
func (m *Manager) GetSession(ctx context.Context, sessionID, userID string) (*chatgateway.Session, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, chatgateway.ErrForbidden
	}
	return sess, nil
}

// ListSessions returns a page of session summaries for userID.
func (m *Manager) ListSessions(ctx context.Context, userID string, offset, limit int) ([]chatgateway.SessionSummary, error) {
	return m.store.ListSessions(ctx, userID, offset, limit)
}

// RenameSession renames a session, enforcing ownership.
func (m *Manager) RenameSession(ctx context.Context, sessionID, userID, newName string) error {
	if _, err := m.GetSession(ctx, sessionID, userID); err != nil {
		return err
	}
	return m.store.RenameSession(ctx, sessionID, newName)
}

// DeleteSession deletes a session and, via the foreign key, its messages.
func (m *Manager) DeleteSession(ctx context.Context, sessionID, userID string) error {
	if _, err := m.GetSession(ctx, sessionID, userID); err != nil {
		return err
	}
	return m.store.DeleteSession(ctx, sessionID)
}

// AppendMessage appends a message, serialized per session, and bumps the
// session's updated_at.
func (m *Manager) AppendMessage(ctx context.Context, sessionID, userID, role, content string, provider, model *string, usage *chatgateway.TokenUsage) (*chatgateway.Message, error) {
	if _, err := m.GetSession(ctx, sessionID, userID); err != nil {
		return nil, err
	}

	lock := m.locks.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	msg := &chatgateway.Message{
		ID:         ulid.Make().String(),
		SessionID:  sessionID,
		Role:       role,
		Content:    content,
		Provider:   provider,
		Model:      model,
		CreatedAt:  time.Now().UTC(),
		TokenUsage: usage,
	}
	if err := m.store.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// ListMessages returns messages for sessionID, enforcing ownership.
func (m *Manager) ListMessages(ctx context.Context, sessionID, userID, afterID string, limit int) ([]chatgateway.Message, error) {
	if _, err := m.GetSession(ctx, sessionID, userID); err != nil {
		return nil, err
	}
	return m.store.ListMessages(ctx, sessionID, afterID, limit)
}

// EditMessage edits a message's content. Only user-role messages may be
// edited.
func (m *Manager) EditMessage(ctx context.Context, messageID, userID, newContent string) error {
	msg, err := m.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if _, err := m.GetSession(ctx, msg.SessionID, userID); err != nil {
		return err
	}
	if msg.Role != "user" {
		return chatgateway.ErrForbidden
	}

	lock := m.locks.lockFor(msg.SessionID)
	lock.Lock()
	defer lock.Unlock()
	return m.store.EditMessage(ctx, messageID, newContent)
}

// DeleteMessage deletes messageID and every later message in its session,
// enforcing ownership.
func (m *Manager) DeleteMessage(ctx context.Context, messageID, userID string) error {
	msg, err := m.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if _, err := m.GetSession(ctx, msg.SessionID, userID); err != nil {
		return err
	}

	lock := m.locks.lockFor(msg.SessionID)
	lock.Lock()
	defer lock.Unlock()
	return m.store.DeleteMessageAndAfter(ctx, msg.SessionID, messageID)
}

// BranchSession creates a child session inheriting every message up to and
// including atMessageID.
func (m *Manager) BranchSession(ctx context.Context, sessionID, userID, atMessageID, newName string) (*chatgateway.Session, error) {
	if _, err := m.GetSession(ctx, sessionID, userID); err != nil {
		return nil, err
	}
	if newName == "" {
		newName = defaultSessionName
	}

	now := time.Now().UTC()
	child := &chatgateway.Session{
		ID:                   uuid.NewString(),
		UserID:               userID,
		Name:                 newName,
		CreatedAt:            now,
		UpdatedAt:            now,
		ParentSessionID:      &sessionID,
		BranchPointMessageID: &atMessageID,
	}

	lock := m.locks.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := m.store.CreateSession(ctx, child); err != nil {
		return nil, err
	}
	if err := m.store.CopyMessagesUpTo(ctx, sessionID, child.ID, atMessageID); err != nil {
		return nil, err
	}
	return child, nil
}
